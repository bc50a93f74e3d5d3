package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func fail() error    { return errTest }
func succeed() error { return nil }

// trip runs n failing calls through cb.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(context.Background(), fail)
	}
}

// transitions collects OnStateChange callbacks.
type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(_ string, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, fmt.Sprintf("%s>%s", from, to))
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		calls []func() error
		want  State
	}{
		{"below threshold", []func() error{fail, fail}, StateClosed},
		{"at threshold", []func() error{fail, fail, fail}, StateOpen},
		{"success resets the run", []func() error{fail, fail, succeed, fail, fail}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "openai", MaxFailures: 3, ResetTimeout: time.Hour})
			for _, call := range tt.calls {
				_ = cb.Execute(context.Background(), call)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenShedsCalls(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "openai", MaxFailures: 2, ResetTimeout: time.Hour})
	trip(cb, 2)

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker forwarded the call")
	}
}

// A unit whose fan-out deadline expires says nothing about the provider.
func TestCircuitBreaker_CallerDeadlineIsNotAFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "deepgram", MaxFailures: 2, ResetTimeout: time.Hour})

	for range 5 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := cb.Execute(ctx, func() error {
			<-ctx.Done()
			return fmt.Errorf("transcribe: %w", ctx.Err())
		})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want the deadline error passed through", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after caller deadlines", cb.State())
	}
}

// A provider that times out on its own, with the caller still waiting, is
// failing.
func TestCircuitBreaker_ProviderDeadlineIsAFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper", MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		_ = cb.Execute(context.Background(), func() error {
			return fmt.Errorf("http: %w", context.DeadlineExceeded)
		})
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		trials []func() error
		want   State
		trail  []string
	}{
		{
			name:   "trials succeed",
			trials: []func() error{succeed, succeed},
			want:   StateClosed,
			trail:  []string{"closed>open", "open>half-open", "half-open>closed"},
		},
		{
			name:   "trial fails",
			trials: []func() error{succeed, fail},
			want:   StateOpen,
			trail:  []string{"closed>open", "open>half-open", "half-open>open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var tr transitions
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:          "anthropic",
				MaxFailures:   2,
				ResetTimeout:  10 * time.Millisecond,
				HalfOpenMax:   2,
				OnStateChange: tr.record,
			})
			trip(cb, 2)
			time.Sleep(15 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after the cool-down", cb.State())
			}

			for _, trial := range tt.trials {
				_ = cb.Execute(context.Background(), trial)
			}

			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if trail := tr.list(); fmt.Sprint(trail) != fmt.Sprint(tt.trail) {
				t.Errorf("transitions = %v, want %v", trail, tt.trail)
			}
		})
	}
}

func TestCircuitBreaker_AbandonedTrialFreesItsSlot(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "openai",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
	})
	trip(cb, 1)
	time.Sleep(15 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Execute(ctx, func() error { return ctx.Err() }); !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned trial err = %v", err)
	}

	// The single trial slot is free again, and a success closes the breaker.
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("trial after abandoned one: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	var tr transitions
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "ollama", MaxFailures: 2, ResetTimeout: time.Hour, OnStateChange: tr.record})
	trip(cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
	cb.Reset() // already closed: no transition
	if got := tr.list(); len(got) != 2 || got[1] != "open>closed" {
		t.Errorf("transitions = %v", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
