// Package resilience keeps transcription and text generation running when a
// provider misbehaves.
//
// Every provider in a [FallbackGroup] sits behind its own [CircuitBreaker].
// A breaker trips after a run of provider failures and sheds calls to that
// provider until a cool-down passes, so a dead endpoint does not eat the
// per-unit transcription budget of every segment in a session.
//
// Only failures that say something about the provider count. When a call
// ends because the caller's context ended (the fan-out's per-unit deadline,
// or a session that is shutting down) the breaker leaves its counters alone.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is shedding calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// has passed.
	StateOpen

	// StateHalfOpen lets a bounded number of trial calls through. Enough
	// successful trials close the breaker; a failed one opens it again.
	StateHalfOpen
)

// String returns the state name, used in logs and as a metric label.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero
// values select the defaults.
type CircuitBreakerConfig struct {
	// Name identifies the provider in logs.
	Name string

	// MaxFailures is the run of consecutive provider failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before admitting trial calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls allowed, and the number of
	// successes needed to close. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// outcome classifies one finished call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure

	// outcomeAbandoned means the caller's context ended; the provider was
	// never given a fair chance.
	outcomeAbandoned
)

func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		return outcomeAbandoned
	default:
		return outcomeFailure
	}
}

// CircuitBreaker guards one provider.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int // consecutive, while closed
	openedAt time.Time
	trials   int // in flight or finished, while half-open
	passed   int // successful trials
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn if the breaker admits the call and books its result. fn
// must honour ctx; if it fails because ctx ended, the call is not held
// against the provider.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, classify(ctx, err))
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var from State
	transitioned := false
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, transitioned = cb.enter(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}
	cb.mu.Unlock()

	if transitioned {
		cb.notify(from, StateHalfOpen)
	}
	return trial, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial bool, o outcome) {
	cb.mu.Lock()
	var (
		from, to     State
		transitioned bool
	)
	switch {
	case o == outcomeAbandoned:
		if trial && cb.state == StateHalfOpen {
			cb.trials--
		}
	case trial && cb.state == StateHalfOpen:
		if o == outcomeFailure {
			from, transitioned = cb.enter(StateOpen)
			to = StateOpen
			break
		}
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			from, transitioned = cb.enter(StateClosed)
			to = StateClosed
		}
	case cb.state == StateClosed:
		if o == outcomeSuccess {
			cb.failures = 0
			break
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			from, transitioned = cb.enter(StateOpen)
			to = StateOpen
		}
	}
	cb.mu.Unlock()

	if transitioned {
		cb.notify(from, to)
	}
}

// enter switches to s and resets the counters that belong to it. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) enter(s State) (from State, changed bool) {
	from = cb.state
	cb.state = s
	cb.trials, cb.passed = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateClosed:
		cb.failures = 0
	}
	return from, from != s
}

func (cb *CircuitBreaker) notify(from, to State) {
	if to == StateOpen {
		slog.Warn("provider circuit opened", "provider", cb.name, "from", from)
	} else {
		slog.Info("provider circuit state changed", "provider", cb.name, "from", from, "to", to)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.enter(StateClosed)
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateClosed)
	}
}
