package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxlog/pkg/provider/stt/mock"
	"github.com/MrWong99/voxlog/pkg/types"
	"go.opentelemetry.io/otel/metric/noop"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// units builds n units for participant id, one per segment.
func units(id string, n int) []types.Unit {
	out := make([]types.Unit, n)
	for i := range n {
		out[i] = types.Unit{
			Participant: types.Participant{ID: id},
			Seq:         i + 1,
			Path:        fmt.Sprintf("/tmp/%s-%d.mp3", id, i+1),
			Container:   "mp3",
		}
	}
	return out
}

func TestTranscribeAll_Outcomes(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{
		Text: "  hello  ",
		Results: map[string]sttmock.Result{
			"a-2.mp3": {Err: errors.New("boom")},
			"a-3.mp3": {Text: ""},
			"a-4.mp3": {Text: "Продолжение следует..."},
		},
	}
	f := New(tr, WithMetrics(testMetrics(t)), WithLanguage("ru"), WithHints([]string{"Alice"}))

	pieces := f.TranscribeAll(context.Background(), units("a", 5))
	if len(pieces) != 5 {
		t.Fatalf("pieces = %d, want 5", len(pieces))
	}

	want := []types.PieceStatus{types.PieceText, types.PieceFailed, types.PieceEmpty, types.PieceEmpty, types.PieceText}
	for i, p := range pieces {
		if p.Status != want[i] {
			t.Errorf("piece %d status = %v, want %v", i, p.Status, want[i])
		}
		if p.Seq != i+1 || p.Participant.ID != "a" {
			t.Errorf("piece %d identity = %+v, want input order", i, p)
		}
	}
	if pieces[0].Text != "hello" {
		t.Errorf("text = %q, want trimmed", pieces[0].Text)
	}
	if pieces[1].Err == nil {
		t.Error("failed piece has no error")
	}
	if pieces[2].Text != "" || pieces[3].Text != "" {
		t.Error("empty pieces must carry no text")
	}

	for _, c := range tr.Calls {
		if c.Language != "ru" || len(c.Hints) != 1 || c.Container != "mp3" {
			t.Errorf("request = %+v", c)
		}
	}
}

func TestTranscribeAll_AllFailNeverErrors(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{Err: errors.New("provider down")}
	f := New(tr, WithMetrics(testMetrics(t)))

	pieces := f.TranscribeAll(context.Background(), units("a", 3))
	for i, p := range pieces {
		if p.Status != types.PieceFailed || p.Text != "" {
			t.Errorf("piece %d = %+v, want failed without text", i, p)
		}
	}
}

func TestTranscribeAll_Empty(t *testing.T) {
	t.Parallel()
	f := New(&sttmock.Transcriber{}, WithMetrics(testMetrics(t)))
	if got := f.TranscribeAll(context.Background(), nil); len(got) != 0 {
		t.Errorf("pieces = %v, want none", got)
	}
}

// TestTranscribeAll_TimeoutIsolated checks that a hanging unit times out on
// its own while the others complete, and that the call returns only after
// the hanging unit is terminal.
func TestTranscribeAll_TimeoutIsolated(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(ctx context.Context, req stt.Request) (string, error) {
			if req.Path == "/tmp/a-2.mp3" {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "ok", nil
		},
	}
	f := New(tr, WithMetrics(testMetrics(t)), WithUnitTimeout(50*time.Millisecond))

	start := time.Now()
	pieces := f.TranscribeAll(context.Background(), units("a", 3))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the hanging unit timed out", elapsed)
	}
	if pieces[1].Status != types.PieceFailed || !errors.Is(pieces[1].Err, context.DeadlineExceeded) {
		t.Errorf("hanging piece = %+v, want DeadlineExceeded failure", pieces[1])
	}
	if pieces[0].Status != types.PieceText || pieces[2].Status != types.PieceText {
		t.Errorf("siblings affected: %+v / %+v", pieces[0], pieces[2])
	}
}

func TestTranscribeAll_RunsConcurrently(t *testing.T) {
	t.Parallel()
	const n = 4
	var (
		mu      sync.Mutex
		arrived int
		release = make(chan struct{})
	)
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(ctx context.Context, req stt.Request) (string, error) {
			mu.Lock()
			arrived++
			if arrived == n {
				close(release)
			}
			mu.Unlock()
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	f := New(tr, WithMetrics(testMetrics(t)), WithUnitTimeout(2*time.Second))

	for i, p := range f.TranscribeAll(context.Background(), units("a", n)) {
		if p.Status != types.PieceText {
			t.Errorf("piece %d = %v; units were not in flight together", i, p.Status)
		}
	}
}

func TestTranscribeAll_MaxConcurrency(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(ctx context.Context, req stt.Request) (string, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return "ok", nil
		},
	}
	f := New(tr, WithMetrics(testMetrics(t)), WithMaxConcurrency(2))

	pieces := f.TranscribeAll(context.Background(), units("a", 8))
	if len(pieces) != 8 {
		t.Fatalf("pieces = %d", len(pieces))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
}

func TestIsPlaceholder(t *testing.T) {
	t.Parallel()
	f := New(&sttmock.Transcriber{}, WithMetrics(testMetrics(t)), WithPlaceholders("Like and subscribe"))

	tests := []struct {
		text string
		want bool
	}{
		{"Продолжение следует...", true},
		{"продолжение следует", true},
		{"  Субтитры сделал DimaTorzok ", true},
		{"Субтитры создавал DimaTorzok", true},
		{"thank you for watching.", true},
		{"Thanks for watching!", true},
		{"You", true},
		{"you know what", false},
		{"like and subscribe!", true},
		{"Hello there", false},
	}
	for _, tc := range tests {
		if got := f.IsPlaceholder(tc.text); got != tc.want {
			t.Errorf("IsPlaceholder(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestSetLanguageAndHints(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{Text: "hi"}
	f := New(tr, WithMetrics(testMetrics(t)), WithLanguage("ru"))

	f.SetLanguage("de")
	f.SetHints([]string{"Bob", "Carol"})
	if f.Language() != "de" {
		t.Errorf("Language() = %q, want de", f.Language())
	}

	f.TranscribeAll(context.Background(), units("a", 1))
	if len(tr.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(tr.Calls))
	}
	if c := tr.Calls[0]; c.Language != "de" || len(c.Hints) != 2 {
		t.Errorf("request = %+v", c)
	}
}
