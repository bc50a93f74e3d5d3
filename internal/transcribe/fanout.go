// Package transcribe runs one speech-to-text request per encoded unit,
// concurrently, and gathers every outcome before returning.
//
// Each request gets its own deadline. A unit that fails, times out or comes
// back as a known silence hallucination is logged and reported with a
// non-text status; it never affects its siblings and never turns into an
// error for the caller.
package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/provider/stt"
	"github.com/MrWong99/voxlog/pkg/types"
)

// DefaultUnitTimeout bounds a single transcription request.
const DefaultUnitTimeout = 300 * time.Second

// DefaultPlaceholders are phrases Whisper-family models emit for silence or
// noise. A unit whose whole text is one of them counts as empty.
var DefaultPlaceholders = []string{
	"Продолжение следует...",
	"Субтитры сделал DimaTorzok",
	"Субтитры создавал DimaTorzok",
	"Thank you for watching",
	"Thanks for watching!",
	"you",
}

// FanOut transcribes units concurrently. It is safe for concurrent use.
type FanOut struct {
	transcriber    stt.Transcriber
	unitTimeout    time.Duration
	maxConcurrency int
	placeholders   map[string]struct{}
	metrics        *observe.Metrics

	mu       sync.RWMutex
	language string
	hints    []string
}

// Option is a functional option for [New].
type Option func(*FanOut)

// WithUnitTimeout sets the per-unit deadline. Non-positive values keep
// [DefaultUnitTimeout].
func WithUnitTimeout(d time.Duration) Option {
	return func(f *FanOut) {
		if d > 0 {
			f.unitTimeout = d
		}
	}
}

// WithMaxConcurrency bounds the number of in-flight requests. Zero means
// unbounded.
func WithMaxConcurrency(n int) Option {
	return func(f *FanOut) { f.maxConcurrency = n }
}

// WithLanguage sets the recognition language forwarded with every unit.
func WithLanguage(lang string) Option {
	return func(f *FanOut) { f.language = lang }
}

// WithHints sets proper nouns forwarded to providers that accept a prompt or
// keyword list.
func WithHints(hints []string) Option {
	return func(f *FanOut) { f.hints = hints }
}

// WithPlaceholders adds phrases to the default placeholder list.
func WithPlaceholders(extra ...string) Option {
	return func(f *FanOut) {
		for _, p := range extra {
			if k := placeholderKey(p); k != "" {
				f.placeholders[k] = struct{}{}
			}
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *FanOut) { f.metrics = m }
}

// New creates a FanOut that sends units to tr.
func New(tr stt.Transcriber, opts ...Option) *FanOut {
	f := &FanOut{
		transcriber:  tr,
		unitTimeout:  DefaultUnitTimeout,
		placeholders: make(map[string]struct{}, len(DefaultPlaceholders)),
	}
	for _, p := range DefaultPlaceholders {
		f.placeholders[placeholderKey(p)] = struct{}{}
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// SetLanguage changes the recognition language for units transcribed from
// now on.
func (f *FanOut) SetLanguage(lang string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.language = lang
}

// SetHints replaces the proper-noun hints.
func (f *FanOut) SetHints(hints []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = hints
}

// Language returns the current recognition language.
func (f *FanOut) Language() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.language
}

// TranscribeAll transcribes every unit and returns one piece per unit, in
// input order. It returns only after every request has finished, failed or
// timed out.
func (f *FanOut) TranscribeAll(ctx context.Context, units []types.Unit) []types.Piece {
	pieces := make([]types.Piece, len(units))
	if len(units) == 0 {
		return pieces
	}

	// Tasks never return an error, so the group is a plain gather join and a
	// failing unit cannot cancel its siblings.
	var g errgroup.Group
	if f.maxConcurrency > 0 {
		g.SetLimit(f.maxConcurrency)
	}
	for i, u := range units {
		g.Go(func() error {
			pieces[i] = f.transcribe(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return pieces
}

// transcribe runs one unit under its own deadline.
func (f *FanOut) transcribe(ctx context.Context, u types.Unit) types.Piece {
	piece := types.Piece{
		Participant: u.Participant,
		Seq:         u.Seq,
		Index:       u.Index,
	}
	log := observe.Logger(ctx).With(
		"participant", u.Participant.ID,
		"seq", u.Seq,
		"index", u.Index,
	)

	uctx, cancel := context.WithTimeout(ctx, f.unitTimeout)
	defer cancel()
	uctx, span := observe.StartSpan(uctx, "transcribe.unit")
	defer span.End()

	f.mu.RLock()
	req := stt.Request{
		Path:      u.Path,
		Format:    u.Format,
		Container: u.Container,
		Language:  f.language,
		Hints:     f.hints,
	}
	f.mu.RUnlock()

	start := time.Now()
	text, err := f.transcriber.Transcribe(uctx, req)
	piece.Latency = time.Since(start)
	f.metrics.STTDuration.Record(ctx, piece.Latency.Seconds())

	switch {
	case err != nil:
		piece.Status = types.PieceFailed
		piece.Err = err
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("transcription timed out", "timeout", f.unitTimeout, "error", err)
		} else {
			log.Warn("transcription failed", "error", err)
		}
	default:
		text = strings.TrimSpace(text)
		if text == "" || f.IsPlaceholder(text) {
			piece.Status = types.PieceEmpty
			log.Info("transcription empty", "text", text, "latency", piece.Latency)
		} else {
			piece.Status = types.PieceText
			piece.Text = text
			log.Debug("transcription done", "chars", len(text), "latency", piece.Latency)
		}
	}
	f.metrics.RecordPiece(ctx, piece.Status.String())
	return piece
}

// IsPlaceholder reports whether text is a known silence hallucination.
func (f *FanOut) IsPlaceholder(text string) bool {
	_, ok := f.placeholders[placeholderKey(text)]
	return ok
}

// placeholderKey normalises text for placeholder comparison: case folded,
// surrounding space and trailing punctuation removed.
func placeholderKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, " .!?…")
}
