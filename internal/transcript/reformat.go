package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/provider/llm"
)

// DefaultReformatTemperature keeps the reformatting pass deterministic.
const DefaultReformatTemperature = 0.0

// ReformatOption is a functional option for configuring a [Reformatter].
type ReformatOption func(*Reformatter)

// WithReformatTemperature overrides [DefaultReformatTemperature].
func WithReformatTemperature(t float64) ReformatOption {
	return func(r *Reformatter) {
		r.temperature = t
	}
}

// WithReformatMetrics sets the metrics instance used to record LLM latency.
// Defaults to [observe.DefaultMetrics].
func WithReformatMetrics(m *observe.Metrics) ReformatOption {
	return func(r *Reformatter) {
		r.metrics = m
	}
}

// Reformatter asks a language model to tidy an assembled transcript into a
// readable dialog. It never fails: on any error, an empty reply, or an empty
// prompt the input is returned unchanged.
//
// Reformatter is safe for concurrent use. The prompt may be replaced at any
// time with [Reformatter.SetPrompt].
type Reformatter struct {
	llm         llm.Provider
	temperature float64
	metrics     *observe.Metrics

	mu     sync.RWMutex
	prompt string
}

// NewReformatter returns a [Reformatter] that sends prompt as the system
// message.
func NewReformatter(p llm.Provider, prompt string, opts ...ReformatOption) *Reformatter {
	r := &Reformatter{
		llm:         p,
		prompt:      prompt,
		temperature: DefaultReformatTemperature,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// SetPrompt replaces the system prompt. Used on config reload.
func (r *Reformatter) SetPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompt = prompt
}

// Prompt returns the current system prompt.
func (r *Reformatter) Prompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prompt
}

// Reformat returns the reformatted text, or text itself when the model
// cannot help.
func (r *Reformatter) Reformat(ctx context.Context, text string) string {
	prompt := r.Prompt()
	if r.llm == nil || strings.TrimSpace(prompt) == "" || strings.TrimSpace(text) == "" {
		return text
	}

	ctx, span := observe.StartSpan(ctx, "transcript.reformat")
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	resp, err := r.llm.Complete(ctx, llm.Request{
		SystemPrompt: prompt,
		Messages:     []llm.Message{llm.UserMessage(text)},
		Temperature:  llm.Temperature(r.temperature),
	})
	r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", "reformat")))
	if err != nil {
		span.RecordError(err)
		log.Warn("transcript: reformat failed, keeping original", "err", err)
		return text
	}

	var out string
	if resp != nil {
		out = strings.TrimSpace(resp.Content)
	}
	if out == "" {
		log.Warn("transcript: reformat returned empty reply, keeping original")
		return text
	}
	log.Debug("transcript: reformatted", "in_chars", len(text), "out_chars", len(out))
	return out
}
