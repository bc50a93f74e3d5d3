// Package summary produces the conversation summary posted after a recording
// ends.
//
// The summary is generated from the unformatted, name-corrected transcript
// with a user-supplied system prompt (by default read from prompt.md).
// Unlike reformatting, summarisation failures are reported to the caller so
// that the channel can be told the summary is missing.
//
// All exported types are safe for concurrent use.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/provider/llm"
)

// DefaultTemperature leaves the model some freedom in wording.
const DefaultTemperature = 0.7

// DefaultPrompt is used when no prompt file is configured or it is empty.
const DefaultPrompt = `Summarise the following voice-chat transcript.
List the topics discussed, the decisions made and any follow-up actions with
the person responsible. Be concise and write in the language of the
transcript.`

// ErrEmptySummary is returned when the model answers with no text.
var ErrEmptySummary = errors.New("summary: model returned an empty summary")

// Summariser produces a concise summary of a finished conversation.
type Summariser interface {
	// Summarise returns the summary of transcript. An empty transcript
	// yields an empty summary and no error.
	Summarise(ctx context.Context, transcript string) (string, error)
}

// Option is a functional option for configuring an [LLMSummariser].
type Option func(*LLMSummariser)

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(s *LLMSummariser) {
		s.temperature = t
	}
}

// WithMetrics sets the metrics instance used to record LLM latency.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *LLMSummariser) {
		s.metrics = m
	}
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm         llm.Provider
	temperature float64
	metrics     *observe.Metrics

	mu     sync.RWMutex
	prompt string
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a new [LLMSummariser] backed by the given
// provider. An empty prompt selects [DefaultPrompt].
func NewLLMSummariser(provider llm.Provider, prompt string, opts ...Option) *LLMSummariser {
	s := &LLMSummariser{
		llm:         provider,
		temperature: DefaultTemperature,
	}
	s.SetPrompt(prompt)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetPrompt replaces the system prompt. An empty prompt selects
// [DefaultPrompt].
func (s *LLMSummariser) SetPrompt(prompt string) {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// Prompt returns the current system prompt.
func (s *LLMSummariser) Prompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

// Summarise sends the transcript as a single user message below the
// configured system prompt and returns the trimmed reply.
func (s *LLMSummariser) Summarise(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}

	ctx, span := observe.StartSpan(ctx, "summary.summarise")
	defer span.End()

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.Request{
		SystemPrompt: s.Prompt(),
		Messages:     []llm.Message{llm.UserMessage(transcript)},
		Temperature:  llm.Temperature(s.temperature),
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", "summary")))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("summary: summarise: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptySummary
	}

	observe.Logger(ctx).Debug("summary: created", "chars", len(resp.Content))
	return strings.TrimSpace(resp.Content), nil
}
