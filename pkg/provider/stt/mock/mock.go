// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to script per-unit outcomes and inspect which requests the
// caller made.
//
// Example:
//
//	tr := &mock.Transcriber{Text: "hello"}
//	tr.Results = map[string]mock.Result{"unit-2.mp3": {Err: errBoom}}
//	text, err := tr.Transcribe(ctx, stt.Request{Path: "unit-1.mp3"})
package mock

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/MrWong99/voxlog/pkg/provider/stt"
)

// Result is a scripted outcome for one unit.
type Result struct {
	Text string
	Err  error
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned for every request without a scripted result.
	Text string

	// Err, if non-nil, is returned for every request without a scripted result.
	Err error

	// Results maps the base name of Request.Path to a scripted outcome.
	Results map[string]Result

	// TranscribeFunc, if set, replaces the scripted behaviour entirely.
	TranscribeFunc func(ctx context.Context, req stt.Request) (string, error)

	// Block, if non-nil, makes every call wait until it is closed or the
	// call's context ends.
	Block chan struct{}

	// Calls records every request, in call order.
	Calls []stt.Request
}

// Transcribe records the call and returns the scripted outcome.
func (m *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.TranscribeFunc
	block := m.Block
	res, scripted := m.Results[filepath.Base(req.Path)]
	text, err := m.Text, m.Err
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if scripted {
		return res.Text, res.Err
	}
	return text, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
