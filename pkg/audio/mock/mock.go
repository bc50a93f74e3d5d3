// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Capture] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts and arguments, and they expose helpers to
// push frames, speaker events and transport failures into a capture.
//
// Typical usage:
//
//	capture := mock.NewCapture()
//	platform := &mock.Platform{ConnectResult: capture}
//	capture.Push(audio.Frame{SSRC: 7, PCM: pcm, Format: audio.Discord})
//	capture.Speak(audio.SpeakerEvent{SSRC: 7, UserID: "u1", Username: "Alice"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlog/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Create it with
// [NewCapture]; the zero value is not usable.
type Capture struct {
	mu sync.Mutex

	frames   chan audio.Frame
	speakers chan audio.SpeakerEvent
	done     chan struct{}
	closed   bool
	err      error

	// DisconnectError is returned by the first [Capture.Disconnect] call.
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewCapture returns a live mock capture with generously buffered channels.
func NewCapture() *Capture {
	return &Capture{
		frames:   make(chan audio.Frame, 1024),
		speakers: make(chan audio.SpeakerEvent, 64),
		done:     make(chan struct{}),
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Speakers implements [audio.Capture].
func (c *Capture) Speakers() <-chan audio.SpeakerEvent { return c.speakers }

// Done implements [audio.Capture].
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err implements [audio.Capture].
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Disconnect implements [audio.Capture]. Returns DisconnectError on the first
// call and nil afterwards.
func (c *Capture) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	first := !c.closed
	c.mu.Unlock()
	c.close(nil)
	if first {
		return c.DisconnectError
	}
	return nil
}

// Push delivers a frame as if it arrived from the transport. Frames pushed
// after the capture closed are discarded.
func (c *Capture) Push(f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- f
}

// Speak delivers a speaker identity event. Events after close are discarded.
func (c *Capture) Speak(ev audio.SpeakerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.speakers <- ev
}

// Fail simulates a transport disconnect with the given cause.
func (c *Capture) Fail(err error) {
	c.close(err)
}

func (c *Capture) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	close(c.frames)
	close(c.speakers)
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Capture] returned by Connect.
	ConnectResult audio.Capture

	// ConnectFunc, if set, is called instead of returning ConnectResult.
	ConnectFunc func(guildID, channelID string) (audio.Capture, error)

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Capture, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	fn := p.ConnectFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(guildID, channelID)
	}
	return p.ConnectResult, p.ConnectError
}

// Calls returns a copy of the recorded Connect invocations.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}
