// Package audio defines the voice-capture abstractions used by voxlog.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Capture].
//   - [Capture] delivers the channel's multiplexed audio as [Frame] values,
//     speaker identity as [SpeakerEvent] values on a separate channel, and a
//     notification when the transport goes away.
//
// Platform-specific adapters live in sub-packages (e.g. audio/discord). The
// interfaces are intentionally narrow so the recording core never sees
// provider details.
package audio

import (
	"context"
	"errors"
)

// ErrDisconnected is reported by [Capture.Err] when the transport dropped the
// connection without a call to [Capture.Disconnect].
var ErrDisconnected = errors.New("audio: voice connection lost")

// Capture is an active, receive-only session on a voice channel.
//
// All channels returned by a Capture are closed once the capture terminates,
// whether through [Capture.Disconnect] or a transport failure. Implementations
// must be safe for concurrent use.
type Capture interface {
	// Frames returns the single stream of decoded audio for every producer
	// in the channel. Frames are tagged with their source key only; identity
	// comes from [Capture.Speakers].
	Frames() <-chan Frame

	// Speakers returns the stream of source-to-user associations. An event
	// for a source may arrive after that source's first frames.
	Speakers() <-chan SpeakerEvent

	// Done is closed when the capture has terminated for any reason.
	Done() <-chan struct{}

	// Err returns nil while the capture is live or after a clean Disconnect,
	// and [ErrDisconnected] (possibly wrapped) if the transport went away.
	Err() error

	// Disconnect leaves the voice channel and closes all channels. Safe to
	// call more than once; later calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID in receive mode. ctx bounds the join
	// only; the Capture stays alive until Disconnect or transport loss.
	Connect(ctx context.Context, guildID, channelID string) (Capture, error)
}
