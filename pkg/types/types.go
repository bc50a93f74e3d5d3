// Package types defines the data model shared by the recording pipeline.
//
// These types are the lingua franca between the recorder, the normaliser,
// the transcription fan-out and the transcript assembler. Each package keeps
// its own working types; the values that cross package boundaries live here
// to avoid circular imports.
package types

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxlog/pkg/audio"
)

// Participant is a stable speaker identity within a session. It survives
// segment rotations and stream-source reassignment.
type Participant struct {
	// ID is the platform user ID, or "unassociated-<ssrc>" for synthetic
	// participants.
	ID string

	// DisplayName is the human-readable name, possibly empty.
	DisplayName string

	// Synthetic marks a fallback identity for audio whose source never
	// received an identity event.
	Synthetic bool
}

// SyntheticParticipant returns the fallback identity for an unresolved
// stream source.
func SyntheticParticipant(ssrc uint32) Participant {
	return Participant{
		ID:          fmt.Sprintf("unassociated-%d", ssrc),
		DisplayName: fmt.Sprintf("Unassociated %d", ssrc),
		Synthetic:   true,
	}
}

// Name returns the display name, falling back to "User_<id>".
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return "User_" + p.ID
}

// Mention returns the chat mention for real users and the plain name for
// synthetic participants.
func (p Participant) Mention() string {
	if p.Synthetic {
		return p.Name()
	}
	return "<@" + p.ID + ">"
}

// Segment is one rotation-bounded slice of a participant's audio. Segments
// are immutable once sealed.
type Segment struct {
	Participant Participant

	// Seq is the per-participant sequence number, starting at 1.
	Seq int

	// PCM holds the raw captured samples in Format.
	PCM    []byte
	Format audio.Format

	// StartedAt is when the first byte of the segment was appended.
	StartedAt time.Time
	SealedAt  time.Time
}

// Size returns the number of raw PCM bytes in the segment.
func (s Segment) Size() int { return len(s.PCM) }

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration { return s.Format.Duration(len(s.PCM)) }

// Unit is one encoded, size-bounded clip derived from a Segment and ready to
// be sent to a speech-to-text service.
type Unit struct {
	Participant Participant
	Seq         int

	// Index orders the unit within its segment, starting at 0.
	Index int

	// Path is the encoded file inside the session working directory.
	Path string

	// Container is the file extension of the encoding, e.g. "mp3" or "wav".
	Container string

	// Format is the PCM format the unit was encoded from.
	Format audio.Format

	// Size is the encoded file size in bytes.
	Size int64

	Duration time.Duration
}

// PieceStatus is the terminal outcome of one transcription task.
type PieceStatus int

const (
	// PieceText means the unit produced usable text.
	PieceText PieceStatus = iota

	// PieceEmpty means the provider answered with nothing or a known
	// placeholder.
	PieceEmpty

	// PieceFailed means the provider errored or the task timed out.
	PieceFailed
)

// String returns the lower-case name of the status, used as a metric label.
func (s PieceStatus) String() string {
	switch s {
	case PieceText:
		return "text"
	case PieceEmpty:
		return "empty"
	case PieceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Piece is the transcription outcome for one [Unit].
type Piece struct {
	Participant Participant
	Seq         int
	Index       int

	// Text is the trimmed transcription. Empty unless Status is PieceText.
	Text   string
	Status PieceStatus

	// Err is set when Status is PieceFailed.
	Err error

	// Latency is how long the provider call took.
	Latency time.Duration
}
