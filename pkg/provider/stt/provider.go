// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A Transcriber turns one bounded, already-encoded audio unit into text. The
// unit is either held in memory (Request.Audio) or written to disk
// (Request.Path); implementations that need the bytes call [Request.Load].
// Providers only transcribe: retries, timeouts and placeholder filtering are
// the caller's concern.
//
// Implementations must be safe for concurrent use; the transcription fan-out
// calls Transcribe from many goroutines at once.
package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/voxlog/pkg/audio"
)

// ErrNoAudio is returned by [Request.Load] when the request carries neither
// in-memory audio nor a file path.
var ErrNoAudio = errors.New("stt: request has no audio")

// ErrUnsupportedContainer is returned by providers that cannot read the
// request's container format.
var ErrUnsupportedContainer = errors.New("stt: unsupported container")

// Request describes one unit of audio to transcribe.
type Request struct {
	// Audio holds the encoded file contents. When nil, Path is read.
	Audio []byte

	// Path is the encoded file on disk.
	Path string

	// Format is the PCM format the unit was encoded from. Providers that
	// accept raw PCM use it to describe the stream.
	Format audio.Format

	// Container is the file type without the dot ("mp3", "wav").
	Container string

	// Language is the ISO-639-1 recognition language (e.g., "ru", "en").
	// Empty lets the provider auto-detect or use its configured default.
	Language string

	// Hints lists proper nouns that are likely to occur, such as participant
	// names. Providers forward them as a prompt or keyword boost where the
	// backend supports it.
	Hints []string
}

// Load returns the unit's bytes, reading Path when Audio is nil.
func (r Request) Load() ([]byte, error) {
	if r.Audio != nil {
		return r.Audio, nil
	}
	if r.Path == "" {
		return nil, ErrNoAudio
	}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("stt: read unit: %w", err)
	}
	return data, nil
}

// FileName returns a file name for upload APIs that infer the format from the
// extension.
func (r Request) FileName() string {
	if r.Path != "" {
		return filepath.Base(r.Path)
	}
	if r.Container != "" {
		return "audio." + r.Container
	}
	return "audio.wav"
}

// ContentType returns the MIME type of the request's container.
func (r Request) ContentType() string {
	switch r.Container {
	case "mp3":
		return "audio/mpeg"
	case "ogg", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/wav"
	}
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe returns the recognised text of the unit. An empty string
	// with a nil error means the backend heard no speech.
	//
	// Implementations must return promptly when ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (string, error)
}
