// Package archive persists finished transcripts.
//
// Two [Store] implementations exist: [FileStore] writes the plain-text
// transcript file that is also attached to the chat message, and
// package postgres keeps a queryable history in PostgreSQL. [Multi] writes
// to several stores at once.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlog/pkg/types"
)

// ErrInvalidRecord is returned by Save for records missing required fields.
var ErrInvalidRecord = errors.New("archive: invalid record")

// Record is one archived conversation.
type Record struct {
	// ID is assigned by [Record.Normalize] when empty.
	ID string

	SessionID string
	GuildID   string
	ChannelID string

	StartedAt time.Time
	EndedAt   time.Time

	// Participants lists the speakers in transcript order.
	Participants []types.Participant

	// Transcript is the delivered (possibly reformatted) text.
	Transcript string

	// RawTranscript is the assembled text before reformatting.
	RawTranscript string

	// Summary may be empty when summarisation failed.
	Summary string

	// Path is set by [FileStore] to the written file.
	Path string
}

// Normalize fills in defaults and validates the record.
func (r *Record) Normalize() error {
	var errs []error
	if r.GuildID == "" {
		errs = append(errs, errors.New("guild_id is required"))
	}
	if strings.TrimSpace(r.Transcript) == "" {
		errs = append(errs, errors.New("transcript is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, errors.Join(errs...))
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.EndedAt
	}
	return nil
}

// Mentions returns the participant mentions joined by ", ".
func (r *Record) Mentions() string {
	ms := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ms[i] = p.Mention()
	}
	return strings.Join(ms, ", ")
}

// Store persists transcripts.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists rec. Implementations may set rec.ID and rec.Path.
	Save(ctx context.Context, rec *Record) error

	// List returns up to limit of the most recent records for guildID,
	// newest first. A limit <= 0 means no limit.
	List(ctx context.Context, guildID string, limit int) ([]Record, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ---- file format ----

const (
	fileTimeLayout   = "20060102_150405"
	headerTimeLayout = "02.01.2006 15:04"
	ruleWidth        = 50
)

// FileName returns the transcript file name for a conversation ending at t.
func FileName(t time.Time) string {
	return "transcript_" + t.Format(fileTimeLayout) + ".txt"
}

// Format renders rec in the transcript file format: a dated header, the
// participant line, a rule and the transcript text.
func Format(rec *Record) string {
	var b strings.Builder
	b.WriteString("Conversation transcript from ")
	b.WriteString(rec.EndedAt.Format(headerTimeLayout))
	b.WriteString("\nParticipants: ")
	b.WriteString(rec.Mentions())
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("=", ruleWidth))
	b.WriteString("\n\n")
	b.WriteString(rec.Transcript)
	return b.String()
}

// ---- multi ----

// Multi saves to every store in order. List is served by the first store.
type Multi []Store

var _ Store = Multi(nil)

// Save calls Save on every store and joins the errors. Later stores see the
// ID and Path set by earlier ones.
func (m Multi) Save(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List delegates to the first store.
func (m Multi) List(ctx context.Context, guildID string, limit int) ([]Record, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].List(ctx, guildID, limit)
}

// Ping pings every store implementing [Pinger].
func (m Multi) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if p, ok := s.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
