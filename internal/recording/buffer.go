package recording

import (
	"time"

	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/types"
)

// accumulator is the open, growing segment of one participant.
type accumulator struct {
	participant types.Participant
	pcm         []byte
	startedAt   time.Time
}

// Buffers holds one append-only accumulator per participant for the current
// segment and hands out strictly increasing sequence numbers on seal.
//
// Buffers is not safe for concurrent use; the owning [Session] serialises
// access.
type Buffers struct {
	format audio.Format
	now    func() time.Time

	active map[string]*accumulator

	// order is participant IDs in first-append order, for deterministic
	// SealAll output.
	order []string

	// lastSeq is the highest sealed sequence number per participant.
	lastSeq map[string]int
}

// NewBuffers returns empty Buffers for PCM in format f.
func NewBuffers(f audio.Format) *Buffers {
	return &Buffers{
		format:  f,
		now:     time.Now,
		active:  make(map[string]*accumulator),
		lastSeq: make(map[string]int),
	}
}

// Append adds pcm to the participant's open segment. It never fails.
func (b *Buffers) Append(p types.Participant, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	acc, ok := b.active[p.ID]
	if !ok {
		acc = &accumulator{participant: p, startedAt: b.now()}
		b.active[p.ID] = acc
		if _, seen := b.lastSeq[p.ID]; !seen {
			b.order = append(b.order, p.ID)
			b.lastSeq[p.ID] = 0
		}
	}
	if p.DisplayName != "" {
		acc.participant.DisplayName = p.DisplayName
	}
	acc.pcm = append(acc.pcm, pcm...)
}

// Size returns the number of bytes in the participant's open segment.
func (b *Buffers) Size(participantID string) int {
	if acc, ok := b.active[participantID]; ok {
		return len(acc.pcm)
	}
	return 0
}

// Total returns the number of bytes across all open segments.
func (b *Buffers) Total() int {
	n := 0
	for _, acc := range b.active {
		n += len(acc.pcm)
	}
	return n
}

// Seal freezes the participant's open segment and resets the accumulator.
// A participant with nothing accumulated yields no segment and consumes no
// sequence number.
func (b *Buffers) Seal(participantID string) (types.Segment, bool) {
	acc, ok := b.active[participantID]
	if !ok || len(acc.pcm) == 0 {
		return types.Segment{}, false
	}
	delete(b.active, participantID)

	seq := b.lastSeq[participantID] + 1
	b.lastSeq[participantID] = seq

	return types.Segment{
		Participant: acc.participant,
		Seq:         seq,
		PCM:         acc.pcm,
		Format:      b.format,
		StartedAt:   acc.startedAt,
		SealedAt:    b.now(),
	}, true
}

// SealAll seals every open segment in first-append participant order.
func (b *Buffers) SealAll() []types.Segment {
	var out []types.Segment
	for _, id := range b.order {
		if seg, ok := b.Seal(id); ok {
			out = append(out, seg)
		}
	}
	return out
}
