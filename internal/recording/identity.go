package recording

import (
	"slices"

	"github.com/MrWong99/voxlog/pkg/types"
)

// Resolution is the outcome of [Resolver.Resolve].
type Resolution int

const (
	// Resolved means the source maps to a known participant.
	Resolved Resolution = iota

	// Pending means the source has no identity yet; its audio must be held
	// with [Resolver.Hold] until [Resolver.Bind] or [Resolver.Orphans].
	Pending

	// Invalid means the source key is the reserved sentinel and its audio is
	// dropped.
	Invalid
)

// invalidSSRC is never assigned to a real producer.
const invalidSSRC uint32 = 0

// Orphan is provisional audio whose source never received an identity.
type Orphan struct {
	SSRC        uint32
	Participant types.Participant
	Frames      [][]byte
}

// Resolver maps stream sources to participants. Audio that arrives before
// its identity event is held in a provisional arena keyed by source and
// promoted once the identity is known.
//
// Resolver is not safe for concurrent use; the owning [Session] serialises
// access.
type Resolver struct {
	bySource map[uint32]types.Participant
	pending  map[uint32][][]byte

	// pendingOrder keeps orphan attribution deterministic.
	pendingOrder []uint32

	// roster is every participant seen so far, in first-appearance order.
	roster []types.Participant
	known  map[string]int
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		bySource: make(map[uint32]types.Participant),
		pending:  make(map[uint32][][]byte),
		known:    make(map[string]int),
	}
}

// Resolve maps ssrc to a participant. An explicit identity is authoritative
// and rebinds the source; otherwise a prior mapping is reused. Sources with
// neither report [Pending], and the zero sentinel reports [Invalid].
func (r *Resolver) Resolve(ssrc uint32, explicit *types.Participant) (types.Participant, Resolution) {
	if ssrc == invalidSSRC {
		return types.Participant{}, Invalid
	}
	if explicit != nil {
		r.bind(ssrc, *explicit)
		return r.bySource[ssrc], Resolved
	}
	if p, ok := r.bySource[ssrc]; ok {
		return p, Resolved
	}
	return types.Participant{}, Pending
}

// Hold stores a frame for a source without identity.
func (r *Resolver) Hold(ssrc uint32, pcm []byte) {
	if _, ok := r.pending[ssrc]; !ok {
		r.pendingOrder = append(r.pendingOrder, ssrc)
	}
	r.pending[ssrc] = append(r.pending[ssrc], pcm)
}

// Bind records an identity event for ssrc and returns any held frames for
// that source, in arrival order, so the caller can append them to the
// participant's buffer.
func (r *Resolver) Bind(ssrc uint32, p types.Participant) (types.Participant, [][]byte) {
	if ssrc == invalidSSRC || p.ID == "" {
		return types.Participant{}, nil
	}
	r.bind(ssrc, p)
	held, ok := r.pending[ssrc]
	if !ok {
		return r.bySource[ssrc], nil
	}
	delete(r.pending, ssrc)
	r.pendingOrder = slices.DeleteFunc(r.pendingOrder, func(s uint32) bool { return s == ssrc })
	return r.bySource[ssrc], held
}

// Orphans drains every source that still has held frames and attributes
// them to synthetic participants. It is meant for the final seal of a
// session, when no identity event can arrive any more.
func (r *Resolver) Orphans() []Orphan {
	if len(r.pendingOrder) == 0 {
		return nil
	}
	out := make([]Orphan, 0, len(r.pendingOrder))
	for _, ssrc := range r.pendingOrder {
		p := types.SyntheticParticipant(ssrc)
		r.remember(p)
		out = append(out, Orphan{SSRC: ssrc, Participant: p, Frames: r.pending[ssrc]})
		delete(r.pending, ssrc)
	}
	r.pendingOrder = r.pendingOrder[:0]
	return out
}

// PendingBytes returns the number of held bytes across all sources.
func (r *Resolver) PendingBytes() int {
	n := 0
	for _, frames := range r.pending {
		for _, f := range frames {
			n += len(f)
		}
	}
	return n
}

// Participants returns every participant seen so far in first-appearance
// order.
func (r *Resolver) Participants() []types.Participant {
	return slices.Clone(r.roster)
}

// bind updates the source mapping. A known participant keeps its existing
// display name unless the event carries a non-empty one.
func (r *Resolver) bind(ssrc uint32, p types.Participant) {
	if i, ok := r.known[p.ID]; ok && p.DisplayName == "" {
		p.DisplayName = r.roster[i].DisplayName
	}
	r.bySource[ssrc] = p
	r.remember(p)
}

func (r *Resolver) remember(p types.Participant) {
	if i, ok := r.known[p.ID]; ok {
		if p.DisplayName != "" {
			r.roster[i].DisplayName = p.DisplayName
		}
		return
	}
	r.known[p.ID] = len(r.roster)
	r.roster = append(r.roster, p)
}
