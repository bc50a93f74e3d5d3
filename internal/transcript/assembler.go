package transcript

import (
	"cmp"
	"slices"
	"strings"

	"github.com/MrWong99/voxlog/pkg/types"
)

// Assemble builds the [Transcript] from the outcome of every transcription
// task in a session. Pieces without text are skipped; participants left
// with no text get no section at all.
//
// Within a participant, units are ordered by segment sequence number and
// then by unit index, so the output does not depend on the order of pieces.
//
// Sections follow roster, the session's participants in first-appearance
// order. Sequence numbers are per participant and cannot order speakers
// against each other, so participants missing from roster come last, by
// their first segment and then by ID.
func Assemble(pieces []types.Piece, roster ...types.Participant) Transcript {
	byParticipant := make(map[string][]types.Piece)
	for _, p := range pieces {
		if p.Status != types.PieceText {
			continue
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		p.Text = text
		byParticipant[p.Participant.ID] = append(byParticipant[p.Participant.ID], p)
	}

	sections := make([]Section, 0, len(byParticipant))
	for _, ps := range byParticipant {
		slices.SortFunc(ps, func(a, b types.Piece) int {
			return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.Index, b.Index))
		})
		sections = append(sections, Section{
			Participant: participantOf(ps),
			Parts:       partsOf(ps),
		})
	}

	rank := make(map[string]int, len(roster))
	for i, p := range roster {
		if _, ok := rank[p.ID]; !ok {
			rank[p.ID] = i
		}
	}
	rankOf := func(id string) int {
		if i, ok := rank[id]; ok {
			return i
		}
		return len(roster)
	}

	slices.SortFunc(sections, func(a, b Section) int {
		return cmp.Or(
			cmp.Compare(rankOf(a.Participant.ID), rankOf(b.Participant.ID)),
			cmp.Compare(a.Parts[0].Seq, b.Parts[0].Seq),
			cmp.Compare(a.Participant.ID, b.Participant.ID),
		)
	})
	return Transcript{Sections: sections}
}

// partsOf collapses sorted pieces into one part per segment.
func partsOf(sorted []types.Piece) []Part {
	var parts []Part
	for _, p := range sorted {
		if n := len(parts); n > 0 && parts[n-1].Seq == p.Seq {
			parts[n-1].Text += " " + p.Text
			continue
		}
		parts = append(parts, Part{Seq: p.Seq, Text: p.Text})
	}
	return parts
}

// participantOf picks the identity to label a section with. Display names
// can be learned mid-session, so the first non-empty one in segment order
// wins over an empty one.
func participantOf(sorted []types.Piece) types.Participant {
	part := sorted[0].Participant
	if part.DisplayName != "" {
		return part
	}
	for _, p := range sorted[1:] {
		if p.Participant.DisplayName != "" {
			part.DisplayName = p.Participant.DisplayName
			break
		}
	}
	return part
}
