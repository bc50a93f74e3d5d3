// Package transcript turns per-unit transcription pieces into the final,
// speaker-attributed conversation text.
//
// The stages run in a fixed order after every transcription task of a
// session has finished:
//
//  1. [Assemble] groups pieces by participant and renders one section per
//     speaker. The result is byte-identical for the same set of pieces,
//     regardless of the order in which they arrived.
//
//  2. [NameCorrector] replaces misheard names with their canonical spelling
//     using the phonetic matcher in package phonetic. It runs in-process with
//     no network calls.
//
//  3. [Reformatter] optionally asks a language model to tidy the text into a
//     readable dialog. It is best-effort: any failure returns the input.
//
// All exported types are safe for concurrent use unless noted otherwise.
package transcript

import (
	"strconv"
	"strings"

	"github.com/MrWong99/voxlog/pkg/types"
)

// Part is the text one rotation segment contributed to a section.
type Part struct {
	// Seq is the segment sequence number the text came from.
	Seq int

	// Text is the space-joined text of the segment's units, in unit order.
	Text string
}

// Section is everything one participant said during the session.
type Section struct {
	Participant types.Participant

	// Parts is ordered by Seq. Only parts with text are present.
	Parts []Part
}

// Body returns the section text without the speaker label. A participant
// with more than one contributing segment gets a "[Part N]" marker per
// segment, numbered from 1 over the parts that produced text.
func (s Section) Body() string {
	if len(s.Parts) == 1 {
		return s.Parts[0].Text
	}
	var b strings.Builder
	for i, p := range s.Parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[Part ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] ")
		b.WriteString(p.Text)
	}
	return b.String()
}

// Render returns the section as "**Name:** body".
func (s Section) Render() string {
	return "**" + s.Participant.Name() + ":** " + s.Body()
}

// Transcript is the assembled conversation.
type Transcript struct {
	// Sections follow the session roster (first appearance in the voice
	// channel); participants missing from it come last, by earliest
	// contributing segment, then ID.
	Sections []Section
}

// Empty reports whether no participant contributed any text.
func (t Transcript) Empty() bool { return len(t.Sections) == 0 }

// Text renders all sections separated by a blank line.
func (t Transcript) Text() string {
	rendered := make([]string, len(t.Sections))
	for i, s := range t.Sections {
		rendered[i] = s.Render()
	}
	return strings.Join(rendered, "\n\n")
}

// Participants returns the speakers with at least one section, in section
// order.
func (t Transcript) Participants() []types.Participant {
	out := make([]types.Participant, len(t.Sections))
	for i, s := range t.Sections {
		out[i] = s.Participant
	}
	return out
}
