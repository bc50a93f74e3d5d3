package transcript

import (
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxlog/internal/transcript/phonetic"
)

const (
	// DefaultNameThreshold is the minimum Jaro-Winkler similarity for a
	// word to be replaced by a known name.
	DefaultNameThreshold = 0.85

	// minWordRunes keeps short function words ("an", "to") from ever being
	// rewritten into names.
	minWordRunes = 3
)

// Correction captures a single substitution made by the [NameCorrector].
type Correction struct {
	// Original is the word or phrase as transcribed.
	Original string

	// Corrected is the canonical name that replaced it.
	Corrected string

	// Confidence is the similarity score of the match (0.0–1.0).
	Confidence float64
}

// CorrectorOption is a functional option for configuring a [NameCorrector].
type CorrectorOption func(*NameCorrector)

// WithNameThreshold sets the similarity a word needs to be replaced.
// Default: [DefaultNameThreshold].
func WithNameThreshold(threshold float64) CorrectorOption {
	return func(c *NameCorrector) {
		c.threshold = threshold
	}
}

// WithoutParticipantNames stops the corrector from adding participant
// display names to the glossary.
func WithoutParticipantNames() CorrectorOption {
	return func(c *NameCorrector) {
		c.skipParticipants = true
	}
}

// NameCorrector rewrites misheard names in an assembled transcript to their
// canonical spelling. The glossary is the configured names plus the display
// names of the transcript's own participants.
//
// Matching walks each line with n-gram windows from the longest name's word
// count down to one word, so multi-word names take precedence over partial
// single-word matches. Punctuation around a window is preserved.
//
// NameCorrector is safe for concurrent use.
type NameCorrector struct {
	threshold        float64
	skipParticipants bool
	matcher          *phonetic.Matcher

	mu       sync.RWMutex
	glossary []string
}

// NewNameCorrector returns a [NameCorrector] for the given glossary.
func NewNameCorrector(glossary []string, opts ...CorrectorOption) *NameCorrector {
	c := &NameCorrector{
		threshold: DefaultNameThreshold,
		glossary:  slices.Clone(glossary),
	}
	for _, o := range opts {
		o(c)
	}
	c.matcher = phonetic.New(
		phonetic.WithPhoneticThreshold(c.threshold),
		phonetic.WithFuzzyThreshold(c.threshold),
	)
	return c
}

// SetGlossary replaces the configured names. Used on config reload.
func (c *NameCorrector) SetGlossary(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.glossary = slices.Clone(names)
}

// Glossary returns a copy of the configured names.
func (c *NameCorrector) Glossary() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.glossary)
}

// Correct returns a copy of t with names corrected in every part, plus the
// substitutions that were made, in transcript order. Speaker labels are
// never rewritten.
func (c *NameCorrector) Correct(t Transcript) (Transcript, []Correction) {
	names := c.Glossary()
	if !c.skipParticipants {
		for _, p := range t.Participants() {
			if !p.Synthetic && p.DisplayName != "" {
				names = append(names, p.DisplayName)
			}
		}
	}
	prepared := phonetic.Prepare(names)

	out := Transcript{Sections: make([]Section, len(t.Sections))}
	var corrections []Correction
	for i, s := range t.Sections {
		parts := make([]Part, len(s.Parts))
		for j, p := range s.Parts {
			text, cs := c.correctText(p.Text, prepared)
			parts[j] = Part{Seq: p.Seq, Text: text}
			corrections = append(corrections, cs...)
		}
		out.Sections[i] = Section{Participant: s.Participant, Parts: parts}
	}
	return out, corrections
}

// CorrectText applies name correction to free text against the configured
// glossary only.
func (c *NameCorrector) CorrectText(text string) (string, []Correction) {
	return c.correctText(text, phonetic.Prepare(c.Glossary()))
}

func (c *NameCorrector) correctText(text string, names *phonetic.Names) (string, []Correction) {
	if names.Len() == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	lines := strings.Split(text, "\n")
	var corrections []Correction
	for i, line := range lines {
		var cs []Correction
		lines[i], cs = c.correctLine(line, names)
		corrections = append(corrections, cs...)
	}
	return strings.Join(lines, "\n"), corrections
}

// correctLine runs the n-gram window over one line. A line without any
// substitution is returned untouched, whitespace included.
func (c *NameCorrector) correctLine(line string, names *phonetic.Names) (string, []Correction) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line, nil
	}
	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	var (
		output      []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(names.MaxWords(), len(tokens)-i)
		consumed := 0
		for n := maxN; n >= 1; n-- {
			window, ok := windowText(tokens[i : i+n])
			if !ok {
				continue
			}
			name, conf, matched := c.matcher.MatchPrepared(window, names)
			if !matched {
				continue
			}
			first, last := tokens[i], tokens[i+n-1]
			output = append(output, first.lead+name+last.trail)
			if window != name {
				corrections = append(corrections, Correction{Original: window, Corrected: name, Confidence: conf})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			output = append(output, tokens[i].raw)
			consumed = 1
		}
		i += consumed
	}

	if len(corrections) == 0 {
		return line, nil
	}
	return strings.Join(output, " "), corrections
}

// token is one whitespace-separated field split into surrounding
// punctuation and the word core.
type token struct {
	raw   string
	lead  string
	core  string
	trail string
}

func splitToken(s string) token {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return token{raw: s, lead: s}
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{raw: s, lead: s[:start], core: s[start:end], trail: s[end:]}
}

// windowText joins the cores of a window. Windows are rejected when a word
// is too short or punctuation separates the words inside them.
func windowText(ts []token) (string, bool) {
	cores := make([]string, len(ts))
	for i, t := range ts {
		if t.core == "" || (len(ts) == 1 && utf8.RuneCountInString(t.core) < minWordRunes) {
			return "", false
		}
		if i > 0 && (t.lead != "" || ts[i-1].trail != "") {
			return "", false
		}
		cores[i] = t.core
	}
	return strings.Join(cores, " "), true
}
