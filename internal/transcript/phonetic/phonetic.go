// Package phonetic matches misheard words against a glossary of known names
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of the input and of each name. A name is a phonetic candidate
//     when every position-aligned word pair shares at least one code.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the name with the
//     highest similarity (case-insensitive, averaged over aligned words) is
//     selected, provided its score reaches the phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass accepts pure
//     Jaro-Winkler similarity against all names above the fuzzy threshold.
//
// A phrase is only ever compared with names of the same word count: "mary
// jain" may match "Mary Jane", but "said mary" never matches "Mary".
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic name matcher. All methods are safe for concurrent
// use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// name is one glossary entry with its precomputed comparison data.
type name struct {
	canonical string
	tokens    []string
	codes     []map[string]struct{}
}

// Names is a prepared glossary. Preparing once and matching many windows
// against it avoids recomputing phonetic codes per comparison.
type Names struct {
	entries  []name
	maxWords int
}

// Prepare builds a [Names] glossary. Blank entries are skipped and
// case-insensitive duplicates keep their first spelling.
func Prepare(names []string) *Names {
	ns := &Names{}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		canonical := strings.TrimSpace(n)
		lower := strings.ToLower(canonical)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		codes := make([]map[string]struct{}, len(tokens))
		for i, t := range tokens {
			codes[i] = codesFor(t)
		}
		ns.entries = append(ns.entries, name{canonical: canonical, tokens: tokens, codes: codes})
		ns.maxWords = max(ns.maxWords, len(tokens))
	}
	return ns
}

// Len returns the number of distinct names.
func (ns *Names) Len() int {
	if ns == nil {
		return 0
	}
	return len(ns.entries)
}

// MaxWords returns the word count of the longest name, or 0 when empty.
func (ns *Names) MaxWords() int {
	if ns == nil {
		return 0
	}
	return ns.maxWords
}

// Match attempts to find the name from names that is most phonetically
// similar to word. word may be a single word or a space-separated phrase.
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, names []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(names))
}

// MatchPrepared is [Matcher.Match] against a prepared glossary.
func (m *Matcher) MatchPrepared(word string, names *Names) (corrected string, confidence float64, matched bool) {
	if names.Len() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	inputTokens := strings.Fields(strings.ToLower(word))
	inputCodes := make([]map[string]struct{}, len(inputTokens))
	for i, t := range inputTokens {
		inputCodes[i] = codesFor(t)
	}

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, n := range names.entries {
		if len(n.tokens) != len(inputTokens) {
			continue
		}

		phoneticMatch := true
		for i := range inputCodes {
			if !codesOverlap(inputCodes[i], n.codes[i]) {
				phoneticMatch = false
				break
			}
		}
		score := alignedScore(inputTokens, n.tokens)

		if phoneticMatch {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{name: n.canonical, score: score, phonetic: true}
			}
		} else if !best.phonetic {
			if score >= m.fuzzyThreshold && score > best.score {
				best = candidate{name: n.canonical, score: score}
			}
		}
	}

	if best.name != "" {
		return best.name, best.score, true
	}
	return word, 0, false
}

// codesFor returns the Double Metaphone codes of a single word. Empty codes
// (words that are too short or have no consonants) are excluded.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// alignedScore averages the Jaro-Winkler similarity of position-aligned
// tokens. Both slices have the same length.
func alignedScore(input, name []string) float64 {
	if len(input) == 0 {
		return 0
	}
	var sum float64
	for i := range input {
		sum += matchr.JaroWinkler(input[i], name[i], false)
	}
	return sum / float64(len(input))
}
