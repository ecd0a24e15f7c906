// Package phonetic matches misrecognised words against a glossary of known
// terms using Double Metaphone codes and Jaro-Winkler similarity.
//
// A phrase matches a term in one of two ways:
//
//  1. Phonetic: some Double Metaphone code of the phrase overlaps with a code
//     of the term, and their best Jaro-Winkler score reaches the phonetic
//     threshold (default 0.70).
//  2. Fuzzy: no phonetic overlap, but the Jaro-Winkler score alone reaches
//     the stricter fuzzy threshold (default 0.85).
//
// Phonetic matches always win over fuzzy ones. Terms are prepared once into
// a [Vocabulary] so the per-phrase cost is only the comparisons.
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

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options applied.
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

type term struct {
	text   string
	lower  string
	tokens []string
	joined string
	codes  map[string]struct{}
}

// Vocabulary is a prepared glossary. It is immutable and safe for concurrent
// use.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare computes the codes of terms once. Blank terms are skipped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   strings.TrimSpace(t),
			lower:  lower,
			tokens: tokens,
			joined: strings.Join(tokens, ""),
			codes:  codesFor(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords returns the word count of the longest term, 0 when empty.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Match returns the term of v most similar to phrase. When nothing matches,
// it returns phrase unchanged with confidence 0.
func (m *Matcher) Match(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if lower == "" || v.Len() == 0 {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)
	joined := strings.Join(tokens, "")

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		score := similarity(tokens, t.tokens, lower, t.lower, joined, t.joined)
		if overlaps(codes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return phrase, 0, false
	}
	return best.text, bestScore, true
}

// codesFor returns the union of the primary and secondary Double Metaphone
// codes of tokens, without empty codes.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full phrases, the
// phrases with spaces removed, and every token pair.
func similarity(aTokens, bTokens []string, aFull, bFull, aJoined, bJoined string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		score = max(score, matchr.JaroWinkler(aJoined, bJoined, false))
	}
	for _, a := range aTokens {
		for _, b := range bTokens {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
