package transcript

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/livecaption/internal/transcript/phonetic"
)

// Term is a glossary entry. Aliases are known misrecognitions replaced
// verbatim by Text.
type Term struct {
	Text    string   `yaml:"term"`
	Aliases []string `yaml:"aliases"`
}

// Correction is one substitution made by [Glossary.Correct].
type Correction struct {
	Original  string
	Corrected string

	// Confidence is 1 for alias substitutions and the similarity score for
	// phonetic ones.
	Confidence float64

	// Method is "alias" or "phonetic".
	Method string
}

// PhoneticMatcher resolves a phrase to a glossary term by pronunciation.
// *phonetic.Matcher implements it.
type PhoneticMatcher interface {
	Match(phrase string, v *phonetic.Vocabulary) (corrected string, confidence float64, matched bool)
}

// GlossaryOption is a functional option for [NewGlossary].
type GlossaryOption func(*Glossary)

// WithPhoneticMatcher enables the phonetic stage. Without it only aliases
// are applied.
func WithPhoneticMatcher(m PhoneticMatcher) GlossaryOption {
	return func(g *Glossary) { g.matcher = m }
}

type alias struct {
	from, to string
}

// Glossary corrects caption text against known terms. It is immutable after
// construction and safe for concurrent use.
type Glossary struct {
	aliases  []alias
	replacer *strings.Replacer
	vocab    *phonetic.Vocabulary
	matcher  PhoneticMatcher
}

// NewGlossary prepares terms. Longer aliases take precedence over shorter
// ones that overlap them.
func NewGlossary(terms []Term, opts ...GlossaryOption) *Glossary {
	g := &Glossary{}
	var names []string
	for _, t := range terms {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		names = append(names, text)
		for _, a := range t.Aliases {
			if a = strings.TrimSpace(a); a != "" && a != text {
				g.aliases = append(g.aliases, alias{from: a, to: text})
			}
		}
	}
	slices.SortStableFunc(g.aliases, func(a, b alias) int {
		return cmp.Compare(len(b.from), len(a.from))
	})
	if len(g.aliases) > 0 {
		pairs := make([]string, 0, 2*len(g.aliases))
		for _, a := range g.aliases {
			pairs = append(pairs, a.from, a.to)
		}
		g.replacer = strings.NewReplacer(pairs...)
	}
	g.vocab = phonetic.Prepare(names)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Len returns the number of terms.
func (g *Glossary) Len() int { return g.vocab.Len() }

// Apply returns the corrected text only.
func (g *Glossary) Apply(text string) string {
	out, _ := g.Correct(text)
	return out
}

// Correct applies alias substitution, then phonetic matching, and reports
// every substitution made. Text without any match is returned unchanged.
func (g *Glossary) Correct(text string) (string, []Correction) {
	var corrections []Correction

	if g.replacer != nil {
		for _, a := range g.aliases {
			if strings.Contains(text, a.from) {
				corrections = append(corrections, Correction{
					Original: a.from, Corrected: a.to, Confidence: 1, Method: "alias",
				})
			}
		}
		if len(corrections) > 0 {
			text = g.replacer.Replace(text)
		}
	}

	if g.matcher != nil && g.vocab.Len() > 0 {
		var phon []Correction
		text, phon = g.applyPhonetic(text)
		corrections = append(corrections, phon...)
	}
	return text, corrections
}

// applyPhonetic scans whitespace-separated tokens with n-gram windows from
// the longest term length down to one word, accepting the longest match.
// Only Latin-script tokens take part.
func (g *Glossary) applyPhonetic(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(g.vocab.MaxWords(), len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			window := tokens[i : i+n]
			if !allLatin(window) {
				continue
			}
			lead, core, trail := splitPunct(strings.Join(window, " "))
			if core == "" {
				continue
			}
			term, conf, ok := g.matcher.Match(core, g.vocab)
			if !ok || !g.windowFits(window, term) {
				continue
			}
			if term != core {
				corrections = append(corrections, Correction{
					Original: core, Corrected: term, Confidence: conf, Method: "phonetic",
				})
			}
			out = append(out, lead+term+trail)
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// windowFits accepts a window of the same word count as term, or a longer
// window none of whose words matches term alone. This keeps a neighbouring
// word from being swallowed into a one-word term.
func (g *Glossary) windowFits(window []string, term string) bool {
	words := len(strings.Fields(term))
	switch {
	case words == len(window):
		return true
	case words > len(window):
		return false
	}
	for _, w := range window {
		_, core, _ := splitPunct(w)
		if t, _, ok := g.matcher.Match(core, g.vocab); ok && t == term {
			return false
		}
	}
	return true
}

// allLatin reports whether every token contains a Latin letter and no
// letters of other scripts.
func allLatin(tokens []string) bool {
	for _, t := range tokens {
		hasLatin := false
		for _, r := range t {
			if !unicode.IsLetter(r) {
				continue
			}
			if !unicode.Is(unicode.Latin, r) {
				return false
			}
			hasLatin = true
		}
		if !hasLatin {
			return false
		}
	}
	return true
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(s, unicode.IsPunct)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}
