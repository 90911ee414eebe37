// Package lexicon corrects domain terms in final speech transcripts.
//
// Telephone audio is 8 kHz narrowband, and STT models routinely garble the
// words that matter most on a business call: product names, brand names, plan
// tiers. The operator lists those terms in the call vocabulary, and the
// Corrector rewrites near-miss tokens in every final transcript back to the
// canonical spelling before the text reaches the model or the stored
// transcript.
//
// Matching is two-staged. Double Metaphone codes are computed for every
// vocabulary term up front; a transcript window that shares a code with a
// term becomes a phonetic candidate, and candidates are ranked by
// Jaro-Winkler similarity on the raw strings. Windows with no phonetic
// overlap fall back to a stricter pure-similarity threshold. Multi-word terms
// are handled by scanning n-gram windows, longest first, so "plano premium"
// wins over a partial match on "premium".
package lexicon

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticThreshold is the minimum Jaro-Winkler score for a window that
	// already overlaps a term phonetically.
	phoneticThreshold = 0.70

	// fuzzyThreshold is the minimum score when there is no phonetic overlap.
	fuzzyThreshold = 0.85

	// fusionThreshold is the bar when the window and term have different
	// token counts, i.e. STT fused or split words. Near-identity required.
	fusionThreshold = 0.92

	// relatedTokenThreshold is the per-token sanity bar: every window token
	// must be at least this similar (or phonetically equal) to some term
	// token, which stops a window from absorbing unrelated neighbors.
	relatedTokenThreshold = 0.80
)

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold overrides the acceptance score for phonetically
// overlapping windows. Default 0.70.
func WithPhoneticThreshold(t float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = t }
}

// WithFuzzyThreshold overrides the acceptance score for the pure-similarity
// fallback. Default 0.85.
func WithFuzzyThreshold(t float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = t }
}

// term is one vocabulary entry with its precomputed matching data.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector rewrites transcript text toward a fixed vocabulary. It is
// read-only after construction and safe for concurrent use across sessions.
type Corrector struct {
	terms    []term
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a Corrector for the given vocabulary. Blank entries are
// skipped; a nil Corrector is never returned, but one with an empty
// vocabulary corrects nothing.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: phoneticThreshold,
		fuzzyThreshold:    fuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	for _, v := range vocabulary {
		canonical := strings.TrimSpace(v)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     metaphoneCodes(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct scans text for near-misses of vocabulary terms and replaces them
// with the canonical spelling. The boolean reports whether anything changed.
// Exact (case-insensitive) occurrences are left alone.
func (c *Corrector) Correct(text string) (string, bool) {
	if len(c.terms) == 0 {
		return text, false
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, false
	}

	out := make([]string, 0, len(tokens))
	changed := false

	for i := 0; i < len(tokens); {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		consumed := 0
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			match, ok := c.match(window)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(match)...)
			if !strings.EqualFold(window, match) {
				changed = true
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}

	if !changed {
		return text, false
	}
	return strings.Join(out, " "), true
}

// match finds the best vocabulary term for one window, or reports no match.
func (c *Corrector) match(window string) (string, bool) {
	lower := strings.ToLower(window)
	windowTokens := strings.Fields(lower)
	windowCodes := metaphoneCodes(windowTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range c.terms {
		if lower == t.lower {
			// Already canonical; stop so shorter windows don't rewrite it.
			return t.canonical, true
		}
		if !tokensRelated(windowTokens, t) {
			continue
		}

		phonetic := codesOverlap(windowCodes, t.codes)
		score := similarity(windowTokens, t.tokens, lower, t.lower)

		threshold := c.fuzzyThreshold
		if phonetic {
			threshold = c.phoneticThreshold
		}
		if len(windowTokens) != len(t.tokens) && threshold < fusionThreshold {
			threshold = fusionThreshold
		}
		if score < threshold {
			continue
		}

		switch {
		case phonetic:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		case !bestPhonetic && score > bestScore:
			best, bestScore = t.canonical, score
		}
	}

	return best, best != ""
}

// tokensRelated reports whether every window token plausibly belongs to the
// term, either by sharing a Double Metaphone code or by string similarity.
func tokensRelated(windowTokens []string, t term) bool {
	for _, wt := range windowTokens {
		primary, secondary := matchr.DoubleMetaphone(wt)
		_, okP := t.codes[primary]
		_, okS := t.codes[secondary]
		if (primary != "" && okP) || (secondary != "" && okS) {
			continue
		}
		related := false
		for _, tt := range t.tokens {
			if matchr.JaroWinkler(wt, tt, false) >= relatedTokenThreshold {
				related = true
				break
			}
		}
		if !related {
			return false
		}
	}
	return true
}

// metaphoneCodes returns the union of Double Metaphone codes over tokens.
// Codes come out empty for very short or vowel-only tokens and are dropped.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

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

// similarity is the best Jaro-Winkler score across three views of the pair:
// the full strings, the space-stripped strings (STT often splits or fuses
// words), and the best token-to-token pairing.
func similarity(windowTokens, termTokens []string, windowFull, termFull string) float64 {
	score := matchr.JaroWinkler(windowFull, termFull, false)

	if len(windowTokens) > 1 || len(termTokens) > 1 {
		fused := strings.Join(windowTokens, "")
		target := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(fused, target, false); s > score {
			score = s
		}
	}

	for _, wt := range windowTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(wt, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
