// Package transcript implements dictionary-phrase correction for emitted
// transcripts. When a session's config frame carries dictionary phrases,
// final transcripts are fuzz-matched against them and misrecognized spans
// are replaced with the dictionary spelling.
//
// Matching is phonetic-first: Double Metaphone codes gate the candidate set,
// Jaro-Winkler similarity ranks it. A pure-similarity fallback with a higher
// threshold catches phrases the phonetic encoding misses.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.88
	defaultFuzzyThreshold    = 0.94
)

// Correction records one replaced span.
type Correction struct {
	// Original is the span as the provider transcribed it.
	Original string `json:"original"`

	// Corrected is the dictionary phrase it was replaced with.
	Corrected string `json:"corrected"`

	// Confidence is the Jaro-Winkler similarity of the match.
	Confidence float64 `json:"confidence"`
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity for phonetically gated
// matches. Default: 0.88.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity for matches without
// phonetic overlap. Default: 0.94.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector fuzz-matches transcript spans against a fixed phrase dictionary.
// It is read-only after construction and safe for concurrent use; one
// Corrector is built per session from its config frame.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	phrases  []phrase
	maxWords int
}

// phrase is one dictionary entry with its precomputed matching data.
type phrase struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// NewCorrector builds a Corrector for the given dictionary phrases. Blank
// entries are dropped. An empty dictionary yields a Corrector whose Correct
// is the identity.
func NewCorrector(phrases []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, p := range phrases {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		tokens := strings.Fields(lower)
		c.phrases = append(c.phrases, phrase{
			text:   text,
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Len returns the number of usable dictionary phrases.
func (c *Corrector) Len() int { return len(c.phrases) }

// Correct replaces misrecognized spans of text with their dictionary
// spellings and returns the corrected text plus the applied corrections.
// Longer n-gram windows win over shorter ones so multi-word phrases take
// precedence over partial single-word matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.phrases) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := min(c.maxWords, len(tokens)-i)
		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			replacement, conf, ok := c.match(window)
			if !ok {
				continue
			}
			// Identical spans (ignoring case) need no correction record.
			if strings.EqualFold(window, replacement) {
				out = append(out, tokens[i:i+n]...)
			} else {
				out = append(out, strings.Fields(replacement)...)
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  replacement,
					Confidence: conf,
				})
			}
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

// match finds the best dictionary phrase for one window.
func (c *Corrector) match(window string) (string, float64, bool) {
	windowLower := strings.ToLower(window)
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesForTokens(windowTokens)

	var (
		bestText     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, p := range c.phrases {
		score := bestSimilarity(windowTokens, p.tokens, windowLower, p.lower)
		if codesOverlap(windowCodes, p.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestText, bestScore, bestPhonetic = p.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			bestText, bestScore = p.text, score
		}
	}
	if bestText == "" {
		return window, 0, false
	}
	return bestText, bestScore, true
}

// codesForTokens returns the union of Double Metaphone codes over tokens.
func codesForTokens(tokens []string) map[string]struct{} {
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

// bestSimilarity is the highest Jaro-Winkler score across full-string,
// space-stripped, and positional per-token comparisons. The extra strategies
// catch boundary mismatches like "data dog" vs "datadog". Per-token scoring
// only applies to windows of the same token count, so a single word can
// never stand in for a longer phrase.
func bestSimilarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	if len(aTokens) == len(bTokens) && len(aTokens) > 1 {
		sum := 0.0
		for i := range aTokens {
			sum += matchr.JaroWinkler(aTokens[i], bTokens[i], false)
		}
		if s := sum / float64(len(aTokens)); s > score {
			score = s
		}
	}
	return score
}
