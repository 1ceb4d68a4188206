// Package score implements transcript text normalization and the CER/WER/RTF
// scoring metrics used by batch jobs and the normalized wire message.
package score

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Preset names a normalization recipe. The zero value applies the base pass
// only.
type Preset string

const (
	// PresetNone applies the base pass: smart quotes, NFKC, whitespace.
	PresetNone Preset = ""

	// PresetWER lowercases and strips punctuation for word-level scoring.
	PresetWER Preset = "wer"

	// PresetCER preserves case and punctuation for character-level scoring.
	PresetCER Preset = "cer"

	// PresetNoPunct lowercases and strips punctuation but keeps spaces.
	PresetNoPunct Preset = "nopunct"
)

// IsValid reports whether p is a recognised preset name.
func (p Preset) IsValid() bool {
	switch p {
	case PresetNone, PresetWER, PresetCER, PresetNoPunct:
		return true
	}
	return false
}

// punctuation is the strip set shared by the wer and nopunct presets.
const punctuation = "、。.,!?！？"

// smartQuotes maps typographic quote variants to their ASCII forms.
var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
)

// Result is the outcome of one normalization pass. The two booleans record
// whether the input contained punctuation or cased letters, so consumers can
// tell how much work the preset actually did.
type Result struct {
	TextNorm           string `json:"textNorm"`
	PunctuationApplied bool   `json:"punctuationApplied"`
	CasingApplied      bool   `json:"casingApplied"`
}

// Normalize applies preset to text. Unknown presets behave like PresetNone.
func Normalize(text string, preset Preset) Result {
	res := Result{
		PunctuationApplied: strings.ContainsAny(text, punctuation),
		CasingApplied:      containsUpper(text),
	}

	// Base pass: unify quotes, NFKC, collapse whitespace, trim.
	s := smartQuotes.Replace(text)
	s = norm.NFKC.String(s)
	s = collapseSpace(s)

	switch preset {
	case PresetWER:
		s = strings.ToLower(s)
		s = stripPunct(s)
		s = collapseSpace(s)
	case PresetNoPunct:
		s = strings.ToLower(s)
		s = stripPunct(s)
		s = collapseSpace(s)
	case PresetCER, PresetNone:
	}

	res.TextNorm = s
	return res
}

// StripSpace removes all whitespace. Used for character-level scoring of
// languages without word boundaries.
func StripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(punctuation, r) {
			return -1
		}
		return r
	}, s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
