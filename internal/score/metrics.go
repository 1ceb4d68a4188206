package score

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// CER returns the character error rate of hyp against ref: rune-level
// Levenshtein distance divided by the reference length. An empty reference
// scores 0 when hyp is also empty and 1 otherwise.
func CER(ref, hyp string) float64 {
	refLen := len([]rune(ref))
	if refLen == 0 {
		if len([]rune(hyp)) == 0 {
			return 0
		}
		return 1
	}
	return float64(matchr.Levenshtein(ref, hyp)) / float64(refLen)
}

// WER returns the word error rate of hyp against ref: token-level edit
// distance over whitespace-split tokens, divided by the reference token
// count. matchr offers only rune-alphabet metrics, so the token DP is local.
func WER(ref, hyp string) float64 {
	refTokens := strings.Fields(ref)
	hypTokens := strings.Fields(hyp)
	if len(refTokens) == 0 {
		if len(hypTokens) == 0 {
			return 0
		}
		return 1
	}
	return float64(tokenDistance(refTokens, hypTokens)) / float64(len(refTokens))
}

// tokenDistance is the Levenshtein distance between two token sequences,
// computed with a two-row DP.
func tokenDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// RTF returns the real-time factor: processing time over audio duration.
// Returns 0 when the duration is unknown.
func RTF(processingMs float64, durationSec float64) float64 {
	if durationSec <= 0 {
		return 0
	}
	return processingMs / (durationSec * 1000)
}

// Scores holds the metrics computed for one transcription against a
// reference text. Nil pointers mean the metric is not defined for the
// language (WER is omitted for Japanese).
type Scores struct {
	CER *float64 `json:"cer,omitempty"`
	WER *float64 `json:"wer,omitempty"`
}

// Score normalizes ref and hyp with preset and computes the language-aware
// metrics. Languages starting with "ja" have no word boundaries: the primary
// metric is CER over space-stripped text and WER is omitted. For every other
// language WER is primary and space stripping is force-disabled so token
// boundaries survive normalization.
func Score(ref, hyp, lang string, preset Preset, stripSpace bool) Scores {
	refNorm := Normalize(ref, preset).TextNorm
	hypNorm := Normalize(hyp, preset).TextNorm

	if strings.HasPrefix(strings.ToLower(lang), "ja") {
		if stripSpace {
			refNorm = StripSpace(refNorm)
			hypNorm = StripSpace(hypNorm)
		}
		cer := CER(refNorm, hypNorm)
		return Scores{CER: &cer}
	}

	cer := CER(refNorm, hypNorm)
	wer := WER(refNorm, hypNorm)
	return Scores{CER: &cer, WER: &wer}
}
