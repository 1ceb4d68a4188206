package transcript

import (
	"strings"
	"testing"
)

func TestCorrectEmptyDictionary(t *testing.T) {
	c := NewCorrector(nil)
	got, corrections := c.Correct("anything at all")
	if got != "anything at all" || corrections != nil {
		t.Errorf("empty dictionary must be identity, got %q %v", got, corrections)
	}
}

func TestCorrectSingleWord(t *testing.T) {
	c := NewCorrector([]string{"Grafana", "Prometheus"})
	got, corrections := c.Correct("we checked profana for alerts")
	if !strings.Contains(got, "Grafana") {
		t.Errorf("got %q, want Grafana substituted", got)
	}
	if len(corrections) != 1 || corrections[0].Original != "profana" || corrections[0].Corrected != "Grafana" {
		t.Errorf("corrections: %+v", corrections)
	}
	if corrections[0].Confidence <= 0 {
		t.Errorf("confidence must be positive: %+v", corrections[0])
	}
}

func TestCorrectMultiWordPhraseWins(t *testing.T) {
	c := NewCorrector([]string{"Eldrinax", "tower of whispers"})
	got, corrections := c.Correct("they entered the tower of wispers quickly")
	if !strings.Contains(got, "tower of whispers") {
		t.Errorf("got %q, want multi-word phrase substituted", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections: %+v", corrections)
	}
	if corrections[0].Original != "tower of wispers" {
		t.Errorf("original span: got %q", corrections[0].Original)
	}
}

func TestCorrectExactMatchNoCorrection(t *testing.T) {
	c := NewCorrector([]string{"grafana"})
	got, corrections := c.Correct("open grafana now")
	if got != "open grafana now" {
		t.Errorf("got %q, want input unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("identical span must not record a correction: %+v", corrections)
	}
}

func TestCorrectUnrelatedTextUntouched(t *testing.T) {
	c := NewCorrector([]string{"Eldrinax"})
	in := "completely ordinary sentence here"
	got, corrections := c.Correct(in)
	if got != in || len(corrections) != 0 {
		t.Errorf("got %q %v, want untouched", got, corrections)
	}
}

func TestSingleWordNeverExpandsToPhrase(t *testing.T) {
	c := NewCorrector([]string{"kubernetes cluster"})
	in := "restart kubernetes tonight"
	got, _ := c.Correct(in)
	if strings.Contains(got, "cluster") {
		t.Errorf("single word expanded into multi-word phrase: %q", got)
	}
}

func TestBlankPhrasesDropped(t *testing.T) {
	c := NewCorrector([]string{"", "  ", "real"})
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
}
