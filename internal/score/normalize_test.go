package score

import "testing"

func TestNormalizePresets(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		preset Preset
		want   string
	}{
		{"base collapses whitespace", "  hello   world ", PresetNone, "hello world"},
		{"base unifies smart quotes", "“hi” and ‘there’", PresetNone, `"hi" and 'there'`},
		{"cer preserves case and punct", "Hello, World!", PresetCER, "Hello, World!"},
		{"wer lowercases and strips punct", "Hello, World!", PresetWER, "hello world"},
		{"wer strips japanese punct", "こんにちは、世界。", PresetWER, "こんにちは世界"},
		{"nopunct keeps spaces", "A. B? C!", PresetNoPunct, "a b c"},
		{"nfkc folds fullwidth", "ＡＢＣ", PresetCER, "ABC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.text, tt.preset)
			if got.TextNorm != tt.want {
				t.Errorf("TextNorm: got %q, want %q", got.TextNorm, tt.want)
			}
		})
	}
}

func TestNormalizeFlags(t *testing.T) {
	got := Normalize("Hello, there", PresetWER)
	if !got.PunctuationApplied {
		t.Error("expected PunctuationApplied for input with comma")
	}
	if !got.CasingApplied {
		t.Error("expected CasingApplied for input with uppercase")
	}

	got = Normalize("all lower no punct", PresetWER)
	if got.PunctuationApplied || got.CasingApplied {
		t.Errorf("expected both flags false, got %+v", got)
	}
}

func TestStripSpace(t *testing.T) {
	if got := StripSpace("a b\tc\nd"); got != "abcd" {
		t.Errorf("got %q, want %q", got, "abcd")
	}
}

func TestPresetIsValid(t *testing.T) {
	for _, p := range []Preset{PresetNone, PresetWER, PresetCER, PresetNoPunct} {
		if !p.IsValid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if Preset("bogus").IsValid() {
		t.Error("bogus preset should be invalid")
	}
}
