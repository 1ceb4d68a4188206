package audio_test

import (
	"errors"
	"testing"

	"github.com/sttmux/sttmux/pkg/audio"
)

func TestWAVRoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{1, -2, 3, -4})
	file := append(audio.EncodeWAVHeader(16000, 1, len(pcm)), pcm...)

	rate, channels, got, err := audio.ParseWAV(file)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("format: got %dHz %dch, want 16000Hz 1ch", rate, channels)
	}
	if len(got) != len(pcm) {
		t.Fatalf("payload: got %d bytes, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestParseWAV_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS\x00\x00\x00\x00WAVE")},
		{"no data chunk", audio.EncodeWAVHeader(16000, 1, 0)[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := audio.ParseWAV(tt.data); !errors.Is(err, audio.ErrNotWAV) {
				t.Errorf("got %v, want ErrNotWAV", err)
			}
		})
	}
}

func TestParseWAV_SkipsUnknownChunks(t *testing.T) {
	pcm := samplesToBytes([]int16{42})
	head := audio.EncodeWAVHeader(48000, 2, len(pcm))
	// Insert a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0x04, 0, 0, 0, 'I', 'N', 'F', 'O')
	file := append(append(append([]byte{}, head[:36]...), list...), head[36:]...)
	file = append(file, pcm...)

	rate, channels, got, err := audio.ParseWAV(file)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 48000 || channels != 2 || len(got) != len(pcm) {
		t.Errorf("got %dHz %dch %d bytes", rate, channels, len(got))
	}
}
