// Package types defines the shared types used across all sttmux packages.
//
// These types form the lingua franca between the audio pipeline, the provider
// adapters, and the stream core. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Channel identifies the audio source a transcript belongs to.
type Channel string

const (
	// ChannelMic is live microphone audio from a streaming client.
	ChannelMic Channel = "mic"

	// ChannelFile is audio decoded from an uploaded or replayed file.
	ChannelFile Channel = "file"

	// ChannelMeeting is multi-speaker room audio (meeting mode).
	ChannelMeeting Channel = "meeting"
)

// IsValid reports whether c is a known channel value.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelMic, ChannelFile, ChannelMeeting:
		return true
	}
	return false
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Channel is the audio source this transcript was produced from.
	Channel Channel

	// Timestamp marks when the provider produced the result.
	Timestamp time.Time

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for
	// providers that don't support word-level output.
	Words []Word

	// SpeakerID identifies the speaker when diarization or channel splitting
	// is active. Empty when unknown.
	SpeakerID string

	// Provider is the name of the adapter that produced this transcript.
	Provider string
}

// Word holds per-word metadata from STT providers that support it.
// Offsets are relative to the start of the provider's audio stream.
type Word struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Signature returns the duplicate-suppression key for a transcript. Two
// transcripts with equal signatures arriving back to back on the same
// provider session describe the same recognition result.
func (t Transcript) Signature() string {
	speaker := t.SpeakerID
	if speaker == "" {
		speaker = "unknown"
	}
	final := "partial"
	if t.IsFinal {
		final = "final"
	}
	return string(t.Channel) + "\x1f" + speaker + "\x1f" + final + "\x1f" + t.Text
}
