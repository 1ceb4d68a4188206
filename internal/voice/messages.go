package voice

// Wire messages specific to the assistant endpoint. They share the socket
// with the stream package's session/transcript/error frames.

// SessionMessage announces the assistant session after the handshake.
type SessionMessage struct {
	Type      string   `json:"type"` // "voice_session"
	SessionID string   `json:"sessionId"`
	Lang      string   `json:"lang,omitempty"`
	WakeWords []string `json:"wakeWords,omitempty"`
}

// StateMessage reports a speaking-state transition.
type StateMessage struct {
	Type  string `json:"type"` // "voice_state"
	State string `json:"state"`
}

// Assistant speaking states.
const (
	StateListening = "listening"
	StateSpeaking  = "speaking"
)

// UserTranscriptMessage relays a user transcript, flagged with whether it
// falls inside an open wake window.
type UserTranscriptMessage struct {
	Type      string `json:"type"` // "voice_user_transcript"
	Provider  string `json:"provider,omitempty"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	Addressed bool   `json:"addressed"`
}

// AssistantTextMessage carries the assistant's textual reply before its audio
// starts playing.
type AssistantTextMessage struct {
	Type string `json:"type"` // "voice_assistant_text"
	Text string `json:"text"`
}

// AudioMarkerMessage brackets the binary PCM frames of one assistant turn.
type AudioMarkerMessage struct {
	Type string `json:"type"` // "voice_assistant_audio_start" | "voice_assistant_audio_end"
}

// MeetingWindowMessage announces that a wake word opened the command window.
type MeetingWindowMessage struct {
	Type   string  `json:"type"` // "voice_meeting_window"
	OpenMs float64 `json:"openMs"`
}
