package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/internal/transcript"
)

// ErrUnknownMessage is returned when a text frame carries a type the session
// does not recognise.
var ErrUnknownMessage = errors.New("stream: unknown message type")

// Client message kinds.
const (
	msgConfig  = "config"
	msgPong    = "pong"
	msgCommand = "command"
)

// Voice commands accepted on the command message.
const (
	CommandBargeIn      = "barge_in"
	CommandStopSpeaking = "stop_speaking"
	CommandResetHistory = "reset_history"
)

// ConfigOptions carries the optional knobs of the handshake config frame.
type ConfigOptions struct {
	// MeetingMode widens the backlog budget for long multi-speaker audio.
	MeetingMode bool `json:"meetingMode,omitempty"`

	// WakeWords overrides the server-side wake word list for this voice
	// session.
	WakeWords []string `json:"wakeWords,omitempty"`
}

// ClientConfig is the handshake frame every streaming socket must send first.
type ClientConfig struct {
	// PCM selects raw header-framed PCM input instead of container decode.
	PCM bool `json:"pcm"`

	// ClientSampleRate is the PCM rate in Hz. Required when PCM is true.
	ClientSampleRate int `json:"clientSampleRate,omitempty"`

	// Channels is 1 or 2. Zero defaults to 1.
	Channels int `json:"channels,omitempty"`

	// EnableInterim requests partial transcripts in addition to finals.
	EnableInterim bool `json:"enableInterim,omitempty"`

	// ChannelSplit treats L and R of a stereo stream as independent
	// speakers. Forbidden in compare mode.
	ChannelSplit bool `json:"channelSplit,omitempty"`

	// ContextPhrases are vocabulary hints forwarded to the provider.
	ContextPhrases []string `json:"contextPhrases,omitempty"`

	// DictionaryPhrases feed the phonetic corrector applied to finals.
	DictionaryPhrases []string `json:"dictionaryPhrases,omitempty"`

	// PunctuationPolicy is one of "", "none", "basic", "full".
	PunctuationPolicy string `json:"punctuationPolicy,omitempty"`

	// EnableVAD requests voice-activity events where supported.
	EnableVAD bool `json:"enableVad,omitempty"`

	// NormalizePreset, when set, emits a normalized copy of each transcript.
	NormalizePreset string `json:"normalizePreset,omitempty"`

	Options ConfigOptions `json:"options,omitempty"`
}

// Validate checks the handshake against the session's limits. compare is true
// for multi-provider sessions, where channel split is not allowed.
func (c *ClientConfig) Validate(maxDictionary int, compare bool) error {
	if c.PCM && c.ClientSampleRate <= 0 {
		return errors.New("pcm mode requires clientSampleRate")
	}
	switch c.Channels {
	case 0:
		c.Channels = 1
	case 1, 2:
	default:
		return fmt.Errorf("channels %d must be 1 or 2", c.Channels)
	}
	if c.ChannelSplit && compare {
		return errors.New("channelSplit is not supported in compare mode")
	}
	if c.ChannelSplit && c.Channels != 2 {
		return errors.New("channelSplit requires channels=2")
	}
	switch c.PunctuationPolicy {
	case "", "none", "basic", "full":
	default:
		return fmt.Errorf("unknown punctuationPolicy %q", c.PunctuationPolicy)
	}
	if p := score.Preset(c.NormalizePreset); !p.IsValid() {
		return fmt.Errorf("unknown normalizePreset %q", c.NormalizePreset)
	}
	if maxDictionary > 0 && len(c.DictionaryPhrases) > maxDictionary {
		return fmt.Errorf("dictionary has %d phrases, limit is %d", len(c.DictionaryPhrases), maxDictionary)
	}
	return nil
}

// ClientMessage is the decoded form of one inbound text frame. Exactly the
// fields for the named Type are meaningful.
type ClientMessage struct {
	Type    string
	Config  *ClientConfig
	PongTs  float64
	Command string
}

// clientEnvelope is the superset wire shape used for decoding.
type clientEnvelope struct {
	Type    string  `json:"type"`
	Ts      float64 `json:"ts"`
	Command string  `json:"command"`
}

// DecodeClientMessage parses one inbound text frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("stream: malformed message: %w", err)
	}
	switch env.Type {
	case msgConfig:
		var cfg ClientConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return ClientMessage{}, fmt.Errorf("stream: malformed config: %w", err)
		}
		return ClientMessage{Type: msgConfig, Config: &cfg}, nil
	case msgPong:
		return ClientMessage{Type: msgPong, PongTs: env.Ts}, nil
	case msgCommand:
		switch env.Command {
		case CommandBargeIn, CommandStopSpeaking, CommandResetHistory:
			return ClientMessage{Type: msgCommand, Command: env.Command}, nil
		}
		return ClientMessage{}, fmt.Errorf("stream: unknown command %q", env.Command)
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type field", ErrUnknownMessage)
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// SessionMessage announces one ready provider lane during the handshake.
type SessionMessage struct {
	Type       string `json:"type"` // "session"
	SessionID  string `json:"sessionId"`
	Provider   string `json:"provider"`
	Lang       string `json:"lang,omitempty"`
	SampleRate int    `json:"sampleRate"`
	Channel    string `json:"channel,omitempty"`
}

// TranscriptMessage is one recognition result on the wire.
type TranscriptMessage struct {
	Type            string                  `json:"type"` // "transcript"
	Provider        string                  `json:"provider"`
	Text            string                  `json:"text"`
	IsFinal         bool                    `json:"isFinal"`
	Channel         string                  `json:"channel,omitempty"`
	SpeakerID       string                  `json:"speakerId,omitempty"`
	Confidence      float64                 `json:"confidence,omitempty"`
	OriginCaptureTs float64                 `json:"originCaptureTs,omitempty"`
	LatencyMs       *float64                `json:"latencyMs,omitempty"`
	Corrections     []transcript.Correction `json:"corrections,omitempty"`
}

// NormalizedMessage carries the normalizer's view of a transcript when the
// handshake named a preset.
type NormalizedMessage struct {
	Type               string `json:"type"` // "normalized"
	Provider           string `json:"provider"`
	TextNorm           string `json:"textNorm"`
	IsFinal            bool   `json:"isFinal"`
	PunctuationApplied bool   `json:"punctuationApplied"`
	CasingApplied      bool   `json:"casingApplied"`
}

// ErrorMessage reports a scoped provider failure (Provider set) or a
// session-fatal condition (Provider empty).
type ErrorMessage struct {
	Type     string `json:"type"` // "error"
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// PingMessage is the keepalive probe; clients answer with a pong carrying
// the same ts.
type PingMessage struct {
	Type string  `json:"type"` // "ping"
	Ts   float64 `json:"ts"`
}

// SessionEndMessage is written to the realtime log at teardown. It is never
// sent on the wire.
type SessionEndMessage struct {
	Type      string `json:"type"` // "session_end"
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}
