// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider wraps a transcription engine (a cloud streaming API behind a
// WebSocket bridge, a local inference server, or a synthetic generator) and
// exposes two uniform entry points: a streaming session that accepts raw PCM
// audio and emits transcript events, and a one-shot batch call for whole-file
// transcription. The central abstraction is StreamHandle: once opened, a
// handle accepts audio via SendAudio and reports everything that happens on a
// single Events channel carrying sum-typed Event values, so callers consume
// exactly one ordered stream per provider.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously against one Provider (e.g., one per comparison lane in
// a compare session).
package stt

import (
	"context"
	"errors"
	"io"

	"github.com/sttmux/sttmux/pkg/types"
)

// ErrSessionClosed is returned by StreamHandle methods after the session has
// been ended or closed. Implementations wrap it so callers can test with
// errors.Is.
var ErrSessionClosed = errors.New("stt: session is closed")

// EventKind discriminates the variants of an Event.
type EventKind int

const (
	// EventTranscript carries a partial or final transcript in
	// Event.Transcript.
	EventTranscript EventKind = iota

	// EventError carries a provider-side error in Event.Err. The session may
	// or may not survive it; termination is signalled separately by closing
	// the Events channel.
	EventError
)

// Event is one occurrence on a streaming session. Exactly the field named by
// Kind is meaningful.
type Event struct {
	Kind       EventKind
	Transcript types.Transcript
	Err        error
}

// StreamOptions describes the audio format and recognition hints for a new
// streaming session. All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type StreamOptions struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (browser capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "ja"). An empty string lets the provider auto-detect, if supported.
	Language string

	// InterimResults requests low-latency partial transcripts in addition to
	// finals. Providers without partial support emit finals only.
	InterimResults bool

	// Punctuate requests automatic punctuation and casing.
	Punctuate bool

	// VADEvents requests voice-activity markers where the provider supports
	// them. Providers without VAD support ignore the flag.
	VADEvents bool

	// Phrases is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names. Providers without
	// phrase boosting ignore the list.
	Phrases []string
}

// SendMeta carries optional timing for one audio chunk. Providers that can
// forward capture timestamps use it; others ignore it. Mapping transcripts
// back to the capture clock is the caller's concern either way.
type SendMeta struct {
	// CaptureTs is the capture timestamp of the chunk end in milliseconds
	// since the Unix epoch. Zero means unknown.
	CaptureTs float64

	// DurationMs is the chunk duration in milliseconds. Zero means unknown.
	DurationMs float64
}

// StreamHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live provider
// connection.
//
// The Events channel is closed when the session ends, whether by End, Close,
// or a provider-side termination. Callers must call Close when the session is
// no longer needed; failing to do so may leak goroutines and network
// connections inside the implementation. All methods must be safe for
// concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the SampleRate, Channels, and 16-bit depth agreed
	// in StreamOptions. SendAudio returns once the chunk has been accepted
	// for delivery, which may block while the provider applies backpressure.
	// Calling SendAudio after End or Close returns an error wrapping
	// ErrSessionClosed.
	SendAudio(chunk []byte, meta SendMeta) error

	// End tells the provider that no further audio will arrive and that any
	// buffered audio should be flushed into final transcripts. Events stays
	// open until the flush completes. Calling End more than once is safe.
	End() error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Events channel is closed. Calling Close more
	// than once is safe and returns nil.
	Close() error

	// Events returns the session's event stream. The same channel is
	// returned on every call.
	Events() <-chan Event
}

// BatchOptions describes the PCM format and recognition hints for a one-shot
// file transcription.
type BatchOptions struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the PCM channel count.
	Channels int

	// Language is the BCP-47 language tag for recognition.
	Language string

	// Phrases is the vocabulary hint list, as in StreamOptions.
	Phrases []string
}

// BatchResult is the outcome of a one-shot file transcription.
type BatchResult struct {
	// Text is the full transcript.
	Text string

	// DurationSec is the audio duration as reported by the provider. Zero
	// means the provider did not report one and the caller should fall back
	// to the measured PCM duration.
	DurationSec float64

	// Confidence is the overall confidence score (0.0 to 1.0). May be zero
	// if the provider does not report confidence.
	Confidence float64
}

// Provider is the abstraction over any speech-to-text backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the configured instance name, used in wire messages,
	// metrics labels, and persisted records.
	Name() string

	// StartStreaming opens a new streaming transcription session with the
	// given audio format and recognition configuration. The returned
	// StreamHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, or ctx already cancelled). The
	// caller owns the StreamHandle and must call Close when done.
	StartStreaming(ctx context.Context, opts StreamOptions) (StreamHandle, error)

	// TranscribeFilePCM transcribes a complete PCM stream in one shot. The
	// reader yields 16-bit little-endian samples matching opts. The call
	// blocks until the provider has produced its result or ctx is cancelled.
	TranscribeFilePCM(ctx context.Context, pcm io.Reader, opts BatchOptions) (BatchResult, error)

	// PreferredSampleRate is the rate in Hz this provider performs best at.
	PreferredSampleRate() int

	// WantsTranscode reports whether audio should be resampled to
	// PreferredSampleRate before being sent. Providers that accept the
	// session's native rate return false.
	WantsTranscode() bool

	// Close releases any resources held at the provider level (connection
	// pools, warmed sidecar processes). Open sessions are not affected.
	Close() error
}
