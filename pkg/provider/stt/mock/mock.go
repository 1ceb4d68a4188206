// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamOptions. Use Handle to feed controlled Event values and inspect which
// audio chunks were delivered.
//
// Example:
//
//	h := mock.NewHandle()
//	p := &mock.Provider{Handle: h}
//	handle, _ := p.StartStreaming(ctx, opts)
//	h.EmitTranscript(types.Transcript{Text: "hello", IsFinal: true})
//	h.CloseEvents()
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

// StartStreamingCall records a single invocation of Provider.StartStreaming.
type StartStreamingCall struct {
	// Ctx is the context passed to StartStreaming.
	Ctx context.Context
	// Opts is the StreamOptions passed to StartStreaming.
	Opts stt.StreamOptions
}

// TranscribeCall records a single invocation of Provider.TranscribeFilePCM.
type TranscribeCall struct {
	// PCM is a copy of the bytes read from the pcm stream.
	PCM []byte
	// Opts is the BatchOptions passed to TranscribeFilePCM.
	Opts stt.BatchOptions
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Rate is returned by PreferredSampleRate. Defaults to 16000.
	Rate int

	// Transcode is returned by WantsTranscode.
	Transcode bool

	// Handle is the StreamHandle returned by StartStreaming. If nil,
	// StartStreaming returns a fresh Handle from NewHandle.
	Handle stt.StreamHandle

	// StartStreamingErr, if non-nil, is returned as the error from
	// StartStreaming.
	StartStreamingErr error

	// BatchResult is returned by TranscribeFilePCM.
	BatchResult stt.BatchResult

	// BatchErr, if non-nil, is returned as the error from TranscribeFilePCM.
	BatchErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// StartStreamingCalls records every call to StartStreaming.
	StartStreamingCalls []StartStreamingCall

	// TranscribeCalls records every call to TranscribeFilePCM.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// StartStreaming records the call and returns Handle, StartStreamingErr.
func (p *Provider) StartStreaming(ctx context.Context, opts stt.StreamOptions) (stt.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamingCalls = append(p.StartStreamingCalls, StartStreamingCall{Ctx: ctx, Opts: opts})
	if p.StartStreamingErr != nil {
		return nil, p.StartStreamingErr
	}
	if p.Handle != nil {
		return p.Handle, nil
	}
	return NewHandle(), nil
}

// TranscribeFilePCM drains pcm, records the call, and returns BatchResult,
// BatchErr.
func (p *Provider) TranscribeFilePCM(ctx context.Context, pcm io.Reader, opts stt.BatchOptions) (stt.BatchResult, error) {
	data, err := io.ReadAll(pcm)
	if err != nil {
		return stt.BatchResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: data, Opts: opts})
	if p.BatchErr != nil {
		return stt.BatchResult{}, p.BatchErr
	}
	return p.BatchResult, nil
}

// PreferredSampleRate returns Rate, or 16000 when unset.
func (p *Provider) PreferredSampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// WantsTranscode returns Transcode.
func (p *Provider) WantsTranscode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Transcode
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamingCalls = nil
	p.TranscribeCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Handle.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
	// Meta is the SendMeta passed alongside the chunk.
	Meta stt.SendMeta
}

// Handle is a mock implementation of stt.StreamHandle.
//
// Tests emit events with EmitTranscript, EmitError, or Emit, and end the
// stream with CloseEvents. Handle.Close also closes the event stream, so
// tests must not close EventsCh directly.
type Handle struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events.
	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioFunc, if non-nil, is invoked after the call is recorded and
	// its result returned instead of SendAudioErr. It runs outside the
	// handle's lock, so it may block to simulate provider backpressure.
	SendAudioFunc func(chunk []byte, meta stt.SendMeta) error

	// EndErr, if non-nil, is returned by End.
	EndErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// EndCallCount is the number of times End was called.
	EndCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewHandle returns a Handle with a buffered event channel.
func NewHandle() *Handle {
	return &Handle{
		EventsCh: make(chan stt.Event, 16),
	}
}

// SendAudio records the call and returns SendAudioFunc's result when set,
// SendAudioErr otherwise.
func (h *Handle) SendAudio(chunk []byte, meta stt.SendMeta) error {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	h.mu.Lock()
	h.SendAudioCalls = append(h.SendAudioCalls, SendAudioCall{Chunk: cp, Meta: meta})
	fn := h.SendAudioFunc
	err := h.SendAudioErr
	h.mu.Unlock()

	if fn != nil {
		return fn(chunk, meta)
	}
	return err
}

// End records the call and returns EndErr.
func (h *Handle) End() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EndCallCount++
	return h.EndErr
}

// Close records the call, closes the event stream, and returns CloseErr.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.CloseCallCount++
	err := h.CloseErr
	h.mu.Unlock()
	h.CloseEvents()
	return err
}

// Events returns EventsCh.
func (h *Handle) Events() <-chan stt.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.EventsCh
}

// Emit sends an event to the stream. It blocks if EventsCh is full.
func (h *Handle) Emit(e stt.Event) {
	h.EventsCh <- e
}

// EmitTranscript sends a transcript event to the stream.
func (h *Handle) EmitTranscript(t types.Transcript) {
	h.Emit(stt.Event{Kind: stt.EventTranscript, Transcript: t})
}

// EmitError sends an error event to the stream.
func (h *Handle) EmitError(err error) {
	h.Emit(stt.Event{Kind: stt.EventError, Err: err})
}

// CloseEvents closes the event stream. Safe to call more than once and
// alongside Close.
func (h *Handle) CloseEvents() {
	h.closeOnce.Do(func() {
		close(h.EventsCh)
	})
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (h *Handle) SendAudioCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (h *Handle) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SendAudioCalls = nil
	h.EndCallCount = 0
	h.CloseCallCount = 0
}

// Ensure Handle implements stt.StreamHandle at compile time.
var _ stt.StreamHandle = (*Handle)(nil)
