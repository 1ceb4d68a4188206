// Package fake implements a synthetic speech-to-text provider that fabricates
// transcripts from the audio clock alone. It needs no network, credentials, or
// model files, which makes it the default backend for demos, load tests, and
// pipeline development.
//
// The fake cuts the incoming audio into fixed windows and emits one scripted
// line per window: an interim guess halfway through (when requested) and a
// final at the window boundary. Output is fully deterministic for a given
// configuration and amount of audio.
package fake

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

const (
	defaultSampleRate = 16000
	defaultWindow     = time.Second

	// minFlushMs is the smallest trailing window remainder that still
	// produces a final on End. Shorter remainders are discarded as silence.
	minFlushMs = 200.0

	finalConfidence   = 0.92
	partialConfidence = 0.61
)

var defaultScript = []string{
	"the quick brown fox jumps over the lazy dog",
	"pack my box with five dozen liquor jugs",
	"how vexingly quick daft zebras jump",
	"sphinx of black quartz judge my vow",
	"the five boxing wizards jump quickly",
}

// Option is a functional option for configuring the fake Provider.
type Option func(*Provider)

// WithScript sets the lines emitted per audio window. The list cycles when
// the stream outlives it. Empty lists are ignored.
func WithScript(lines []string) Option {
	return func(p *Provider) {
		if len(lines) > 0 {
			p.script = lines
		}
	}
}

// WithWindow sets the audio window that yields one final transcript.
func WithWindow(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithDelay sets an artificial emission delay simulating provider latency.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.delay = d
	}
}

// WithSampleRate sets the preferred sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// Provider implements stt.Provider with fabricated transcripts.
type Provider struct {
	name   string
	rate   int
	window time.Duration
	delay  time.Duration
	script []string
}

// New creates a fake Provider. name is the instance name reported by Name;
// empty defaults to "fake".
func New(name string, opts ...Option) *Provider {
	if name == "" {
		name = "fake"
	}
	p := &Provider{
		name:   name,
		rate:   defaultSampleRate,
		window: defaultWindow,
		script: defaultScript,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Factory builds a fake Provider from registry settings. Recognised Options
// keys: "windowMs" and "delayMs", both integer milliseconds.
func Factory(s stt.Settings) (stt.Provider, error) {
	opts := make([]Option, 0, 3)
	if s.SampleRate > 0 {
		opts = append(opts, WithSampleRate(s.SampleRate))
	}
	if v, ok := s.Options["windowMs"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("fake: invalid windowMs %q", v)
		}
		opts = append(opts, WithWindow(time.Duration(ms)*time.Millisecond))
	}
	if v, ok := s.Options["delayMs"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("fake: invalid delayMs %q", v)
		}
		opts = append(opts, WithDelay(time.Duration(ms)*time.Millisecond))
	}
	return New(s.Name, opts...), nil
}

// Name returns the instance name.
func (p *Provider) Name() string { return p.name }

// PreferredSampleRate returns the configured rate.
func (p *Provider) PreferredSampleRate() int { return p.rate }

// WantsTranscode reports true: the fake times its windows against its
// configured rate and expects input resampled to it.
func (p *Provider) WantsTranscode() bool { return true }

// Close is a no-op; the fake holds no provider-level resources.
func (p *Provider) Close() error { return nil }

// StartStreaming opens a synthetic streaming session.
func (p *Provider) StartStreaming(ctx context.Context, opts stt.StreamOptions) (stt.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = p.rate
	}
	channels := opts.Channels
	if channels == 0 {
		channels = 1
	}
	s := &session{
		rate:     rate,
		channels: channels,
		windowMs: float64(p.window) / float64(time.Millisecond),
		delay:    p.delay,
		script:   p.script,
		interim:  opts.InterimResults,
		events:   make(chan stt.Event, 64),
		jobs:     make(chan job, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.emitLoop()
	return s, nil
}

// TranscribeFilePCM fabricates a transcript proportional to the PCM duration.
func (p *Provider) TranscribeFilePCM(ctx context.Context, pcm io.Reader, opts stt.BatchOptions) (stt.BatchResult, error) {
	data, err := io.ReadAll(pcm)
	if err != nil {
		return stt.BatchResult{}, fmt.Errorf("fake: read pcm: %w", err)
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = p.rate
	}
	channels := opts.Channels
	if channels == 0 {
		channels = 1
	}
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return stt.BatchResult{}, ctx.Err()
		}
	}

	durMs := audio.DurationMs(len(data), rate, channels)
	windowMs := float64(p.window) / float64(time.Millisecond)
	full := int(durMs / windowMs)
	parts := make([]string, 0, full+1)
	for i := range full {
		parts = append(parts, p.script[i%len(p.script)])
	}
	if rem := durMs - float64(full)*windowMs; rem >= minFlushMs {
		parts = append(parts, headWords(p.script[full%len(p.script)], rem/windowMs))
	}
	return stt.BatchResult{
		Text:        strings.Join(parts, " "),
		DurationSec: durMs / 1000,
		Confidence:  finalConfidence,
	}, nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// ─── session ───

// job is one queued emission. end marks the flush sentinel that terminates
// the emit loop after all prior jobs have been delivered.
type job struct {
	transcript types.Transcript
	end        bool
}

// session is a live fake streaming session. It implements stt.StreamHandle.
type session struct {
	rate     int
	channels int
	windowMs float64
	delay    time.Duration
	script   []string
	interim  bool

	events chan stt.Event
	jobs   chan job
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	windowIdx int
	accMs     float64
	ended     bool
}

// SendAudio advances the synthetic audio clock and queues transcripts for
// every completed window.
func (s *session) SendAudio(chunk []byte, meta stt.SendMeta) error {
	select {
	case <-s.done:
		return fmt.Errorf("fake: %w", stt.ErrSessionClosed)
	default:
	}

	durMs := meta.DurationMs
	if durMs <= 0 {
		durMs = audio.DurationMs(len(chunk), s.rate, s.channels)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return fmt.Errorf("fake: %w", stt.ErrSessionClosed)
	}
	s.accMs += durMs
	var out []types.Transcript
	for s.accMs >= s.windowMs {
		s.accMs -= s.windowMs
		out = append(out, s.cutWindow()...)
	}
	s.mu.Unlock()

	for _, t := range out {
		select {
		case s.jobs <- job{transcript: t}:
		case <-s.done:
			return fmt.Errorf("fake: %w", stt.ErrSessionClosed)
		}
	}
	return nil
}

// End flushes any trailing window remainder as a final and ends the stream
// once the queued emissions have been delivered.
func (s *session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	var flush []types.Transcript
	if s.accMs >= minFlushMs {
		line := s.script[s.windowIdx%len(s.script)]
		start := time.Duration(float64(s.windowIdx) * s.windowMs * float64(time.Millisecond))
		flush = append(flush, s.transcript(headWords(line, s.accMs/s.windowMs), start, s.accMs, true))
		s.accMs = 0
	}
	s.mu.Unlock()

	for _, t := range flush {
		select {
		case s.jobs <- job{transcript: t}:
		case <-s.done:
			return nil
		}
	}
	select {
	case s.jobs <- job{end: true}:
	case <-s.done:
	}
	return nil
}

// Close abandons pending emissions and releases the session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// cutWindow builds the emissions for the window that just completed.
// Callers hold s.mu.
func (s *session) cutWindow() []types.Transcript {
	line := s.script[s.windowIdx%len(s.script)]
	start := time.Duration(float64(s.windowIdx) * s.windowMs * float64(time.Millisecond))
	s.windowIdx++

	final := s.transcript(line, start, s.windowMs, true)
	if !s.interim {
		return []types.Transcript{final}
	}
	partial := s.transcript(headWords(line, 0.5), start, s.windowMs/2, false)
	return []types.Transcript{partial, final}
}

// transcript builds a final transcript with evenly spaced word timings.
func (s *session) transcript(text string, start time.Duration, durMs float64, final bool) types.Transcript {
	words := strings.Fields(text)
	var detail []types.Word
	if final && len(words) > 0 {
		per := time.Duration(durMs * float64(time.Millisecond) / float64(len(words)))
		detail = make([]types.Word, 0, len(words))
		for i, w := range words {
			ws := start + time.Duration(i)*per
			detail = append(detail, types.Word{Word: w, Start: ws, End: ws + per, Confidence: finalConfidence})
		}
	}
	conf := finalConfidence
	if !final {
		conf = partialConfidence
	}
	return types.Transcript{
		Text:       text,
		IsFinal:    final,
		Confidence: conf,
		Words:      detail,
	}
}

// emitLoop delivers queued transcripts to the event stream, applying the
// configured latency, and closes the stream on flush or Close.
func (s *session) emitLoop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		select {
		case j := <-s.jobs:
			if j.end {
				return
			}
			if s.delay > 0 {
				t := time.NewTimer(s.delay)
				select {
				case <-t.C:
				case <-s.done:
					t.Stop()
					return
				}
			}
			select {
			case s.events <- stt.Event{Kind: stt.EventTranscript, Transcript: j.transcript}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// headWords returns the first fraction of the line's words, at least one.
func headWords(line string, fraction float64) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return line
	}
	n := int(float64(len(words)) * fraction)
	if n < 1 {
		n = 1
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}

// Ensure session implements stt.StreamHandle at compile time.
var _ stt.StreamHandle = (*session)(nil)
