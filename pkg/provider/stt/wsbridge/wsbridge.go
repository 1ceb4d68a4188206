// Package wsbridge implements stt.Provider over a JSON-speaking WebSocket
// bridge. A bridge is a small gateway process that fronts an actual STT
// engine (a vendor API, a local whisper server) and speaks one uniform
// dialect: binary frames carry PCM audio upstream, text frames carry JSON
// transcript and error messages downstream, and a {"type":"end"} text frame
// asks the bridge to flush and close.
//
// Keeping vendor SDKs inside the bridge keeps this process free of
// per-vendor dependencies; adding a backend means deploying a bridge, not
// rebuilding the service.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

const (
	defaultSampleRate = 16000

	// batchChunkBytes is the read size used when streaming a whole file
	// through the bridge in TranscribeFilePCM.
	batchChunkBytes = 32 * 1024

	// readLimit bounds a single JSON message from the bridge. Word-level
	// detail on long finals can exceed the websocket default of 32 KiB.
	readLimit = 1 << 20
)

// endMessage asks the bridge to flush buffered audio into finals and close.
var endMessage = []byte(`{"type":"end"}`)

// Option is a functional option for configuring the bridge Provider.
type Option func(*Provider)

// WithAPIKey sets the credential sent as "Authorization: Token <key>".
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithModel sets the recognition model requested from the bridge.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language tag. Per-session options
// take precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the sample rate in Hz the bridge performs best at.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// Provider implements stt.Provider backed by a WebSocket bridge.
type Provider struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a bridge Provider. endpoint must be a ws:// or wss:// URL.
func New(name, endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("wsbridge: endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsbridge: endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if name == "" {
		name = "wsbridge"
	}
	p := &Provider{
		name:       name,
		endpoint:   endpoint,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Factory builds a bridge Provider from registry settings.
func Factory(s stt.Settings) (stt.Provider, error) {
	opts := make([]Option, 0, 4)
	if s.APIKey != "" {
		opts = append(opts, WithAPIKey(s.APIKey))
	}
	if s.Model != "" {
		opts = append(opts, WithModel(s.Model))
	}
	if s.Language != "" {
		opts = append(opts, WithLanguage(s.Language))
	}
	if s.SampleRate > 0 {
		opts = append(opts, WithSampleRate(s.SampleRate))
	}
	return New(s.Name, s.URL, opts...)
}

// Name returns the instance name.
func (p *Provider) Name() string { return p.name }

// PreferredSampleRate returns the configured bridge rate.
func (p *Provider) PreferredSampleRate() int { return p.sampleRate }

// WantsTranscode reports true: bridges negotiate one fixed rate per session
// and expect input resampled to it.
func (p *Provider) WantsTranscode() bool { return true }

// Close is a no-op; connections are per-session.
func (p *Provider) Close() error { return nil }

// StartStreaming opens a streaming transcription session with the bridge.
func (p *Provider) StartStreaming(ctx context.Context, opts stt.StreamOptions) (stt.StreamHandle, error) {
	wsURL, err := p.buildURL(opts)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: build URL: %w", err)
	}

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Token "+p.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sess := &session{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// TranscribeFilePCM streams the whole PCM reader through a bridge session,
// asks for a flush, and joins the resulting finals. The bridge is expected to
// close the stream once the flush completes.
func (p *Provider) TranscribeFilePCM(ctx context.Context, pcm io.Reader, opts stt.BatchOptions) (stt.BatchResult, error) {
	handle, err := p.StartStreaming(ctx, stt.StreamOptions{
		SampleRate: opts.SampleRate,
		Channels:   opts.Channels,
		Language:   opts.Language,
		Punctuate:  true,
		Phrases:    opts.Phrases,
	})
	if err != nil {
		return stt.BatchResult{}, err
	}
	defer handle.Close()

	var sent int
	buf := make([]byte, batchChunkBytes)
	for {
		n, rerr := pcm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := handle.SendAudio(chunk, stt.SendMeta{}); serr != nil {
				return stt.BatchResult{}, fmt.Errorf("wsbridge: send audio: %w", serr)
			}
			sent += n
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return stt.BatchResult{}, fmt.Errorf("wsbridge: read pcm: %w", rerr)
		}
	}
	if err := handle.End(); err != nil {
		return stt.BatchResult{}, fmt.Errorf("wsbridge: end: %w", err)
	}

	var (
		parts   []string
		confSum float64
		finals  int
		lastErr error
	)
	for e := range handle.Events() {
		switch e.Kind {
		case stt.EventTranscript:
			if e.Transcript.IsFinal && e.Transcript.Text != "" {
				parts = append(parts, e.Transcript.Text)
				confSum += e.Transcript.Confidence
				finals++
			}
		case stt.EventError:
			lastErr = e.Err
		}
	}
	if finals == 0 && lastErr != nil {
		return stt.BatchResult{}, lastErr
	}

	rate := opts.SampleRate
	if rate == 0 {
		rate = p.sampleRate
	}
	channels := opts.Channels
	if channels == 0 {
		channels = 1
	}
	res := stt.BatchResult{
		Text:        strings.Join(parts, " "),
		DurationSec: audio.DurationMs(sent, rate, channels) / 1000,
	}
	if finals > 0 {
		res.Confidence = confSum / float64(finals)
	}
	return res, nil
}

// buildURL constructs the bridge endpoint URL for the given session options.
func (p *Provider) buildURL(opts stt.StreamOptions) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	sr := opts.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	if p.model != "" {
		q.Set("model", p.model)
	}
	if lang != "" {
		q.Set("language", lang)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if opts.Channels > 0 {
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	if opts.VADEvents {
		q.Set("vad_events", "true")
	}
	for _, phrase := range opts.Phrases {
		q.Add("phrases", phrase)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// ─── session ───

// bridgeMessage is the JSON structure the bridge sends on its text frames.
type bridgeMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	SpeakerID  string  `json:"speakerId"`
	Message    string  `json:"message"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// session is a live bridge streaming session. It implements stt.StreamHandle.
type session struct {
	conn   *websocket.Conn
	events chan stt.Event
	audio  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	endErr    error
	wg        sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to the bridge. The meta timing is
// not forwarded; the bridge dialect carries no per-chunk timestamps.
func (s *session) SendAudio(chunk []byte, _ stt.SendMeta) error {
	select {
	case <-s.done:
		return fmt.Errorf("wsbridge: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("wsbridge: %w", stt.ErrSessionClosed)
	}
}

// End sends the flush marker. The bridge answers with any remaining finals
// and then closes the stream.
func (s *session) End() error {
	s.endOnce.Do(func() {
		s.endErr = s.conn.Write(context.Background(), websocket.MessageText, endMessage)
	})
	return s.endErr
}

// Close terminates the session and releases the connection.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Best-effort flush so the bridge does not log an abort.
		s.endOnce.Do(func() {
			s.endErr = s.conn.Write(context.Background(), websocket.MessageText, endMessage)
		})
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// writeLoop reads from the audio channel and sends binary frames to the
// bridge.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from the bridge and dispatches them to the
// event stream. It closes the stream when the bridge disconnects.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		e, ok := parseBridgeMessage(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- e:
		case <-s.done:
			return
		}
	}
}

// Ensure session implements stt.StreamHandle at compile time.
var _ stt.StreamHandle = (*session)(nil)

// parseBridgeMessage parses a raw bridge message into an Event. Returns
// (Event, true) on success, or (zero, false) if the message should be
// ignored (unknown types, malformed JSON, empty results).
func parseBridgeMessage(data []byte) (stt.Event, bool) {
	var msg bridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Event{}, false
	}

	switch msg.Type {
	case "transcript":
		words := make([]types.Word, 0, len(msg.Words))
		for _, w := range msg.Words {
			words = append(words, types.Word{
				Word:       w.Word,
				Start:      time.Duration(w.Start * float64(time.Second)),
				End:        time.Duration(w.End * float64(time.Second)),
				Confidence: w.Confidence,
			})
		}
		return stt.Event{
			Kind: stt.EventTranscript,
			Transcript: types.Transcript{
				Text:       msg.Text,
				IsFinal:    msg.IsFinal,
				Confidence: msg.Confidence,
				Words:      words,
				SpeakerID:  msg.SpeakerID,
			},
		}, true
	case "error":
		return stt.Event{
			Kind: stt.EventError,
			Err:  fmt.Errorf("wsbridge: remote: %s", msg.Message),
		}, true
	default:
		return stt.Event{}, false
	}
}
