package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/latency"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/replay"
	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/internal/transcript"
	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/audio/ffcodec"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

// Mode selects the session behaviour for one socket.
type Mode string

const (
	ModeStream  Mode = "stream"
	ModeCompare Mode = "compare"
	ModeReplay  Mode = "replay"
	ModeVoice   Mode = "voice"
)

// State is the session lifecycle position.
type State int32

const (
	StateOpened State = iota
	StateNegotiating
	StateStreaming
	StateDraining
	StateClosed
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// errReplayComplete unwinds the read loop once a replay reaches end of file.
var errReplayComplete = errors.New("replay complete")

// drainTimeout bounds how long teardown waits for each provider lane's final
// transcripts.
const drainTimeout = 10 * time.Second

// Hooks let a wrapper (the voice assistant) observe session traffic. All
// callbacks run on session goroutines and must not block for long.
type Hooks struct {
	// OnConfig fires after the handshake config has been validated.
	OnConfig func(cfg ClientConfig)

	// OnTranscript fires for every emitted (deduplicated) transcript, with
	// any dictionary corrections applied.
	OnTranscript func(t types.Transcript)

	// OnAudio fires for every inbound audio chunk after validation.
	OnAudio func(c audio.Chunk)

	// OnCommand fires for client command messages.
	OnCommand func(cmd string)
}

// Options describe one socket's session.
type Options struct {
	Mode      Mode
	Providers []stt.Provider
	Lang      string

	// Replay is the consumed replay store entry; required in ModeReplay.
	Replay *replay.Session

	Hooks Hooks
}

// Session drives one streaming socket: handshake, provider fan-out, audio
// ingest, keepalive, and teardown. Create one via Manager.Open and drive it
// with Run.
type Session struct {
	id        string
	mode      Mode
	lang      string
	cfg       *config.Config
	conn      Conn
	providers []stt.Provider
	hooks     Hooks
	replayIn  *replay.Session

	log      *slog.Logger
	metrics  *observe.Metrics
	rtlog    *record.RealtimeLog
	recorder *latency.Recorder
	onClosed func(*Session)

	state   atomic.Int32
	writeMu sync.Mutex

	mu        sync.Mutex
	lanes     []*providerSession
	byChannel map[string][]*providerSession

	clientCfg  ClientConfig
	corrector  *transcript.Corrector
	preset     score.Preset
	decoder    *ffcodec.Decoder
	decoderSeq uint32

	startedAt    float64
	drainWait    time.Duration
	cancel       context.CancelCauseFunc
	missedPongs  atomic.Int32
	fatalOnce    sync.Once
	teardownOnce sync.Once
	done         chan struct{}
}

// ID returns the session identifier used in wire messages and records.
func (s *Session) ID() string { return s.id }

// Lang returns the session language tag.
func (s *Session) Lang() string { return s.lang }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Config returns the validated handshake config. Valid once streaming.
func (s *Session) Config() ClientConfig { return s.clientCfg }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetHooks installs wrapper hooks. Must be called before Run.
func (s *Session) SetHooks(h Hooks) { s.hooks = h }

// Send writes one JSON control message to the client.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(context.Background(), v)
}

// SendBinary writes one binary frame to the client (voice assistant PCM).
func (s *Session) SendBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteBinary(context.Background(), data)
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until the socket closes or a fatal error unwinds
// it. It always tears down before returning.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	defer cancel(nil)
	defer func() { s.teardown(context.Cause(ctx)) }()

	s.startedAt = nowMs()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.metrics.SessionsTotal.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("mode", string(s.mode))))
	s.log.Info("session opened", "mode", s.mode, "lang", s.lang, "providers", s.providerNames())

	if s.mode == ModeReplay {
		if err := s.negotiate(ctx, ClientConfig{Channels: 1}); err != nil {
			s.fatal(err)
			return
		}
		s.setState(StateStreaming)
		go s.replayPump(ctx)
	} else {
		if !s.handshake(ctx) {
			return
		}
		s.setState(StateStreaming)
	}

	stopKeepalive := s.startKeepalive(ctx)
	defer stopKeepalive()

	s.readLoop(ctx)
}

// handshake reads and validates the mandatory config frame and negotiates
// the provider lanes. Returns false when the session must not proceed to
// STREAMING.
func (s *Session) handshake(ctx context.Context) bool {
	mt, data, err := s.conn.Read(ctx)
	if err != nil {
		return false
	}
	if mt == MessageBinary {
		s.fatal(errors.New("binary frame before config"))
		return false
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		s.fatal(err)
		return false
	}
	if msg.Type != msgConfig {
		s.fatal(fmt.Errorf("expected config frame, got %q", msg.Type))
		return false
	}

	cfg := *msg.Config
	if err := cfg.Validate(s.cfg.Stream.MaxDictionaryPhrases, s.mode == ModeCompare); err != nil {
		s.fatal(fmt.Errorf("invalid config: %w", err))
		return false
	}
	if err := s.negotiate(ctx, cfg); err != nil {
		s.fatal(err)
		return false
	}
	if s.hooks.OnConfig != nil {
		s.hooks.OnConfig(cfg)
	}
	return true
}

// negotiate starts one provider lane per (provider, channel) pair, announces
// each over the wire, and prepares the ingest path.
func (s *Session) negotiate(ctx context.Context, cfg ClientConfig) error {
	s.setState(StateNegotiating)
	s.clientCfg = cfg
	s.preset = score.Preset(cfg.NormalizePreset)
	if len(cfg.DictionaryPhrases) > 0 {
		s.corrector = transcript.NewCorrector(cfg.DictionaryPhrases)
	}

	channel := s.transcriptChannel()
	srcRate := s.cfg.Audio.TargetSampleRate
	if cfg.PCM {
		srcRate = cfg.ClientSampleRate
	}
	labels := []string{""}
	if cfg.ChannelSplit {
		labels = []string{"L", "R"}
	}

	cb := providerCallbacks{
		transcript: s.emitTranscript,
		failure:    s.laneFailed,
		closed:     s.laneClosed,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChannel = make(map[string][]*providerSession)

	for _, p := range s.providers {
		dstRate := srcRate
		if p.WantsTranscode() && p.PreferredSampleRate() > 0 {
			dstRate = p.PreferredSampleRate()
		}
		laneChannels := cfg.Channels
		if cfg.ChannelSplit {
			laneChannels = 1
		}
		opts := stt.StreamOptions{
			SampleRate:     dstRate,
			Channels:       laneChannels,
			Language:       s.lang,
			InterimResults: cfg.EnableInterim,
			Punctuate:      cfg.PunctuationPolicy != "none",
			VADEvents:      cfg.EnableVAD,
			Phrases:        cfg.ContextPhrases,
		}
		for _, label := range labels {
			handle, err := p.StartStreaming(ctx, opts)
			if err != nil {
				return fmt.Errorf("provider %s start: %w", p.Name(), err)
			}
			gov := newGovernor(s.cfg.Stream, cfg.Options.MeetingMode)
			lane := newProviderSession(p.Name(), label, channel, handle, gov,
				srcRate, dstRate, laneChannels, s.metrics, s.log, cb)
			s.lanes = append(s.lanes, lane)
			s.byChannel[label] = append(s.byChannel[label], lane)

			ann := SessionMessage{
				Type:       "session",
				SessionID:  s.id,
				Provider:   p.Name(),
				Lang:       s.lang,
				SampleRate: dstRate,
				Channel:    label,
			}
			if err := s.Send(ann); err != nil {
				return fmt.Errorf("announce session: %w", err)
			}
			s.logRealtime(p.Name(), record.KindSession, ann)
		}
	}

	if !cfg.PCM {
		dec, err := ffcodec.NewDecoder(ffcodec.Config{
			BinaryPath:     s.cfg.Audio.FFmpegPath,
			TargetRate:     s.cfg.Audio.TargetSampleRate,
			TargetChannels: cfg.Channels,
			ChunkMs:        s.cfg.Audio.ChunkMs,
			Realtime:       s.mode == ModeReplay,
		}, s.emitDecoded)
		if err != nil {
			return fmt.Errorf("start decoder: %w", err)
		}
		s.decoder = dec
		if s.mode != ModeReplay {
			go s.watchDecoder(dec)
		}
	}
	return nil
}

// transcriptChannel maps the session mode to the audio source label carried
// on transcripts.
func (s *Session) transcriptChannel() types.Channel {
	switch {
	case s.mode == ModeReplay:
		return types.ChannelFile
	case s.clientCfg.Options.MeetingMode:
		return types.ChannelMeeting
	default:
		return types.ChannelMic
	}
}

// watchDecoder turns an unexpected codec exit into a session fatal. Normal
// teardown closes input first, so a clean exit after draining is expected.
func (s *Session) watchDecoder(dec *ffcodec.Decoder) {
	err := dec.Wait()
	if err != nil && s.State() == StateStreaming {
		s.fatal(fmt.Errorf("codec process failed: %w", err))
	}
}

// readLoop pumps inbound frames until the socket closes or the session
// context is cancelled.
func (s *Session) readLoop(ctx context.Context) {
	for {
		mt, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		switch mt {
		case MessageBinary:
			if err := s.ingest(ctx, data); err != nil {
				s.fatal(err)
				return
			}
		case MessageText:
			msg, err := DecodeClientMessage(data)
			if err != nil {
				s.fatal(err)
				return
			}
			switch msg.Type {
			case msgPong:
				s.missedPongs.Store(0)
			case msgCommand:
				if s.hooks.OnCommand != nil {
					s.hooks.OnCommand(msg.Command)
				}
			case msgConfig:
				s.fatal(errors.New("duplicate config frame"))
				return
			}
		}
	}
}

// ingest routes one binary frame down the configured audio path.
func (s *Session) ingest(ctx context.Context, data []byte) error {
	if s.mode == ModeReplay {
		// Replay clients do not send audio.
		return nil
	}
	if s.decoder != nil {
		if err := s.decoder.Write(data); err != nil {
			return fmt.Errorf("codec input: %w", err)
		}
		s.metrics.FramesIngested.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("path", "container")))
		return nil
	}

	meta, pcm, err := audio.DecodeFrame(data)
	if err != nil {
		return err
	}
	if meta.DurationMs <= 0 || meta.DurationMs > s.cfg.Audio.MaxFrameDurationMs {
		return fmt.Errorf("invalid frame duration %.1f ms", meta.DurationMs)
	}
	if now := nowMs(); meta.CaptureTs > now {
		meta.CaptureTs = now
	}
	s.metrics.FramesIngested.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("path", "pcm")))

	chunk := audio.Chunk{Data: pcm, Meta: meta}
	if s.hooks.OnAudio != nil {
		s.hooks.OnAudio(chunk)
	}
	s.publish(ctx, chunk)
	return nil
}

// emitDecoded is the codec callback for the container path; it synthesizes
// attribution metadata at read time.
func (s *Session) emitDecoded(pcm []byte) {
	meta := audio.FrameMeta{
		Seq:        s.decoderSeq,
		CaptureTs:  nowMs(),
		DurationMs: audio.DurationMs(len(pcm), s.cfg.Audio.TargetSampleRate, s.clientCfg.Channels),
	}
	s.decoderSeq++
	s.metrics.FramesIngested.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("path", "decoded")))

	chunk := audio.Chunk{Data: pcm, Meta: meta}
	if s.hooks.OnAudio != nil {
		s.hooks.OnAudio(chunk)
	}
	s.publish(context.Background(), chunk)
}

// publish fans one chunk out to every live lane for its channel. Publishing
// to one lane never awaits another.
func (s *Session) publish(ctx context.Context, chunk audio.Chunk) {
	lanes := s.lanesFor(chunk.Meta.Seq)
	for _, lane := range lanes {
		if lane.failed.Load() {
			continue
		}
		if err := lane.publish(ctx, chunk); err != nil {
			s.laneFailed(lane, err)
		}
	}
}

// lanesFor selects the target lanes; with channel split active, even
// sequence numbers belong to "L" and odd to "R".
func (s *Session) lanesFor(seq uint32) []*providerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clientCfg.ChannelSplit {
		return s.lanes
	}
	if seq%2 == 0 {
		return s.byChannel["L"]
	}
	return s.byChannel["R"]
}

func (s *Session) lanesSnapshot() []*providerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*providerSession, len(s.lanes))
	copy(out, s.lanes)
	return out
}

func (s *Session) providerNames() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// emitTranscript is the lane callback for deduplicated transcripts: apply
// dictionary corrections, write the wire message, log and measure, and run
// the normalizer pass.
func (s *Session) emitTranscript(ps *providerSession, t types.Transcript, originCaptureTs float64, latencyMs *float64) {
	msg := TranscriptMessage{
		Type:            "transcript",
		Provider:        t.Provider,
		Text:            t.Text,
		IsFinal:         t.IsFinal,
		Channel:         string(t.Channel),
		SpeakerID:       t.SpeakerID,
		Confidence:      t.Confidence,
		OriginCaptureTs: originCaptureTs,
		LatencyMs:       latencyMs,
	}
	if s.corrector != nil && t.IsFinal {
		corrected, corrections := s.corrector.Correct(t.Text)
		msg.Text = corrected
		msg.Corrections = corrections
	}

	if err := s.Send(msg); err != nil {
		s.log.Debug("transcript write failed", "provider", ps.name, "err", err)
	}

	lat := -1.0
	if latencyMs != nil {
		lat = *latencyMs
	}
	s.metrics.RecordTranscript(context.Background(), ps.name, t.IsFinal, lat)
	s.logRealtime(ps.name, record.KindTranscript, msg)

	if s.preset != score.PresetNone {
		res := score.Normalize(msg.Text, s.preset)
		norm := NormalizedMessage{
			Type:               "normalized",
			Provider:           ps.name,
			TextNorm:           res.TextNorm,
			IsFinal:            t.IsFinal,
			PunctuationApplied: res.PunctuationApplied,
			CasingApplied:      res.CasingApplied,
		}
		if err := s.Send(norm); err != nil {
			s.log.Debug("normalized write failed", "provider", ps.name, "err", err)
		}
	}

	if s.hooks.OnTranscript != nil {
		t.Text = msg.Text
		s.hooks.OnTranscript(t)
	}
}

// laneFailed marks one lane failed, emits the scoped wire error, and — when
// it was the last live lane — turns the failure session-fatal.
func (s *Session) laneFailed(ps *providerSession, err error) {
	ps.markFailed()
	s.log.Warn("provider failed", "provider", ps.name, "err", err)
	s.metrics.RecordProviderFailure(context.Background(), ps.name, failureReason(err))
	s.logRealtime(ps.name, record.KindError, ErrorMessage{Type: "error", Message: err.Error(), Provider: ps.name})
	if werr := s.Send(ErrorMessage{Type: "error", Message: err.Error(), Provider: ps.name}); werr != nil {
		s.log.Debug("error write failed", "provider", ps.name, "err", werr)
	}
	ps.close()

	if s.allFailed() {
		s.fatal(errors.New("all providers failed"))
	}
}

// laneClosed fires when an adapter closes its event stream. During teardown
// that is the expected drain; mid-stream it is a provider failure.
func (s *Session) laneClosed(ps *providerSession) {
	if s.State() == StateStreaming && !ps.failed.Load() {
		s.laneFailed(ps, errors.New("provider closed the stream"))
	}
}

func (s *Session) allFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lanes) == 0 {
		return false
	}
	for _, lane := range s.lanes {
		if !lane.failed.Load() {
			return false
		}
	}
	return true
}

// failureReason maps an error to a bounded metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrBacklogHardLimit):
		return "backlog_hard_limit"
	case errors.Is(err, ErrBacklogDropBudget):
		return "drop_budget"
	default:
		return "provider_error"
	}
}

// startKeepalive pings the client on an interval and declares the socket
// dead after too many unanswered pings.
func (s *Session) startKeepalive(ctx context.Context) func() {
	interval := time.Duration(s.cfg.Stream.KeepaliveMs) * time.Millisecond
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.missedPongs.Add(1); n >= int32(s.cfg.Stream.MaxMissedPongs) {
					s.fatal(errors.New("stream keepalive timeout"))
					return
				}
				if err := s.Send(PingMessage{Type: "ping", Ts: nowMs()}); err != nil {
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// fatal records the failure for every attached provider, emits one wire
// error, and unwinds the session. The realtime log entries are written
// before the socket write so diagnostics survive a dead socket.
func (s *Session) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.setState(StateFatal)
		s.log.Error("session fatal", "err", err)
		for _, name := range s.providerNames() {
			s.logRealtime(name, record.KindError, ErrorMessage{Type: "error", Message: err.Error()})
		}
		if werr := s.Send(ErrorMessage{Type: "error", Message: err.Error()}); werr != nil {
			s.log.Debug("fatal error write failed", "err", werr)
		}
		if s.cancel != nil {
			s.cancel(err)
		}
	})
}

// teardown runs the drain path exactly once: stop ingest, flush providers,
// persist latency summaries, log session end, close the socket.
func (s *Session) teardown(cause error) {
	s.teardownOnce.Do(func() {
		fatal := s.State() == StateFatal
		if !fatal {
			s.setState(StateDraining)
		}

		if s.decoder != nil {
			s.decoder.CloseInput()
			s.decoder.Stop()
		}

		lanes := s.lanesSnapshot()
		for _, lane := range lanes {
			lane.end()
		}
		for _, lane := range lanes {
			if !lane.await(s.drainWait) {
				s.log.Warn("provider did not drain in time", "provider", lane.name)
			}
			lane.close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		endedAt := nowMs()
		for _, lane := range lanes {
			summary := latency.Summary{
				SessionID: s.id,
				Provider:  lane.name,
				Lang:      s.lang,
				StartedAt: s.startedAt,
				EndedAt:   endedAt,
			}
			if err := s.recorder.Record(ctx, summary, lane.takeSamples()); err != nil {
				s.log.Warn("latency summary not persisted", "provider", lane.name, "err", err)
			}
		}

		reason := "client disconnect"
		if cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		for _, name := range s.providerNames() {
			s.logRealtime(name, record.KindSessionEnd, SessionEndMessage{
				Type:      "session_end",
				SessionID: s.id,
				Reason:    reason,
			})
		}

		if s.replayIn != nil {
			// The store handed the upload over on Take; it is ours to remove.
			if err := os.Remove(s.replayIn.FilePath); err != nil && !os.IsNotExist(err) {
				s.log.Warn("replay upload not removed", "path", s.replayIn.FilePath, "err", err)
			}
		}

		code := CloseNormal
		if fatal {
			code = CloseInternalError
		}
		_ = s.conn.Close(code, reason)

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.setState(StateClosed)
		s.log.Info("session closed", "reason", reason)
		close(s.done)
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

// logRealtime appends one realtime journal row; payloads are the wire
// messages themselves.
func (s *Session) logRealtime(provider string, kind record.EntryKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("realtime payload not encodable", "kind", kind, "err", err)
		raw = nil
	}
	s.rtlog.Log(context.Background(), record.RealtimeEntry{
		SessionID:  s.id,
		Provider:   provider,
		Lang:       s.lang,
		RecordedAt: nowMs(),
		Kind:       kind,
		Payload:    raw,
	})
}

// newSessionID returns a fresh session identifier.
func newSessionID() string { return uuid.NewString() }
