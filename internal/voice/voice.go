// Package voice implements the assistant endpoint: a single-provider
// streaming session extended with wake-word windowing, assistant audio
// playout, and barge-in detection. Reply generation itself lives behind the
// Speaker seam.
package voice

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/stream"
	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

// Reply is one assistant turn produced by a Speaker. Audio carries raw PCM16
// chunks at the session sample rate and is closed when synthesis ends.
type Reply struct {
	Text  string
	Audio <-chan []byte
}

// Speaker turns an addressed user utterance into an assistant reply. It is
// the seam for the dialogue stack; this package only plays what it returns.
type Speaker interface {
	Speak(ctx context.Context, utterance string) (Reply, error)
}

// Session wraps one stream.Session with the assistant behaviors.
type Session struct {
	inner   *stream.Session
	cfg     config.VoiceConfig
	speaker Speaker
	log     *slog.Logger

	mu      sync.Mutex
	playout *playout
	wake    *wakeWatcher
	barge   *bargeDetector
	history []string

	speaking atomic.Bool
	turnBusy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens an assistant session on conn through the stream manager. The
// caller must Run the session exactly once. speaker may be nil, in which
// case user transcripts are relayed but never answered.
func New(mgr *stream.Manager, conn stream.Conn, provider stt.Provider,
	lang string, cfg config.VoiceConfig, speaker Speaker, log *slog.Logger) (*Session, error) {

	s := &Session{
		cfg:     cfg,
		speaker: speaker,
		log:     log,
	}
	inner, err := mgr.Open(conn, stream.Options{
		Mode:      stream.ModeVoice,
		Providers: []stt.Provider{provider},
		Lang:      lang,
		Hooks: stream.Hooks{
			OnConfig:     s.onConfig,
			OnTranscript: s.onTranscript,
			OnAudio:      s.onAudio,
			OnCommand:    s.onCommand,
		},
	})
	if err != nil {
		return nil, err
	}
	s.inner = inner
	s.log = log.With("session", inner.ID())
	return s, nil
}

// Run drives the session until the socket closes, then releases the playout
// and any in-flight assistant turn.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()
	defer cancel()

	s.inner.Run(ctx)

	s.mu.Lock()
	po := s.playout
	s.mu.Unlock()
	if po != nil {
		po.Close()
	}
}

// ID returns the underlying stream session id.
func (s *Session) ID() string { return s.inner.ID() }

// onConfig finishes the assistant handshake once the stream handshake has
// validated the client config.
func (s *Session) onConfig(cc stream.ClientConfig) {
	words := append(append([]string(nil), s.cfg.WakeWords...), cc.Options.WakeWords...)
	window := time.Duration(s.cfg.WakeWindowMs) * time.Millisecond

	rate := cc.ClientSampleRate
	if !cc.PCM || rate <= 0 {
		rate = 16000
	}
	channels := cc.Channels
	if channels < 1 {
		channels = 1
	}

	s.mu.Lock()
	s.wake = newWakeWatcher(words, window)
	s.barge = newBargeDetector(s.cfg.BargeInRmsFactor, float64(s.cfg.BargeInMinMs))
	s.playout = newPlayout(rate, channels, s.inner.SendBinary,
		s.turnStarted, s.turnStopped, s.noteEcho)
	s.mu.Unlock()

	if err := s.inner.Send(SessionMessage{
		Type:      "voice_session",
		SessionID: s.inner.ID(),
		Lang:      s.inner.Lang(),
		WakeWords: words,
	}); err != nil {
		s.log.Debug("voice session announce failed", "err", err)
	}
	s.sendState(StateListening)
}

func (s *Session) turnStarted() {
	s.speaking.Store(true)
	if err := s.inner.Send(AudioMarkerMessage{Type: "voice_assistant_audio_start"}); err != nil {
		s.log.Debug("audio start marker failed", "err", err)
	}
	s.sendState(StateSpeaking)
}

func (s *Session) turnStopped() {
	s.speaking.Store(false)
	s.mu.Lock()
	barge := s.barge
	s.mu.Unlock()
	if barge != nil {
		barge.reset()
	}
	if err := s.inner.Send(AudioMarkerMessage{Type: "voice_assistant_audio_end"}); err != nil {
		s.log.Debug("audio end marker failed", "err", err)
	}
	s.sendState(StateListening)
}

func (s *Session) noteEcho(pcm []byte) {
	s.mu.Lock()
	barge := s.barge
	s.mu.Unlock()
	if barge != nil {
		barge.noteOutput(pcm)
	}
}

func (s *Session) sendState(state string) {
	if err := s.inner.Send(StateMessage{Type: "voice_state", State: state}); err != nil {
		s.log.Debug("state message failed", "state", state, "err", err)
	}
}

// onAudio watches inbound microphone audio for the user talking over the
// assistant. The detector only runs while assistant audio is playing.
func (s *Session) onAudio(c audio.Chunk) {
	if !s.speaking.Load() {
		return
	}
	s.mu.Lock()
	barge := s.barge
	s.mu.Unlock()
	if barge != nil && barge.sample(c.Data, c.Meta.DurationMs) {
		s.bargeIn("vad")
	}
}

// bargeIn cuts assistant playback; the playout's stop callback restores the
// listening state on the wire.
func (s *Session) bargeIn(source string) {
	s.mu.Lock()
	po := s.playout
	s.mu.Unlock()
	if po == nil || !s.speaking.Load() {
		return
	}
	s.log.Info("barge-in", "source", source)
	po.Flush()
}

func (s *Session) onCommand(cmd string) {
	switch cmd {
	case stream.CommandBargeIn:
		s.bargeIn("client")
	case stream.CommandStopSpeaking:
		s.mu.Lock()
		po := s.playout
		s.mu.Unlock()
		if po != nil {
			po.Flush()
		}
	case stream.CommandResetHistory:
		s.mu.Lock()
		s.history = nil
		wake := s.wake
		s.mu.Unlock()
		if wake != nil {
			wake.reset()
		}
	}
}

// onTranscript relays user transcripts with their addressed flag and, for
// addressed finals, starts an assistant turn.
func (s *Session) onTranscript(t types.Transcript) {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	if wake == nil {
		return
	}

	now := time.Now()
	if t.IsFinal && wake.observe(t.Text, now) {
		if err := s.inner.Send(MeetingWindowMessage{
			Type:   "voice_meeting_window",
			OpenMs: float64(s.cfg.WakeWindowMs),
		}); err != nil {
			s.log.Debug("meeting window message failed", "err", err)
		}
	}
	addressed := wake.addressed(now)

	if err := s.inner.Send(UserTranscriptMessage{
		Type:      "voice_user_transcript",
		Provider:  t.Provider,
		Text:      t.Text,
		IsFinal:   t.IsFinal,
		Addressed: addressed,
	}); err != nil {
		s.log.Debug("user transcript message failed", "err", err)
	}

	if !t.IsFinal {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, t.Text)
	s.mu.Unlock()

	if addressed && s.speaker != nil {
		s.respond(t.Text)
	}
}

// respond runs one assistant turn. Turns are serialized; a final arriving
// while a turn is in flight is relayed but not answered.
func (s *Session) respond(utterance string) {
	if !s.turnBusy.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	ctx, po := s.ctx, s.playout
	s.mu.Unlock()
	if ctx == nil || po == nil {
		s.turnBusy.Store(false)
		return
	}

	go func() {
		defer s.turnBusy.Store(false)
		reply, err := s.speaker.Speak(ctx, utterance)
		if err != nil {
			s.log.Warn("assistant turn failed", "err", err)
			return
		}
		if reply.Text != "" {
			if werr := s.inner.Send(AssistantTextMessage{Type: "voice_assistant_text", Text: reply.Text}); werr != nil {
				s.log.Debug("assistant text message failed", "err", werr)
			}
		}
		if reply.Audio == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				// Unblock the synthesizer goroutine; values are discarded.
				go func() {
					for range reply.Audio {
					}
				}()
				return
			case pcm, ok := <-reply.Audio:
				if !ok {
					return
				}
				po.Enqueue(pcm)
			}
		}
	}()
}
