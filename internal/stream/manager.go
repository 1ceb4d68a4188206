package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/latency"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/replay"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// ErrSessionLimit rejects new sockets once the configured ceiling of live
// sessions is reached.
var ErrSessionLimit = errors.New("stream: max concurrent sessions reached")

// ErrReplayNotFound rejects replay sockets whose session id is unknown,
// expired, or already used.
var ErrReplayNotFound = errors.New("stream: replay session not found or already consumed")

// Manager owns all live streaming sessions. It hands sockets to sessions,
// tracks them for the API snapshot, and closes them on shutdown.
type Manager struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	rtlog    *record.RealtimeLog
	recorder *latency.Recorder
	replays  *replay.Store

	// drainWait bounds teardown's wait for each lane's final transcripts.
	drainWait time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires the manager's collaborators. metrics may be nil, in which
// case the process-wide default instruments are used.
func NewManager(cfg *config.Config, log *slog.Logger, metrics *observe.Metrics,
	rtlog *record.RealtimeLog, recorder *latency.Recorder, replays *replay.Store) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		rtlog:     rtlog,
		recorder:  recorder,
		replays:   replays,
		drainWait: drainTimeout,
		sessions:  make(map[string]*Session),
	}
}

// Open registers a new session for conn without running it. The caller must
// call Run on the returned session exactly once. On a limit rejection the
// socket has already received the error and been closed.
func (m *Manager) Open(conn Conn, opts Options) (*Session, error) {
	s := &Session{
		id:        newSessionID(),
		mode:      opts.Mode,
		lang:      opts.Lang,
		cfg:       m.cfg,
		conn:      conn,
		providers: opts.Providers,
		hooks:     opts.Hooks,
		replayIn:  opts.Replay,
		metrics:   m.metrics,
		rtlog:     m.rtlog,
		recorder:  m.recorder,
		drainWait: m.drainWait,
		done:      make(chan struct{}),
		onClosed:  m.remove,
	}
	s.log = m.log.With("session", s.id)

	m.mu.Lock()
	if limit := m.cfg.Server.MaxConcurrentSessions; limit > 0 && len(m.sessions) >= limit {
		m.mu.Unlock()
		_ = conn.WriteJSON(context.Background(), ErrorMessage{Type: "error", Message: ErrSessionLimit.Error()})
		_ = conn.Close(CloseInternalError, "session limit")
		return nil, ErrSessionLimit
	}
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// HandleStream serves a single-provider live socket until it closes.
func (m *Manager) HandleStream(ctx context.Context, conn Conn, provider stt.Provider, lang string) error {
	s, err := m.Open(conn, Options{Mode: ModeStream, Providers: []stt.Provider{provider}, Lang: lang})
	if err != nil {
		return err
	}
	s.Run(ctx)
	return nil
}

// HandleCompare serves a multi-provider comparison socket until it closes.
func (m *Manager) HandleCompare(ctx context.Context, conn Conn, providers []stt.Provider, lang string) error {
	if len(providers) < 2 {
		_ = conn.WriteJSON(ctx, ErrorMessage{Type: "error", Message: "compare requires at least two providers"})
		_ = conn.Close(CloseProtocolError, "too few providers")
		return fmt.Errorf("stream: compare requires at least two providers, got %d", len(providers))
	}
	s, err := m.Open(conn, Options{Mode: ModeCompare, Providers: providers, Lang: lang})
	if err != nil {
		return err
	}
	s.Run(ctx)
	return nil
}

// HandleReplay consumes the replay store entry for sessionID and serves the
// playback socket until the file has been streamed or the session fails.
// Take transfers file ownership to this call; until Open hands it to a
// session, every error path must unlink the upload itself.
func (m *Manager) HandleReplay(ctx context.Context, conn Conn, provider stt.Provider, sessionID string) error {
	entry, ok := m.replays.Take(sessionID)
	if !ok || !entry.MatchesProviders([]string{provider.Name()}) {
		if ok {
			m.removeReplayFile(entry.FilePath)
		}
		_ = conn.WriteJSON(ctx, ErrorMessage{Type: "error", Message: ErrReplayNotFound.Error()})
		_ = conn.Close(CloseProtocolError, "replay session not found")
		return ErrReplayNotFound
	}
	s, err := m.Open(conn, Options{
		Mode:      ModeReplay,
		Providers: []stt.Provider{provider},
		Lang:      entry.Lang,
		Replay:    &entry,
	})
	if err != nil {
		m.removeReplayFile(entry.FilePath)
		return err
	}
	s.Run(ctx)
	return nil
}

func (m *Manager) removeReplayFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("replay upload not removed", "path", path, "err", err)
	}
}

// SessionInfo is one row of the live session snapshot.
type SessionInfo struct {
	ID        string   `json:"id"`
	Mode      string   `json:"mode"`
	Lang      string   `json:"lang,omitempty"`
	Providers []string `json:"providers"`
	State     string   `json:"state"`
	StartedAt float64  `json:"startedAt"`
}

// Snapshot lists the currently live sessions.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			ID:        s.id,
			Mode:      string(s.mode),
			Lang:      s.lang,
			Providers: s.providerNames(),
			State:     s.State().String(),
			StartedAt: s.startedAt,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll unwinds every live session and waits for their teardown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		s.fatal(errors.New("server shutting down"))
	}
	for _, s := range open {
		<-s.Done()
	}
}
