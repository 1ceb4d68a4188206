// Package replay binds uploaded audio files to one-shot replay sessions.
// A session handle is consumable exactly once: the socket that takes it owns
// the file, and an untaken handle expires and cleans up after itself.
package replay

import (
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an untaken session survives before expiry.
const DefaultTTL = 15 * time.Minute

// Session binds an uploaded file to a pending replay socket.
type Session struct {
	// ID is the opaque handle returned to the uploader.
	ID string

	// Providers are the provider names the upload was registered for. The
	// replay socket must request a matching set.
	Providers []string

	// Lang is the language tag from the upload.
	Lang string

	// FilePath is the uploaded audio on disk. Ownership transfers to
	// whoever takes the session; expiry unlinks it otherwise.
	FilePath string

	// ExpiresAt is when the handle lapses.
	ExpiresAt time.Time
}

// MatchesProviders reports whether the session was registered for exactly
// the given provider set, order-insensitive.
func (s Session) MatchesProviders(names []string) bool {
	if len(names) != len(s.Providers) {
		return false
	}
	a := slices.Clone(s.Providers)
	b := slices.Clone(names)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Store holds pending replay sessions. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*pending
	closed   bool
	logger   *slog.Logger
}

type pending struct {
	session Session
	timer   *time.Timer
}

// NewStore returns a Store expiring untaken sessions after ttl;
// ttl <= 0 uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:      ttl,
		sessions: make(map[string]*pending),
		logger:   slog.Default().With("component", "replaystore"),
	}
}

// Put registers a session and returns its freshly generated id. The expiry
// timer starts immediately; on expiry the uploaded file is unlinked.
func (s *Store) Put(sess Session) string {
	id := uuid.NewString()
	sess.ID = id
	sess.ExpiresAt = time.Now().Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	p := &pending{session: sess}
	p.timer = time.AfterFunc(s.ttl, func() { s.expire(id) })
	s.sessions[id] = p
	return id
}

// Take consumes the session with the given id. The second return is false
// when the id is unknown, already consumed, or expired. On success the
// caller owns the file.
func (s *Store) Take(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, id)
	p.timer.Stop()
	return p.session, true
}

// Len returns the number of pending sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close cancels all expiry timers and unlinks the pending files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, p := range s.sessions {
		p.timer.Stop()
		s.removeFile(p.session.FilePath)
		delete(s.sessions, id)
	}
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	p, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("replay session expired", "session_id", id)
	s.removeFile(p.session.FilePath)
}

func (s *Store) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not remove uploaded file", "path", path, "err", err)
	}
}
