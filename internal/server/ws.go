package server

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/sttmux/sttmux/internal/voice"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// accept upgrades the request. A nil return means the upgrade failed and the
// response has already been written.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) *wsConn {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return nil
	}
	// Streaming sockets carry whole audio files worth of frames.
	ws.SetReadLimit(1 << 20)
	return newWSConn(ws)
}

func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	p, err := s.provider(r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	if err := s.streams.HandleStream(r.Context(), conn, p, r.URL.Query().Get("lang")); err != nil {
		s.log.Warn("stream session rejected", "error", err)
	}
}

func (s *Server) handleWSCompare(w http.ResponseWriter, r *http.Request) {
	var providers []stt.Provider
	for _, name := range strings.Split(r.URL.Query().Get("providers"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, ok := s.byName[name]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider "+name)
			return
		}
		providers = append(providers, p)
	}
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	// Provider count is validated by the manager so the client gets the
	// error on the socket it opened.
	if err := s.streams.HandleCompare(r.Context(), conn, providers, r.URL.Query().Get("lang")); err != nil {
		s.log.Warn("compare session rejected", "error", err)
	}
}

func (s *Server) handleWSReplay(w http.ResponseWriter, r *http.Request) {
	p, err := s.provider(r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	if err := s.streams.HandleReplay(r.Context(), conn, p, r.URL.Query().Get("sessionId")); err != nil {
		s.log.Warn("replay session rejected", "error", err)
	}
}

func (s *Server) handleWSVoice(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Server.EnableVoice {
		writeError(w, http.StatusNotFound, "voice endpoint is disabled")
		return
	}
	p, err := s.provider(r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	sess, err := voice.New(s.streams, conn, p, r.URL.Query().Get("lang"), s.cfg.Voice, s.speaker, s.log)
	if err != nil {
		s.log.Warn("voice session rejected", "error", err)
		return
	}
	sess.Run(r.Context())
}
