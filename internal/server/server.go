// Package server exposes the sttmux HTTP surface: health and metrics probes,
// the REST API for batch jobs and history queries, and the websocket
// endpoints that feed live audio into stream sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sttmux/sttmux/internal/batch"
	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/health"
	"github.com/sttmux/sttmux/internal/latency"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/replay"
	"github.com/sttmux/sttmux/internal/stream"
	"github.com/sttmux/sttmux/internal/voice"
	"github.com/sttmux/sttmux/pkg/audio/ffcodec"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

const (
	shutdownGrace = 10 * time.Second

	// uploadRateLimit bounds multipart uploads per client IP per minute.
	uploadRateLimit = 12
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Config    *config.Config
	Log       *slog.Logger
	Metrics   *observe.Metrics
	Health    *health.Handler
	Streams   *stream.Manager
	Jobs      *batch.Manager
	Providers []stt.Provider
	Recorder  *latency.Recorder
	Realtime  *record.RealtimeLog
	Replays   *replay.Store

	// Speaker answers addressed voice turns. Nil relays transcripts only.
	Speaker voice.Speaker
}

// Server is the HTTP front of sttmux.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *observe.Metrics
	streams   *stream.Manager
	jobs      *batch.Manager
	recorder  *latency.Recorder
	rtlog     *record.RealtimeLog
	replays   *replay.Store
	speaker   voice.Speaker
	providers []stt.Provider
	byName    map[string]stt.Provider

	// probe measures uploaded audio duration. Tests stub it out.
	probe func(ctx context.Context, path string) (float64, error)

	router chi.Router
	http   *http.Server
}

// New builds the router and the listener. Call Start to serve.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:       d.Config,
		log:       d.Log.With("component", "server"),
		metrics:   d.Metrics,
		streams:   d.Streams,
		jobs:      d.Jobs,
		recorder:  d.Recorder,
		rtlog:     d.Realtime,
		replays:   d.Replays,
		speaker:   d.Speaker,
		providers: d.Providers,
		byName:    make(map[string]stt.Provider, len(d.Providers)),
	}
	for _, p := range d.Providers {
		s.byName[p.Name()] = p
	}
	ffprobe := d.Config.Audio.FFprobePath
	s.probe = func(ctx context.Context, path string) (float64, error) {
		return ffcodec.ProbeDuration(ctx, ffprobe, path)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if d.Health != nil {
		d.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/ws", func(r chi.Router) {
		r.Get("/stream", s.handleWSStream)
		r.Get("/compare", s.handleWSCompare)
		r.Get("/replay", s.handleWSReplay)
		r.Get("/voice", s.handleWSVoice)
	})

	r.Route("/api", func(r chi.Router) {
		limited := r.With(httprate.LimitByIP(uploadRateLimit, time.Minute))
		limited.Post("/jobs/transcribe", s.handleTranscribe)
		limited.Post("/replay/upload", s.handleReplayUpload)

		r.Get("/jobs/{id}/status", s.handleJobStatus)
		r.Get("/jobs/{id}/results", s.handleJobResults)
		r.Get("/jobs/{id}/summary", s.handleJobSummary)
		r.Get("/providers", s.handleProviders)
		r.Get("/config", s.handleConfig)
		r.Get("/realtime/latency", s.handleLatency)
		r.Get("/realtime/sessions", s.handleSessions)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              d.Config.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the handler tree for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	var err error
	if tls := s.cfg.Server.TLS; tls != nil {
		s.log.Info("listening", "addr", s.http.Addr, "tls", true)
		err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		s.log.Info("listening", "addr", s.http.Addr)
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the listener, then unwinds live streaming sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.streams.CloseAll()
	return err
}

// provider resolves a query-string provider name. An empty name picks the
// first configured provider.
func (s *Server) provider(name string) (stt.Provider, error) {
	if name == "" {
		if len(s.providers) == 0 {
			return nil, errors.New("no providers configured")
		}
		return s.providers[0], nil
	}
	p, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
