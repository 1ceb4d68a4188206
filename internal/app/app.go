// Package app wires all sttmux subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem from config, Run serves until the context is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithProviders,
// WithMetrics, WithSpeaker). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sttmux/sttmux/internal/batch"
	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/health"
	"github.com/sttmux/sttmux/internal/latency"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/replay"
	"github.com/sttmux/sttmux/internal/server"
	"github.com/sttmux/sttmux/internal/store"
	"github.com/sttmux/sttmux/internal/stream"
	"github.com/sttmux/sttmux/internal/voice"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics   *observe.Metrics
	speaker   voice.Speaker
	providers []stt.Provider

	streams *stream.Manager
	jobs    *batch.Manager
	replays *replay.Store
	srv     *server.Server
	pruners []*record.Pruner

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects STT providers instead of building them from the
// config via the registry.
func WithProviders(ps []stt.Provider) Option {
	return func(a *App) { a.providers = ps }
}

// WithMetrics injects a metrics instance instead of using the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSpeaker injects the voice assistant speaker. Without one, voice
// sessions relay transcripts but never answer.
func WithSpeaker(s voice.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// New creates an App by wiring all subsystems together. The registry maps
// configured provider kinds to constructors; main populates it with the
// built-in adapters. Construction order: storage journals, record stores and
// pruners, replay store, providers, stream and batch managers, HTTP server.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, reg *stt.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	js, err := a.openJournals(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}

	histPrune := store.PruneOptions{
		MaxAgeMs: float64(cfg.Storage.HistoryRetentionDays) * 24 * float64(time.Hour/time.Millisecond),
		MaxRows:  cfg.Storage.HistoryMaxRows,
	}
	rtPrune := store.PruneOptions{
		MaxAgeMs: float64(cfg.Storage.RealtimeRetentionDays) * 24 * float64(time.Hour/time.Millisecond),
		MaxRows:  cfg.Storage.RealtimeMaxRows,
	}

	history := record.NewHistory(js.history, histPrune)
	rtlog := record.NewRealtimeLog(js.realtime, rtPrune)
	recorder := latency.NewRecorder(js.latency)

	interval := time.Duration(cfg.Storage.PruneIntervalMinutes) * time.Minute
	a.pruners = []*record.Pruner{
		record.StartPruner("history", interval, history.Prune),
		record.StartPruner("realtime", interval, rtlog.Prune),
		record.StartPruner("latency", interval, func(ctx context.Context) (int, error) {
			return js.latency.Prune(ctx, rtPrune)
		}),
	}

	a.replays = replay.NewStore(0)

	if a.providers == nil {
		if err := a.buildProviders(reg); err != nil {
			a.teardownPartial()
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.Jobs.UploadDir, 0o755); err != nil {
		a.teardownPartial()
		return nil, fmt.Errorf("app: create upload dir: %w", err)
	}

	a.streams = stream.NewManager(cfg, log, a.metrics, rtlog, recorder, a.replays)
	a.jobs = batch.NewManager(cfg.Jobs, cfg.Audio, history, a.metrics, log)

	a.srv = server.New(server.Deps{
		Config:    cfg,
		Log:       log,
		Metrics:   a.metrics,
		Health:    health.New(js.checkers...),
		Streams:   a.streams,
		Jobs:      a.jobs,
		Providers: a.providers,
		Recorder:  recorder,
		Realtime:  rtlog,
		Replays:   a.replays,
		Speaker:   a.speaker,
	})

	return a, nil
}

// journals bundles the typed journals plus the backend's health checkers
// and closers.
type journals struct {
	history  store.Journal[record.FileResult]
	realtime store.Journal[record.RealtimeEntry]
	latency  store.Journal[latency.Summary]
	checkers []health.Checker
}

// openJournals builds the three record journals on the configured backend.
func (a *App) openJournals(ctx context.Context) (*journals, error) {
	sc := a.cfg.Storage
	js := &journals{}

	switch sc.Backend {
	case config.BackendJSONL:
		if err := os.MkdirAll(sc.Dir, 0o755); err != nil {
			return nil, err
		}
		var err error
		if js.history, err = store.NewJSONL[record.FileResult](filepath.Join(sc.Dir, "history.jsonl")); err != nil {
			return nil, err
		}
		if js.realtime, err = store.NewJSONL[record.RealtimeEntry](filepath.Join(sc.Dir, "realtime.jsonl")); err != nil {
			return nil, err
		}
		if js.latency, err = store.NewJSONL[latency.Summary](filepath.Join(sc.Dir, "latency.jsonl")); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, js.history.Close, js.realtime.Close, js.latency.Close)

	case config.BackendSQLite:
		if dir := filepath.Dir(sc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err := store.OpenSQLite(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if js.history, err = store.NewSQLiteJournal[record.FileResult](db, "file_results"); err != nil {
			return nil, err
		}
		if js.realtime, err = store.NewSQLiteJournal[record.RealtimeEntry](db, "realtime_log"); err != nil {
			return nil, err
		}
		if js.latency, err = store.NewSQLiteJournal[latency.Summary](db, "latency_summaries"); err != nil {
			return nil, err
		}
		js.checkers = append(js.checkers, health.Checker{Name: "sqlite", Check: db.Ping})

	case config.BackendPostgres:
		db, err := store.OpenPostgres(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if js.history, err = store.NewPostgresJournal[record.FileResult](ctx, db, "file_results"); err != nil {
			return nil, err
		}
		if js.realtime, err = store.NewPostgresJournal[record.RealtimeEntry](ctx, db, "realtime_log"); err != nil {
			return nil, err
		}
		if js.latency, err = store.NewPostgresJournal[latency.Summary](ctx, db, "latency_summaries"); err != nil {
			return nil, err
		}
		js.checkers = append(js.checkers, health.Checker{Name: "postgres", Check: db.Ping})

	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}

	return js, nil
}

// buildProviders instantiates every configured provider through the registry.
func (a *App) buildProviders(reg *stt.Registry) error {
	for _, entry := range a.cfg.Providers {
		p, err := reg.Create(entry.Settings())
		if err != nil {
			return fmt.Errorf("app: provider %q (kind %q): %w", entry.Name, entry.Kind, err)
		}
		a.providers = append(a.providers, p)
		a.closers = append(a.closers, p.Close)
		a.log.Info("provider configured", "name", entry.Name, "kind", entry.Kind)
	}
	return nil
}

// teardownPartial releases what New built before it failed.
func (a *App) teardownPartial() {
	for _, p := range a.pruners {
		p.Stop()
	}
	if a.replays != nil {
		a.replays.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// Handler returns the HTTP handler, for tests that mount the full app on an
// httptest server.
func (a *App) Handler() http.Handler { return a.srv.Router() }

// Run serves HTTP until ctx is cancelled or the listener fails. A cancelled
// context is the normal shutdown path and returns nil; the caller is
// expected to follow up with Shutdown.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- a.srv.Start() }()

	a.log.Info("sttmux listening",
		"addr", a.cfg.Server.ListenAddr,
		"providers", len(a.providers),
		"storage", a.cfg.Storage.Backend)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown tears down all subsystems in reverse-init order: HTTP server and
// live sessions first, then batch jobs, replay store, pruners, and finally
// providers and storage. It respects the context deadline; once exceeded,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Warn("server shutdown error", "err", err)
		}
		a.jobs.Close()
		a.replays.Close()
		for _, p := range a.pruners {
			p.Stop()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
