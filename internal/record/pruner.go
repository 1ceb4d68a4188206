package record

import (
	"context"
	"log/slog"
	"time"
)

// Pruner runs a prune function on a fixed interval until stopped. One is
// started per journal-backed service.
type Pruner struct {
	name   string
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// StartPruner launches the background loop. prune is called with a fresh
// context each tick.
func StartPruner(name string, interval time.Duration, prune func(context.Context) (int, error)) *Pruner {
	p := &Pruner{
		name:   name,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default().With("pruner", name),
	}
	go p.run(interval, prune)
	return p
}

func (p *Pruner) run(interval time.Duration, prune func(context.Context) (int, error)) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := prune(ctx)
			cancel()
			if err != nil {
				p.logger.Warn("prune failed", "err", err)
				continue
			}
			if removed > 0 {
				p.logger.Info("pruned", "removed", removed)
			}
		}
	}
}

// Stop terminates the loop and waits for it to finish.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}
