package stream

import (
	"errors"
	"sync"

	"github.com/sttmux/sttmux/internal/config"
)

// Backlog failure modes. The error text is what clients see in the scoped
// provider error message.
var (
	ErrBacklogHardLimit  = errors.New("backlog hard limit reached")
	ErrBacklogDropBudget = errors.New("backlog drop budget exceeded")
)

// decision is the governor's verdict on one inbound chunk.
type decision int

const (
	decisionSend decision = iota
	decisionDrop
	decisionFail
)

// governor applies the per-provider backlog policy. A slow provider first
// has chunks dropped against a duration budget, then is failed outright when
// either the budget or the hard pending limit is exhausted.
type governor struct {
	mu        sync.Mutex
	pending   int
	droppedMs float64

	softLimit int
	hardLimit int
	maxDropMs float64
}

// newGovernor derives the per-session limits from cfg. Meeting mode widens
// the soft limit and drop budget by the configured factor.
func newGovernor(cfg config.StreamConfig, meeting bool) *governor {
	soft := cfg.SoftLimit
	maxDrop := cfg.MaxDropMs
	if meeting && cfg.MeetingQueueFactor > 1 {
		soft *= cfg.MeetingQueueFactor
		maxDrop *= float64(cfg.MeetingQueueFactor)
	}
	hard := cfg.HardLimit
	if hard <= soft {
		hard = max(4*soft, 32)
	}
	return &governor{softLimit: soft, hardLimit: hard, maxDropMs: maxDrop}
}

// admit decides the fate of one chunk of durationMs audio. decisionSend
// reserves a pending slot the caller must release via complete; decisionFail
// comes with the reason as an error.
func (g *governor) admit(durationMs float64) (decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.pending >= g.hardLimit:
		return decisionFail, ErrBacklogHardLimit
	case g.pending >= g.softLimit:
		g.droppedMs += durationMs
		if g.droppedMs > g.maxDropMs {
			return decisionFail, ErrBacklogDropBudget
		}
		return decisionDrop, nil
	default:
		g.pending++
		return decisionSend, nil
	}
}

// complete releases one pending slot after the provider accepted the chunk.
// Recovering below the soft limit resets the drop budget.
func (g *governor) complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending > 0 {
		g.pending--
	}
	if g.pending < g.softLimit {
		g.droppedMs = 0
	}
}
