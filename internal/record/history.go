package record

import (
	"context"
	"fmt"
	"sort"

	"github.com/sttmux/sttmux/internal/store"
)

// History is the queryable index of completed batch file results. It is a
// thin service over the journal: listings are derived from a full scan at
// call time, so a prune that removes all rows for a job makes that job
// disappear from List.
type History struct {
	journal store.Journal[FileResult]
	prune   store.PruneOptions
}

// NewHistory returns a History over journal with the given retention bounds.
func NewHistory(journal store.Journal[FileResult], prune store.PruneOptions) *History {
	return &History{journal: journal, prune: prune}
}

// Add persists one file result.
func (h *History) Add(ctx context.Context, res FileResult) error {
	if err := h.journal.Append(ctx, res); err != nil {
		return fmt.Errorf("record: append result: %w", err)
	}
	return nil
}

// List returns every stored result, newest job first.
func (h *History) List(ctx context.Context) ([]FileResult, error) {
	var all []FileResult
	if err := h.journal.Scan(ctx, func(r FileResult) bool {
		all = append(all, r)
		return true
	}); err != nil {
		return nil, fmt.Errorf("record: scan history: %w", err)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })
	return all, nil
}

// ByJob returns the stored results for one job id, in append order.
func (h *History) ByJob(ctx context.Context, jobID string) ([]FileResult, error) {
	var out []FileResult
	if err := h.journal.Scan(ctx, func(r FileResult) bool {
		if r.JobID == jobID {
			out = append(out, r)
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("record: scan history: %w", err)
	}
	return out, nil
}

// Prune applies the configured retention bounds.
func (h *History) Prune(ctx context.Context) (int, error) {
	return h.journal.Prune(ctx, h.prune)
}
