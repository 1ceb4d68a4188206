// Package latency computes per-provider latency statistics for streaming
// sessions and persists one summary row per (session, provider) at teardown.
package latency

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Stats are the aggregate statistics over one session's latency samples.
// All values are milliseconds.
type Stats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Summarize aggregates samples into Stats. Returns ok=false for an empty
// input; callers must not persist such summaries.
func Summarize(samples []float64) (Stats, bool) {
	if len(samples) == 0 {
		return Stats{}, false
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}
	return Stats{
		Count: len(sorted),
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}, true
}

// percentile linearly interpolates between the two samples straddling the
// rank (n-1)*q. The input must be sorted and non-empty.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := float64(len(sorted)-1) * q
	lo := int(math.Floor(rank))
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Summary is the persisted per-(session, provider) latency record.
type Summary struct {
	SessionID string  `json:"sessionId"`
	Provider  string  `json:"provider"`
	Lang      string  `json:"lang"`
	Count     int     `json:"count"`
	Avg       float64 `json:"avg"`
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	StartedAt float64 `json:"startedAt"`
	EndedAt   float64 `json:"endedAt"`
}

// StampMs implements the journal retention contract.
func (s Summary) StampMs() float64 { return s.EndedAt }

// Journal is the append-only store summaries are written to. Satisfied by
// store.Journal[Summary].
type Journal interface {
	Append(ctx context.Context, s Summary) error
	Scan(ctx context.Context, fn func(Summary) bool) error
}

// Recorder persists latency summaries through a journal.
type Recorder struct {
	journal Journal
}

// NewRecorder returns a Recorder writing to journal.
func NewRecorder(journal Journal) *Recorder {
	return &Recorder{journal: journal}
}

// Record summarizes samples and appends one row. Empty sample lists are
// skipped without error; legacy consumers tolerate the missing row.
func (r *Recorder) Record(ctx context.Context, s Summary, samples []float64) error {
	stats, ok := Summarize(samples)
	if !ok {
		return nil
	}
	s.Count = stats.Count
	s.Avg = stats.Avg
	s.P50 = stats.P50
	s.P95 = stats.P95
	s.Min = stats.Min
	s.Max = stats.Max
	if err := r.journal.Append(ctx, s); err != nil {
		return fmt.Errorf("latency: append summary: %w", err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Summary, error) {
	var all []Summary
	if err := r.journal.Scan(ctx, func(s Summary) bool {
		all = append(all, s)
		return true
	}); err != nil {
		return nil, fmt.Errorf("latency: scan summaries: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EndedAt > all[j].EndedAt })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
