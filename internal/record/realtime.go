package record

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sttmux/sttmux/internal/store"
)

// RealtimeLog journals session, transcript, error, and session-end events
// from live streaming sessions. Writes are fire-and-forget: a storage
// failure is logged, never surfaced to the audio path.
type RealtimeLog struct {
	journal store.Journal[RealtimeEntry]
	prune   store.PruneOptions
	logger  *slog.Logger
}

// NewRealtimeLog returns a RealtimeLog over journal with the given retention
// bounds.
func NewRealtimeLog(journal store.Journal[RealtimeEntry], prune store.PruneOptions) *RealtimeLog {
	return &RealtimeLog{
		journal: journal,
		prune:   prune,
		logger:  slog.Default().With("component", "realtimelog"),
	}
}

// Log appends one entry. RecordedAt defaults to now when zero.
func (l *RealtimeLog) Log(ctx context.Context, e RealtimeEntry) {
	if e.RecordedAt == 0 {
		e.RecordedAt = float64(time.Now().UnixNano()) / 1e6
	}
	if err := l.journal.Append(ctx, e); err != nil {
		l.logger.Error("append failed",
			"session_id", e.SessionID,
			"kind", e.Kind,
			"err", err,
		)
	}
}

// Latest returns up to limit entries, newest first.
func (l *RealtimeLog) Latest(ctx context.Context, limit int) ([]RealtimeEntry, error) {
	var all []RealtimeEntry
	if err := l.journal.Scan(ctx, func(e RealtimeEntry) bool {
		all = append(all, e)
		return true
	}); err != nil {
		return nil, fmt.Errorf("record: scan realtime log: %w", err)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].RecordedAt > all[j].RecordedAt })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Sessions aggregates the log by (sessionId, provider). StartedAt comes from
// the latest session entry, LastRecordedAt is the maximum RecordedAt.
func (l *RealtimeLog) Sessions(ctx context.Context) ([]SessionSummary, error) {
	type key struct{ session, provider string }
	agg := make(map[key]*SessionSummary)
	var order []key

	if err := l.journal.Scan(ctx, func(e RealtimeEntry) bool {
		k := key{e.SessionID, e.Provider}
		s, ok := agg[k]
		if !ok {
			s = &SessionSummary{SessionID: e.SessionID, Provider: e.Provider, Lang: e.Lang}
			agg[k] = s
			order = append(order, k)
		}
		if e.Lang != "" {
			s.Lang = e.Lang
		}
		if e.RecordedAt > s.LastRecordedAt {
			s.LastRecordedAt = e.RecordedAt
		}
		switch e.Kind {
		case KindSession:
			if e.RecordedAt > s.StartedAt {
				s.StartedAt = e.RecordedAt
			}
		case KindTranscript:
			s.Transcripts++
		case KindError:
			s.Errors++
		case KindSessionEnd:
			s.Ended = true
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("record: scan realtime log: %w", err)
	}

	out := make([]SessionSummary, 0, len(order))
	for _, k := range order {
		out = append(out, *agg[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastRecordedAt > out[j].LastRecordedAt })
	return out, nil
}

// Prune applies the configured retention bounds.
func (l *RealtimeLog) Prune(ctx context.Context) (int, error) {
	return l.journal.Prune(ctx, l.prune)
}
