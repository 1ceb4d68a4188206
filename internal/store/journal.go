// Package store provides the append-only journal abstraction that persists
// sttmux records (file results, realtime log entries, latency summaries),
// with JSONL, SQLite, and PostgreSQL backends.
//
// A journal is a typed append-only log. Records carry their own retention
// stamp via the Stamped interface; Prune removes rows older than a cutoff or
// beyond a row budget, oldest first.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Stamped is implemented by every journal record. StampMs returns the
// record's retention timestamp in milliseconds since the Unix epoch.
type Stamped interface {
	StampMs() float64
}

// PruneOptions bounds a journal by age and row count. Zero values disable
// the respective bound.
type PruneOptions struct {
	// MaxAgeMs removes records whose stamp is older than now - MaxAgeMs.
	MaxAgeMs float64

	// MaxRows keeps only the newest MaxRows records.
	MaxRows int

	// NowMs overrides the wall clock for age computation. Zero uses
	// time.Now. Tests set it for determinism.
	NowMs float64
}

func (o PruneOptions) now() float64 {
	if o.NowMs != 0 {
		return o.NowMs
	}
	return float64(time.Now().UnixNano()) / 1e6
}

// Journal is a typed append-only record store.
//
// Implementations must be safe for concurrent use.
type Journal[T Stamped] interface {
	// Append persists one record.
	Append(ctx context.Context, rec T) error

	// Scan visits every record in append order. Returning false from fn
	// stops the scan early.
	Scan(ctx context.Context, fn func(T) bool) error

	// Prune removes records per opts and returns how many were removed.
	Prune(ctx context.Context, opts PruneOptions) (int, error)

	// Close releases backend resources. Further calls fail.
	Close() error
}

// journal table/file names come from code, never from user input; the guard
// below is a safety net for future call sites.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func checkName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("store: invalid journal name %q", name)
	}
	return nil
}
