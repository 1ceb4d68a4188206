package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrJournalClosed is returned by journal operations after Close.
var ErrJournalClosed = errors.New("store: journal is closed")

// JSONL is a Journal backed by a JSON-lines file: one record per line, no
// schema version field. Appends are mutex-guarded; prunes rewrite the file
// atomically.
type JSONL[T Stamped] struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// NewJSONL creates the parent directory and returns a journal writing to
// path. The file itself is created on first append.
func NewJSONL[T Stamped](path string) (*JSONL[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir for %q: %w", path, err)
	}
	return &JSONL[T]{path: path}, nil
}

// Append writes rec as one JSON line.
func (j *JSONL[T]) Append(ctx context.Context, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %q: %w", j.path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write %q: %w", j.path, err)
	}
	return nil
}

// Scan visits records in file order. Unparseable lines are skipped; a
// half-written trailing line after a crash must not poison the journal.
func (j *JSONL[T]) Scan(ctx context.Context, fn func(T) bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.scanLocked(ctx, fn)
}

// scanLocked is Scan without the locking; the caller holds j.mu.
func (j *JSONL[T]) scanLocked(ctx context.Context, fn func(T) bool) error {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: open %q: %w", j.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("store: scan %q: %w", j.path, err)
	}
	return nil
}

// Prune rewrites the file without records past the age or row budget. The
// rewrite goes through a rename so readers never observe a torn file. The
// lock is held from snapshot to rewrite; an append racing the rewrite would
// otherwise vanish with it.
func (j *JSONL[T]) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	if opts.MaxAgeMs <= 0 && opts.MaxRows <= 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}

	var all []T
	if err := j.scanLocked(ctx, func(rec T) bool {
		all = append(all, rec)
		return true
	}); err != nil {
		return 0, err
	}

	keep := filterRetained(all, opts)
	removed := len(all) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, rec := range keep {
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("store: marshal: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := renameio.WriteFile(j.path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("store: rewrite %q: %w", j.path, err)
	}
	return removed, nil
}

// Close marks the journal closed. The file stays on disk.
func (j *JSONL[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

// filterRetained returns the records surviving opts, preserving input order.
func filterRetained[T Stamped](all []T, opts PruneOptions) []T {
	cutoff := 0.0
	if opts.MaxAgeMs > 0 {
		cutoff = opts.now() - opts.MaxAgeMs
	}

	keep := make([]T, 0, len(all))
	for _, rec := range all {
		if cutoff > 0 && rec.StampMs() < cutoff {
			continue
		}
		keep = append(keep, rec)
	}

	if opts.MaxRows > 0 && len(keep) > opts.MaxRows {
		// Keep the newest by stamp; order stays stable for the survivors.
		idx := make([]int, len(keep))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return keep[idx[a]].StampMs() > keep[idx[b]].StampMs()
		})
		drop := make(map[int]bool, len(keep)-opts.MaxRows)
		for _, i := range idx[opts.MaxRows:] {
			drop[i] = true
		}
		filtered := keep[:0]
		for i, rec := range keep {
			if !drop[i] {
				filtered = append(filtered, rec)
			}
		}
		keep = filtered
	}
	return keep
}
