package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteJournal[testRec] {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	j, err := NewSQLiteJournal[testRec](db, "test_journal")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	return j
}

func TestSQLiteAppendScan(t *testing.T) {
	ctx := context.Background()
	j := newTestSQLite(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := j.Append(ctx, testRec{ID: id, Stamp: float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	var got []string
	if err := j.Scan(ctx, func(r testRec) bool {
		got = append(got, r.ID)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("scan order: got %v", got)
	}
}

func TestSQLitePrune(t *testing.T) {
	ctx := context.Background()
	j := newTestSQLite(t)
	for i := range 10 {
		if err := j.Append(ctx, testRec{ID: "r", Stamp: float64(i * 1000)}); err != nil {
			t.Fatal(err)
		}
	}

	// Age prune: stamps < 10000-5000 go.
	removed, err := j.Prune(ctx, PruneOptions{MaxAgeMs: 5000, NowMs: 10000})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 5 {
		t.Errorf("age prune removed %d, want 5", removed)
	}

	// Row prune down to 2.
	removed, err = j.Prune(ctx, PruneOptions{MaxRows: 2})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("row prune removed %d, want 3", removed)
	}

	var stamps []float64
	if err := j.Scan(ctx, func(r testRec) bool {
		stamps = append(stamps, r.Stamp)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(stamps) != 2 || stamps[0] != 8000 || stamps[1] != 9000 {
		t.Errorf("surviving stamps: got %v, want [8000 9000]", stamps)
	}
}

func TestSQLiteRejectsBadTableName(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := NewSQLiteJournal[testRec](db, "bad-name; DROP TABLE x"); err == nil {
		t.Fatal("expected error for invalid table name")
	}
}
