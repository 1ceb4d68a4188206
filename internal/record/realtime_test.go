package record

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sttmux/sttmux/internal/store"
)

func newRealtimeLog(t *testing.T, prune store.PruneOptions) *RealtimeLog {
	t.Helper()
	j, err := store.NewJSONL[RealtimeEntry](filepath.Join(t.TempDir(), "realtime.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	return NewRealtimeLog(j, prune)
}

func TestRealtimeSessionsAggregation(t *testing.T) {
	ctx := context.Background()
	l := newRealtimeLog(t, store.PruneOptions{})

	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "a", Lang: "en", RecordedAt: 100, Kind: KindSession})
	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "a", RecordedAt: 150, Kind: KindTranscript})
	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "a", RecordedAt: 180, Kind: KindTranscript})
	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "b", Lang: "en", RecordedAt: 120, Kind: KindSession})
	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "b", RecordedAt: 190, Kind: KindError})
	l.Log(ctx, RealtimeEntry{SessionID: "s1", Provider: "a", RecordedAt: 200, Kind: KindSessionEnd})

	sessions, err := l.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	// Newest LastRecordedAt first: provider a (200) then b (190).
	a, b := sessions[0], sessions[1]
	if a.Provider != "a" || b.Provider != "b" {
		t.Fatalf("order: got %s,%s want a,b", a.Provider, b.Provider)
	}
	if a.StartedAt != 100 || a.LastRecordedAt != 200 {
		t.Errorf("a timestamps: %+v", a)
	}
	if a.Transcripts != 2 || !a.Ended {
		t.Errorf("a counters: %+v", a)
	}
	if b.Errors != 1 || b.Ended {
		t.Errorf("b counters: %+v", b)
	}
}

func TestRealtimeLatestLimit(t *testing.T) {
	ctx := context.Background()
	l := newRealtimeLog(t, store.PruneOptions{})
	for i := range 5 {
		l.Log(ctx, RealtimeEntry{SessionID: "s", Provider: "p", RecordedAt: float64(i + 1), Kind: KindTranscript})
	}
	got, err := l.Latest(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].RecordedAt != 5 || got[2].RecordedAt != 3 {
		t.Errorf("unexpected latest: %+v", got)
	}
}

func TestRealtimePruneRemovesSessions(t *testing.T) {
	ctx := context.Background()
	l := newRealtimeLog(t, store.PruneOptions{MaxAgeMs: 1000, NowMs: 10000})

	l.Log(ctx, RealtimeEntry{SessionID: "old", Provider: "p", RecordedAt: 100, Kind: KindSession})
	l.Log(ctx, RealtimeEntry{SessionID: "new", Provider: "p", RecordedAt: 9900, Kind: KindSession})

	if _, err := l.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	sessions, err := l.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new" {
		t.Errorf("pruned listing: %+v", sessions)
	}
}

func TestHistoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	j, err := store.NewJSONL[FileResult](filepath.Join(t.TempDir(), "history.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHistory(j, store.PruneOptions{})

	for i, job := range []string{"j1", "j1", "j2"} {
		if err := h.Add(ctx, FileResult{JobID: job, Path: "f", CreatedAt: float64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := h.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].CreatedAt != 3 {
		t.Errorf("List: %+v", all)
	}

	j1, err := h.ByJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if len(j1) != 2 {
		t.Errorf("ByJob: got %d results, want 2", len(j1))
	}
}
