package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/internal/store"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/provider/stt/mock"
)

type batchEnv struct {
	m       *Manager
	history *record.History
	uploads string
}

func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	dir := t.TempDir()
	journal, err := store.NewJSONL[record.FileResult](filepath.Join(dir, "history.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	history := record.NewHistory(journal, store.PruneOptions{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	uploads := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		t.Fatal(err)
	}
	m := NewManager(
		config.JobsConfig{MaxParallel: 4, RetentionMinutes: 1, UploadDir: uploads},
		config.AudioConfig{FFmpegPath: "ffmpeg", TargetSampleRate: 16000},
		history, observe.DefaultMetrics(), log,
	)
	// 1s of 16kHz mono regardless of input, so no ffmpeg is needed.
	m.cache.decode = func(ctx context.Context, path string) ([]byte, error) {
		return make([]byte, 32000), nil
	}
	t.Cleanup(m.Close)
	return &batchEnv{m: m, history: history, uploads: uploads}
}

func (e *batchEnv) upload(t *testing.T, name string) string {
	t.Helper()
	return writeUpload(t, e.uploads, name, []byte("container bytes"))
}

func waitTerminal(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Job(id)
		if err != nil {
			t.Fatalf("Job(%s): %v", id, err)
		}
		if st.State == StateDone {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach terminal state")
	return Status{}
}

func TestJobTranscribesAllFiles(t *testing.T) {
	env := newBatchEnv(t)
	files := []string{env.upload(t, "hello.wav"), env.upload(t, "bye.wav")}
	alpha := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "hello world", DurationSec: 2.5}}
	beta := &mock.Provider{NameValue: "beta", BatchResult: stt.BatchResult{Text: "hello word", DurationSec: 2.5}}
	manifest := Manifest{"hello.wav": "hello world", "bye.wav": "hello world"}

	st, err := env.m.Submit(files, []stt.Provider{alpha, beta}, "en-US", manifest, Options{Preset: score.PresetWER})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.Total != 4 {
		t.Fatalf("Total = %d, want 4", st.Total)
	}

	final := waitTerminal(t, env.m, st.ID)
	if final.Done != 4 || final.Failed != 0 {
		t.Fatalf("done/failed = %d/%d, want 4/0; errors: %v", final.Done, final.Failed, final.Errors)
	}

	results, err := env.m.Results(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	for _, r := range results {
		if r.JobID != st.ID {
			t.Errorf("result carries job %q, want %q", r.JobID, st.ID)
		}
		if r.DurationSec != 2.5 || r.Degraded {
			t.Errorf("%s/%s: duration %v degraded %v, want provider-reported 2.5", r.Path, r.Provider, r.DurationSec, r.Degraded)
		}
		if r.CER == nil || r.WER == nil {
			t.Errorf("%s/%s: missing scores against reference", r.Path, r.Provider)
		}
		if r.Provider == "alpha" && *r.WER != 0 {
			t.Errorf("alpha matched the reference, WER = %v", *r.WER)
		}
		if r.Provider == "beta" && *r.WER == 0 {
			t.Error("beta misheard one word, WER should be > 0")
		}
		if r.RTF <= 0 {
			t.Errorf("%s/%s: RTF = %v, want > 0", r.Path, r.Provider, r.RTF)
		}
	}

	persisted, err := env.history.ByJob(context.Background(), st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 4 {
		t.Errorf("journal rows = %d, want 4", len(persisted))
	}
	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("upload %s should be removed after processing", f)
		}
	}
}

func TestJobManifestMissFailsWholeFile(t *testing.T) {
	env := newBatchEnv(t)
	file := env.upload(t, "orphan.wav")
	providers := []stt.Provider{
		&mock.Provider{NameValue: "a"},
		&mock.Provider{NameValue: "b"},
		&mock.Provider{NameValue: "c"},
	}

	st, err := env.m.Submit([]string{file}, providers, "en", Manifest{"other.wav": "text"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, env.m, st.ID)
	if final.Total != 3 || final.Done != 0 || final.Failed != 3 {
		t.Errorf("total/done/failed = %d/%d/%d, want 3/0/3", final.Total, final.Done, final.Failed)
	}
	if len(final.Errors) != 1 || !strings.Contains(final.Errors[0], "orphan.wav") {
		t.Errorf("errors = %v, want one entry naming orphan.wav", final.Errors)
	}
}

func TestJobProviderErrorIsScoped(t *testing.T) {
	env := newBatchEnv(t)
	file := env.upload(t, "clip.wav")
	alpha := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "fine", DurationSec: 1}}
	beta := &mock.Provider{NameValue: "beta", BatchErr: errors.New("quota exhausted")}

	st, err := env.m.Submit([]string{file}, []stt.Provider{alpha, beta}, "en", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, env.m, st.ID)
	if final.Done != 1 || final.Failed != 1 {
		t.Errorf("done/failed = %d/%d, want 1/1", final.Done, final.Failed)
	}
	if len(final.Errors) != 1 || !strings.Contains(final.Errors[0], "beta") {
		t.Errorf("errors = %v, want one entry naming beta", final.Errors)
	}
	results, _ := env.m.Results(st.ID)
	if len(results) != 1 || results[0].Provider != "alpha" {
		t.Errorf("results = %+v, want alpha's only", results)
	}
	// No manifest: no reference, no scores.
	if results[0].CER != nil || results[0].WER != nil {
		t.Error("scores must be absent without a reference transcript")
	}
}

func TestJobDurationFallback(t *testing.T) {
	env := newBatchEnv(t)
	file := env.upload(t, "clip.wav")
	p := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "hi"}}

	st, err := env.m.Submit([]string{file}, []stt.Provider{p}, "en", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env.m, st.ID)
	results, _ := env.m.Results(st.ID)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	// The fake decode yields exactly 1s of PCM.
	if results[0].DurationSec != 1 || !results[0].Degraded {
		t.Errorf("duration %v degraded %v, want measured 1s and degraded", results[0].DurationSec, results[0].Degraded)
	}
}

func TestJobResamplesForTranscodingProvider(t *testing.T) {
	env := newBatchEnv(t)
	file := env.upload(t, "clip.wav")
	p := &mock.Provider{NameValue: "narrow", Rate: 8000, Transcode: true, BatchResult: stt.BatchResult{Text: "hi", DurationSec: 1}}

	st, err := env.m.Submit([]string{file}, []stt.Provider{p}, "en", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env.m, st.ID)
	if len(p.TranscribeCalls) != 1 {
		t.Fatalf("TranscribeCalls = %d, want 1", len(p.TranscribeCalls))
	}
	call := p.TranscribeCalls[0]
	if call.Opts.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", call.Opts.SampleRate)
	}
	if len(call.PCM) != 16000 {
		t.Errorf("PCM bytes = %d, want 16000 after 16k->8k resample", len(call.PCM))
	}
}

func TestJobSummary(t *testing.T) {
	env := newBatchEnv(t)
	files := []string{env.upload(t, "a.wav"), env.upload(t, "b.wav")}
	p := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "hello world", DurationSec: 2}}
	manifest := Manifest{"a.wav": "hello world", "b.wav": "hello there"}

	st, err := env.m.Submit(files, []stt.Provider{p}, "en", manifest, Options{Preset: score.PresetWER})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env.m, st.ID)

	sum, err := env.m.Summarize(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Done != 2 || len(sum.Providers) != 1 {
		t.Fatalf("summary = %+v, want 2 done across 1 provider", sum)
	}
	ps := sum.Providers[0]
	if ps.Provider != "alpha" || ps.Files != 2 {
		t.Errorf("provider summary = %+v", ps)
	}
	if ps.AvgWER == nil || *ps.AvgWER != 0.25 {
		t.Errorf("AvgWER = %v, want 0.25 (0 and 0.5 averaged)", ps.AvgWER)
	}
	if ps.AvgRTF <= 0 {
		t.Errorf("AvgRTF = %v, want > 0", ps.AvgRTF)
	}
}

func TestJobEvictedAfterRetention(t *testing.T) {
	env := newBatchEnv(t)
	env.m.retention = 20 * time.Millisecond
	file := env.upload(t, "clip.wav")
	p := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "hi", DurationSec: 1}}

	st, err := env.m.Submit([]string{file}, []stt.Provider{p}, "en", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env.m, st.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.m.Job(st.ID); errors.Is(err, ErrJobNotFound) {
			// Evicted from memory, still on disk.
			rows, jerr := env.history.ByJob(context.Background(), st.ID)
			if jerr != nil || len(rows) != 1 {
				t.Fatalf("journal rows after eviction = %d (%v), want 1", len(rows), jerr)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job was not evicted")
}

func TestJobNotFound(t *testing.T) {
	env := newBatchEnv(t)
	if _, err := env.m.Job("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job err = %v, want ErrJobNotFound", err)
	}
	if _, err := env.m.Results("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Results err = %v, want ErrJobNotFound", err)
	}
	if _, err := env.m.Summarize("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Summarize err = %v, want ErrJobNotFound", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newBatchEnv(t)
	if _, err := env.m.Submit(nil, []stt.Provider{&mock.Provider{}}, "en", nil, Options{}); err == nil {
		t.Error("expected error for empty file list")
	}
	if _, err := env.m.Submit([]string{"a.wav"}, nil, "en", nil, Options{}); err == nil {
		t.Error("expected error for empty provider list")
	}
}

func TestManagerCloseRejectsNewJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	env := newBatchEnv(t)
	file := env.upload(t, "clip.wav")
	p := &mock.Provider{NameValue: "alpha", BatchResult: stt.BatchResult{Text: "hi", DurationSec: 1}}

	st, err := env.m.Submit([]string{file}, []stt.Provider{p}, "en", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env.m, st.ID)

	env.m.Close()
	env.m.Close() // idempotent
	if _, err := env.m.Submit([]string{file}, []stt.Provider{p}, "en", nil, Options{}); err == nil {
		t.Error("Submit after Close must fail")
	}
}
