package batch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// slots is the concurrency plan for one job: how many files decode in
// parallel and how many providers fan out per file.
type slots struct {
	files     int
	providers int
}

// computeSlots sizes a job's worker pools. The ceiling is the machine's core
// count capped by the configured maximum; the per-file provider fan-out always
// gets at least one slot per provider group, so a wide comparison on a small
// machine degrades to sequential files rather than sequential providers.
func computeSlots(cores, maxParallel, providerCount, requested int) slots {
	if cores < 1 {
		cores = 1
	}
	ceiling := cores
	if maxParallel > 0 && maxParallel < ceiling {
		ceiling = maxParallel
	}
	if providerCount < 1 {
		providerCount = 1
	}
	if requested < 1 {
		requested = 1
	}
	desired := providerCount * requested
	effective := providerCount
	if desired > effective {
		effective = desired
	}
	if effective > ceiling {
		effective = ceiling
	}
	fileConc := effective / providerCount
	if fileConc < 1 {
		fileConc = 1
	}
	provConc := ceiling / fileConc
	if provConc > providerCount {
		provConc = providerCount
	}
	if provConc < 1 {
		provConc = 1
	}
	return slots{files: fileConc, providers: provConc}
}

// run executes one job to its terminal state. Per-file failures are recorded
// on the job and never abort sibling files.
func (m *Manager) run(ctx context.Context, job *Job, files []string, providers []stt.Provider, manifest Manifest, opts Options) {
	ctx, span := observe.StartSpan(ctx, "batch.job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("job.files", len(files)),
			attribute.Int("job.providers", len(providers)),
		))
	defer span.End()

	sl := computeSlots(m.cores, m.cfg.MaxParallel, len(providers), opts.Parallel)
	m.log.Info("batch job started",
		"job", job.ID,
		"files", len(files),
		"providers", len(providers),
		"fileWorkers", sl.files,
		"providerWorkers", sl.providers,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sl.files)
	for _, file := range files {
		g.Go(func() error {
			m.processFile(ctx, job, file, providers, manifest, opts, sl.providers)
			return nil
		})
	}
	g.Wait()

	job.finish()
	m.log.Info("batch job finished", "job", job.ID, "done", job.snapshot().Done, "failed", job.snapshot().Failed)
	m.scheduleEviction(job.ID)
}

// processFile prepares one upload once and fans it out to every provider.
func (m *Manager) processFile(ctx context.Context, job *Job, file string, providers []stt.Provider, manifest Manifest, opts Options, provConc int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("batch file worker panic", "job", job.ID, "file", file, "panic", r)
			job.failFile(len(providers), fmt.Sprintf("%s: worker panic", filepath.Base(file)))
		}
	}()
	defer os.Remove(file)

	ctx, span := observe.StartSpan(ctx, "batch.file",
		trace.WithAttributes(attribute.String("file", filepath.Base(file))))
	defer span.End()

	refText := ""
	if manifest != nil {
		var ok bool
		refText, ok = manifest.Lookup(file)
		if !ok {
			job.failFile(len(providers), fmt.Sprintf("%s: no manifest entry", filepath.Base(file)))
			return
		}
	}

	handle, err := m.cache.Acquire(ctx, file, opts.PeakDbfs)
	if err != nil {
		m.log.Warn("batch decode failed", "job", job.ID, "file", file, "error", err)
		job.failFile(len(providers), fmt.Sprintf("%s: %v", filepath.Base(file), err))
		return
	}
	defer handle.Release()

	fg, ctx := errgroup.WithContext(ctx)
	fg.SetLimit(provConc)
	for _, p := range providers {
		fg.Go(func() error {
			m.transcribeOne(ctx, job, file, p, handle, refText, opts)
			return nil
		})
	}
	fg.Wait()
}

// transcribeOne runs a single provider against the prepared PCM and records
// the outcome.
func (m *Manager) transcribeOne(ctx context.Context, job *Job, file string, p stt.Provider, handle *Handle, refText string, opts Options) {
	pcm := handle.PCM
	rate := m.cache.rate
	if p.WantsTranscode() && p.PreferredSampleRate() != rate {
		pcm = audio.Resample16(pcm, m.cache.channels, rate, p.PreferredSampleRate())
		rate = p.PreferredSampleRate()
	}

	start := time.Now()
	res, err := p.TranscribeFilePCM(ctx, bytes.NewReader(pcm), stt.BatchOptions{
		SampleRate: rate,
		Channels:   m.cache.channels,
		Language:   job.Lang,
		Phrases:    opts.Phrases,
	})
	processingMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		m.log.Warn("batch transcription failed", "job", job.ID, "file", file, "provider", p.Name(), "error", err)
		m.metrics.RecordBatchFile(ctx, p.Name(), "failed", processingMs/1000)
		job.failOne(fmt.Sprintf("%s/%s: %v", filepath.Base(file), p.Name(), err))
		return
	}

	durationSec := res.DurationSec
	degraded := false
	if durationSec <= 0 {
		durationSec = handle.DurationSec
		degraded = true
	}

	fr := record.FileResult{
		JobID:            job.ID,
		Path:             filepath.Base(file),
		Provider:         p.Name(),
		Lang:             job.Lang,
		DurationSec:      durationSec,
		ProcessingTimeMs: processingMs,
		RTF:              score.RTF(processingMs, durationSec),
		LatencyMs:        processingMs,
		Text:             res.Text,
		RefText:          refText,
		Degraded:         degraded,
		CreatedAt:        float64(time.Now().UnixMilli()),
		Normalization:    string(opts.Preset),
	}
	if refText != "" {
		sc := score.Score(refText, res.Text, job.Lang, opts.Preset, opts.StripSpace)
		fr.CER = sc.CER
		fr.WER = sc.WER
	}

	if err := m.history.Add(ctx, fr); err != nil {
		// A result that cannot be persisted is not reported as done either;
		// the in-memory view and the journal must agree.
		m.log.Error("batch persist failed", "job", job.ID, "file", file, "provider", p.Name(), "error", err)
		m.metrics.RecordBatchFile(ctx, p.Name(), "failed", processingMs/1000)
		job.failOne(fmt.Sprintf("%s/%s: persist: %v", filepath.Base(file), p.Name(), err))
		return
	}
	m.metrics.RecordBatchFile(ctx, p.Name(), "ok", processingMs/1000)
	job.addResult(fr)
}
