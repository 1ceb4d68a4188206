package batch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sttmux/sttmux/internal/config"
	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/internal/record"
	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// ErrJobNotFound is returned for unknown or already-evicted job ids. Evicted
// jobs' results remain queryable from the history journal.
var ErrJobNotFound = errors.New("batch: job not found")

const defaultRetention = 10 * time.Minute

// Options tunes one submitted job.
type Options struct {
	// Parallel is the client's requested per-provider parallelism hint.
	Parallel int

	// Preset selects the text normalization applied before scoring.
	Preset score.Preset

	// StripSpace removes whitespace before CER for space-optional scripts.
	StripSpace bool

	// PeakDbfs, when non-zero, peak-normalizes decoded audio to this level.
	PeakDbfs float64

	// Phrases is the vocabulary hint list forwarded to every provider.
	Phrases []string
}

// JobState is the lifecycle phase of a job.
type JobState string

const (
	StateRunning JobState = "running"
	StateDone    JobState = "done"
)

// Job tracks one submitted transcription job. Total counts file×provider
// units; Done+Failed reaches Total exactly once, at which point the job is
// terminal.
type Job struct {
	ID        string
	Lang      string
	Providers []string
	Total     int
	CreatedAt time.Time

	mu       sync.Mutex
	done     int
	failed   int
	results  []record.FileResult
	errs     []string
	terminal bool
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Lang      string    `json:"lang"`
	Providers []string  `json:"providers"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (j *Job) snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		ID:        j.ID,
		State:     StateRunning,
		Lang:      j.Lang,
		Providers: j.Providers,
		Total:     j.Total,
		Done:      j.done,
		Failed:    j.failed,
		Errors:    append([]string(nil), j.errs...),
		CreatedAt: j.CreatedAt,
	}
	if j.terminal {
		st.State = StateDone
	}
	return st
}

func (j *Job) addResult(r record.FileResult) {
	j.mu.Lock()
	j.done++
	j.results = append(j.results, r)
	j.mu.Unlock()
}

func (j *Job) failOne(msg string) {
	j.mu.Lock()
	j.failed++
	j.errs = append(j.errs, msg)
	j.mu.Unlock()
}

// failFile counts a whole file as failed across every provider lane with a
// single error line.
func (j *Job) failFile(providerCount int, msg string) {
	j.mu.Lock()
	j.failed += providerCount
	j.errs = append(j.errs, msg)
	j.mu.Unlock()
}

// finish marks the job terminal. Any units lost to worker rejection are
// counted as failures so done+failed always equals total.
func (j *Job) finish() {
	j.mu.Lock()
	if missing := j.Total - j.done - j.failed; missing > 0 {
		j.failed += missing
		j.errs = append(j.errs, "some files were not processed")
	}
	j.terminal = true
	j.mu.Unlock()
}

// ProviderSummary aggregates one provider's results within a job.
type ProviderSummary struct {
	Provider string   `json:"provider"`
	Files    int      `json:"files"`
	AvgRTF   float64  `json:"avgRtf"`
	AvgCER   *float64 `json:"avgCer,omitempty"`
	AvgWER   *float64 `json:"avgWer,omitempty"`
}

// Summary is the per-provider roll-up of a job.
type Summary struct {
	JobID     string            `json:"jobId"`
	Total     int               `json:"total"`
	Done      int               `json:"done"`
	Failed    int               `json:"failed"`
	Providers []ProviderSummary `json:"providers"`
}

// Manager owns job submission, progress tracking, and retention. Results are
// persisted through the shared history journal as they arrive; the in-memory
// job entry exists only for progress polling and is evicted after a grace
// period once terminal.
type Manager struct {
	cfg     config.JobsConfig
	cache   *Cache
	history *record.History
	metrics *observe.Metrics
	log     *slog.Logger
	cores   int

	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	timers map[string]*time.Timer
	closed bool
}

// NewManager builds a Manager decoding through audioCfg's ffmpeg into the
// jobs upload directory.
func NewManager(jobsCfg config.JobsConfig, audioCfg config.AudioConfig, history *record.History, metrics *observe.Metrics, log *slog.Logger) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	retention := defaultRetention
	if jobsCfg.RetentionMinutes > 0 {
		retention = time.Duration(jobsCfg.RetentionMinutes) * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       jobsCfg,
		cache:     NewCache(jobsCfg.UploadDir, audioCfg.FFmpegPath, audioCfg.TargetSampleRate, 1),
		history:   history,
		metrics:   metrics,
		log:       log.With("component", "batch"),
		cores:     runtime.NumCPU(),
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*Job),
		timers:    make(map[string]*time.Timer),
	}
}

// Submit starts a job over the given uploaded files and providers. The job
// runs in the background; Submit returns immediately with its initial status.
func (m *Manager) Submit(files []string, providers []stt.Provider, lang string, manifest Manifest, opts Options) (Status, error) {
	if len(files) == 0 {
		return Status{}, errors.New("batch: no files")
	}
	if len(providers) == 0 {
		return Status{}, errors.New("batch: no providers")
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	job := &Job{
		ID:        uuid.NewString(),
		Lang:      lang,
		Providers: names,
		Total:     len(files) * len(providers),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{}, errors.New("batch: manager closed")
	}
	m.jobs[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(m.ctx, job, files, providers, manifest, opts)
	}()
	return job.snapshot(), nil
}

// Job returns the current status of a tracked job.
func (m *Manager) Job(id string) (Status, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// Results returns the successful results of a tracked job, in arrival order.
func (m *Manager) Results(id string) ([]record.FileResult, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	job.mu.Lock()
	out := append([]record.FileResult(nil), job.results...)
	job.mu.Unlock()
	return out, nil
}

// Summarize rolls a tracked job up per provider.
func (m *Manager) Summarize(id string) (Summary, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Summary{}, ErrJobNotFound
	}

	st := job.snapshot()
	results, _ := m.Results(id)

	type acc struct {
		files            int
		rtf              float64
		cer, wer         float64
		cerSeen, werSeen int
	}
	byProvider := make(map[string]*acc)
	for _, r := range results {
		a := byProvider[r.Provider]
		if a == nil {
			a = &acc{}
			byProvider[r.Provider] = a
		}
		a.files++
		a.rtf += r.RTF
		if r.CER != nil {
			a.cer += *r.CER
			a.cerSeen++
		}
		if r.WER != nil {
			a.wer += *r.WER
			a.werSeen++
		}
	}

	sum := Summary{JobID: id, Total: st.Total, Done: st.Done, Failed: st.Failed}
	for name, a := range byProvider {
		ps := ProviderSummary{Provider: name, Files: a.files, AvgRTF: a.rtf / float64(a.files)}
		if a.cerSeen > 0 {
			v := a.cer / float64(a.cerSeen)
			ps.AvgCER = &v
		}
		if a.werSeen > 0 {
			v := a.wer / float64(a.werSeen)
			ps.AvgWER = &v
		}
		sum.Providers = append(sum.Providers, ps)
	}
	sort.Slice(sum.Providers, func(i, j int) bool { return sum.Providers[i].Provider < sum.Providers[j].Provider })
	return sum, nil
}

// scheduleEviction drops the in-memory job entry after the retention period.
func (m *Manager) scheduleEviction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timers[id] = time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.jobs, id)
		delete(m.timers, id)
		m.mu.Unlock()
	})
}

// Close cancels running jobs and waits for their workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
