package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sttmux/sttmux/internal/observe"
	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/provider/stt"
	"github.com/sttmux/sttmux/pkg/types"
)

// sendJob is one outbound audio chunk queued for the provider.
type sendJob struct {
	data []byte
	meta audio.FrameMeta
}

// providerCallbacks is how a providerSession reports back to its session.
// transcript and closed fire on the event loop goroutine; failure may fire on
// either the event loop or the send worker, at most once per session.
type providerCallbacks struct {
	transcript func(ps *providerSession, t types.Transcript, originCaptureTs float64, latencyMs *float64)
	failure    func(ps *providerSession, err error)
	closed     func(ps *providerSession)
}

// providerSession is one fan-out lane: a provider handle, its backlog
// governor, its attribution queue, and the two goroutines that feed and drain
// it. Lanes are fully independent; a slow provider never blocks its peers.
type providerSession struct {
	name    string
	speaker string // channel-split label ("L"/"R"), empty otherwise
	channel types.Channel

	handle    stt.StreamHandle
	gov       *governor
	attr      *attribution
	resampler audio.Resampler // nil when no transcode is needed

	sendCh     chan sendJob
	stopped    chan struct{}
	workerDone chan struct{}
	done       chan struct{} // event loop finished

	failed     atomic.Bool
	failedOnce sync.Once
	stopOnce   sync.Once
	closeOnce  sync.Once

	// lastSignature is touched only on the event loop goroutine.
	lastSignature string

	samplesMu sync.Mutex
	samples   []float64

	cb      providerCallbacks
	metrics *observe.Metrics
	log     *slog.Logger
}

// newProviderSession wires up one lane and starts its goroutines. When
// srcRate and dstRate differ the lane transcodes inline before admission.
func newProviderSession(name, speaker string, channel types.Channel, handle stt.StreamHandle,
	gov *governor, srcRate, dstRate, channels int,
	metrics *observe.Metrics, log *slog.Logger, cb providerCallbacks) *providerSession {

	ps := &providerSession{
		name:       name,
		speaker:    speaker,
		channel:    channel,
		handle:     handle,
		gov:        gov,
		attr:       &attribution{},
		sendCh:     make(chan sendJob, gov.hardLimit),
		stopped:    make(chan struct{}),
		workerDone: make(chan struct{}),
		done:       make(chan struct{}),
		cb:         cb,
		metrics:    metrics,
		log:        log.With("provider", name),
	}
	if srcRate > 0 && dstRate > 0 && srcRate != dstRate {
		ps.resampler = audio.NewLinearResampler(srcRate, dstRate, channels, 0, func(c audio.Chunk) error {
			return ps.admit(c)
		})
	}
	go ps.worker()
	go ps.eventLoop()
	return ps
}

// publish routes one inbound chunk into this lane. A non-nil error is the
// lane's failure reason; the caller marks the lane failed.
func (ps *providerSession) publish(ctx context.Context, c audio.Chunk) error {
	if ps.failed.Load() {
		return nil
	}
	if ps.resampler != nil {
		return ps.resampler.Input(ctx, c)
	}
	return ps.admit(c)
}

// admit runs the chunk through the backlog governor and, when accepted,
// queues it for the send worker.
func (ps *providerSession) admit(c audio.Chunk) error {
	d, err := ps.gov.admit(c.Meta.DurationMs)
	switch d {
	case decisionFail:
		return err
	case decisionDrop:
		ps.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("provider", ps.name)))
		ps.log.Debug("backlog drop", "duration_ms", c.Meta.DurationMs, "seq", c.Meta.Seq)
		return nil
	}

	ps.attr.push(c.Meta)
	select {
	case ps.sendCh <- sendJob{data: c.Data, meta: c.Meta}:
	case <-ps.stopped:
		ps.gov.complete()
	}
	return nil
}

// worker serializes SendAudio calls so chunks reach the provider in
// acceptance order.
func (ps *providerSession) worker() {
	defer close(ps.workerDone)
	for {
		select {
		case <-ps.stopped:
			return
		case job := <-ps.sendCh:
			err := ps.handle.SendAudio(job.data, stt.SendMeta{
				CaptureTs:  job.meta.CaptureTs,
				DurationMs: job.meta.DurationMs,
			})
			ps.attr.noteSent(nowMs())
			ps.gov.complete()
			if err != nil {
				if !errors.Is(err, stt.ErrSessionClosed) {
					ps.fail(err)
				}
				return
			}
		}
	}
}

// eventLoop consumes the adapter's event stream until the channel closes.
func (ps *providerSession) eventLoop() {
	for ev := range ps.handle.Events() {
		switch ev.Kind {
		case stt.EventTranscript:
			ps.handleTranscript(ev.Transcript)
		case stt.EventError:
			ps.fail(ev.Err)
		}
	}
	ps.cb.closed(ps)
	close(ps.done)
}

// handleTranscript attributes, deduplicates, and forwards one transcript.
func (ps *providerSession) handleTranscript(t types.Transcript) {
	t.Provider = ps.name
	if t.Channel == "" {
		t.Channel = ps.channel
	}
	if t.SpeakerID == "" && ps.speaker != "" {
		t.SpeakerID = ps.speaker
	}

	now := nowMs()
	origin, _ := ps.attr.pop(now)

	var latency *float64
	raw := now - origin
	if !math.IsNaN(raw) && !math.IsInf(raw, 0) && raw >= 0 {
		latency = &raw
	}

	sig := t.Signature()
	if sig == ps.lastSignature {
		return
	}
	ps.lastSignature = sig

	// Latency samples are recorded after dedup so repeats cannot skew the
	// summary, and only for finals so summaries are comparable across modes.
	if t.IsFinal && latency != nil {
		ps.samplesMu.Lock()
		ps.samples = append(ps.samples, *latency)
		ps.samplesMu.Unlock()
	}

	ps.cb.transcript(ps, t, origin, latency)
}

// fail marks the lane failed and reports the reason exactly once.
func (ps *providerSession) fail(err error) {
	if !ps.failed.CompareAndSwap(false, true) {
		return
	}
	ps.failedOnce.Do(func() {
		ps.cb.failure(ps, err)
	})
}

// markFailed flags the lane without invoking the failure callback; used when
// the session itself already reported the reason.
func (ps *providerSession) markFailed() {
	ps.failed.Store(true)
	ps.failedOnce.Do(func() {})
}

// takeSamples returns the accumulated latency samples.
func (ps *providerSession) takeSamples() []float64 {
	ps.samplesMu.Lock()
	defer ps.samplesMu.Unlock()
	out := ps.samples
	ps.samples = nil
	return out
}

// end stops accepting audio and asks the provider to flush buffered audio
// into final transcripts. Events stay open until the flush completes.
func (ps *providerSession) end() {
	ps.stop()
	_ = ps.handle.End()
}

// close releases the lane. Idempotent.
func (ps *providerSession) close() {
	ps.closeOnce.Do(func() {
		ps.stop()
		_ = ps.handle.Close()
		if ps.resampler != nil {
			_ = ps.resampler.Close()
		}
	})
}

// stop halts the send worker.
func (ps *providerSession) stop() {
	ps.stopOnce.Do(func() {
		close(ps.stopped)
	})
}

// await blocks until the event loop has drained or the timeout expires.
func (ps *providerSession) await(timeout time.Duration) bool {
	select {
	case <-ps.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// nowMs is the wall clock in milliseconds since the Unix epoch.
func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
