package stream

import (
	"sync"

	"github.com/sttmux/sttmux/pkg/audio"
)

// continuation remembers where the last attributed chunk ended so that
// transcripts arriving after the queue ran dry can still be timed against a
// plausible point on the capture timeline.
type continuation struct {
	nextTs     float64
	durationMs float64
}

// attribution pairs sent audio chunks with the transcripts they produce.
// Pushes happen on the publish path, pops on the event loop; both orders are
// FIFO. When a pop finds the queue empty it synthesizes a span continuing
// from the last attributed chunk, falling back through progressively weaker
// timestamps down to the current clock.
type attribution struct {
	mu    sync.Mutex
	queue []audio.FrameMeta

	pushes uint64
	pops   uint64

	last           *continuation
	lastCaptureTs  float64
	firstCaptureTs float64
	lastSentAt     float64
	firstSentAt    float64
}

// push records the metadata of one chunk accepted for sending.
func (a *attribution) push(meta audio.FrameMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, meta)
	a.pushes++
	a.lastCaptureTs = meta.CaptureTs
	if a.firstCaptureTs == 0 {
		a.firstCaptureTs = meta.CaptureTs
	}
}

// noteSent records the wall clock of an actual provider send, the weakest
// usable fallback before "now".
func (a *attribution) noteSent(nowMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSentAt = nowMs
	if a.firstSentAt == 0 {
		a.firstSentAt = nowMs
	}
}

// pop attributes one transcript to a capture span and returns its end
// timestamp and duration.
func (a *attribution) pop(nowMs float64) (captureTs, durationMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pops++

	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = a.queue[1:]
		a.last = &continuation{
			nextTs:     head.CaptureTs + head.DurationMs,
			durationMs: head.DurationMs,
		}
		return head.CaptureTs, head.DurationMs
	}

	if a.last != nil {
		ts := a.last.nextTs
		dur := a.last.durationMs
		a.last = &continuation{nextTs: ts + dur, durationMs: dur}
		return ts, dur
	}

	for _, fallback := range []float64{a.lastCaptureTs, a.firstCaptureTs, a.lastSentAt, a.firstSentAt} {
		if fallback != 0 {
			return fallback, 0
		}
	}
	return nowMs, 0
}

// counts returns the lifetime push and pop totals.
func (a *attribution) counts() (pushes, pops uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushes, a.pops
}
