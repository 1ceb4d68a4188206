package voice

import (
	"sync"

	"github.com/sttmux/sttmux/pkg/audio"
)

const (
	// rmsWindowMs is the short-time analysis window for barge-in detection.
	rmsWindowMs = 20.0

	// rmsFloor is the absolute level below which input is never treated as
	// speech, whatever the playback level.
	rmsFloor = 0.01

	// playbackDecay is the exponential smoothing weight for the assistant
	// playback level estimate.
	playbackDecay = 0.8
)

// bargeDetector decides when the user is talking over the assistant. Inbound
// microphone audio is measured in short RMS windows against an adaptive
// threshold that tracks the assistant's own playback level (the echo the
// microphone is expected to pick up). The detector fires once the ratio has
// held for the configured minimum duration.
type bargeDetector struct {
	factor float64
	minMs  float64

	mu       sync.Mutex
	playback float64 // smoothed assistant output RMS
	heldMs   float64
}

func newBargeDetector(factor, minMs float64) *bargeDetector {
	return &bargeDetector{factor: factor, minMs: minMs}
}

// noteOutput feeds one assistant playback chunk into the echo estimate.
func (d *bargeDetector) noteOutput(pcm []byte) {
	level := audio.RMS16(pcm)
	d.mu.Lock()
	d.playback = playbackDecay*d.playback + (1-playbackDecay)*level
	d.mu.Unlock()
}

// sample analyzes one inbound chunk and reports whether barge-in is
// confirmed. durationMs is the chunk's play time; chunks longer than the
// analysis window are split into 20 ms sub-windows.
func (d *bargeDetector) sample(pcm []byte, durationMs float64) bool {
	if durationMs <= 0 || len(pcm) < 2 {
		return false
	}

	windows := int(durationMs / rmsWindowMs)
	if windows < 1 {
		windows = 1
	}
	step := len(pcm) / windows
	step -= step % 2
	if step < 2 {
		step = len(pcm) - len(pcm)%2
		windows = 1
	}
	windowMs := durationMs / float64(windows)

	d.mu.Lock()
	defer d.mu.Unlock()
	threshold := d.playback * d.factor
	if threshold < rmsFloor {
		threshold = rmsFloor
	}

	fired := false
	for i := 0; i < windows; i++ {
		start := i * step
		end := start + step
		if i == windows-1 {
			end = len(pcm) - len(pcm)%2
		}
		if audio.RMS16(pcm[start:end]) > threshold {
			d.heldMs += windowMs
			if d.heldMs >= d.minMs {
				fired = true
			}
		} else {
			d.heldMs = 0
		}
	}
	if fired {
		d.heldMs = 0
	}
	return fired
}

// reset clears the hold accumulator, e.g. when the assistant stops speaking.
func (d *bargeDetector) reset() {
	d.mu.Lock()
	d.heldMs = 0
	d.mu.Unlock()
}
