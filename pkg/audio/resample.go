package audio

import (
	"context"
	"math"
)

// EmitFunc receives resampled chunks from a Resampler. Implementations may
// block (socket sends, provider writes); errors propagate back through Input.
type EmitFunc func(Chunk) error

// Resampler converts a PCM16 stream between sample rates while preserving
// each chunk's capture timeline. Implementations are not safe for concurrent
// use; callers serialize Input and Close.
type Resampler interface {
	// Input converts one chunk and forwards the result(s) to the emit
	// callback. The callback may be invoked zero or more times per call.
	Input(ctx context.Context, c Chunk) error

	// Close flushes any buffered samples and releases resources.
	Close() error
}

// StampResampled computes the metadata for an output chunk of n sample
// frames derived from the input chunk described by meta, where sentSoFar
// frames of an expected total of expected frames were already emitted.
//
// The input covers the wall-clock span [captureTs-durationMs, captureTs];
// output chunks subdivide that span proportionally so captureTs stays an
// end-of-chunk timestamp.
func StampResampled(meta FrameMeta, sentSoFar, n, expected int) FrameMeta {
	if expected <= 0 || n <= 0 {
		return meta
	}
	perFrame := meta.DurationMs / float64(expected)
	return FrameMeta{
		Seq:        meta.Seq,
		CaptureTs:  meta.StartMs() + float64(sentSoFar+n)*perFrame,
		DurationMs: float64(n) * perFrame,
	}
}

// ExpectedSamples returns the expected output sample-frame count when
// converting inputFrames frames from srcRate to dstRate.
func ExpectedSamples(inputFrames, srcRate, dstRate int) int {
	if srcRate <= 0 {
		return 0
	}
	return int(math.Round(float64(inputFrames) * float64(dstRate) / float64(srcRate)))
}

// NewLinearResampler returns a Resampler that converts in process using
// linear interpolation. When srcRate == dstRate the returned Resampler
// forwards chunks untouched. maxChunkFrames > 0 splits output into pieces of
// at most that many sample frames; 0 emits one chunk per input.
func NewLinearResampler(srcRate, dstRate, channels, maxChunkFrames int, emit EmitFunc) Resampler {
	if srcRate == dstRate {
		return passthrough{emit: emit}
	}
	if channels < 1 {
		channels = 1
	}
	return &linearResampler{
		srcRate:        srcRate,
		dstRate:        dstRate,
		channels:       channels,
		maxChunkFrames: maxChunkFrames,
		emit:           emit,
	}
}

type passthrough struct {
	emit EmitFunc
}

func (p passthrough) Input(_ context.Context, c Chunk) error { return p.emit(c) }
func (p passthrough) Close() error                           { return nil }

type linearResampler struct {
	srcRate        int
	dstRate        int
	channels       int
	maxChunkFrames int
	emit           EmitFunc
}

func (r *linearResampler) Input(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frameBytes := 2 * r.channels
	inFrames := len(c.Data) / frameBytes
	if inFrames == 0 {
		return nil
	}

	out := Resample16(c.Data, r.channels, r.srcRate, r.dstRate)
	outFrames := len(out) / frameBytes
	if outFrames == 0 {
		return nil
	}
	expected := ExpectedSamples(inFrames, r.srcRate, r.dstRate)

	step := outFrames
	if r.maxChunkFrames > 0 && r.maxChunkFrames < step {
		step = r.maxChunkFrames
	}
	sent := 0
	for sent < outFrames {
		n := min(step, outFrames-sent)
		piece := Chunk{
			Data: out[sent*frameBytes : (sent+n)*frameBytes],
			Meta: StampResampled(c.Meta, sent, n, expected),
		}
		if err := r.emit(piece); err != nil {
			return err
		}
		sent += n
	}
	return nil
}

func (r *linearResampler) Close() error { return nil }
