package ffcodec

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sttmux/sttmux/pkg/audio"
)

// transcodeArgs builds the argument list for a PCM16→PCM16 rate conversion
// process.
func transcodeArgs(srcRate, dstRate, channels int) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostats",
		"-f", "s16le",
		"-ar", strconv.Itoa(srcRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(dstRate),
		"-ac", strconv.Itoa(channels),
		"pipe:1",
	}
}

// NewResampler returns an [audio.Resampler] backed by an ffmpeg child
// process, for providers that need better conversion quality than linear
// interpolation. Emitted chunks carry timeline-preserving metadata attributed
// to input chunks in FIFO order. When rates match, the in-process
// pass-through is returned instead and no process is started.
func NewResampler(binary string, srcRate, dstRate, channels int, emit audio.EmitFunc) (audio.Resampler, error) {
	if srcRate == dstRate {
		return audio.NewLinearResampler(srcRate, dstRate, channels, 0, emit), nil
	}
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("ffcodec: invalid resample %dHz→%dHz/%dch", srcRate, dstRate, channels)
	}
	if binary == "" {
		binary = "ffmpeg"
	}

	r := &codecResampler{
		srcRate:    srcRate,
		dstRate:    dstRate,
		channels:   channels,
		frameBytes: 2 * channels,
		emit:       emit,
	}
	proc, err := startProcess(binary, transcodeArgs(srcRate, dstRate, channels))
	if err != nil {
		return nil, err
	}
	r.proc = proc

	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		r.readOutput()
	}()

	return r, nil
}

type codecResampler struct {
	proc *process

	srcRate    int
	dstRate    int
	channels   int
	frameBytes int
	emit       audio.EmitFunc

	mu      sync.Mutex
	queue   spanQueue
	emitErr error

	inputOnce sync.Once
}

var _ audio.Resampler = (*codecResampler)(nil)

// Input queues the chunk's attribution span and feeds its samples to the
// codec process. Blocks on pipe backpressure.
func (r *codecResampler) Input(ctx context.Context, c audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frames := len(c.Data) / r.frameBytes
	if frames == 0 {
		return nil
	}

	r.mu.Lock()
	if err := r.emitErr; err != nil {
		r.mu.Unlock()
		return err
	}
	// Push before write so output can never arrive ahead of its span.
	r.queue.push(c.Meta, audio.ExpectedSamples(frames, r.srcRate, r.dstRate))
	r.mu.Unlock()

	if r.proc.closed.Load() {
		return ErrClosed
	}
	if _, err := r.proc.stdin.Write(c.Data[:frames*r.frameBytes]); err != nil {
		return fmt.Errorf("ffcodec: resample write: %w", err)
	}
	return nil
}

// Close flushes the process and surfaces any emit or exit error.
func (r *codecResampler) Close() error {
	r.inputOnce.Do(func() {
		_ = r.proc.stdin.Close()
	})
	waitErr := r.proc.wait()

	r.mu.Lock()
	emitErr := r.emitErr
	r.mu.Unlock()
	if emitErr != nil {
		return emitErr
	}
	return waitErr
}

// readOutput attributes converted samples back to their input spans and
// emits stamped chunks. Partial sample frames are carried between reads.
func (r *codecResampler) readOutput() {
	var carry []byte
	rd := make([]byte, 4096)
	for {
		n, err := r.proc.stdout.Read(rd)
		if n > 0 {
			carry = append(carry, rd[:n]...)
			frames := len(carry) / r.frameBytes
			if frames > 0 {
				data := carry[:frames*r.frameBytes]
				r.dispatch(data, frames)
				carry = carry[frames*r.frameBytes:]
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch splits data into per-span pieces and emits them.
func (r *codecResampler) dispatch(data []byte, frames int) {
	r.mu.Lock()
	pieces := r.queue.take(frames)
	r.mu.Unlock()

	off := 0
	for _, piece := range pieces {
		chunk := audio.Chunk{
			Data: make([]byte, piece.frames*r.frameBytes),
			Meta: piece.meta,
		}
		copy(chunk.Data, data[off:off+piece.frames*r.frameBytes])
		off += piece.frames * r.frameBytes

		if err := r.emit(chunk); err != nil {
			r.mu.Lock()
			if r.emitErr == nil {
				r.emitErr = err
			}
			r.mu.Unlock()
			return
		}
	}
}

// ─── span attribution ───

// span tracks how much of one input chunk's expected output has been
// attributed so far.
type span struct {
	meta     audio.FrameMeta
	expected int
	consumed int
}

// spanQueue maps converted output frames back to the input chunks that
// produced them, in FIFO order. Not safe for concurrent use.
type spanQueue struct {
	spans []span
}

// piece is a run of output frames attributed to a single input span.
type piece struct {
	meta   audio.FrameMeta
	frames int
}

func (q *spanQueue) push(meta audio.FrameMeta, expected int) {
	if expected < 1 {
		expected = 1
	}
	q.spans = append(q.spans, span{meta: meta, expected: expected})
}

// take attributes n output frames against the queue. Output beyond the last
// span's expectation stays attributed to that span, extending its timeline;
// the codec's internal latency shifts samples between reads, not across the
// stream.
func (q *spanQueue) take(n int) []piece {
	var out []piece
	for n > 0 {
		if len(q.spans) == 0 {
			// Output with no recorded input. Stamp a zero meta so the
			// chunk still flows; callers only hit this mid-teardown.
			out = append(out, piece{meta: audio.FrameMeta{}, frames: n})
			return out
		}
		head := &q.spans[0]
		remaining := head.expected - head.consumed
		if remaining <= 0 {
			if len(q.spans) > 1 {
				q.spans = q.spans[1:]
				continue
			}
			// Last span overflows: keep extending it.
			remaining = n
		}
		take := min(n, remaining)
		out = append(out, piece{
			meta:   audio.StampResampled(head.meta, head.consumed, take, head.expected),
			frames: take,
		})
		head.consumed += take
		n -= take
		if head.consumed >= head.expected && len(q.spans) > 1 {
			q.spans = q.spans[1:]
		}
	}
	return out
}
