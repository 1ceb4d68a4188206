// Package ffcodec wraps ffmpeg child processes behind small streaming
// facades: a Decoder that turns arbitrary container bytes into fixed-interval
// PCM16 chunks, a Resampler that performs high-quality sample-rate conversion
// while preserving capture timelines, and a duration probe.
//
// The processes communicate over stdin/stdout pipes. Standard error is
// forwarded line by line to the logger and kept as a short tail for error
// reports; it is never parsed for control flow.
package ffcodec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by the facades.
var (
	ErrClosed     = errors.New("ffcodec: closed")
	ErrNotStarted = errors.New("ffcodec: not started")
)

const (
	// stderrTail is how many recent stderr lines are kept for diagnostics.
	stderrTail = 24

	// stopGrace is how long Stop waits before escalating to SIGTERM, and
	// again before SIGKILL.
	stopGrace = 3 * time.Second
)

// ExitError reports a codec process that terminated with a non-zero status.
type ExitError struct {
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("ffcodec: process exited with code %d", e.Code)
	}
	return fmt.Sprintf("ffcodec: process exited with code %d: %s", e.Code, e.Stderr[len(e.Stderr)-1])
}

// Config describes a Decoder process.
type Config struct {
	// BinaryPath is the ffmpeg binary; "ffmpeg" from PATH when empty.
	BinaryPath string

	// TargetRate is the output sample rate in Hz.
	TargetRate int

	// TargetChannels is the output channel count.
	TargetChannels int

	// ChunkMs is the PCM emit granularity in milliseconds.
	ChunkMs int

	// Realtime throttles decoding to input speed (ffmpeg -re). Used by
	// replay sessions so files play back at wall-clock pace.
	Realtime bool

	// InputFormat optionally pins the demuxer (e.g. "webm"). Empty lets
	// ffmpeg probe the container.
	InputFormat string
}

func (c Config) binary() string {
	if c.BinaryPath == "" {
		return "ffmpeg"
	}
	return c.BinaryPath
}

// decodeArgs builds the ffmpeg argument list for a Config.
func decodeArgs(c Config) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats"}
	if c.Realtime {
		args = append(args, "-re")
	}
	if c.InputFormat != "" {
		args = append(args, "-f", c.InputFormat)
	}
	args = append(args,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(c.TargetChannels),
		"-ar", strconv.Itoa(c.TargetRate),
		"pipe:1",
	)
	return args
}

// Decoder feeds container bytes to an ffmpeg process and emits decoded PCM16
// in chunks of ChunkMs. The emit callback runs on the decoder's read
// goroutine; it must not call back into the Decoder.
type Decoder struct {
	cfg  Config
	emit func(pcm []byte)

	proc *process

	chunkBytes int
	bytesOut   atomic.Int64

	inputOnce sync.Once
}

// NewDecoder starts the codec process. The returned Decoder is ready for
// Write calls; decoded chunks begin arriving on emit as soon as ffmpeg has
// probed the container.
func NewDecoder(cfg Config, emit func(pcm []byte)) (*Decoder, error) {
	if cfg.TargetRate <= 0 || cfg.TargetChannels <= 0 {
		return nil, fmt.Errorf("ffcodec: invalid target format %dHz/%dch", cfg.TargetRate, cfg.TargetChannels)
	}
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = 100
	}

	d := &Decoder{
		cfg:        cfg,
		emit:       emit,
		chunkBytes: cfg.TargetRate * cfg.TargetChannels * 2 * cfg.ChunkMs / 1000,
	}

	proc, err := startProcess(cfg.binary(), decodeArgs(cfg))
	if err != nil {
		return nil, err
	}
	d.proc = proc

	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		d.readOutput()
	}()

	return d, nil
}

// Write feeds container bytes to the decoder. It blocks on pipe backpressure,
// which is what keeps realtime-paced replays honest.
func (d *Decoder) Write(p []byte) error {
	if d.proc.closed.Load() {
		return ErrClosed
	}
	if _, err := d.proc.stdin.Write(p); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("ffcodec: write: %w", err)
	}
	return nil
}

// CloseInput half-closes stdin so ffmpeg flushes its buffers and exits once
// the remaining output is drained. Safe to call more than once.
func (d *Decoder) CloseInput() {
	d.inputOnce.Do(func() {
		_ = d.proc.stdin.Close()
	})
}

// BytesDecoded returns the total PCM bytes emitted so far.
func (d *Decoder) BytesDecoded() int64 {
	return d.bytesOut.Load()
}

// Wait blocks until the process exits and all output has been emitted.
// A non-zero exit status is returned as an *ExitError.
func (d *Decoder) Wait() error {
	return d.proc.wait()
}

// Stop tears the decoder down without waiting for a clean drain. Escalates
// from stdin close to SIGTERM to SIGKILL.
func (d *Decoder) Stop() {
	d.CloseInput()
	d.proc.stop()
}

// readOutput slices decoder stdout into chunkBytes pieces. The final partial
// chunk is emitted as-is at EOF.
func (d *Decoder) readOutput() {
	buf := make([]byte, 0, d.chunkBytes)
	rd := make([]byte, 4096)
	for {
		n, err := d.proc.stdout.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
			for len(buf) >= d.chunkBytes {
				chunk := make([]byte, d.chunkBytes)
				copy(chunk, buf[:d.chunkBytes])
				buf = buf[d.chunkBytes:]
				d.bytesOut.Add(int64(len(chunk)))
				d.emit(chunk)
			}
		}
		if err != nil {
			if len(buf) > 0 {
				tail := make([]byte, len(buf))
				copy(tail, buf)
				d.bytesOut.Add(int64(len(tail)))
				d.emit(tail)
			}
			return
		}
	}
}

// ─── shared child-process plumbing ───

// process owns one ffmpeg child and its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stderrMu    sync.Mutex
	stderrLines []string

	closed   atomic.Bool
	reapOnce sync.Once
	exit     chan struct{}
	exitErr  error
	wg       sync.WaitGroup
}

func startProcess(binary string, args []string) (*process, error) {
	p := &process{
		cmd:  exec.Command(binary, args...),
		exit: make(chan struct{}),
	}

	closePipes := func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
	}

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("ffcodec: stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		closePipes()
		return nil, fmt.Errorf("ffcodec: stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		closePipes()
		return nil, fmt.Errorf("ffcodec: stderr pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		closePipes()
		return nil, fmt.Errorf("ffcodec: start %s: %w", binary, err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readStderr()
	}()

	return p, nil
}

// readStderr forwards codec diagnostics to the logger and keeps a short tail.
// ffmpeg rewrites progress lines with bare carriage returns, hence the custom
// split function.
func (p *process) readStderr() {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Split(scanLinesWithCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > stderrTail {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()

		slog.Debug("ffcodec: stderr", "line", line)
	}
}

func (p *process) tail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrLines))
	copy(out, p.stderrLines)
	return out
}

// reap starts the single cmd.Wait call; both wait and stop key off the
// returned channel.
func (p *process) reap() <-chan struct{} {
	p.reapOnce.Do(func() {
		go func() {
			p.exitErr = p.cmd.Wait()
			close(p.exit)
		}()
	})
	return p.exit
}

// wait blocks until the pipe goroutines drain, then reaps the process.
// The readers must finish first: cmd.Wait closes the parent ends of the
// stdout/stderr pipes, and reaping under an in-flight read can discard up to
// a full pipe buffer of output. The readers hit EOF on their own once the
// child exits, so draining before the reap cannot deadlock.
// A non-zero status comes back as an *ExitError carrying the stderr tail.
func (p *process) wait() error {
	p.wg.Wait()
	<-p.reap()
	if p.exitErr == nil {
		return nil
	}
	var exit *exec.ExitError
	if errors.As(p.exitErr, &exit) {
		return &ExitError{Code: exit.ExitCode(), Stderr: p.tail()}
	}
	return fmt.Errorf("ffcodec: wait: %w", p.exitErr)
}

// stop escalates: give the process a grace period to exit after stdin close,
// then SIGTERM, then SIGKILL.
func (p *process) stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	_ = p.stdin.Close()
	exit := p.reap()

	select {
	case <-exit:
		return
	case <-time.After(stopGrace):
		slog.Warn("ffcodec: process did not exit, sending SIGTERM", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-exit:
		return
	case <-time.After(stopGrace):
		slog.Warn("ffcodec: process did not respond to SIGTERM, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-exit:
	case <-time.After(time.Second):
		slog.Error("ffcodec: process could not be reaped", "pid", p.cmd.Process.Pid)
	}
}

// scanLinesWithCR is a bufio.Scanner split function that treats both carriage
// return and newline as line delimiters, collapsing runs of either.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
