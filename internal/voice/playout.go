package voice

import (
	"sync"
	"time"

	"github.com/sttmux/sttmux/pkg/audio"
)

// stopGrace is how long the playout waits after its queue runs dry before
// declaring the assistant turn over. Synthesis streams chunk-by-chunk, so a
// briefly empty queue mid-turn must not bounce the speaking state.
const stopGrace = 250 * time.Millisecond

// playout streams assistant PCM to the client at realtime pace. Chunks are
// queued by the synthesis goroutine and dispatched one per play-duration so
// the client never buffers more than it can cancel. Flush cuts the current
// turn on barge-in.
type playout struct {
	rate     int
	channels int
	send     func([]byte) error // binary wire writer
	onStart  func()             // first chunk of a turn is about to play
	onStop   func()             // turn finished or was flushed
	onChunk  func([]byte)       // echo estimate feed

	mu     sync.Mutex
	queue  [][]byte
	cancel chan struct{} // closed by Flush, replaced immediately
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newPlayout(rate, channels int, send func([]byte) error,
	onStart, onStop func(), onChunk func([]byte)) *playout {
	p := &playout{
		rate:     rate,
		channels: channels,
		send:     send,
		onStart:  onStart,
		onStop:   onStop,
		onChunk:  onChunk,
		cancel:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Enqueue schedules one PCM chunk for paced delivery.
func (p *playout) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, pcm)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Flush drops all queued audio and interrupts the chunk currently pacing.
func (p *playout) Flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = nil
	close(p.cancel)
	p.cancel = make(chan struct{})
	p.mu.Unlock()
}

// Close stops the dispatch goroutine. Idempotent.
func (p *playout) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	close(p.done)
}

// next pops the head chunk together with the cancel channel guarding it.
func (p *playout) next() ([]byte, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return nil, nil, false
	}
	chunk := p.queue[0]
	p.queue = p.queue[1:]
	return chunk, p.cancel, true
}

func (p *playout) dispatch() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		playing := false
	turn:
		for {
			chunk, cancel, ok := p.next()
			if !ok {
				if !playing {
					break
				}
				// Queue ran dry mid-turn: give synthesis a grace period
				// before closing the turn.
				timer.Reset(stopGrace)
				select {
				case <-p.done:
					if !timer.Stop() {
						<-timer.C
					}
					p.onStop()
					return
				case <-p.notify:
					if !timer.Stop() {
						<-timer.C
					}
					continue
				case <-timer.C:
					break turn
				}
			}
			if !playing {
				playing = true
				p.onStart()
			}

			if err := p.send(chunk); err != nil {
				p.Flush()
				break
			}
			p.onChunk(chunk)

			pace := time.Duration(audio.DurationMs(len(chunk), p.rate, p.channels) * float64(time.Millisecond))
			if pace <= 0 {
				continue
			}
			timer.Reset(pace)
			select {
			case <-p.done:
				if !timer.Stop() {
					<-timer.C
				}
				p.onStop()
				return
			case <-cancel:
				if !timer.Stop() {
					<-timer.C
				}
				break turn
			case <-timer.C:
			}
		}
		if playing {
			p.onStop()
		}
	}
}
