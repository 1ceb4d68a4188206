package voice

import (
	"strings"
	"sync"
	"time"

	"github.com/sttmux/sttmux/internal/transcript"
)

// wakeWatcher tracks the command window opened by a wake word. A final
// transcript containing a wake word (case-folded substring, or a phonetic
// near-miss caught by the dictionary corrector) keeps the window open for the
// configured duration; while it is open, user transcripts count as addressed
// to the assistant.
//
// An empty wake-word set means the assistant is always addressed.
type wakeWatcher struct {
	words     []string
	corrector *transcript.Corrector
	window    time.Duration

	mu        sync.Mutex
	openUntil time.Time
}

func newWakeWatcher(words []string, window time.Duration) *wakeWatcher {
	var folded []string
	for _, w := range words {
		w = strings.TrimSpace(strings.ToLower(w))
		if w != "" {
			folded = append(folded, w)
		}
	}
	w := &wakeWatcher{words: folded, window: window}
	if len(folded) > 0 {
		w.corrector = transcript.NewCorrector(folded)
	}
	return w
}

// observe matches one final transcript against the wake words and reports
// whether it (re)opened the command window.
func (w *wakeWatcher) observe(text string, now time.Time) bool {
	if len(w.words) == 0 {
		return false
	}
	if !w.matches(text) {
		return false
	}
	w.mu.Lock()
	w.openUntil = now.Add(w.window)
	w.mu.Unlock()
	return true
}

func (w *wakeWatcher) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range w.words {
		if strings.Contains(lower, word) {
			return true
		}
	}
	if w.corrector == nil {
		return false
	}
	_, corrections := w.corrector.Correct(lower)
	return len(corrections) > 0
}

// addressed reports whether transcripts at now are directed at the assistant.
func (w *wakeWatcher) addressed(now time.Time) bool {
	if len(w.words) == 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.openUntil)
}

// reset closes the window immediately.
func (w *wakeWatcher) reset() {
	w.mu.Lock()
	w.openUntil = time.Time{}
	w.mu.Unlock()
}
