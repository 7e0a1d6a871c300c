package keys

import (
	"sync"
	"time"
)

// fetchWindow admits at most limit events in any sliding window of the given
// length. The times of the last limit admitted events are kept in a ring: an
// event is admitted when the oldest of them has left the window.
type fetchWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	next   int
}

func newFetchWindow(limit int, window time.Duration) *fetchWindow {
	return &fetchWindow{
		window: window,
		times:  make([]time.Time, 0, limit),
	}
}

// Allow reports whether an event at now is admitted, recording it if so.
func (w *fetchWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.times) < cap(w.times) {
		w.times = append(w.times, now)
		return true
	}

	oldest := w.times[w.next]
	if now.Sub(oldest) < w.window {
		return false
	}

	w.times[w.next] = now
	w.next = (w.next + 1) % len(w.times)

	return true
}
