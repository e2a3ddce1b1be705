// Package notice holds the transient confirmation shown after a basket change.
package notice

import (
	"sync"
	"time"
)

// DefaultDuration is how long a notification stays visible.
const DefaultDuration = 3 * time.Second

// Toast shows at most one message at a time. Showing a new message restarts
// the visible duration instead of queuing behind the current one.
type Toast struct {
	mu       sync.Mutex
	duration time.Duration
	now      func() time.Time
	message  string
	until    time.Time
}

// New returns a toast with the given duration; zero selects DefaultDuration.
func New(duration time.Duration) *Toast {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Toast{duration: duration, now: time.Now}
}

// WithClock replaces the time source.
func (t *Toast) WithClock(now func() time.Time) *Toast {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Show replaces the current message and restarts the timer.
func (t *Toast) Show(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = message
	t.until = t.now().Add(t.duration)
}

// Current returns the visible message, if any, and how long it has left.
func (t *Toast) Current() (string, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visibleLocked()
}

// Take returns the visible message like Current and hides it, so a
// rendered page displays it exactly once.
func (t *Toast) Take() (string, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, left, ok := t.visibleLocked()
	t.message = ""
	return msg, left, ok
}

func (t *Toast) visibleLocked() (string, time.Duration, bool) {
	if t.message == "" {
		return "", 0, false
	}
	left := t.until.Sub(t.now())
	if left <= 0 {
		t.message = ""
		return "", 0, false
	}
	return t.message, left, true
}
