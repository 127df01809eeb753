package proxy

import (
	"sync"
	"time"
)

// IdleTimer calls onIdle once when Reset was not called for d. A zero d
// makes the timer inert.
//
// onIdle gets the generation of the firing. A Reset can race with a firing
// that is already running, so onIdle must confirm it with Claim while
// holding whatever lock its callers' Reset calls precede.
type IdleTimer struct {
	d      time.Duration
	onIdle func(gen uint64)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewIdleTimer returns a disarmed timer.
func NewIdleTimer(d time.Duration, onIdle func(gen uint64)) *IdleTimer {
	return &IdleTimer{d: d, onIdle: onIdle}
}

// Reset (re)arms the timer, cancelling any pending firing.
func (t *IdleTimer) Reset() {
	if t.d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.d, func() { t.fire(gen) })
}

// Stop disarms the timer for good.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Claim reports whether the firing for gen is still due and consumes it.
// It fails once Reset or Stop was called after that firing was scheduled.
func (t *IdleTimer) Claim(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.stopped {
		return false
	}
	t.timer = nil
	t.gen++
	return true
}

func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	due := gen == t.gen && !t.stopped
	t.mu.Unlock()
	if due {
		t.onIdle(gen)
	}
}
