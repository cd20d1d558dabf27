package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs a task on the loop after a delay, once or repeatedly. A
// stopped Timer never runs its task again, even if its expiry was already
// queued on the loop when Stop was called.
type Timer struct {
	loop   *Loop
	fn     Task
	period time.Duration

	mu sync.Mutex
	t  *time.Timer

	stopped atomic.Bool
}

// AfterFunc runs fn on the loop once, after d.
func (l *Loop) AfterFunc(d time.Duration, fn Task) *Timer {
	return l.newTimer(d, 0, fn)
}

// Every runs fn on the loop every d until stopped. The next run is
// scheduled after the previous one returns.
func (l *Loop) Every(d time.Duration, fn Task) *Timer {
	return l.newTimer(d, d, fn)
}

func (l *Loop) newTimer(d, period time.Duration, fn Task) *Timer {
	tm := &Timer{loop: l, fn: fn, period: period}

	tm.mu.Lock()
	tm.t = time.AfterFunc(d, tm.fire)
	tm.mu.Unlock()
	return tm
}

func (tm *Timer) fire() {
	if tm.stopped.Load() {
		return
	}
	tm.loop.Post(tm.run)
}

func (tm *Timer) run() {
	if tm.stopped.Load() {
		return
	}

	if tm.period == 0 {
		tm.stopped.Store(true)
		tm.fn()
		return
	}

	tm.fn()
	if !tm.stopped.Load() {
		tm.mu.Lock()
		tm.t.Reset(tm.period)
		tm.mu.Unlock()
	}
}

// Stop cancels the timer. It may be called from any goroutine and more than
// once.
//
// Returns:
//   - true if this call stopped a timer that had not yet run (or, for a
//     repeating timer, was still active)
func (tm *Timer) Stop() bool {
	if tm == nil || !tm.stopped.CompareAndSwap(false, true) {
		return false
	}
	tm.mu.Lock()
	tm.t.Stop()
	tm.mu.Unlock()
	return true
}

// active reports whether the timer may still run.
func (tm *Timer) active() bool {
	return tm != nil && !tm.stopped.Load()
}
