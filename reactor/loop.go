// Package reactor provides the single-goroutine event loop that owns every
// socket, timer and connection of a server or client instance. Socket
// readers, timers and public API calls post closures to the loop; the loop
// runs them one at a time in posting order, so state touched only from
// posted closures needs no locking.
package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-rudp/logger"
)

// Task is a unit of work run on the loop goroutine.
type Task func()

// Loop is an unbounded FIFO of tasks drained by one goroutine started by
// Start.
type Loop struct {
	log logger.Logger

	mu    sync.Mutex
	tasks *queue.Queue
	wake  chan struct{}

	life    sync.Mutex
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
}

// NewLoop creates a loop. Tasks posted before Start run once it starts.
func NewLoop(log logger.Logger) *Loop {
	return &Loop{
		log:   log.With(logger.Field{Key: "component", Value: "reactor"}),
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine. The loop counts as started as
// soon as Start returns, so Call and Stop issued afterwards always go
// through the loop goroutine. Calling Start more than once, or after Stop,
// does nothing.
func (l *Loop) Start() {
	l.life.Lock()
	defer l.life.Unlock()

	if l.stopped.Load() || l.started.Load() {
		return
	}
	l.started.Store(true)
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)

	batch := make([]Task, 0, 64)
	for {
		batch = l.take(batch[:0])
		for i, t := range batch {
			t()
			batch[i] = nil
		}

		if len(batch) > 0 {
			select {
			case <-l.quit:
				return
			default:
			}
			continue
		}

		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
	}
}

// take moves every queued task into batch.
func (l *Loop) take(batch []Task) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.tasks.Length() > 0 {
		batch = append(batch, l.tasks.Remove().(Task))
	}
	return batch
}

// Post queues t. It never blocks.
//
// Returns:
//   - false if the loop has been stopped and t will never run
func (l *Loop) Post(t Task) bool {
	if l.stopped.Load() {
		return false
	}

	l.mu.Lock()
	l.tasks.Add(t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs t on the loop and waits for it to finish. When the loop was
// never started, or has been stopped, no loop goroutine can run t and it
// runs on the caller's goroutine instead, after the loop goroutine has
// exited. Call must not be used from inside a task.
func (l *Loop) Call(t Task) {
	if !l.started.Load() {
		t()
		return
	}

	var ran atomic.Bool
	finished := make(chan struct{})
	posted := l.Post(func() {
		if ran.CompareAndSwap(false, true) {
			t()
		}
		close(finished)
	})
	if !posted {
		<-l.done
		t()
		return
	}

	select {
	case <-finished:
	case <-l.done:
		// The loop exited before reaching the task.
		if ran.CompareAndSwap(false, true) {
			t()
		}
	}
}

// Stop ends the loop after the task in progress and waits for the loop
// goroutine to exit. Queued tasks are discarded. Safe to call more than once
// and from any goroutine except the loop's own.
func (l *Loop) Stop() {
	l.life.Lock()
	if l.stopped.Load() {
		l.life.Unlock()
		return
	}
	l.stopped.Store(true)
	started := l.started.Load()
	close(l.quit)
	l.life.Unlock()

	if started {
		<-l.done
	} else {
		close(l.done)
	}
	l.log.Debug("loop stopped")
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
