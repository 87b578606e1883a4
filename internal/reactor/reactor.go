// Package reactor implements the single-threaded software-event dispatcher
// each connection's state machine runs on (spec.md §4.6, §5, §9): at most
// one callback executes at a time, and every state transition observed by a
// connection's peers happens on that one thread. The fan-out/cancellation
// idiom is adapted from the teacher's composition root (main.go's
// signal.NotifyContext + sync.WaitGroup), generalized here from "run
// goroutines until ctx is cancelled" to "run posted callbacks until ctx is
// cancelled".
package reactor

import (
	"context"
	"log"
	"time"
)

// task is one posted unit of work, optionally reporting completion.
type task struct {
	fn   func()
	done chan struct{}
}

// Reactor is a thread-driven, single-threaded dispatcher: Run must be
// called from exactly one goroutine, and Post/PostSync may be called from
// any goroutine to schedule work onto that thread.
type Reactor struct {
	queue chan task
	// syncTimeout bounds how long PostSync waits for its callback to run
	// before giving up and logging; spec §7 treats a reactor that never
	// drains its queue as a fatal condition the caller must detect.
	syncTimeout time.Duration
}

// DefaultSyncTimeout matches spec §4.6/§7's guidance that a synchronous
// post which cannot be serviced promptly indicates the reactor thread has
// stalled or exited and should not be waited on indefinitely.
const DefaultSyncTimeout = 10 * time.Second

// New builds a Reactor with a bounded backlog of pending callbacks.
func New(backlog int) *Reactor {
	return &Reactor{
		queue:       make(chan task, backlog),
		syncTimeout: DefaultSyncTimeout,
	}
}

// SetSyncTimeout overrides DefaultSyncTimeout, mainly for tests.
func (r *Reactor) SetSyncTimeout(d time.Duration) { r.syncTimeout = d }

// Post schedules fn to run on the reactor thread and returns once it has
// been queued. Backlog exhaustion blocks the caller rather than dropping a
// state transition; spec doesn't define an overflow policy for software
// events, and silently dropping one would desynchronize the state machine.
func (r *Reactor) Post(fn func()) {
	r.queue <- task{fn: fn}
}

// PostSync schedules fn and blocks until it has run, or until syncTimeout
// elapses. It reports whether fn ran.
func (r *Reactor) PostSync(fn func()) bool {
	done := make(chan struct{})
	r.queue <- task{fn: fn, done: done}
	select {
	case <-done:
		return true
	case <-time.After(r.syncTimeout):
		log.Printf("reactor: PostSync timed out after %s; reactor thread may have stalled", r.syncTimeout)
		return false
	}
}

// Run drains posted callbacks on the calling goroutine until ctx is
// cancelled. Exactly one callback executes at a time, satisfying the
// single-threaded dispatch guarantee every connection's state machine
// relies on.
func (r *Reactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			t.fn()
			if t.done != nil {
				close(t.done)
			}
		}
	}
}

// PollingExecutor is the non-thread-driven alternative spec §4.6 allows:
// there is no queue and no Run loop. It executes synchronously, so Post
// here runs fn immediately on the caller's goroutine rather than queuing
// it. It takes no lock: callers posting from several goroutines at once
// are not serialized against each other.
type PollingExecutor struct{}

// Post runs fn immediately: in polling mode there is no separate reactor
// thread, so "post" and "run now" are the same operation.
func (PollingExecutor) Post(fn func()) { fn() }

// PostSync runs fn immediately and always reports success.
func (PollingExecutor) PostSync(fn func()) bool {
	fn()
	return true
}

// Dispatcher is the common interface connection/protocol code depends on,
// so it can be driven by either a thread-backed Reactor or a
// PollingExecutor without caring which.
type Dispatcher interface {
	Post(fn func())
	PostSync(fn func()) bool
}
