// Package runloop implements the single-consumer task queue that every
// App, engine-with-its-own-loop, ExtensionThread, and asynced protocol
// owns (spec.md §5). runloop_post_task_tail is the only sanctioned
// cross-thread primitive in the runtime; everything else must be accessed
// only from its owning loop's goroutine.
package runloop

import "sync"

// Task is a unit of work queued onto a Runloop.
type Task func()

// Runloop is a single-consumer, multi-producer task queue bound to one
// goroutine. Callers on other goroutines use PostTask; code running
// inside a task may safely touch state owned by this loop.
type Runloop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	closed  bool
	done    chan struct{}
}

// New creates a Runloop and starts its consumer goroutine.
func New() *Runloop {
	rl := &Runloop{done: make(chan struct{})}
	rl.cond = sync.NewCond(&rl.mu)
	go rl.run()
	return rl
}

func (rl *Runloop) run() {
	defer close(rl.done)
	for {
		rl.mu.Lock()
		for len(rl.tasks) == 0 && !rl.closed {
			rl.cond.Wait()
		}
		if len(rl.tasks) == 0 && rl.closed {
			rl.mu.Unlock()
			return
		}
		task := rl.tasks[0]
		rl.tasks = rl.tasks[1:]
		rl.mu.Unlock()

		task()
	}
}

// PostTask enqueues fn to run on this loop's goroutine. Safe to call from
// any goroutine; this is the only sanctioned way to reach across thread
// boundaries (spec.md §5).
func (rl *Runloop) PostTask(fn Task) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return
	}
	rl.tasks = append(rl.tasks, fn)
	rl.cond.Signal()
}

// Close stops accepting new tasks and drains whatever is already queued
// before the consumer goroutine exits. It does not block — use Wait to
// block until drained.
func (rl *Runloop) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return
	}
	rl.closed = true
	rl.cond.Broadcast()
}

// Wait blocks until the consumer goroutine has drained all queued tasks
// and exited (only meaningful after Close).
func (rl *Runloop) Wait() {
	<-rl.done
}
