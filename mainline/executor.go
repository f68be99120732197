// Package mainline provides the single-threaded executor that serializes all
// mutation of the observable graph. Repositories, cells, and multiplexers are
// confined to this executor: background loads and event-bus callbacks marshal
// their results here before touching shared state, which is why none of those
// structures carry locks of their own.
package mainline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/permstream/errors"
)

// Executor runs posted tasks one at a time, in FIFO order, on a dedicated
// goroutine. The queue is unbounded: graph updates must never be dropped, and
// producers (event-bus callbacks, async load completions) must never block.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
	logger  *slog.Logger
}

// New creates an executor and starts its run loop.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		done:   make(chan struct{}),
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped && len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.invoke(task)
	}
}

// invoke runs a single task, converting panics into logged errors so one bad
// recompute cannot take down the whole graph.
func (e *Executor) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("mainline task panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	task()
}

// Post enqueues fn for execution. Safe to call from any goroutine. Tasks
// posted after Stop are silently dropped.
func (e *Executor) Post(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.cond.Signal()
}

// PostAndWait enqueues fn and blocks until it has run. Must not be called
// from a task already running on the executor, which would deadlock.
func (e *Executor) PostAndWait(fn func()) error {
	ran := make(chan struct{})
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	e.queue = append(e.queue, func() {
		defer close(ran)
		fn()
	})
	e.mu.Unlock()
	e.cond.Signal()

	<-ran
	return nil
}

// Stop drains the queue and shuts the run loop down, waiting up to timeout
// for outstanding tasks to finish.
func (e *Executor) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	e.stopped = true
	e.mu.Unlock()
	e.cond.Signal()

	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "mainline", "Stop", "drain queue")
	}
}
