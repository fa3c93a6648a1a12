// Package pool implements the shared task pool: a bounded-concurrency,
// awaitable FIFO queue that multiplexes a single producer stream of tasks
// across many per-connection consumers, with fair FIFO semantics and
// requeue-on-failure.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// Pool holds pending tasks and suspended waiters. Invariant: at any
// instant, either tasks is empty or waiters is empty — never both
// non-empty, because enqueue immediately hands off to the oldest waiter.
type Pool struct {
	mu       sync.Mutex
	tasks    []wire.Task
	waiters  []chan wire.Task
	shutdown atomic.Bool
}

// New creates an empty task pool.
func New() *Pool {
	return &Pool{}
}

// GetNextTask returns the next available task, suspending the caller
// until one is enqueued, the pool is shut down, or ctx is canceled. A
// shutdown delivers the invalid-task sentinel (TaskID == 0); ok reports
// whether the returned task should be treated as real work.
func (p *Pool) GetNextTask(ctx context.Context) (wire.Task, bool) {
	p.mu.Lock()
	if len(p.tasks) > 0 {
		t := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		return t, true
	}
	if p.shutdown.Load() {
		p.mu.Unlock()
		return wire.Task{}, false
	}
	ch := make(chan wire.Task, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case t := <-ch:
		return t, t.IsValid()
	case <-ctx.Done():
		p.removeWaiter(ch)
		return wire.Task{}, false
	}
}

func (p *Pool) removeWaiter(ch chan wire.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// AddTask enqueues t. If a consumer is already waiting, the task is
// handed directly to the oldest waiter instead of being placed on the
// deque, preserving the mutual-exclusion invariant.
func (p *Pool) AddTask(t wire.Task) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- t
		return
	}
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
}

// AddTasks enqueues each task in order, releasing the lock around each
// individual resume so a slow waiter never holds up the remaining
// enqueues.
func (p *Pool) AddTasks(tasks []wire.Task) {
	for _, t := range tasks {
		p.AddTask(t)
	}
}

// Shutdown flips the pool's shutdown flag (idempotent) and resumes every
// currently-waiting consumer with the invalid-task sentinel.
func (p *Pool) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- wire.Task{}
	}
}

// IsShutdown reports whether Shutdown has been called.
func (p *Pool) IsShutdown() bool { return p.shutdown.Load() }

// Size returns the number of tasks currently queued (not counting
// waiters).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Empty reports whether the task deque is empty.
func (p *Pool) Empty() bool { return p.Size() == 0 }

// WaitingCount returns the number of consumers currently suspended in
// GetNextTask.
func (p *Pool) WaitingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
