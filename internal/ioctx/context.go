// Package ioctx reimplements the coroutine I/O event loop as a goroutine
// pool driven by a single pending-operation queue, per the design note
// that the cooperative coroutine model is a performance/code-shape choice
// rather than an observable contract: a pool of goroutines polling
// readiness predicates and resuming a parked goroutine on completion
// reproduces the same behavior without literal coroutines.
package ioctx

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PendingOpCategory classifies a pending op for per-category metrics.
type PendingOpCategory int

const (
	CategoryGeneric PendingOpCategory = iota
	CategoryRead
	CategoryReadHeader
	CategoryWrite
	CategoryTimer
	categoryCount
)

const maxTrackedAttempts = 1024

// pendingOp is a readiness predicate plus the continuation (resume) to
// invoke once it completes. attempts counts failed readiness checks
// before success, saturating at uint16 max.
type pendingOp struct {
	tryComplete func() bool
	resume      func()
	attempts    uint16
	category    PendingOpCategory
}

// Context is the goroutine-pool analogue of the coroutine event loop: N
// worker goroutines share one pending-op slice guarded by one mutex and
// one condition variable.
type Context struct {
	mu           sync.Mutex
	cond         *sync.Cond
	pending      []*pendingOp
	running      atomic.Bool
	wg           sync.WaitGroup
	logger       *slog.Logger
	pollInterval time.Duration

	outstandingWork atomic.Int64

	statsMu                 sync.Mutex
	totalOpsProcessed       uint64
	perThreadOpsProcessed   []uint64
	histograms              [categoryCount][]uint64
	minFailuresBeforeOK     uint64
	maxFailuresBeforeOK     uint64
	sumFailuresBeforeOK     uint64
	completedOpsForAverage  uint64
}

// NewContext creates an I/O context. logger may be nil.
func NewContext(logger *slog.Logger) *Context {
	c := &Context{logger: logger, pollInterval: 10 * time.Millisecond}
	c.cond = sync.NewCond(&c.mu)
	c.minFailuresBeforeOK = math.MaxUint64
	for i := range c.histograms {
		c.histograms[i] = make([]uint64, maxTrackedAttempts)
	}
	return c
}

// SetPollInterval overrides the default 10ms poll fallback. Must be
// called before Start.
func (c *Context) SetPollInterval(d time.Duration) { c.pollInterval = d }

// Start launches n worker goroutines (minimum 1).
func (c *Context) Start(n int) {
	if n < 1 {
		n = 1
	}
	c.running.Store(true)
	c.statsMu.Lock()
	c.perThreadOpsProcessed = make([]uint64, n)
	c.statsMu.Unlock()
	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go c.run(i)
	}
}

// IsRunning reports whether the context is accepting and processing work.
func (c *Context) IsRunning() bool { return c.running.Load() }

// Stop requests shutdown and waits for all worker goroutines to exit.
// Each worker finishes processing its currently-stolen batch before
// exiting; while a WorkGuard is active, workers keep polling until no
// pending op is left.
func (c *Context) Stop() {
	c.running.Store(false)
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

// RegisterPending registers op under category; resume is invoked once
// tryComplete first returns true (possibly from within this call, on the
// fast path a caller may choose to check before registering).
func (c *Context) RegisterPending(category PendingOpCategory, tryComplete func() bool, resume func()) {
	c.mu.Lock()
	c.pending = append(c.pending, &pendingOp{tryComplete: tryComplete, resume: resume, category: category})
	c.cond.Signal()
	c.mu.Unlock()
}

func (c *Context) run(threadIndex int) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && c.running.Load() {
			c.waitWithTimeout()
		}
		if len(c.pending) == 0 && !c.running.Load() {
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		var requeue []*pendingOp
		processed := 0
		for _, op := range batch {
			if op.tryComplete() {
				op.resume()
				c.recordCompletion(threadIndex, op)
				processed++
				continue
			}
			if op.attempts < math.MaxUint16 {
				op.attempts++
			}
			requeue = append(requeue, op)
		}
		if processed > 0 {
			c.statsMu.Lock()
			c.totalOpsProcessed += uint64(processed)
			c.perThreadOpsProcessed[threadIndex] += uint64(processed)
			c.statsMu.Unlock()
		}

		if len(requeue) > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, requeue...)
			c.mu.Unlock()
		}

		if !c.running.Load() && (len(requeue) == 0 || c.outstandingWork.Load() == 0) {
			return
		}
	}
}

// waitWithTimeout blocks on the condition variable up to pollInterval, to
// periodically re-check the running flag even without a notify. Must be
// called with c.mu held.
func (c *Context) waitWithTimeout() {
	done := make(chan struct{})
	timer := time.AfterFunc(c.pollInterval, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	go func() { <-done }()
	c.cond.Wait()
	close(done)
}

func (c *Context) recordCompletion(threadIndex int, op *pendingOp) {
	_ = threadIndex
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	bucket := int(op.attempts)
	if bucket >= maxTrackedAttempts {
		bucket = maxTrackedAttempts - 1
	}
	c.histograms[op.category][bucket]++

	attempts := uint64(op.attempts)
	if attempts < c.minFailuresBeforeOK {
		c.minFailuresBeforeOK = attempts
	}
	if attempts > c.maxFailuresBeforeOK {
		c.maxFailuresBeforeOK = attempts
	}
	c.sumFailuresBeforeOK += attempts
	c.completedOpsForAverage++
}

// WorkGuard keeps outstanding work above zero while active, the RAII
// analogue of the original's work-guard object. Call Release exactly
// once.
type WorkGuard struct {
	ctx    *Context
	active bool
}

// MakeWorkGuard increments the context's outstanding-work counter and
// returns a guard that decrements it on Release.
func (c *Context) MakeWorkGuard() *WorkGuard {
	c.outstandingWork.Add(1)
	return &WorkGuard{ctx: c, active: true}
}

// Release decrements the outstanding-work counter. Idempotent.
func (g *WorkGuard) Release() {
	if !g.active {
		return
	}
	g.active = false
	g.ctx.outstandingWork.Add(-1)
}

// Active reports whether this guard still contributes to outstanding
// work.
func (g *WorkGuard) Active() bool { return g.active }

// TotalOperationsProcessed returns the number of pending ops resumed
// across all worker goroutines since the context was created.
func (c *Context) TotalOperationsProcessed() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.totalOpsProcessed
}

// ThreadCount returns the number of worker goroutines started by Start.
func (c *Context) ThreadCount() int {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return len(c.perThreadOpsProcessed)
}

// OperationsProcessedByThread returns the count processed by a specific
// worker goroutine index.
func (c *Context) OperationsProcessedByThread(i int) uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if i < 0 || i >= len(c.perThreadOpsProcessed) {
		return 0
	}
	return c.perThreadOpsProcessed[i]
}

// FailureAttemptStats aggregates failed-attempts-before-success across
// all categories.
type FailureAttemptStats struct {
	Min     uint64
	Max     uint64
	Average float64
	Samples uint64
}

// FailureAttemptStats returns the aggregate failure-attempt statistics.
func (c *Context) FailureAttemptStats() FailureAttemptStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.completedOpsForAverage == 0 {
		return FailureAttemptStats{}
	}
	return FailureAttemptStats{
		Min:     c.minFailuresBeforeOK,
		Max:     c.maxFailuresBeforeOK,
		Average: float64(c.sumFailuresBeforeOK) / float64(c.completedOpsForAverage),
		Samples: c.completedOpsForAverage,
	}
}

// CompletionAttemptHistogram returns the aggregated histogram across all
// categories.
func (c *Context) CompletionAttemptHistogram() []uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make([]uint64, maxTrackedAttempts)
	for _, h := range c.histograms {
		for i, v := range h {
			out[i] += v
		}
	}
	return out
}
