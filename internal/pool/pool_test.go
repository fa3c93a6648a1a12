package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

func TestAddThenGetPreservesFIFO(t *testing.T) {
	p := New()
	p.AddTask(wire.Task{TaskID: 1, SkillID: 1})
	p.AddTask(wire.Task{TaskID: 2, SkillID: 1})
	p.AddTask(wire.Task{TaskID: 3, SkillID: 1})

	ctx := context.Background()
	for _, want := range []uint32{1, 2, 3} {
		got, ok := p.GetNextTask(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got.TaskID)
	}
	assert.True(t, p.Empty())
}

func TestNoLostWakeup(t *testing.T) {
	p := New()
	ctx := context.Background()
	results := make(chan wire.Task, 1)
	go func() {
		got, ok := p.GetNextTask(ctx)
		if ok {
			results <- got
		}
	}()

	// Give the consumer a moment to register as a waiter.
	waitUntil(t, func() bool { return p.WaitingCount() == 1 })

	p.AddTask(wire.Task{TaskID: 42, SkillID: 1})

	select {
	case got := <-results:
		assert.Equal(t, uint32(42), got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("consumer never resumed")
	}
	assert.True(t, p.Empty())
	assert.Equal(t, 0, p.WaitingCount())
}

func TestShutdownReleasesAllWaiters(t *testing.T) {
	p := New()
	ctx := context.Background()
	const n = 4
	var wg sync.WaitGroup
	invalid := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			task, ok := p.GetNextTask(ctx)
			invalid[idx] = !ok && task.TaskID == 0
		}(i)
	}

	waitUntil(t, func() bool { return p.WaitingCount() == n })
	p.Shutdown()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("not all waiters resumed within 100ms")
	}
	for i, v := range invalid {
		assert.True(t, v, "waiter %d did not observe invalid task", i)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := New()
	p.Shutdown()
	p.Shutdown()
	assert.True(t, p.IsShutdown())
}

func TestMutualExclusionInvariant(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.GetNextTask(ctx) }()
	waitUntil(t, func() bool { return p.WaitingCount() == 1 })

	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 1, p.WaitingCount())
}

func TestConcurrentEnqueueAndConsume(t *testing.T) {
	p := New()
	const total = 2000
	var wg sync.WaitGroup
	seen := make([]bool, total+1)
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for {
				task, ok := p.GetNextTask(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[task.TaskID] = true
				mu.Unlock()
			}
		}()
	}

	for i := 1; i <= total; i++ {
		p.AddTask(wire.Task{TaskID: uint32(i), SkillID: 1})
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for i := 1; i <= total; i++ {
			if !seen[i] {
				return false
			}
		}
		return true
	})

	p.Shutdown()
	wg.Wait()

	for i := 1; i <= total; i++ {
		assert.True(t, seen[i], "task %d never delivered", i)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
