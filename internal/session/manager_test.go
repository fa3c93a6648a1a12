package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/pool"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

func TestManagerCreateSessionAssignsMonotonicIDs(t *testing.T) {
	p := pool.New()
	m := NewManager(p, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1 := m.CreateSession(ctx, newFakeConn())
	s2 := m.CreateSession(ctx, newFakeConn())

	assert.NotEqual(t, s1.SessionID(), s2.SessionID())
	assert.Equal(t, 2, m.ActiveSessionCount())

	m.TerminateAllSessions()
}

func TestManagerPoolShutdownReleasesAllSessions(t *testing.T) {
	// Scenario C: several live sessions blocked waiting for tasks; a pool
	// shutdown must unblock every one of them without a connection error.
	p := pool.New()
	m := NewManager(p, discardLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 5
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn()
		m.CreateSession(ctx, conns[i])
	}

	requireWithinTimeout(t, func() bool { return p.WaitingCount() == n })

	p.Shutdown()

	requireWithinTimeout(t, func() bool {
		for i := 0; i < n; i++ {
			if !m.GetSessionInfo(uint32(i + 1)).IsCompleted() {
				return false
			}
		}
		return true
	})

	for i := 0; i < n; i++ {
		st, ok := m.GetSessionStats(uint32(i + 1))
		require.True(t, ok)
		assert.Equal(t, uint64(0), st.TasksSent)
	}
}

func TestManagerCleanupCompletedSessionsReaps(t *testing.T) {
	p := pool.New()
	p.Shutdown()
	m := NewManager(p, discardLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m.CreateSession(ctx, newFakeConn())
	m.CreateSession(ctx, newFakeConn())

	requireWithinTimeout(t, func() bool { return m.ActiveSessionCount() == 2 })
	requireWithinTimeout(t, func() bool {
		return m.GetSessionInfo(1).IsCompleted() && m.GetSessionInfo(2).IsCompleted()
	})

	reaped := m.CleanupCompletedSessions()
	assert.Equal(t, 2, reaped)
	assert.Equal(t, 0, m.ActiveSessionCount())
}

func TestManagerEnqueueTasksAndPoolStats(t *testing.T) {
	p := pool.New()
	m := NewManager(p, discardLogger(), nil)

	m.EnqueueTasks([]wire.Task{
		{TaskID: 1, SkillID: 1},
		{TaskID: 2, SkillID: 1},
	})

	size, waiting := m.GetTaskPoolStats()
	assert.Equal(t, 2, size)
	assert.Equal(t, 0, waiting)
}

func TestManagerTerminateSessionUnknownID(t *testing.T) {
	p := pool.New()
	m := NewManager(p, discardLogger(), nil)
	assert.False(t, m.TerminateSession(999))
}
