package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-task-mesh/task-mesh/internal/pool"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// Manager owns one shared task pool and the live session set. It assigns
// monotonically increasing session IDs, creates and starts sessions on
// accept, and reaps terminal sessions during maintenance.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	nextID   atomic.Uint32

	pool     *pool.Pool
	logger   *slog.Logger
	observer OutcomeObserver
}

// NewManager creates a manager around an existing pool. observer may be
// nil.
func NewManager(taskPool *pool.Pool, logger *slog.Logger, observer OutcomeObserver) *Manager {
	return &Manager{
		sessions: make(map[uint32]*Session),
		pool:     taskPool,
		logger:   logger,
		observer: observer,
	}
}

// Pool returns the manager's shared task pool.
func (m *Manager) Pool() *pool.Pool { return m.pool }

// CreateSession assigns a new session ID, constructs and starts a
// session bound to conn, and returns it running in its own goroutine.
func (m *Manager) CreateSession(ctx context.Context, conn Conn) *Session {
	id := m.nextID.Add(1)
	s := New(conn, id, m.logger, m.pool, m.observer)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.Run(ctx)
	m.logger.Info("session created", slog.Uint64("session_id", uint64(id)), slog.String("remote", conn.RemoteEndpoint()))
	return s
}

// ActiveSessionCount returns the number of sessions currently tracked,
// regardless of their individual state (a caller wanting only active
// ones should filter with IsActive).
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HasActiveSession reports whether id names a session that is running its
// task loop and has not been asked to terminate.
func (m *Manager) HasActiveSession(id uint32) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	return ok && s.IsActive()
}

// GetSessionInfo returns the session for id, or nil if not found.
func (m *Manager) GetSessionInfo(id uint32) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetSessionStats returns a stats snapshot for id, and whether it was
// found.
func (m *Manager) GetSessionStats(id uint32) (Stats, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return s.StatsSnapshot(), true
}

// TerminateSession asks a specific session to stop.
func (m *Manager) TerminateSession(id uint32) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.RequestTermination()
	return true
}

// TerminateAllSessions asks every tracked session to stop.
func (m *Manager) TerminateAllSessions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.RequestTermination()
	}
}

// CleanupCompletedSessions removes terminal sessions from the tracked
// set, logging their final stats, and returns the number reaped.
func (m *Manager) CleanupCompletedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, s := range m.sessions {
		if s.IsCompleted() {
			st := s.StatsSnapshot()
			m.logger.Info("reaping completed session",
				slog.Uint64("session_id", uint64(id)),
				slog.String("state", s.State().String()),
				slog.Uint64("completed", st.TasksCompleted),
				slog.Uint64("failed", st.TasksFailed))
			delete(m.sessions, id)
			reaped++
		}
	}
	return reaped
}

// EnqueueTasks delegates to the shared pool and logs the resulting pool
// size.
func (m *Manager) EnqueueTasks(tasks []wire.Task) {
	m.pool.AddTasks(tasks)
	m.logger.Info("enqueued tasks", slog.Int("count", len(tasks)), slog.Int("pool_size", m.pool.Size()))
}

// GetTaskPoolStats returns the current pool size and waiting-consumer
// count.
func (m *Manager) GetTaskPoolStats() (size, waiting int) {
	return m.pool.Size(), m.pool.WaitingCount()
}

// PrintComprehensiveStatistics logs a full summary of the manager's
// sessions and pool state, mirroring the original's end-of-run report.
func (m *Manager) PrintComprehensiveStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, waiting := m.pool.Size(), m.pool.WaitingCount()
	m.logger.Info("comprehensive statistics",
		slog.Int("active_sessions", len(m.sessions)),
		slog.Int("pool_size", size),
		slog.Int("pool_waiting", waiting))

	for id, s := range m.sessions {
		st := s.StatsSnapshot()
		m.logger.Info("session summary",
			slog.Uint64("session_id", uint64(id)),
			slog.String("state", s.State().String()),
			slog.Uint64("sent", st.TasksSent),
			slog.Uint64("completed", st.TasksCompleted),
			slog.Uint64("failed", st.TasksFailed),
			slog.Float64("success_rate", st.SuccessRate()))
	}
}
