// Package session implements the manager-side per-connection state
// machine: one goroutine per connection pulls a task from the shared
// pool, performs a strict request/response exchange with a worker, and
// classifies the outcome as success, soft retry, disconnect, or fatal.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/pool"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// State is the session's lifecycle state. Transitions are monotonic
// toward a terminal state (Terminated or Error); there is no backward
// transition.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateCompleting
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateCompleting:
		return "COMPLETING"
	case StateTerminated:
		return "TERMINATED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// OutcomeObserver is notified when a task's round-trip finishes, whether
// successfully or not. Implementations back the session/task state
// projection and audit trail; nil is a valid no-op observer.
type OutcomeObserver interface {
	ObserveOutcome(ctx context.Context, sessionID uint32, task wire.Task, succeeded bool, roundtrip time.Duration, err error)
}

// MultiObserver fans one outcome out to several observers in order,
// letting the manager wire in both a status projection and an audit
// trail without either depending on the other.
type MultiObserver []OutcomeObserver

func (m MultiObserver) ObserveOutcome(ctx context.Context, sessionID uint32, task wire.Task, succeeded bool, roundtrip time.Duration, err error) {
	for _, o := range m {
		if o != nil {
			o.ObserveOutcome(ctx, sessionID, task, succeeded, roundtrip, err)
		}
	}
}

var tracer = otel.Tracer("github.com/go-task-mesh/task-mesh/internal/session")

// Session owns a single connection and is the sole mutator of its
// session-local state on the hot path; the only cross-goroutine reads are
// the stats snapshot exposed below.
type Session struct {
	conn      Conn
	sessionID uint32
	logger    *slog.Logger
	taskPool  *pool.Pool
	observer  OutcomeObserver

	state                atomic.Int32
	terminationRequested atomic.Bool

	stats Stats
}

// Conn is the subset of ioctx.Conn the session needs; kept as an
// interface so tests can substitute a fake connection.
type Conn interface {
	Write(ctx context.Context, buf []byte) error
	ReadHeader(ctx context.Context) (wire.Header, error)
	ReadExactly(ctx context.Context, n int) ([]byte, error)
	RemoteEndpoint() string
	Shutdown()
	Close() error
}

var _ Conn = (*ioctx.Conn)(nil)

// New creates a session bound to conn. observer may be nil.
func New(conn Conn, sessionID uint32, logger *slog.Logger, taskPool *pool.Pool, observer OutcomeObserver) *Session {
	s := &Session{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		taskPool:  taskPool,
		observer:  observer,
	}
	s.state.Store(int32(StateInitializing))
	s.stats.StartTime = time.Now()
	return s
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// SessionID returns the session's identifier.
func (s *Session) SessionID() uint32 { return s.sessionID }

// ClientEndpoint returns the remote endpoint string, or "disconnected".
func (s *Session) ClientEndpoint() string {
	if s.conn == nil {
		return "disconnected"
	}
	return s.conn.RemoteEndpoint()
}

// IsActive reports whether the session is still accepting and processing
// tasks.
func (s *Session) IsActive() bool {
	st := s.State()
	return (st == StateActive || st == StateCompleting) && !s.terminationRequested.Load()
}

// IsCompleted reports whether the session has reached a terminal state.
func (s *Session) IsCompleted() bool {
	st := s.State()
	return st == StateTerminated || st == StateError
}

// RequestTermination asks the session to stop after its current task and
// shuts down the connection to unblock any pending I/O.
func (s *Session) RequestTermination() {
	s.terminationRequested.Store(true)
	s.state.CompareAndSwap(int32(StateActive), int32(StateCompleting))
	if s.conn != nil {
		s.conn.Shutdown()
	}
}

// StatsSnapshot returns a value copy of the session's stats. Torn reads
// across fields are tolerated; writers never hold a lock.
func (s *Session) StatsSnapshot() Stats { return s.stats }

// Run drives the session's task loop until a fatal error, termination
// request, or pool shutdown. It returns when the session has reached a
// terminal state.
func (s *Session) Run(ctx context.Context) {
	s.state.Store(int32(StateActive))
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()

	for s.IsActive() {
		if err := s.processOneTask(ctx); err != nil {
			if errors.Is(err, errPoolShutdown) {
				break
			}
			if errors.Is(err, errSessionTerminated) {
				// handleIOError already finalized; a ctx cancellation
				// while waiting for a task still needs to.
				if s.IsCompleted() {
					return
				}
				break
			}
			// handleIOError already transitioned state and finalized.
			if errors.Is(err, errSessionFatal) {
				return
			}
		}
	}

	s.state.Store(int32(StateTerminated))
	s.logger.Info("session task loop completed", slog.Uint64("session_id", uint64(s.sessionID)))
	s.finalize()
}

var (
	errPoolShutdown      = errors.New("session: pool shutdown")
	errSessionTerminated = errors.New("session: terminated")
	errSessionFatal      = errors.New("session: fatal error")
)

// processOneTask implements one iteration of the session loop from
// spec.md's ten numbered steps: acquire, send, receive, correlate,
// classify, account.
func (s *Session) processOneTask(ctx context.Context) error {
	task, ok := s.taskPool.GetNextTask(ctx)
	if !ok {
		if s.taskPool.IsShutdown() {
			s.logger.Info("no more tasks available, pool shutting down", slog.Uint64("session_id", uint64(s.sessionID)))
			return errPoolShutdown
		}
		// ctx canceled while waiting.
		return errSessionTerminated
	}

	spanCtx, span := tracer.Start(ctx, "session.task_roundtrip",
		trace.WithAttributes(
			attribute.Int64("task_id", int64(task.TaskID)),
			attribute.Int64("skill_id", int64(task.SkillID)),
		))
	defer span.End()

	s.stats.TasksSent++
	s.logger.Debug("sending task",
		slog.Uint64("session_id", uint64(s.sessionID)),
		slog.Uint64("task_id", uint64(task.TaskID)),
		slog.Int("payload_bytes", len(task.Payload)))

	rtStart := time.Now()

	header := task.Header()
	headerBytes, err := wire.EncodeHeader(header)
	if err != nil {
		return s.handleIOError(spanCtx, task, err)
	}
	if err := s.conn.Write(spanCtx, headerBytes); err != nil {
		return s.handleIOError(spanCtx, task, err)
	}
	if len(task.Payload) > 0 {
		if err := s.conn.Write(spanCtx, task.Payload); err != nil {
			return s.handleIOError(spanCtx, task, err)
		}
	}
	s.stats.BytesSent += uint64(wire.HeaderSize + len(task.Payload))

	respHeader, err := s.conn.ReadHeader(spanCtx)
	if err != nil {
		return s.handleIOError(spanCtx, task, err)
	}
	s.stats.BytesReceived += wire.HeaderSize

	if respHeader.TaskID != task.TaskID {
		s.logger.Warn("response task_id mismatch, requeuing",
			slog.Uint64("session_id", uint64(s.sessionID)),
			slog.Uint64("expected", uint64(task.TaskID)),
			slog.Uint64("got", uint64(respHeader.TaskID)))
		s.stats.TasksFailed++
		telemetry.SessionTasksTotal.WithLabelValues("correlation_mismatch").Inc()
		s.taskPool.AddTask(task)
		s.recordOutcome(ctx, task, false, time.Since(rtStart), nil)
		return nil
	}

	var respBody []byte
	if respHeader.BodySize > 0 {
		respBody, err = s.conn.ReadExactly(spanCtx, int(respHeader.BodySize))
		if err != nil {
			return s.handleIOError(spanCtx, task, err)
		}
		s.stats.BytesReceived += uint64(len(respBody))
	}

	rtSpan := time.Since(rtStart)
	s.stats.TotalTaskRoundtripTime += rtSpan
	s.stats.LastTaskRoundtripTime = rtSpan
	s.stats.TimedTasks++
	telemetry.SessionRoundtripSeconds.Observe(rtSpan.Seconds())

	if respHeader.SkillID != header.SkillID {
		s.stats.TasksFailed++
		telemetry.SessionTasksTotal.WithLabelValues("skill_mismatch").Inc()
		s.logger.Warn("response skill_id mismatch, requeuing",
			slog.Uint64("session_id", uint64(s.sessionID)),
			slog.Uint64("task_id", uint64(task.TaskID)),
			slog.Uint64("expected_skill", uint64(header.SkillID)),
			slog.Uint64("got_skill", uint64(respHeader.SkillID)))
		s.taskPool.AddTask(task)
		s.recordOutcome(ctx, task, false, rtSpan, nil)
		return nil
	}

	s.stats.TasksCompleted++
	telemetry.SessionTasksTotal.WithLabelValues("completed").Inc()
	s.logger.Debug("task completed",
		slog.Uint64("session_id", uint64(s.sessionID)),
		slog.Uint64("task_id", uint64(task.TaskID)),
		slog.Int("response_bytes", len(respBody)))
	s.recordOutcome(ctx, task, true, rtSpan, nil)
	return nil
}

func (s *Session) recordOutcome(ctx context.Context, task wire.Task, succeeded bool, rt time.Duration, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveOutcome(ctx, s.sessionID, task, succeeded, rt, err)
}

// handleIOError classifies an I/O error per the taxonomy in spec.md §4.6
// step 9: requeue the in-flight task, then either terminate cleanly on a
// disconnect-class error or transition to Error on anything else.
func (s *Session) handleIOError(ctx context.Context, task wire.Task, err error) error {
	s.stats.TasksFailed++
	telemetry.SessionTasksTotal.WithLabelValues("io_error").Inc()
	s.taskPool.AddTask(task)
	s.recordOutcome(ctx, task, false, 0, err)

	if errors.Is(err, ioctx.ErrDisconnected) || errors.Is(err, ioctx.ErrConnectionLost) {
		s.logger.Info("connection lost, requeued in-flight task",
			slog.Uint64("session_id", uint64(s.sessionID)), slog.String("error", err.Error()))
		s.state.Store(int32(StateTerminated))
		s.finalize()
		return errSessionTerminated
	}

	s.logger.Error("i/o error, requeued in-flight task",
		slog.Uint64("session_id", uint64(s.sessionID)), slog.String("error", err.Error()))
	s.state.Store(int32(StateError))
	s.finalize()
	return fmt.Errorf("%w: %v", errSessionFatal, err)
}

// finalize closes the connection and logs a stats summary line.
func (s *Session) finalize() {
	if s.conn != nil {
		s.conn.Shutdown()
		_ = s.conn.Close()
	}
	st := s.stats
	s.logger.Info("session finalized",
		slog.Uint64("session_id", uint64(s.sessionID)),
		slog.Uint64("sent", st.TasksSent),
		slog.Uint64("completed", st.TasksCompleted),
		slog.Uint64("failed", st.TasksFailed),
		slog.Float64("success_rate", st.SuccessRate()),
		slog.Uint64("timed_tasks", st.TimedTasks),
		slog.Float64("avg_roundtrip_ms", st.AvgRoundtripMS()),
		slog.Uint64("bytes_sent", st.BytesSent),
		slog.Uint64("bytes_received", st.BytesReceived))
}
