// Package workerrt implements the worker-side connection and task loop: dial
// the manager, read one task frame at a time, dispatch it through the skill
// registry, and write the response frame back, reconnecting with backoff on
// any I/O error. It reuses the same ioctx scheduler the manager side drives
// its sessions with, so a worker's blocking-shaped Read/Write calls cost a
// goroutine park rather than a dedicated OS thread.
package workerrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/retry"
	"github.com/go-task-mesh/task-mesh/internal/skill"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// ErrNotConnected is returned by RunLoop when called before a successful
// Connect.
var ErrNotConnected = errors.New("workerrt: not connected")

// Conn is the subset of ioctx.Conn the worker runtime needs; kept as an
// interface so tests can substitute a fake connection instead of driving a
// real socket through the ioctx scheduler.
type Conn interface {
	Write(ctx context.Context, buf []byte) error
	ReadHeader(ctx context.Context) (wire.Header, error)
	ReadExactly(ctx context.Context, n int) ([]byte, error)
	RemoteEndpoint() string
	LocalEndpoint() string
	IsOpen() bool
	Shutdown()
	Close() error
}

var _ Conn = (*ioctx.Conn)(nil)

// Runtime owns a worker's connection to one manager and drives the
// request/response task loop over it. A Runtime serves one connection at a
// time; after Disconnect or a loop error, Connect may be called again to
// reconnect.
type Runtime struct {
	host     string
	port     int
	ioCtx    *ioctx.Context
	registry *skill.Registry
	logger   *slog.Logger

	mu   sync.Mutex
	conn Conn

	tasksCompleted atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64

	pauseRequested atomic.Bool
}

// NewRuntime constructs a Runtime bound to a manager host:port. ioCtx must
// already be started; registry resolves skill_id to its handler.
func NewRuntime(host string, port int, ioCtx *ioctx.Context, registry *skill.Registry, logger *slog.Logger) *Runtime {
	return &Runtime{host: host, port: port, ioCtx: ioCtx, registry: registry, logger: logger}
}

// Connect dials the manager, replacing any existing connection. Safe to
// call again after Disconnect to reconnect.
func (r *Runtime) Connect(ctx context.Context) error {
	conn, err := ioctx.Connect(ctx, r.host, r.port, r.ioCtx)
	if err != nil {
		return fmt.Errorf("workerrt: connect %s:%d: %w", r.host, r.port, err)
	}

	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	r.logger.Info("workerrt: connected", slog.String("endpoint", conn.RemoteEndpoint()))
	return nil
}

// Disconnect closes the current connection. A subsequent Connect dials a
// fresh one; the closed Conn value itself is never reused.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Shutdown half-closes then closes the connection, unblocking any pending
// read/write from another goroutine. Safe to call concurrently with
// RunLoop, e.g. from a signal handler driving graceful shutdown.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
		_ = conn.Close()
	}
}

// Release drops the current connection reference entirely.
func (r *Runtime) Release() {
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
}

// IsConnected reports whether the current connection is open.
func (r *Runtime) IsConnected() bool {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	return conn != nil && conn.IsOpen()
}

// LocalEndpoint returns the local address of the current connection, or ""
// if not connected.
func (r *Runtime) LocalEndpoint() string {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.LocalEndpoint()
}

// Pause requests that RunLoop return after its current task, instead of
// blocking on the next read.
func (r *Runtime) Pause() { r.pauseRequested.Store(true) }

// TaskCount returns the number of tasks completed across the lifetime of
// this Runtime.
func (r *Runtime) TaskCount() uint64 { return r.tasksCompleted.Load() }

// BytesSent returns the total response bytes written across the lifetime
// of this Runtime.
func (r *Runtime) BytesSent() uint64 { return r.bytesSent.Load() }

// BytesReceived returns the total task bytes read across the lifetime of
// this Runtime.
func (r *Runtime) BytesReceived() uint64 { return r.bytesReceived.Load() }

// RunLoop reads and answers frames until ctx is cancelled, the connection
// fails, or Pause is called. It returns nil only on a pause request; any
// other return is an error worth reconnecting over.
func (r *Runtime) RunLoop(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		if r.pauseRequested.Load() {
			r.logger.Info("workerrt: pause requested")
			r.pauseRequested.Store(false)
			return nil
		}

		header, err := conn.ReadHeader(ctx)
		if err != nil {
			return fmt.Errorf("workerrt: read header: %w", err)
		}
		r.bytesReceived.Add(wire.HeaderSize)

		var payload []byte
		if header.BodySize > 0 {
			payload, err = conn.ReadExactly(ctx, int(header.BodySize))
			if err != nil {
				return fmt.Errorf("workerrt: read body: %w", err)
			}
			r.bytesReceived.Add(uint64(len(payload)))
		}

		respPayload, respSkillID, dispatchErr := r.dispatch(ctx, header, payload)
		if dispatchErr != nil {
			r.logger.Error("workerrt: dispatch failed",
				slog.Uint64("task_id", uint64(header.TaskID)),
				slog.Uint64("skill_id", uint64(header.SkillID)),
				slog.String("error", dispatchErr.Error()))
		}

		if err := r.writeResponse(ctx, conn, header.TaskID, respSkillID, respPayload); err != nil {
			return err
		}

		completed := r.tasksCompleted.Add(1)
		if completed%10 == 0 {
			r.logger.Info("workerrt: completed tasks", slog.Uint64("count", completed))
		}
	}
}

// dispatch invokes the registry and maps a handler failure onto a
// skill_id-0 response, which the session's correlation check on the
// manager side treats as a mismatch and requeues. There is no dedicated
// failure bit on the wire; skill_id mismatch is the only signal available.
func (r *Runtime) dispatch(ctx context.Context, header wire.Header, payload []byte) ([]byte, uint32, error) {
	resp, err := r.registry.Dispatch(ctx, header.SkillID, header.TaskID, payload)
	if err != nil {
		return nil, 0, err
	}
	return resp, header.SkillID, nil
}

func (r *Runtime) writeResponse(ctx context.Context, conn Conn, taskID, skillID uint32, payload []byte) error {
	respHeader := wire.Header{TaskID: taskID, BodySize: uint32(len(payload)), SkillID: skillID}
	hdrBytes, err := wire.EncodeHeader(respHeader)
	if err != nil {
		return fmt.Errorf("workerrt: encode response header: %w", err)
	}
	if err := conn.Write(ctx, hdrBytes); err != nil {
		return fmt.Errorf("workerrt: write response header: %w", err)
	}
	if len(payload) > 0 {
		if err := conn.Write(ctx, payload); err != nil {
			return fmt.Errorf("workerrt: write response body: %w", err)
		}
	}
	r.bytesSent.Add(uint64(wire.HeaderSize + len(payload)))
	return nil
}

// RunWithReconnect connects, runs the task loop, and on disconnection
// reconnects with cfg's backoff schedule, until ctx is cancelled or Pause
// causes RunLoop to return cleanly.
func (r *Runtime) RunWithReconnect(ctx context.Context, cfg retry.Config) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := retry.Do(ctx, cfg, func() error { return r.Connect(ctx) }); err != nil {
			return fmt.Errorf("workerrt: giving up connecting to %s:%d: %w", r.host, r.port, err)
		}

		err := r.RunLoop(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("workerrt: task loop ended, reconnecting", slog.String("error", err.Error()))
		r.Disconnect()
	}
}
