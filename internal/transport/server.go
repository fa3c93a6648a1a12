// Package transport runs the manager-side TCP listener: it accepts worker
// connections, hands each one to the session manager, and performs
// periodic maintenance (reaping completed sessions, pruning dead
// connections) without needing a dedicated wakeup path on shutdown.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/pool"
	"github.com/go-task-mesh/task-mesh/internal/session"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

const (
	defaultAcceptTimeout       = 500 * time.Millisecond
	defaultMaintenanceInterval = 2 * time.Second
	defaultBacklog             = 128
)

// Server owns the listening socket, the io context driving all session
// connections, and the session manager. One accept goroutine loops on a
// timed blocking accept; maintenance runs opportunistically from that
// same goroutine so shutdown never needs a separate wakeup signal.
type Server struct {
	logger *slog.Logger

	ioCtx   *ioctx.Context
	manager *session.Manager

	listener *net.TCPListener
	running  atomic.Bool

	acceptTimeout       time.Duration
	maintenanceInterval time.Duration
	lastMaintenance     time.Time

	mu          sync.Mutex
	connections []*ioctx.Conn

	acceptDone chan struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithAcceptTimeout(d time.Duration) Option       { return func(s *Server) { s.acceptTimeout = d } }
func WithMaintenanceInterval(d time.Duration) Option { return func(s *Server) { s.maintenanceInterval = d } }

// NewServer constructs a Server around an io context and a task pool. The
// io context must already exist so callers can share it across multiple
// servers or inspect its stats independently of transport lifecycle.
func NewServer(logger *slog.Logger, ioCtx *ioctx.Context, taskPool *pool.Pool, observer session.OutcomeObserver, opts ...Option) *Server {
	s := &Server{
		logger:              logger,
		ioCtx:               ioCtx,
		manager:             session.NewManager(taskPool, logger, observer),
		acceptTimeout:       defaultAcceptTimeout,
		maintenanceInterval: defaultMaintenanceInterval,
		acceptDone:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manager returns the underlying session manager.
func (s *Server) Manager() *session.Manager { return s.manager }

// Addr returns the bound listener address, including the OS-assigned
// port when Start was called with port 0. Empty before Start succeeds.
func (s *Server) Addr() *net.TCPAddr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr().(*net.TCPAddr)
}

// Start binds host:port and launches the accept loop. It returns once the
// listener is ready; the accept loop continues in the background until
// Stop is called.
func (s *Server) Start(host string, port int) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("transport: listen %s:%d: %w", host, port, err)
	}
	s.listener = ln
	s.lastMaintenance = time.Now()
	s.acceptDone = make(chan struct{})

	go s.acceptLoop()

	s.logger.Info("transport: listening",
		slog.String("host", host), slog.Int("port", port))
	return nil
}

// acceptLoop uses a timed blocking accept so idle CPU usage stays near
// zero while shutdown latency stays bounded by acceptTimeout.
func (s *Server) acceptLoop() {
	defer close(s.acceptDone)

	for s.running.Load() {
		conn, err := ioctx.BlockingAccept(s.listener, s.acceptTimeout)
		if err != nil {
			if s.running.Load() {
				s.logger.Error("transport: accept error", slog.String("error", err.Error()))
				time.Sleep(50 * time.Millisecond)
			}
			continue
		}
		if conn == nil {
			// Timeout or listener closed; re-check running_ and loop.
			continue
		}
		if !s.running.Load() {
			_ = conn.Close()
			break
		}

		wrapped := ioctx.NewConn(conn, s.ioCtx)
		s.mu.Lock()
		s.connections = append(s.connections, wrapped)
		s.mu.Unlock()

		s.manager.CreateSession(context.Background(), wrapped)
		s.maybeRunMaintenance()
	}
}

// EnqueueTasks adds tasks to the shared pool and opportunistically runs
// maintenance, matching the original's pattern of piggybacking cleanup on
// whatever call happens to be convenient rather than a dedicated timer
// goroutine.
func (s *Server) EnqueueTasks(tasks []wire.Task) {
	s.manager.EnqueueTasks(tasks)
	s.maybeRunMaintenance()
}

// GetTaskPoolStats returns the current pool size and waiting-consumer
// count.
func (s *Server) GetTaskPoolStats() (size, waiting int) {
	return s.manager.GetTaskPoolStats()
}

func (s *Server) maybeRunMaintenance() {
	now := time.Now()
	s.mu.Lock()
	due := now.Sub(s.lastMaintenance) >= s.maintenanceInterval
	if due {
		s.lastMaintenance = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	reaped := s.manager.CleanupCompletedSessions()
	cleaned := s.cleanupClosedConnections()

	size, waiting := s.manager.GetTaskPoolStats()
	telemetry.PoolSize.Set(float64(size))
	telemetry.PoolWaiters.Set(float64(waiting))

	if reaped > 0 || cleaned > 0 {
		s.logger.Debug("transport: maintenance pass",
			slog.Int("sessions_reaped", reaped), slog.Int("connections_cleaned", cleaned))
	}
}

func (s *Server) cleanupClosedConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.connections[:0]
	cleaned := 0
	for _, c := range s.connections {
		if c.IsOpen() {
			kept = append(kept, c)
		} else {
			cleaned++
		}
	}
	s.connections = kept
	return cleaned
}

// Stop joins the accept goroutine, closes the listener, terminates every
// session, and runs a final maintenance sweep. It blocks until the accept
// loop has observed the running flag going false, bounding shutdown
// latency by the configured accept timeout.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	<-s.acceptDone

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.manager.TerminateAllSessions()
	s.manager.CleanupCompletedSessions()
	s.cleanupClosedConnections()

	s.logger.Info("transport: stopped")
}

// PrintStatistics logs the io context's operation counters alongside the
// session manager's comprehensive summary.
func (s *Server) PrintStatistics() {
	s.logger.Info("io stats",
		slog.Uint64("total_ops_processed", s.ioCtx.TotalOperationsProcessed()))
	for i := 0; i < s.ioCtx.ThreadCount(); i++ {
		s.logger.Debug("io stats per thread", slog.Int("thread", i), slog.Uint64("ops", s.ioCtx.OperationsProcessedByThread(i)))
	}
	s.manager.PrintComprehensiveStatistics()
}
