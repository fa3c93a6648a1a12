package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/pool"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// fakeConn drives a session from a scripted sequence of response frames
// and records every frame the session writes.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	responses []fakeResponse
	idx       int
	closed    bool
}

type fakeResponse struct {
	header wire.Header
	body   []byte
}

func newFakeConn(responses ...fakeResponse) *fakeConn {
	return &fakeConn{responses: responses}
}

func (f *fakeConn) Write(_ context.Context, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) ReadHeader(_ context.Context) (wire.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.responses) {
		// ioctx.Conn reports a closed peer as ErrDisconnected.
		return wire.Header{}, ioctx.ErrDisconnected
	}
	h := f.responses[f.idx].header
	if h.BodySize == 0 {
		// No body read follows a header-only response, so consume it here.
		f.idx++
	}
	return h, nil
}

func (f *fakeConn) ReadExactly(_ context.Context, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.responses[f.idx].body
	f.idx++
	if len(body) != n {
		return nil, errors.New("fakeConn: body length mismatch")
	}
	return body, nil
}

func (f *fakeConn) RemoteEndpoint() string { return "127.0.0.1:9999" }
func (f *fakeConn) Shutdown()              {}
func (f *fakeConn) Close() error           { f.closed = true; return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionHappyPath(t *testing.T) {
	// Scenario A: single task, happy path, string-reverse style skill.
	conn := newFakeConn(fakeResponse{
		header: wire.Header{TaskID: 7, BodySize: 5, SkillID: 1},
		body:   []byte("olleh"),
	})
	p := pool.New()
	p.AddTask(wire.Task{TaskID: 7, SkillID: 1, Payload: []byte("hello")})

	s := New(conn, 1, discardLogger(), p, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	p.Shutdown()
	<-done

	st := s.StatsSnapshot()
	assert.Equal(t, uint64(1), st.TasksSent)
	assert.Equal(t, uint64(1), st.TasksCompleted)
	assert.Equal(t, uint64(0), st.TasksFailed)
}

func TestSessionCorrelationMismatchRequeues(t *testing.T) {
	// Scenario B: worker responds with the wrong task_id.
	conn := newFakeConn(fakeResponse{
		header: wire.Header{TaskID: 999, BodySize: 0, SkillID: 1},
	})
	p := pool.New()
	original := wire.Task{TaskID: 42, SkillID: 1, Payload: []byte("x")}
	p.AddTask(original)

	s := New(conn, 1, discardLogger(), p, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	requireWithinTimeout(t, func() bool { return p.Size() == 1 })
	p.Shutdown()
	<-done

	st := s.StatsSnapshot()
	assert.GreaterOrEqual(t, st.TasksSent, uint64(1))
	assert.GreaterOrEqual(t, st.TasksFailed, uint64(1))
	assert.Equal(t, uint64(0), st.TasksCompleted)

	requeued, ok := p.GetNextTask(context.Background())
	require.True(t, ok)
	assert.Equal(t, original.TaskID, requeued.TaskID)
	assert.Equal(t, original.SkillID, requeued.SkillID)
	assert.Equal(t, original.Payload, requeued.Payload)
}

func TestSessionSkillMismatchRequeues(t *testing.T) {
	conn := newFakeConn(fakeResponse{
		header: wire.Header{TaskID: 5, BodySize: 0, SkillID: 2},
	})
	p := pool.New()
	p.AddTask(wire.Task{TaskID: 5, SkillID: 1})

	s := New(conn, 1, discardLogger(), p, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	requireWithinTimeout(t, func() bool { return p.Size() == 1 })
	p.Shutdown()
	<-done

	st := s.StatsSnapshot()
	assert.Equal(t, uint64(0), st.TasksCompleted)
	// One failure for the skill mismatch, then one more when the requeued
	// task is sent again and the exhausted connection reports a disconnect.
	assert.Equal(t, uint64(2), st.TasksFailed)
}

func TestSessionDisconnectTerminatesCleanly(t *testing.T) {
	conn := newFakeConn() // no responses => immediate disconnect on first read_header
	p := pool.New()
	p.AddTask(wire.Task{TaskID: 1, SkillID: 1, Payload: []byte("x")})

	s := New(conn, 1, discardLogger(), p, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.Run(ctx)

	assert.Equal(t, StateTerminated, s.State())
	assert.True(t, conn.closed)

	requeued, ok := p.GetNextTask(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint32(1), requeued.TaskID)
}

func TestSessionMonotonicStateTransitions(t *testing.T) {
	conn := newFakeConn()
	p := pool.New()
	p.Shutdown()

	s := New(conn, 1, discardLogger(), p, nil)
	assert.Equal(t, StateInitializing, s.State())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Run(ctx)
	assert.Equal(t, StateTerminated, s.State())
}

func requireWithinTimeout(t *testing.T, cond func() bool) {
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

var _ Conn = (*ioctx.Conn)(nil)
