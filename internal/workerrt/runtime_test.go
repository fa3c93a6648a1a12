package workerrt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/retry"
	"github.com/go-task-mesh/task-mesh/internal/skill"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// fakeConn drives a Runtime from a scripted sequence of request frames and
// records every frame written back, mirroring internal/session's fakeConn.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	requests []fakeRequest
	idx      int
	closed   bool

	blockAfter bool
}

type fakeRequest struct {
	header wire.Header
	body   []byte
}

func newFakeConn(requests ...fakeRequest) *fakeConn {
	return &fakeConn{requests: requests}
}

func (f *fakeConn) Write(_ context.Context, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) ReadHeader(ctx context.Context) (wire.Header, error) {
	f.mu.Lock()
	if f.idx >= len(f.requests) {
		block := f.blockAfter
		f.mu.Unlock()
		if block {
			// Simulate a connection with no more pending tasks: block until
			// the caller's context is cancelled, as a real socket read
			// would on an idle connection.
			<-ctx.Done()
			return wire.Header{}, ctx.Err()
		}
		return wire.Header{}, io.EOF
	}
	h := f.requests[f.idx].header
	f.mu.Unlock()
	return h, nil
}

func (f *fakeConn) ReadExactly(_ context.Context, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.requests[f.idx].body
	f.idx++
	if len(body) != n {
		return nil, errors.New("fakeConn: body length mismatch")
	}
	return body, nil
}

func (f *fakeConn) RemoteEndpoint() string { return "127.0.0.1:9999" }
func (f *fakeConn) LocalEndpoint() string  { return "127.0.0.1:5555" }
func (f *fakeConn) Shutdown()              {}
func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoRegistry() *skill.Registry {
	r := skill.NewRegistry(nil)
	r.Register(skill.Descriptor{
		ID:   7,
		Name: "echo",
		Handler: func(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		},
	})
	return r
}

func newTestRuntime(registry *skill.Registry, conn Conn) *Runtime {
	rt := NewRuntime("", 0, nil, registry, discardLogger())
	rt.conn = conn
	return rt
}

func TestRunLoopDispatchesAndWritesMatchingResponse(t *testing.T) {
	conn := newFakeConn(fakeRequest{
		header: wire.Header{TaskID: 1, SkillID: 7, BodySize: 5},
		body:   []byte("hello"),
	})
	rt := newTestRuntime(echoRegistry(), conn)

	err := rt.RunLoop(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, conn.written, 2)
	respHeader, err := wire.DecodeHeader(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), respHeader.TaskID)
	assert.Equal(t, uint32(7), respHeader.SkillID)
	assert.Equal(t, "echo:hello", string(conn.written[1]))
	assert.Equal(t, uint64(1), rt.TaskCount())
	assert.Greater(t, rt.BytesSent(), uint64(0))
	assert.Greater(t, rt.BytesReceived(), uint64(0))
}

func TestRunLoopRespondsWithSkillZeroOnUnknownSkill(t *testing.T) {
	conn := newFakeConn(fakeRequest{
		header: wire.Header{TaskID: 9, SkillID: 42, BodySize: 1},
		body:   []byte("x"),
	})
	rt := newTestRuntime(skill.NewRegistry(nil), conn)

	err := rt.RunLoop(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, conn.written, 1)
	respHeader, err := wire.DecodeHeader(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(9), respHeader.TaskID)
	assert.Equal(t, uint32(0), respHeader.SkillID)
	assert.Equal(t, uint32(0), respHeader.BodySize)
}

func TestRunLoopReturnsImmediatelyWhenAlreadyPaused(t *testing.T) {
	conn := newFakeConn(fakeRequest{header: wire.Header{TaskID: 1, SkillID: 7, BodySize: 0}})
	rt := newTestRuntime(skill.NewRegistry(nil), conn)
	rt.Pause()

	err := rt.RunLoop(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, conn.written)
}

func TestRunLoopReturnsErrNotConnectedBeforeConnect(t *testing.T) {
	rt := NewRuntime("127.0.0.1", 0, nil, skill.NewRegistry(nil), discardLogger())
	err := rt.RunLoop(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRunLoopStopsOnContextCancellationOfIdleConnection(t *testing.T) {
	conn := newFakeConn()
	conn.blockAfter = true
	rt := newTestRuntime(skill.NewRegistry(nil), conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.RunLoop(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunLoop did not return after cancellation")
	}
}

func TestDisconnectReleaseIsConnected(t *testing.T) {
	conn := newFakeConn()
	rt := newTestRuntime(skill.NewRegistry(nil), conn)

	assert.True(t, rt.IsConnected())
	rt.Disconnect()
	assert.False(t, rt.IsConnected())
	assert.True(t, conn.closed)

	rt.Release()
	assert.False(t, rt.IsConnected())
	assert.Empty(t, rt.LocalEndpoint())
}

func TestConnectDialsRealListenerAndSetsLocalEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	ioCtx := ioctx.NewContext(nil)
	ioCtx.Start(1)
	defer ioCtx.Stop()

	rt := NewRuntime(host, port, ioCtx, skill.NewRegistry(nil), discardLogger())
	assert.False(t, rt.IsConnected())

	require.NoError(t, rt.Connect(context.Background()))
	assert.True(t, rt.IsConnected())
	assert.NotEmpty(t, rt.LocalEndpoint())

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(time.Second):
		t.Fatal("server never observed accept")
	}

	rt.Disconnect()
	assert.False(t, rt.IsConnected())
}

func TestRunWithReconnectGivesUpAfterExhaustingRetries(t *testing.T) {
	// Nothing is listening on this port, so every Connect attempt fails
	// and RunWithReconnect should surface the final dial error rather than
	// retry forever.
	rt := NewRuntime("127.0.0.1", 1, ioctx.NewContext(nil), skill.NewRegistry(nil), discardLogger())
	rt.ioCtx.Start(1)
	defer rt.ioCtx.Stop()

	err := rt.RunWithReconnect(context.Background(), retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
	assert.Error(t, err)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
