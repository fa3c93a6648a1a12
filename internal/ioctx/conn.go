package ioctx

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// pollQuantum is the deadline window used to emulate a non-blocking
// try_read/try_write on top of Go's blocking-by-default net.Conn: each
// attempt gets a very short deadline, and a timeout is treated as
// "not ready" rather than a real error, the same way EAGAIN/EWOULDBLOCK
// is treated by the original's error classification table.
const pollQuantum = 5 * time.Millisecond

// Conn wraps a net.Conn with the awaitable-shaped methods the session and
// worker runtime loops use. A Conn permits at most one in-flight
// operation at a time; this is enforced by construction (callers never
// invoke two methods concurrently on the same Conn), not by an internal
// lock, matching the documented invariant of the original adapter.
type Conn struct {
	raw    net.Conn
	ctx    *Context
	closed atomic.Bool
}

// NewConn wraps raw for use with loopCtx's scheduler. TCP_NODELAY is
// enabled when raw is a *net.TCPConn, for low-latency scatter-send
// messaging.
func NewConn(raw net.Conn, loopCtx *Context) *Conn {
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Conn{raw: raw, ctx: loopCtx}
}

// RemoteEndpoint returns the remote address as a string, "disconnected" if
// there is no underlying conn, or "unknown" if the address is unavailable.
func (c *Conn) RemoteEndpoint() string {
	if c.raw == nil {
		return "disconnected"
	}
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// LocalEndpoint returns the local address as a string, "disconnected" if
// there is no underlying conn, or "unknown" if the address is unavailable.
func (c *Conn) LocalEndpoint() string {
	if c.raw == nil {
		return "disconnected"
	}
	if addr := c.raw.LocalAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Shutdown closes the read side of the connection to unblock a pending
// read, if the underlying conn supports it. Pending writes are not
// affected.
func (c *Conn) Shutdown() {
	if closer, ok := c.raw.(interface{ CloseRead() error }); ok {
		_ = closer.CloseRead()
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.raw.Close()
}

// IsOpen reports whether Close has not yet been called on this Conn. It
// does not detect a peer-initiated close that hasn't surfaced through a
// read or write yet.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Read reads up to len(buf) bytes, suspending the calling goroutine on the
// context's scheduler until data, EOF, or a classified error is ready.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	return c.poll(ctx, CategoryRead, func() (int, bool, error) {
		_ = c.raw.SetReadDeadline(time.Now().Add(pollQuantum))
		n, err := c.raw.Read(buf)
		if err == nil {
			return n, true, nil
		}
		if isTransient(err) {
			return 0, false, nil
		}
		return n, true, classify(err)
	})
}

// ReadHeader reads exactly wire.HeaderSize bytes.
func (c *Conn) ReadHeader(ctx context.Context) (wire.Header, error) {
	buf, err := c.readExact(ctx, wire.HeaderSize, CategoryReadHeader)
	if err != nil {
		return wire.Header{}, err
	}
	return wire.DecodeHeader(buf)
}

// ReadExactly reads exactly n bytes (the response-body read path).
func (c *Conn) ReadExactly(ctx context.Context, n int) ([]byte, error) {
	return c.readExact(ctx, n, CategoryRead)
}

func (c *Conn) readExact(ctx context.Context, n int, category PendingOpCategory) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		got, err := c.poll(ctx, category, func() (int, bool, error) {
			_ = c.raw.SetReadDeadline(time.Now().Add(pollQuantum))
			k, err := c.raw.Read(buf[read:])
			if err == nil {
				return k, true, nil
			}
			if isTransient(err) {
				return 0, false, nil
			}
			return k, true, classify(err)
		})
		if err != nil {
			return nil, err
		}
		if got == 0 {
			return nil, wire.ErrShortRead
		}
		read += got
	}
	return buf, nil
}

// Write writes len(buf) bytes, suspending until the full buffer is
// flushed, EOF, or a classified error occurs.
func (c *Conn) Write(ctx context.Context, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := c.poll(ctx, CategoryWrite, func() (int, bool, error) {
			_ = c.raw.SetWriteDeadline(time.Now().Add(pollQuantum))
			k, err := c.raw.Write(buf[written:])
			if err == nil {
				return k, true, nil
			}
			if isTransient(err) {
				return 0, false, nil
			}
			return k, true, classify(err)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return wire.ErrShortWrite
		}
		written += n
	}
	return nil
}

// poll registers tryFn with the context's scheduler and blocks the
// calling goroutine until it reports completion, or ctx is canceled.
// tryFn returns (n, done, err); done=false means not-ready (retry).
func (c *Conn) poll(ctx context.Context, category PendingOpCategory, tryFn func() (int, bool, error)) (int, error) {
	type result struct {
		n   int
		err error
	}
	resultCh := make(chan result, 1)

	// Fast path: try once synchronously before registering with the
	// scheduler, avoiding a goroutine hop for already-ready sockets.
	if n, done, err := tryFn(); done {
		return n, err
	} else {
		_ = n
	}

	done := make(chan struct{})
	c.ctx.RegisterPending(category, func() bool {
		select {
		case <-done:
			return true
		default:
		}
		n, complete, err := tryFn()
		if !complete {
			return false
		}
		resultCh <- result{n: n, err: err}
		close(done)
		return true
	}, func() {})

	select {
	case r := <-resultCh:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Connect dials host:port and wraps the resulting TCP connection.
func Connect(ctx context.Context, host string, port int, loopCtx *Context) (*Conn, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, classify(err)
	}
	return NewConn(raw, loopCtx), nil
}
