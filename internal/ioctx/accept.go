package ioctx

import (
	"errors"
	"net"
	"time"
)

// BlockingAccept accepts one connection from ln with a deadline of
// timeout. A timeout with no client ready returns (nil, nil, nil) so the
// caller's acceptor loop can re-check its own shutdown flag; a listener
// close (as happens during shutdown) is also reported as "no client, no
// error" since it is a transient/expected condition during teardown.
// Any other error is returned.
func BlockingAccept(ln *net.TCPListener, timeout time.Duration) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := ln.Accept()
	if err == nil {
		return conn, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil, nil
	}
	return nil, err
}
