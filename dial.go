package watergate

import (
	"context"
	"net"
	"time"
)

type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// TCPDialFunc dials TCP with Nagle's algorithm disabled.
func TCPDialFunc(timeout time.Duration) DialFunc {
	return func(ctx context.Context, addr string) (conn net.Conn, err error) {
		dialer := &net.Dialer{Timeout: timeout}
		if conn, err = dialer.DialContext(ctx, "tcp", addr); err != nil {
			return
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return
	}
}
