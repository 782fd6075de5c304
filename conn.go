package watergate

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// pollConn applies a fresh deadline before every read and write so a read
// with nothing to deliver returns promptly instead of blocking the loop.
// Traffic is reported to the client's byte counters as it happens.
type pollConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	received prometheus.Counter
	sent     prometheus.Counter
	bytesIn  uint64
	bytesOut uint64
}

func newPollConn(conn net.Conn, conf *IoConfig, m *Metrics) *pollConn {
	return &pollConn{
		Conn:         conn,
		readTimeout:  conf.ReadTimeout,
		writeTimeout: conf.WriteTimeout,
		received:     m.BytesReceived,
		sent:         m.BytesSent,
	}
}

// Read waits at most readTimeout. A timeout carries no data and is reported
// by isPollTimeout, not treated as a broken connection.
func (c *pollConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, err
	}

	n, err := c.Conn.Read(b)
	c.count(&c.bytesIn, c.received, n)
	return n, err
}

func (c *pollConn) Write(b []byte) (int, error) {
	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.Conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}

	n, err := c.Conn.Write(b)
	c.count(&c.bytesOut, c.sent, n)
	return n, err
}

func (c *pollConn) count(total *uint64, counter prometheus.Counter, n int) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(total, uint64(n))
	counter.Add(float64(n))
}

func (c *pollConn) ReadBytes() uint64 {
	return atomic.LoadUint64(&c.bytesIn)
}

func (c *pollConn) WriteBytes() uint64 {
	return atomic.LoadUint64(&c.bytesOut)
}

// isPollTimeout reports whether err only means no data arrived in time.
func isPollTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
