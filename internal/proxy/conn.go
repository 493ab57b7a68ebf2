// Package proxy wires together ACL decisions, the shadowsocks cipher,
// and upstream dialing behind the socks5.UpstreamDialer interface: this
// is where a parsed SOCKS5 request becomes either a direct connection or
// an encrypted tunnel to a relay.
package proxy

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/postalsys/ss-local/internal/cipher"
	"github.com/postalsys/ss-local/internal/metrics"
)

// idleConn resets a read deadline on every successful Read, turning the
// configured idle duration into a rolling window: the connection is only
// torn down after a stretch with no upstream activity, not after a fixed
// wall-clock budget.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func newIdleConn(conn net.Conn, idle time.Duration) net.Conn {
	if idle <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, idle: idle}
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	n, err := c.Conn.Read(p)
	return n, err
}

// CloseWrite satisfies socks5's halfCloser interface when the wrapped
// connection supports it.
func (c *idleConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// encryptedConn wraps a raw upstream connection with the shadowsocks AEAD
// stream codec: writes are sealed chunks, reads are opened chunks, and
// the wire header the dialer wrote at connect time is never replayed to
// callers of Read.
type encryptedConn struct {
	net.Conn
	w *cipher.EncryptWriter
	r *cipher.DecryptReader
}

func (c *encryptedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *encryptedConn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// CloseWrite satisfies socks5's halfCloser interface so the relay can
// signal "done writing" to the upstream relay without tearing down the
// read side.
func (c *encryptedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// sessionConn wraps the final upstream connection returned to the SOCKS5
// handler so every byte the relay copies through it is counted, and the
// session's end is recorded exactly once regardless of which relay
// direction closes it first.
type sessionConn struct {
	net.Conn
	m      *metrics.Metrics
	closed sync.Once
}

func newSessionConn(conn net.Conn, m *metrics.Metrics) net.Conn {
	m.RecordSessionStart()
	return &sessionConn{Conn: conn, m: m}
}

func (c *sessionConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.m.RecordBytes(0, int64(n))
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// idleConn's rolling read deadline is the only timeout ever
			// armed on this conn, so a timeout here can only mean no
			// upstream bytes arrived within the idle window.
			c.m.RecordIdleTimeout()
		}
	}
	return n, err
}

func (c *sessionConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.m.RecordBytes(int64(n), 0)
	}
	return n, err
}

func (c *sessionConn) Close() error {
	c.closed.Do(func() { c.m.RecordSessionEnd() })
	return c.Conn.Close()
}

func (c *sessionConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
