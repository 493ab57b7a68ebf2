// Package sockopt configures the raw socket options the proxy's upstream
// connections need: keepalive/low-latency tuning, optional binding to a
// named network interface, and TCP Fast Open connect-with-data. The
// platform-specific mechanics live in sockopt_linux.go/sockopt_other.go;
// this file holds the process-wide TFO-availability flag and the shared
// dialing entry points.
package sockopt

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
)

// ErrFastOpenUnsupported is returned when the kernel (or platform) does
// not support TCP Fast Open. Callers should disable fast-open for future
// connections when they see this error.
var ErrFastOpenUnsupported = errors.New("sockopt: TCP Fast Open unsupported")

// fastOpenDisabled is a process-wide flag: once a Fast Open attempt fails
// with ENOTCONN, every subsequent dial falls back to a plain connect
// instead of retrying a syscall known not to work on this host.
var fastOpenDisabled atomic.Bool

// DisableFastOpen trips the process-wide flag. Safe to call repeatedly
// and concurrently.
func DisableFastOpen() {
	fastOpenDisabled.Store(true)
}

// FastOpenDisabled reports whether TCP Fast Open has been disabled for
// the remainder of this process's lifetime.
func FastOpenDisabled() bool {
	return fastOpenDisabled.Load()
}

// Dial opens a plain TCP connection with keepalive/low-latency socket
// options applied, optionally bound to device (Linux-only; ignored
// elsewhere).
func Dial(ctx context.Context, network, address, device string) (net.Conn, error) {
	d := &net.Dialer{
		Control: func(netw, addr string, c syscall.RawConn) error {
			if err := setSocketOptions(netw, addr, c); err != nil {
				return err
			}
			if device != "" {
				return bindToDevice(c, device)
			}
			return nil
		},
	}
	return d.DialContext(ctx, network, address)
}

// DialFastOpen opens a TCP connection and sends payload as part of the
// initial SYN via TCP Fast Open, issuing the connect and the first write
// as a single syscall. On platforms or kernels without TFO support it
// returns ErrFastOpenUnsupported; callers should call DisableFastOpen and
// fall back to Dial.
func DialFastOpen(ctx context.Context, network, address string, payload []byte, device string) (net.Conn, error) {
	return dialFastOpen(ctx, network, address, payload, device)
}
