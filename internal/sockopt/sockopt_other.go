//go:build !linux

package sockopt

import (
	"context"
	"net"
	"syscall"
)

// setSocketOptions is a no-op on non-Linux platforms. The Linux-specific
// version in sockopt_linux.go sets TCP_NODELAY, SO_REUSEADDR, and
// keepalive options.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}

// bindToDevice is unsupported outside Linux (SO_BINDTODEVICE is a Linux
// extension); it is silently ignored rather than failing the dial.
func bindToDevice(c syscall.RawConn, device string) error {
	return nil
}

// dialFastOpen is unsupported outside Linux; callers fall back to Dial.
func dialFastOpen(ctx context.Context, network, address string, payload []byte, device string) (net.Conn, error) {
	return nil, ErrFastOpenUnsupported
}
