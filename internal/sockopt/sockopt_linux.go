//go:build linux

package sockopt

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions configures TCP performance options on the raw socket
// fd, called via net.Dialer.Control before connect(2).
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}

// bindToDevice binds the socket to a named network interface via
// SO_BINDTODEVICE, so outbound upstream connections leave through a
// specific NIC regardless of the system routing table.
func bindToDevice(c syscall.RawConn, device string) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.BindToDevice(int(fd), device)
	})
	if err != nil {
		return err
	}
	return sysErr
}

// dialFastOpen issues connect-with-data: a socket is created, optionally
// bound to device, and the connect and the first write of payload happen
// atomically via sendto(..., MSG_FASTOPEN, ...). ENOTCONN from the kernel
// means Fast Open isn't usable here (disabled system-wide, or the
// sysctl is off) and is surfaced as ErrFastOpenUnsupported.
func dialFastOpen(ctx context.Context, network, address string, payload []byte, device string) (net.Conn, error) {
	if FastOpenDisabled() {
		return nil, ErrFastOpenUnsupported
	}

	raddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream address: %w", err)
	}

	domain := unix.AF_INET
	if raddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	closeFD := true
	defer func() {
		if closeFD {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if device != "" {
		if err := unix.BindToDevice(fd, device); err != nil {
			return nil, fmt.Errorf("bind to device %s: %w", device, err)
		}
	}

	sockaddr, err := toSockaddr(raddr, domain)
	if err != nil {
		return nil, err
	}

	if err := unix.Sendto(fd, payload, unix.MSG_FASTOPEN, sockaddr); err != nil {
		switch err {
		case unix.ENOTCONN, unix.EOPNOTSUPP:
			return nil, ErrFastOpenUnsupported
		case unix.EINPROGRESS:
			// Normal: the kernel queued the SYN+data and the three-way
			// handshake hasn't completed yet. The socket is connected as
			// far as this call is concerned — use it like any other
			// freshly dialed conn and let subsequent reads/writes block
			// on the handshake instead of treating it as a dial failure.
		default:
			return nil, fmt.Errorf("fast open sendto: %w", err)
		}
	}

	f := os.NewFile(uintptr(fd), "ss-local-tfo")
	conn, err := net.FileConn(f)
	f.Close() // FileConn dup()s the descriptor; the original is closed either way
	closeFD = false
	if err != nil {
		return nil, fmt.Errorf("wrap fast-open socket: %w", err)
	}
	return conn, nil
}

func toSockaddr(addr *net.TCPAddr, domain int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.IP.To4())
		sa.Port = addr.Port
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], addr.IP.To16())
	sa.Port = addr.Port
	return &sa, nil
}
