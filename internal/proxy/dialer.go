package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/ss-local/internal/acl"
	"github.com/postalsys/ss-local/internal/cipher"
	"github.com/postalsys/ss-local/internal/config"
	"github.com/postalsys/ss-local/internal/metrics"
	"github.com/postalsys/ss-local/internal/socks5"
	"github.com/postalsys/ss-local/internal/sockopt"
)

// Dialer implements socks5.UpstreamDialer: it decides, per request,
// whether to bypass the tunnel (ACL match) or relay through an upstream
// server wrapped in the shadowsocks AEAD stream cipher.
type Dialer struct {
	servers  []config.Upstream
	password string
	method   string
	timeout  time.Duration
	fastOpen bool
	iface    string
	idle     time.Duration
	acl      *acl.ACL
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDialer builds a Dialer from the proxy configuration. m must not be
// nil; callers that don't care about metrics can pass
// metrics.NewMetricsWithRegistry backed by a throwaway registry.
func NewDialer(cfg *config.Config, aclTable *acl.ACL, m *metrics.Metrics, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		servers:  cfg.Servers,
		password: cfg.Password,
		method:   cfg.Method,
		timeout:  cfg.Timeout,
		fastOpen: cfg.FastOpen,
		iface:    cfg.Interface,
		idle:     cfg.IdleTimeout(),
		acl:      aclTable,
		metrics:  m,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DialUpstream implements socks5.UpstreamDialer.
func (d *Dialer) DialUpstream(ctx context.Context, req *socks5.Request, payload []byte) (net.Conn, error) {
	if d.acl.Decide(req.AddrType, req.DestAddr) {
		return d.dialDirect(ctx, req, payload)
	}
	return d.dialRelay(ctx, req, payload)
}

func (d *Dialer) dialDirect(ctx context.Context, req *socks5.Request, payload []byte) (net.Conn, error) {
	d.metrics.RecordACLDecision(true)

	target := net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort)))
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dialWithPayload(ctx, target, payload)
	if err != nil {
		return nil, fmt.Errorf("dial direct %s: %w", target, err)
	}
	return newSessionConn(newIdleConn(conn, d.idle), d.metrics), nil
}

func (d *Dialer) dialRelay(ctx context.Context, req *socks5.Request, payload []byte) (net.Conn, error) {
	d.metrics.RecordACLDecision(false)

	if len(d.servers) == 0 {
		return nil, fmt.Errorf("no upstream servers configured")
	}
	server := d.pickServer()
	upstream := server.String()

	header := buildHeader(req)
	plaintext := append(header, payload...)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	conn, ew, err := d.connectRelay(ctx, upstream, plaintext)
	if err != nil {
		d.metrics.RecordUpstreamError(upstream)
		return nil, fmt.Errorf("dial upstream %s: %w", upstream, err)
	}
	d.metrics.RecordUpstreamConnect(time.Since(start).Seconds())

	wrapped := newIdleConn(conn, d.idle)
	dr, err := cipher.NewDecryptReader(wrapped, d.method, d.password)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init decrypt reader: %w", err)
	}

	return newSessionConn(&encryptedConn{Conn: wrapped, w: ew, r: dr}, d.metrics), nil
}

// connectRelay dials the upstream, sending the shadowsocks header (and
// any coalesced payload) as part of the connect when Fast Open is
// available, or immediately after a plain connect otherwise. It returns
// the raw connection and an EncryptWriter already holding the live
// stream's cipher state, ready for subsequent writes.
func (d *Dialer) connectRelay(ctx context.Context, upstream string, plaintext []byte) (net.Conn, *cipher.EncryptWriter, error) {
	if d.fastOpen && !sockopt.FastOpenDisabled() {
		capture := &bytes.Buffer{}
		ew, err := cipher.NewEncryptWriter(capture, d.method, d.password)
		if err != nil {
			return nil, nil, err
		}
		if _, err := ew.Write(plaintext); err != nil {
			return nil, nil, fmt.Errorf("encrypt initial frame: %w", err)
		}

		conn, err := sockopt.DialFastOpen(ctx, "tcp", upstream, capture.Bytes(), d.iface)
		d.metrics.RecordFastOpenAttempt(err == sockopt.ErrFastOpenUnsupported)
		if err == nil {
			ew.SetWriter(conn)
			return conn, ew, nil
		}
		if err != sockopt.ErrFastOpenUnsupported {
			return nil, nil, err
		}
		sockopt.DisableFastOpen()
		d.logger.Info("TCP Fast Open unsupported on this host, disabling for remaining sessions")
	}

	conn, err := sockopt.Dial(ctx, "tcp", upstream, d.iface)
	if err != nil {
		return nil, nil, err
	}
	ew, err := cipher.NewEncryptWriter(conn, d.method, d.password)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := ew.Write(plaintext); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write initial frame: %w", err)
	}
	return conn, ew, nil
}

func (d *Dialer) dialWithPayload(ctx context.Context, target string, payload []byte) (net.Conn, error) {
	if d.fastOpen && !sockopt.FastOpenDisabled() {
		conn, err := sockopt.DialFastOpen(ctx, "tcp", target, payload, d.iface)
		d.metrics.RecordFastOpenAttempt(err == sockopt.ErrFastOpenUnsupported)
		if err == nil {
			return conn, nil
		}
		if err != sockopt.ErrFastOpenUnsupported {
			return nil, err
		}
		sockopt.DisableFastOpen()
	}

	conn, err := sockopt.Dial(ctx, "tcp", target, d.iface)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (d *Dialer) pickServer() config.Upstream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[d.rng.Intn(len(d.servers))]
}

// buildHeader encodes the shadowsocks address header: ATYP, the raw
// address bytes already captured off the SOCKS5 wire, and the
// destination port.
func buildHeader(req *socks5.Request) []byte {
	header := make([]byte, 0, 1+len(req.RawDest)+2)
	header = append(header, req.AddrType)
	header = append(header, req.RawDest...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], req.DestPort)
	return append(header, portBuf[:]...)
}
