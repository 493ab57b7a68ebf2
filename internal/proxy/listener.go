package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/ss-local/internal/acl"
	"github.com/postalsys/ss-local/internal/config"
	"github.com/postalsys/ss-local/internal/metrics"
	"github.com/postalsys/ss-local/internal/socks5"
)

// Listener is the proxy's front door: a SOCKS5 server bound to the
// configured local address, dispatching CONNECT requests through a
// Dialer that applies the ACL and shadowsocks cipher.
type Listener struct {
	server  *socks5.Server
	dialer  *Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a Listener from cfg. If cfg.ACLPath is set, the ACL file is
// loaded; a missing or empty path means nothing bypasses the tunnel.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var aclTable *acl.ACL
	if cfg.ACLPath != "" {
		var err error
		aclTable, err = acl.Load(cfg.ACLPath)
		if err != nil {
			return nil, fmt.Errorf("load acl: %w", err)
		}
	}

	dialer := NewDialer(cfg, aclTable, m, logger)

	serverCfg := socks5.ServerConfig{
		Address:            net.JoinHostPort(cfg.Local.Address, fmt.Sprintf("%d", cfg.Local.Port)),
		MaxConnections:     cfg.MaxConnections,
		NegotiationTimeout: cfg.Timeout,
		AcceptRateLimit:    cfg.AcceptRateLimit,
		Dialer:             dialer,
		UDP:                cfg.UDPRelay,
		Logger:             logger,
	}

	return &Listener{
		server:  socks5.NewServer(serverCfg),
		dialer:  dialer,
		metrics: m,
		logger:  logger,
	}, nil
}

// Start begins accepting SOCKS5 connections.
func (l *Listener) Start() error {
	if err := l.server.Start(); err != nil {
		return err
	}
	l.logger.Info("socks5 listener started", "address", l.server.Address().String())
	return nil
}

// Shutdown stops accepting new connections and closes every active
// session, giving up after ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.logger.Info("shutting down socks5 listener")
	return l.server.StopWithContext(ctx)
}

// Address returns the bound listener address.
func (l *Listener) Address() net.Addr {
	return l.server.Address()
}

// ActiveSessions returns the number of currently tracked connections.
func (l *Listener) ActiveSessions() int64 {
	return l.server.ConnectionCount()
}

// IsRunning reports whether the SOCKS5 listener is currently accepting
// connections, satisfying statusserver.StatsProvider.
func (l *Listener) IsRunning() bool {
	return l.server.IsRunning()
}
