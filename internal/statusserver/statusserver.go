// Package statusserver exposes Prometheus metrics and a human-readable
// status page for ss-local.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider supplies the figures the status page and /healthz report.
type StatsProvider interface {
	// IsRunning reports whether the proxy is currently accepting connections.
	IsRunning() bool

	// ActiveSessions returns the number of sessions currently relaying.
	ActiveSessions() int64
}

// Server serves /metrics, /healthz, and /status on a single listener
// separate from the SOCKS5 port.
type Server struct {
	addr      string
	provider  StatsProvider
	startedAt time.Time

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer builds a status server bound to addr. It does not start
// listening until Start is called.
func NewServer(addr string, provider StatsProvider) *Server {
	s := &Server{
		addr:      addr,
		provider:  provider,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/status", http.StatusFound)
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down, waiting up to 5 seconds.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound listener address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.provider.ActiveSessions(),
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	})
}

const statusPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>ss-local status</title></head>
<body style="font-family: monospace">
<h1>ss-local</h1>
<p>Status: %s</p>
<p>Uptime: %s</p>
<p>Active sessions: %d</p>
<p><a href="/metrics">/metrics</a></p>
</body>
</html>
`

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "running"
	if !s.provider.IsRunning() {
		status = "stopped"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, statusPageTemplate,
		status,
		humanize.RelTime(s.startedAt, time.Now(), "ago", ""),
		s.provider.ActiveSessions(),
	)
}
