package statusserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type fakeProvider struct {
	running  bool
	sessions int64
}

func (f *fakeProvider) IsRunning() bool       { return f.running }
func (f *fakeProvider) ActiveSessions() int64 { return f.sessions }

func startServer(t *testing.T, provider StatsProvider) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestHealthz_Running(t *testing.T) {
	s := startServer(t, &fakeProvider{running: true, sessions: 3})

	resp, err := http.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if int64(body["active_sessions"].(float64)) != 3 {
		t.Errorf("active_sessions = %v, want 3", body["active_sessions"])
	}
}

func TestHealthz_NotRunning(t *testing.T) {
	s := startServer(t, &fakeProvider{running: false})

	resp, err := http.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	s := startServer(t, &fakeProvider{running: true, sessions: 7})

	resp, err := http.Get("http://" + s.Address().String() + "/status")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	body := string(data)
	if !strings.Contains(body, "running") {
		t.Error("status page missing running state")
	}
	if !strings.Contains(body, "Active sessions: 7") {
		t.Error("status page missing session count")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, &fakeProvider{running: true})

	resp, err := http.Get("http://" + s.Address().String() + "/metrics")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRootRedirect(t *testing.T) {
	s := startServer(t, &fakeProvider{running: true})

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get("http://" + s.Address().String() + "/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeProvider{})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on unstarted server error = %v", err)
	}
}
