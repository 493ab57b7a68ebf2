package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/postalsys/ss-local/internal/config"
)

func TestListener_EndToEndDirect(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	aclPath := filepath.Join(t.TempDir(), "acl.txt")
	if err := os.WriteFile(aclPath, []byte("0.0.0.0/0\n"), 0o644); err != nil {
		t.Fatalf("write acl: %v", err)
	}

	cfg := config.Default()
	cfg.Local = config.LocalConfig{Address: "127.0.0.1", Port: 0}
	cfg.Servers = []config.Upstream{{Host: "127.0.0.1", Port: 1}} // unused, direct bypass wins
	cfg.Password = "s3cr3t"
	cfg.ACLPath = aclPath

	ln, err := New(cfg, testMetrics(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ln.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ln.Shutdown(context.Background())

	conn, err := net.Dial("tcp", ln.Address().String())
	if err != nil {
		t.Fatalf("dial socks5: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 1, 0x00})
	methodResp := make([]byte, 2)
	io.ReadFull(conn, methodResp)
	if methodResp[1] != 0x00 {
		t.Fatalf("method = %d, want 0", methodResp[1])
	}

	echoHost, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
	echoIP := net.ParseIP(echoHost)
	echoPort, _ := net.LookupPort("tcp", echoPortStr)

	req := &bytes.Buffer{}
	req.WriteByte(0x05)
	req.WriteByte(0x01) // CONNECT
	req.WriteByte(0x00)
	req.WriteByte(0x01) // IPv4
	req.Write(echoIP.To4())
	binary.Write(req, binary.BigEndian, uint16(echoPort))
	conn.Write(req.Bytes())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply code = %d, want 0", reply[1])
	}

	payload := []byte("direct-bypass-ok")
	conn.Write(payload)
	resp := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(resp, payload) {
		t.Errorf("echo = %q, want %q", resp, payload)
	}

	if ln.ActiveSessions() < 0 {
		t.Errorf("ActiveSessions() = %d, want >= 0", ln.ActiveSessions())
	}
}
