package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/ss-local/internal/cipher"
	"github.com/postalsys/ss-local/internal/config"
	"github.com/postalsys/ss-local/internal/metrics"
	"github.com/postalsys/ss-local/internal/socks5"
	"github.com/prometheus/client_golang/prometheus"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func testConfig(servers []config.Upstream) *config.Config {
	cfg := config.Default()
	cfg.Servers = servers
	cfg.Password = "s3cr3t"
	cfg.Method = "chacha20-ietf-poly1305"
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestDialer_DirectBypassesCipher(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	host, portStr, _ := net.SplitHostPort(echo.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig([]config.Upstream{{Host: host, Port: port}})
	dialer := NewDialer(cfg, nil, testMetrics(), nil)

	req := &socks5.Request{
		AddrType: socks5.AddrTypeIPv4,
		DestAddr: host,
		DestPort: uint16(port),
		RawDest:  net.ParseIP(host).To4(),
	}

	conn, err := dialer.dialDirect(context.Background(), req, []byte("hello"))
	if err != nil {
		t.Fatalf("dialDirect() error = %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want %q", buf, "hello")
	}
}

func TestDialer_Relay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	const method = "chacha20-ietf-poly1305"
	const password = "s3cr3t"

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		dr, err := cipher.NewDecryptReader(conn, method, password)
		if err != nil {
			errCh <- err
			return
		}

		// Header: ATYP(1) + IPv4(4) + port(2) = 7 bytes, then payload.
		header := make([]byte, 7)
		if _, err := io.ReadFull(dr, header); err != nil {
			errCh <- err
			return
		}
		if header[0] != socks5.AddrTypeIPv4 {
			errCh <- err
			return
		}

		payload := make([]byte, len("ping"))
		if _, err := io.ReadFull(dr, payload); err != nil {
			errCh <- err
			return
		}
		if !bytes.Equal(payload, []byte("ping")) {
			errCh <- err
			return
		}

		ew, err := cipher.NewEncryptWriter(conn, method, password)
		if err != nil {
			errCh <- err
			return
		}
		ew.Write([]byte("pong"))
		errCh <- nil
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	cfg := testConfig([]config.Upstream{{Host: host, Port: port}})
	dialer := NewDialer(cfg, nil, testMetrics(), nil)

	req := &socks5.Request{
		AddrType: socks5.AddrTypeIPv4,
		DestAddr: "93.184.216.34",
		DestPort: 80,
		RawDest:  net.ParseIP("93.184.216.34").To4(),
	}

	conn, err := dialer.DialUpstream(context.Background(), req, []byte("ping"))
	if err != nil {
		t.Fatalf("DialUpstream() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp := make([]byte, 4)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "pong" {
		t.Errorf("response = %q, want %q", resp, "pong")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("server goroutine error: %v", err)
	}
}

func TestBuildHeader_IPv4(t *testing.T) {
	req := &socks5.Request{
		AddrType: socks5.AddrTypeIPv4,
		RawDest:  []byte{93, 184, 216, 34},
		DestPort: 443,
	}
	header := buildHeader(req)
	want := []byte{socks5.AddrTypeIPv4, 93, 184, 216, 34, 0x01, 0xBB}
	if !bytes.Equal(header, want) {
		t.Errorf("buildHeader() = %v, want %v", header, want)
	}
}

func TestBuildHeader_Domain(t *testing.T) {
	domain := "example.com"
	rawDest := append([]byte{byte(len(domain))}, []byte(domain)...)
	req := &socks5.Request{
		AddrType: socks5.AddrTypeDomain,
		RawDest:  rawDest,
		DestPort: 80,
	}
	header := buildHeader(req)
	if header[0] != socks5.AddrTypeDomain {
		t.Fatalf("header[0] = %d, want AddrTypeDomain", header[0])
	}
	if header[1] != byte(len(domain)) {
		t.Errorf("domain length byte = %d, want %d", header[1], len(domain))
	}
	if string(header[2:2+len(domain)]) != domain {
		t.Errorf("domain = %q, want %q", header[2:2+len(domain)], domain)
	}
}
