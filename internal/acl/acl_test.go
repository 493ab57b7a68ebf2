package acl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecide_NilACL(t *testing.T) {
	var a *ACL
	if a.Decide(AddrTypeIPv4, "10.0.0.1") {
		t.Error("nil ACL should never bypass")
	}
}

func TestDecide_IPv4(t *testing.T) {
	a := New()
	if err := a.addEntry("10.0.0.5"); err != nil {
		t.Fatalf("addEntry() error = %v", err)
	}
	if err := a.addEntry("192.168.0.0/16"); err != nil {
		t.Fatalf("addEntry() error = %v", err)
	}

	tests := []struct {
		literal string
		want    bool
	}{
		{"10.0.0.5", true},
		{"10.0.0.6", false},
		{"192.168.1.1", true},
		{"192.168.255.255", true},
		{"172.16.0.1", false},
	}
	for _, tc := range tests {
		if got := a.Decide(AddrTypeIPv4, tc.literal); got != tc.want {
			t.Errorf("Decide(IPv4, %q) = %v, want %v", tc.literal, got, tc.want)
		}
	}
}

func TestDecide_Domain(t *testing.T) {
	a := New()
	if err := a.addEntry("example.com"); err != nil {
		t.Fatalf("addEntry() error = %v", err)
	}

	tests := []struct {
		literal string
		want    bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"deep.sub.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.net", false},
	}
	for _, tc := range tests {
		if got := a.Decide(AddrTypeDomain, tc.literal); got != tc.want {
			t.Errorf("Decide(Domain, %q) = %v, want %v", tc.literal, got, tc.want)
		}
	}
}

func TestDecide_IPv6NeverBypassed(t *testing.T) {
	a := New()
	if got := a.Decide(AddrTypeIPv6, "::1"); got {
		t.Error("IPv6 destinations must never be bypassed")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.conf")
	content := "# comment\n\n10.0.0.1\n192.168.0.0/16\nexample.com\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !a.Decide(AddrTypeIPv4, "10.0.0.1") {
		t.Error("expected 10.0.0.1 to be bypassed")
	}
	if !a.Decide(AddrTypeDomain, "www.example.com") {
		t.Error("expected www.example.com to be bypassed")
	}
}

func TestLoad_InvalidCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.conf")
	if err := os.WriteFile(path, []byte("10.0.0.0/999\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected an error for an invalid CIDR entry")
	}
}
