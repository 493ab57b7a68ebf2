// Package acl implements the direct-bypass access control list: a set of
// destinations that are dialed in the clear instead of relayed through an
// upstream tunnel.
package acl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// AddrTypeIPv4 and AddrTypeDomain mirror the SOCKS5 address-type
	// values the ACL lookup is keyed on.
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// ACL holds the direct-bypass tables. A nil *ACL always returns false from
// Decide: no ACL configured means nothing is bypassed.
type ACL struct {
	exactIPv4 map[string]struct{}
	cidrs     []*net.IPNet
	suffixes  map[string]struct{}
}

// New returns an empty ACL.
func New() *ACL {
	return &ACL{
		exactIPv4: make(map[string]struct{}),
		suffixes:  make(map[string]struct{}),
	}
}

// Load parses an ACL file: one entry per line, blank lines and lines
// starting with '#' ignored. Each line is either an IPv4 address, an IPv4
// CIDR range, or a domain suffix (matched on label boundaries, so
// "example.com" also matches "www.example.com" but not "notexample.com").
func Load(path string) (*ACL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open acl file: %w", err)
	}
	defer f.Close()

	a := New()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		if err := a.addEntry(entry); err != nil {
			return nil, fmt.Errorf("acl file %s line %d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read acl file: %w", err)
	}
	return a, nil
}

func (a *ACL) addEntry(entry string) error {
	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		a.cidrs = append(a.cidrs, ipnet)
		return nil
	}

	if ip := net.ParseIP(entry); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			a.exactIPv4[v4.String()] = struct{}{}
		}
		return nil
	}

	normalized, err := normalizeDomain(entry)
	if err != nil {
		return fmt.Errorf("invalid domain %q: %w", entry, err)
	}
	a.suffixes[normalized] = struct{}{}
	return nil
}

func normalizeDomain(domain string) (string, error) {
	ascii, err := idna.ToASCII(strings.ToLower(domain))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(ascii, "."), nil
}

// Decide reports whether the given SOCKS5 destination should bypass the
// tunnel and be dialed directly. Per the address-type-keyed lookup table:
// ATYP=IPv4 checks the IPv4 exact/CIDR table, ATYP=Domain checks the
// domain-suffix table, and ATYP=IPv6 is never bypassed (no IPv6 ACL
// lookup is performed).
func (a *ACL) Decide(addrType byte, literal string) bool {
	if a == nil {
		return false
	}
	switch addrType {
	case AddrTypeIPv4:
		return a.matchIPv4(literal)
	case AddrTypeDomain:
		return a.matchDomain(literal)
	default:
		return false
	}
}

func (a *ACL) matchIPv4(literal string) bool {
	if _, ok := a.exactIPv4[literal]; ok {
		return true
	}
	ip := net.ParseIP(literal)
	if ip == nil {
		return false
	}
	for _, cidr := range a.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *ACL) matchDomain(literal string) bool {
	normalized, err := normalizeDomain(literal)
	if err != nil {
		return false
	}
	for normalized != "" {
		if _, ok := a.suffixes[normalized]; ok {
			return true
		}
		idx := strings.Index(normalized, ".")
		if idx < 0 {
			break
		}
		normalized = normalized[idx+1:]
	}
	return false
}
