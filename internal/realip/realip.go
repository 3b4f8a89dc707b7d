// Package realip resolves the client IP, honoring forwarded headers only
// when the request arrived from a configured trusted proxy.
package realip

import (
	"net"
	"net/http"
	"strings"
)

// Extractor resolves client IPs. Header-supplied addresses are trusted
// only when the socket peer is inside one of the trusted CIDRs.
type Extractor struct {
	trustedNets []*net.IPNet
}

// New creates an Extractor from trusted proxy CIDRs. Bare IPs are
// accepted and widened to /32 or /128.
func New(cidrs []string) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return &Extractor{trustedNets: nets}, nil
}

// Extract resolves the client IP: first X-Forwarded-For entry, then
// X-Real-IP, then the socket peer. Headers are consulted only when the
// peer is a trusted proxy.
func (e *Extractor) Extract(r *http.Request) string {
	remoteIP := hostOnly(r.RemoteAddr)

	if len(e.trustedNets) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); rip != "" {
		return rip
	}
	return remoteIP
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLoopback reports whether ipStr is a loopback address. The
// auto-blocker never blocks loopback.
func IsLoopback(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
