// Package identity derives the stable key under which all rate counters and
// sanctions are tracked: a client-declared device fingerprint when present,
// falling back to the network address.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Key returns the tracking key for a request: the device fingerprint when
// non-empty, else the client address.
func Key(deviceID, ip string) string {
	if deviceID != "" {
		return deviceID
	}
	return ip
}

// Fingerprint builds a device fingerprint from client-declared attributes.
// Returns "" when every part is empty. The fingerprint is only a grouping
// key; the declared attributes are never trusted for authorization.
func Fingerprint(ua, lang, tz, screen, platform string) string {
	parts := []string{
		strings.TrimSpace(ua),
		strings.TrimSpace(lang),
		strings.TrimSpace(tz),
		strings.TrimSpace(screen),
		strings.TrimSpace(platform),
	}
	raw := strings.Join(parts, "|")
	if strings.Trim(raw, "|") == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// proxyHeaders in precedence order. The first populated header wins; an
// X-Forwarded-For chain contributes only its first hop.
var proxyHeaders = []string{"CF-Connecting-IP", "True-Client-IP", "X-Real-IP"}

// ClientIP extracts the originating client address from a request.
func ClientIP(r *http.Request) string {
	for _, h := range proxyHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.SplitN(xff, ",", 2)[0]
		if v := strings.TrimSpace(first); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsPrivate reports whether the address is RFC1918, loopback, link-local,
// CGNAT, or ULA. Such addresses never go out to geo enrichment.
func IsPrivate(value string) bool {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return false
	}
	ip16 := ip.To16()
	for _, block := range privateBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

// NetworkBlock returns the containing /24 (or /64 for IPv6) of an address,
// used when a sanction is broadened from one address to its network.
func NetworkBlock(value string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return "", false
	}
	if ip4 := ip.To4(); ip4 != nil {
		masked := ip4.Mask(net.CIDRMask(24, 32))
		return (&net.IPNet{IP: masked, Mask: net.CIDRMask(24, 32)}).String(), true
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return (&net.IPNet{IP: masked, Mask: net.CIDRMask(64, 128)}).String(), true
}

// privateBlocks contains all RFC-private, loopback, link-local, and ULA ranges.
var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		// IPv4
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		// IPv4-mapped in IPv6
		"::ffff:10.0.0.0/104",
		"::ffff:172.16.0.0/108",
		"::ffff:192.168.0.0/112",
		"::ffff:127.0.0.0/104",
		// IPv6
		"::1/128",   // loopback
		"fe80::/10", // link-local
		"fc00::/7",  // ULA
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid private CIDR: " + cidr)
		}
		blocks = append(blocks, block)
	}
	return blocks
}()
