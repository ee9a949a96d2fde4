// Package match implements the address, domain and endpoint pattern rules
// used by key restrictions. All functions are pure and fail closed on
// malformed input.
package match

import (
	"encoding/binary"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// IPInRange reports whether ip falls inside cidr ("subnet/prefixLen").
func IPInRange(ip, cidr string) bool {
	subnet, bits, ok := strings.Cut(cidr, "/")
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	network, err := netip.ParseAddr(strings.TrimSpace(subnet))
	if err != nil {
		return false
	}
	prefixLen, err := strconv.Atoi(strings.TrimSpace(bits))
	if err != nil || prefixLen < 0 {
		return false
	}

	addr, network = addr.Unmap(), network.Unmap()
	if addr.Is4() != network.Is4() {
		return false
	}
	if !addr.Is4() {
		p, err := network.Prefix(prefixLen)
		if err != nil {
			return false
		}
		return p.Contains(addr)
	}
	if prefixLen > 32 {
		return false
	}

	a4, n4 := addr.As4(), network.As4()
	a := binary.BigEndian.Uint32(a4[:])
	n := binary.BigEndian.Uint32(n4[:])
	mask := ^uint32(0) << (32 - prefixLen)
	return a&mask == n&mask
}

// IPMatches checks ip against a single allow-list entry, which is either a
// CIDR range or a literal address.
func IPMatches(ip, entry string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if strings.Contains(entry, "/") {
		return IPInRange(ip, entry)
	}
	a, errA := netip.ParseAddr(strings.TrimSpace(ip))
	b, errB := netip.ParseAddr(entry)
	if errA != nil || errB != nil {
		return strings.TrimSpace(ip) == entry
	}
	return a.Unmap() == b.Unmap()
}

// DomainMatches compares a request host with an allowed-domain pattern.
// "*.example.com" matches example.com and any subdomain of it.
func DomainMatches(candidate, pattern string) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if candidate == "" || pattern == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return candidate == suffix || strings.HasSuffix(candidate, "."+suffix)
	}
	return candidate == pattern
}

// OriginHost extracts the host from an Origin header value. A bare host is
// returned as-is.
func OriginHost(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "//" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// EndpointMatches compares a normalized endpoint with a glob pattern where
// "*" matches any run of characters. Comparison ignores case and a leading
// slash on either side.
func EndpointMatches(candidate, pattern string) bool {
	candidate = strings.TrimLeft(candidate, "/")
	pattern = strings.TrimLeft(strings.TrimSpace(pattern), "/")
	if !strings.Contains(pattern, "*") {
		return strings.EqualFold(candidate, pattern)
	}
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?is)^" + strings.Join(parts, ".*") + "$")
}
