package keys

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rsclarke/keygate/internal/models"
)

// MaxNameLength is the longest key name stored.
const MaxNameLength = 255

var (
	domainPattern   = regexp.MustCompile(`^(\*\.)?[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	endpointPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_/*]+$`)
)

// SanitizeName trims name and truncates it to MaxNameLength characters. It
// returns "" when nothing is left.
func SanitizeName(name string) string {
	name = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name))
	if utf8.RuneCountInString(name) <= MaxNameLength {
		return name
	}
	return strings.TrimSpace(string([]rune(name)[:MaxNameLength]))
}

// SanitizeIPs checks that every entry is a literal IP or a CIDR range with
// a prefix length that fits its address family. Entries may themselves be
// comma separated. The first rejected entry is reported.
func SanitizeIPs(entries []string) ([]string, error) {
	var out []string
	for _, e := range flatten(entries) {
		if subnet, mask, ok := strings.Cut(e, "/"); ok {
			addr, err := netip.ParseAddr(subnet)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q", e)
			}
			bits, err := strconv.Atoi(mask)
			if err != nil || bits < 0 || bits > addr.Unmap().BitLen() {
				return nil, fmt.Errorf("invalid CIDR %q", e)
			}
			out = append(out, e)
			continue
		}
		if _, err := netip.ParseAddr(e); err != nil {
			return nil, fmt.Errorf("invalid IP %q", e)
		}
		out = append(out, e)
	}
	return out, nil
}

// SanitizeDomains strips any http(s) scheme and trailing slash, then checks
// that every entry is a hostname with an optional leading "*.".
func SanitizeDomains(entries []string) ([]string, error) {
	var out []string
	for _, e := range flatten(entries) {
		d := strings.TrimPrefix(e, "https://")
		d = strings.TrimPrefix(d, "http://")
		d = strings.TrimRight(d, "/")
		if !domainPattern.MatchString(d) {
			return nil, fmt.Errorf("invalid domain %q", e)
		}
		out = append(out, d)
	}
	return out, nil
}

// SanitizeEndpoints strips leading and trailing slashes, then checks that
// every entry is an endpoint pattern built from letters, digits, ".", "-",
// "_", "/" and "*" with no "." or ".." segments.
func SanitizeEndpoints(entries []string) ([]string, error) {
	var out []string
	for _, e := range flatten(entries) {
		p := strings.Trim(e, "/")
		if !endpointPattern.MatchString(p) || hasBadSegment(p) {
			return nil, fmt.Errorf("invalid endpoint %q", e)
		}
		out = append(out, p)
	}
	return out, nil
}

func hasBadSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func flatten(entries []string) []string {
	var out []string
	for _, e := range entries {
		out = append(out, models.SplitList(e)...)
	}
	return out
}
