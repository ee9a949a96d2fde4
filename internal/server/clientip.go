package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{
	"CF-Connecting-IP",
	"Client-IP",
	"X-Forwarded-For",
	"X-Forwarded",
	"X-Cluster-Client-IP",
	"Forwarded-For",
	"Forwarded",
}

// ClientIP returns the address a request is attributed to. With trustProxy
// the first header whose leading entry is a public address wins; otherwise,
// or when none qualifies, the socket peer is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, h := range proxyHeaders {
			v := r.Header.Get(h)
			if v == "" {
				continue
			}
			first, _, _ := strings.Cut(v, ",")
			if ip := forwardedAddr(strings.TrimSpace(first)); isPublic(ip) {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedAddr unwraps the RFC 7239 "for=" form and brackets.
func forwardedAddr(v string) string {
	if i := strings.Index(strings.ToLower(v), "for="); i >= 0 {
		v = v[i+4:]
		v, _, _ = strings.Cut(v, ";")
		v = strings.Trim(v, `"`)
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	return v
}

func isPublic(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() ||
		addr.IsInterfaceLocalMulticast())
}

// IsSecure reports whether the client reached us over TLS. X-Forwarded-Proto
// is honoured only when proxy headers are trusted.
func IsSecure(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	return trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
