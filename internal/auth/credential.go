package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ExtractCredential pulls the presented credential from, in order, the
// Authorization bearer header, the X-API-Key header and the api_key query
// parameter. A bearer Authorization header always wins, even when its value
// is empty; the other channels are skipped when empty.
func ExtractCredential(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == strings.TrimSpace(bearerPrefix) {
		return "", true
	}
	if v, ok := strings.CutPrefix(h, bearerPrefix); ok {
		return v, true
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v, true
	}
	if r.URL != nil {
		if v := r.URL.Query().Get("api_key"); v != "" {
			return v, true
		}
	}
	return "", false
}
