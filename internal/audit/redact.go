package audit

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Redacted replaces the value of a sensitive parameter.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":        {},
	"pass":            {},
	"passwd":          {},
	"pwd":             {},
	"secret":          {},
	"token":           {},
	"api_key":         {},
	"auth":            {},
	"authorization":   {},
	"credit_card":     {},
	"cc_number":       {},
	"ssn":             {},
	"social_security": {},
}

// IsSensitive reports whether a parameter name must not be logged.
func IsSensitive(name string) bool {
	_, ok := sensitiveKeys[strings.ToLower(name)]
	return ok
}

// RedactValues returns the JSON form of params with sensitive values
// replaced. Empty params yield "".
func RedactValues(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	out := make(map[string]any, len(params))
	for k, vs := range params {
		switch {
		case IsSensitive(k):
			out[k] = Redacted
		case len(vs) == 1:
			out[k] = vs[0]
		default:
			out[k] = vs
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(b)
}
