package authz

import (
	"net/http"

	"github.com/rsclarke/keygate/internal/policy"
)

// Reason is a stable machine-readable deny code.
type Reason string

// Deny reasons.
const (
	ReasonHTTPSRequired           Reason = "https_required"
	ReasonAPIKeyMissing           Reason = "api_key_missing"
	ReasonAPIKeyInvalidFormat     Reason = "api_key_invalid_format"
	ReasonAPIKeyInvalid           Reason = "api_key_invalid"
	ReasonAPIKeyExpired           Reason = "api_key_expired"
	ReasonOriginRequired          Reason = policy.CodeOriginRequired
	ReasonIPNotAllowed            Reason = policy.CodeIPNotAllowed
	ReasonDomainNotAllowed        Reason = policy.CodeDomainNotAllowed
	ReasonEndpointBlocked         Reason = policy.CodeEndpointBlocked
	ReasonEndpointNotAllowed      Reason = policy.CodeEndpointNotAllowed
	ReasonInsufficientPermissions Reason = policy.CodeInsufficientPermissions
	ReasonRateLimitExceeded       Reason = "rate_limit_exceeded"
	ReasonInternalError           Reason = "internal_error"
)

var reasonStatus = map[Reason]int{
	ReasonHTTPSRequired:           http.StatusForbidden,
	ReasonAPIKeyMissing:           http.StatusUnauthorized,
	ReasonAPIKeyInvalidFormat:     http.StatusUnauthorized,
	ReasonAPIKeyInvalid:           http.StatusUnauthorized,
	ReasonAPIKeyExpired:           http.StatusUnauthorized,
	ReasonOriginRequired:          http.StatusForbidden,
	ReasonIPNotAllowed:            http.StatusForbidden,
	ReasonDomainNotAllowed:        http.StatusForbidden,
	ReasonEndpointBlocked:         http.StatusForbidden,
	ReasonEndpointNotAllowed:      http.StatusForbidden,
	ReasonInsufficientPermissions: http.StatusForbidden,
	ReasonRateLimitExceeded:       http.StatusTooManyRequests,
	ReasonInternalError:           http.StatusInternalServerError,
}

// Status returns the HTTP status for r. Unknown reasons map to 500.
func (r Reason) Status() int {
	if s, ok := reasonStatus[r]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// eventTypes names the security event recorded for each reason.
var eventTypes = map[Reason]string{
	ReasonHTTPSRequired:           "https_required",
	ReasonAPIKeyMissing:           "missing_api_key",
	ReasonAPIKeyInvalidFormat:     "invalid_api_key_format",
	ReasonAPIKeyInvalid:           "invalid_api_key",
	ReasonAPIKeyExpired:           "expired_api_key",
	ReasonIPNotAllowed:            "ip_restriction_violation",
	ReasonOriginRequired:          "domain_restriction_violation",
	ReasonDomainNotAllowed:        "domain_restriction_violation",
	ReasonEndpointBlocked:         "endpoint_restriction_violation",
	ReasonEndpointNotAllowed:      "endpoint_restriction_violation",
	ReasonInsufficientPermissions: "permission_violation",
	ReasonRateLimitExceeded:       "rate_limit_exceeded",
	ReasonInternalError:           "internal_error",
}

// EventType returns the security event type recorded for r.
func (r Reason) EventType() string {
	if t, ok := eventTypes[r]; ok {
		return t
	}
	return string(r)
}

var reasonMessages = map[Reason]string{
	ReasonHTTPSRequired:       "HTTPS is required for API key authentication",
	ReasonAPIKeyMissing:       "API key is required for authentication",
	ReasonAPIKeyInvalidFormat: "Invalid API key format",
	ReasonAPIKeyInvalid:       "Invalid API key",
	ReasonAPIKeyExpired:       "API key is expired or inactive",
	ReasonInternalError:       "Authorization is temporarily unavailable",
}
