// Package policy evaluates a key's restrictions and capabilities against a
// request.
package policy

import (
	"github.com/rsclarke/keygate/internal/match"
	"github.com/rsclarke/keygate/internal/models"
)

// Violation codes.
const (
	CodeIPNotAllowed            = "ip_not_allowed"
	CodeOriginRequired          = "origin_required"
	CodeDomainNotAllowed        = "domain_not_allowed"
	CodeEndpointBlocked         = "endpoint_blocked"
	CodeEndpointNotAllowed      = "endpoint_not_allowed"
	CodeInsufficientPermissions = "insufficient_permissions"
)

// Violation is a failed restriction or permission check.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string { return v.Code + ": " + v.Message }

// Evaluate checks the key's IP, domain and endpoint restrictions in that
// order and returns the first violation, or nil.
func Evaluate(key *models.APIKey, rc *models.RequestContext) *Violation {
	if v := CheckIP(key.AllowedIPs, rc.ClientIP); v != nil {
		return v
	}
	if v := CheckDomain(key.AllowedDomains, rc.Origin); v != nil {
		return v
	}
	return CheckEndpoint(key.AllowedEndpoints, key.BlockedEndpoints, rc.Endpoint)
}

// CheckIP requires ip to match an entry of allowed when allowed is non-empty.
func CheckIP(allowed []string, ip string) *Violation {
	if len(allowed) == 0 {
		return nil
	}
	for _, entry := range allowed {
		if match.IPMatches(ip, entry) {
			return nil
		}
	}
	return &Violation{Code: CodeIPNotAllowed, Message: "Your IP address is not allowed to use this API key"}
}

// CheckDomain requires an Origin whose host matches an entry of allowed when
// allowed is non-empty.
func CheckDomain(allowed []string, origin string) *Violation {
	if len(allowed) == 0 {
		return nil
	}
	if origin == "" {
		return &Violation{Code: CodeOriginRequired, Message: "Origin header is required for this API key"}
	}
	host := match.OriginHost(origin)
	for _, pattern := range allowed {
		if match.DomainMatches(host, pattern) {
			return nil
		}
	}
	return &Violation{Code: CodeDomainNotAllowed, Message: "Your domain is not allowed to use this API key"}
}

// CheckEndpoint denies endpoints matching blocked, then requires a match in
// allowed when allowed is non-empty.
func CheckEndpoint(allowed, blocked []string, endpoint string) *Violation {
	for _, pattern := range blocked {
		if pattern != "" && match.EndpointMatches(endpoint, pattern) {
			return &Violation{Code: CodeEndpointBlocked, Message: "This endpoint is blocked for your API key"}
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, pattern := range allowed {
		if pattern != "" && match.EndpointMatches(endpoint, pattern) {
			return nil
		}
	}
	return &Violation{Code: CodeEndpointNotAllowed, Message: "This endpoint is not allowed for your API key"}
}
