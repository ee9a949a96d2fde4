// Package api defines the JSON bodies exchanged with the admin API and the
// gateway's deny responses.
package api

import (
	"time"

	"github.com/rsclarke/keygate/internal/keys"
	"github.com/rsclarke/keygate/internal/models"
)

type (
	CreateKeyRequest = keys.CreateRequest
	UpdateKeyRequest = keys.UpdateRequest
)

type KeyInfo struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	OwnerID          string   `json:"owner_id,omitempty"`
	Prefix           string   `json:"prefix"`
	Capabilities     []string `json:"capabilities"`
	RateLimit        int      `json:"rate_limit"`
	AllowedIPs       []string `json:"allowed_ips,omitempty"`
	AllowedDomains   []string `json:"allowed_domains,omitempty"`
	AllowedEndpoints []string `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints []string `json:"blocked_endpoints,omitempty"`
	Status           string   `json:"status"`
	ExpiresAt        *string  `json:"expires_at"`
	LastUsedAt       *string  `json:"last_used_at"`
	LastUsedIP       string   `json:"last_used_ip,omitempty"`
	RequestCount     int64    `json:"request_count"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// NewKeyInfo converts a stored key to its wire form. The hash is never
// included.
func NewKeyInfo(k *models.APIKey) KeyInfo {
	caps := make([]string, 0, len(k.Capabilities))
	for _, c := range k.Capabilities {
		caps = append(caps, string(c))
	}
	return KeyInfo{
		ID:               k.ID,
		Name:             k.Name,
		OwnerID:          k.OwnerID,
		Prefix:           k.KeyPrefix,
		Capabilities:     caps,
		RateLimit:        k.RateLimit,
		AllowedIPs:       k.AllowedIPs,
		AllowedDomains:   k.AllowedDomains,
		AllowedEndpoints: k.AllowedEndpoints,
		BlockedEndpoints: k.BlockedEndpoints,
		Status:           string(k.Status),
		ExpiresAt:        formatPtr(k.ExpiresAt),
		LastUsedAt:       formatPtr(k.LastUsedAt),
		LastUsedIP:       k.LastUsedIP,
		RequestCount:     k.RequestCount,
		CreatedAt:        Timestamp(k.CreatedAt),
		UpdatedAt:        Timestamp(k.UpdatedAt),
	}
}

// Timestamp formats t as RFC 3339 in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := Timestamp(*t)
	return &s
}

type CreateKeyResponse struct {
	Key    KeyInfo `json:"key"`
	Secret string  `json:"secret"`
}

type ListKeysResponse struct {
	Keys []KeyInfo `json:"keys"`
}

type DeleteKeyResponse struct {
	Deleted bool `json:"deleted"`
}

type RequestLogInfo struct {
	ID          int64   `json:"id"`
	APIKeyID    int64   `json:"api_key_id,omitempty"`
	APIKeyName  string  `json:"api_key_name,omitempty"`
	Endpoint    string  `json:"endpoint"`
	Method      string  `json:"method"`
	IPAddress   string  `json:"ip_address"`
	UserAgent   string  `json:"user_agent,omitempty"`
	RequestData string  `json:"request_data,omitempty"`
	StatusCode  int     `json:"status_code"`
	Message     string  `json:"message,omitempty"`
	DurationMS  float64 `json:"duration_ms"`
	MemoryBytes int64   `json:"memory_bytes"`
	CreatedAt   string  `json:"created_at"`
}

type ListLogsResponse struct {
	Logs []RequestLogInfo `json:"logs"`
}

type SecurityEventInfo struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent,omitempty"`
	APIKeyID  *int64 `json:"api_key_id,omitempty"`
	KeyName   string `json:"key_name,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListSecurityEventsResponse struct {
	Events []SecurityEventInfo `json:"events"`
}

type DailyStat struct {
	Day            string  `json:"day"`
	Total          int     `json:"total"`
	UniqueKeys     int     `json:"unique_keys"`
	UniqueIPs      int     `json:"unique_ips"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	AvgMemoryBytes float64 `json:"avg_memory_bytes"`
}

type EndpointStat struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

type ErrorRate struct {
	Day    string  `json:"day"`
	Total  int     `json:"total"`
	Errors int     `json:"errors"`
	Rate   float64 `json:"rate"`
}

type StatsResponse struct {
	Days         int            `json:"days"`
	ActiveKeys   int            `json:"active_keys"`
	Daily        []DailyStat    `json:"daily"`
	TopEndpoints []EndpointStat `json:"top_endpoints"`
	ErrorRates   []ErrorRate    `json:"error_rates"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// DenyResponse is the body the gateway writes for a denied request.
type DenyResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Data    DenyData `json:"data"`
}

type DenyData struct {
	Status int `json:"status"`
}

// TestResponse answers the gateway's key test endpoint.
type TestResponse struct {
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	APIKeyName string `json:"api_key_name"`
	RateLimit  int    `json:"rate_limit"`
	Remaining  int    `json:"remaining"`
}
