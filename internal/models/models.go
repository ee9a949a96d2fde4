// Package models defines the database entity types.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of an API key.
type Status string

// Key statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired:
		return true
	}
	return false
}

// Capability is a permission granted to an API key.
type Capability string

// Capabilities understood by the permission checker.
const (
	CapRead   Capability = "read"
	CapWrite  Capability = "write"
	CapDelete Capability = "delete"
)

// Capabilities is the set of capabilities granted to a key. Order carries no
// meaning. An empty set grants everything.
type Capabilities []Capability

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool {
	for _, v := range cs {
		if v == c {
			return true
		}
	}
	return false
}

// ParseCapabilities decodes the stored JSON array form. A value that cannot
// be decoded yields an empty (unrestricted) set.
func ParseCapabilities(raw string) Capabilities {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	return NewCapabilities(names...)
}

// NewCapabilities builds a de-duplicated set from names, lowercased.
func NewCapabilities(names ...string) Capabilities {
	var cs Capabilities
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		if c == "" || cs.Has(c) {
			continue
		}
		cs = append(cs, c)
	}
	return cs
}

// Encode returns the JSON array stored in the database.
func (cs Capabilities) Encode() string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, string(c))
	}
	b, _ := json.Marshal(names)
	return string(b)
}

// APIKey represents an API key record in the database.
type APIKey struct {
	ID               int64
	Name             string
	OwnerID          string
	KeyPrefix        string
	KeyHash          []byte
	Capabilities     Capabilities
	RateLimit        int
	AllowedIPs       []string
	AllowedDomains   []string
	AllowedEndpoints []string
	BlockedEndpoints []string
	Status           Status
	ExpiresAt        *time.Time
	LastUsedAt       *time.Time
	LastUsedIP       string
	RequestCount     int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SplitList parses a comma-joined restriction column into its entries,
// dropping blanks.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinList is the inverse of SplitList.
func JoinList(entries []string) string {
	return strings.Join(entries, ", ")
}

// RequestContext carries the per-request inputs of one authorization
// decision. It is never persisted.
type RequestContext struct {
	ID          string
	Credential  string
	ClientIP    string
	Origin      string
	Method      string
	Endpoint    string
	UserAgent   string
	RequestData string // redacted query parameters, JSON
	Secure      bool
	StartedAt   time.Time
	StartAlloc  uint64
}

// RequestLog is a recorded authorized request.
type RequestLog struct {
	ID          int64
	APIKeyID    int64
	APIKeyName  string
	Endpoint    string
	Method      string
	IPAddress   string
	UserAgent   string
	RequestData string
	StatusCode  int
	Message     string
	DurationMS  float64
	MemoryBytes int64
	CreatedAt   time.Time
}

// SecurityEvent is a recorded denial or other security-relevant event.
type SecurityEvent struct {
	ID        int64
	EventType string
	Level     string
	Message   string
	IPAddress string
	UserAgent string
	APIKeyID  *int64
	KeyName   string
	RequestID string
	CreatedAt time.Time
}

// DailyStat aggregates request logs for one UTC day.
type DailyStat struct {
	Day            string
	Total          int
	UniqueKeys     int
	UniqueIPs      int
	AvgDurationMS  float64
	AvgMemoryBytes float64
}

// EndpointStat is a request count for one endpoint.
type EndpointStat struct {
	Endpoint string
	Count    int
}

// ErrorRate is the share of responses with status >= 400 on one UTC day.
type ErrorRate struct {
	Day    string
	Total  int
	Errors int
	Rate   float64
}
