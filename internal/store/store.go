// Package store adapts the SQLite database to the key lookup and audit
// interfaces used by the authorizer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/models"
)

// SQLiteStore serves key lookups, usage accounting and audit persistence
// from a database opened with db.Open.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for window queries.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// New wraps d.
func New(d *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{db: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// FindByCredential hashes credential and returns the matching active key,
// or nil when there is none.
func (s *SQLiteStore) FindByCredential(ctx context.Context, credential string) (*models.APIKey, error) {
	k, err := db.GetActiveAPIKeyByHash(ctx, s.db, auth.HashSecret(credential))
	if err != nil {
		return nil, fmt.Errorf("find key by credential: %w", err)
	}
	return k, nil
}

// FindByID returns the key with id, or nil.
func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (*models.APIKey, error) {
	k, err := db.GetAPIKey(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("find key %d: %w", id, err)
	}
	return k, nil
}

// RecordUsage increments the key's request count and appends a usage row.
func (s *SQLiteStore) RecordUsage(ctx context.Context, id int64, clientIP string, at time.Time) error {
	if err := db.RecordKeyUsage(ctx, s.db, id, clientIP, at); err != nil {
		return fmt.Errorf("record usage for key %d: %w", id, err)
	}
	return nil
}

// CountRequestsInWindow counts usage rows for the key within the trailing
// window of the given length.
func (s *SQLiteStore) CountRequestsInWindow(ctx context.Context, id int64, minutes int) (int, error) {
	since := s.now().Add(-time.Duration(minutes) * time.Minute)
	n, err := db.CountKeyUsageSince(ctx, s.db, id, since)
	if err != nil {
		return 0, fmt.Errorf("count requests for key %d: %w", id, err)
	}
	return n, nil
}

// SecurityEvent persists e to security_events.
func (s *SQLiteStore) SecurityEvent(ctx context.Context, e audit.SecurityEvent) error {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := db.CreateSecurityEvent(ctx, s.db, &models.SecurityEvent{
		EventType: e.Type,
		Level:     string(e.Level),
		Message:   e.Message,
		IPAddress: e.IP,
		UserAgent: e.UserAgent,
		APIKeyID:  e.KeyID,
		KeyName:   e.KeyName,
		RequestID: e.RequestID,
		CreatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("persist security event: %w", err)
	}
	return nil
}

// APIRequest persists e to request_logs.
func (s *SQLiteStore) APIRequest(ctx context.Context, e audit.RequestEvent) error {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := db.CreateRequestLog(ctx, s.db, &models.RequestLog{
		APIKeyID:    e.KeyID,
		APIKeyName:  e.KeyName,
		Endpoint:    e.Endpoint,
		Method:      e.Method,
		IPAddress:   e.IP,
		UserAgent:   e.UserAgent,
		RequestData: e.RequestData,
		StatusCode:  e.StatusCode,
		Message:     e.Message,
		DurationMS:  e.DurationMS,
		MemoryBytes: e.MemoryBytes,
		CreatedAt:   at,
	})
	if err != nil {
		return fmt.Errorf("persist request log: %w", err)
	}
	return nil
}
