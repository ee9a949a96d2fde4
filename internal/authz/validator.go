package authz

import (
	"context"
	"errors"
	"time"

	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/models"
)

// Validator errors.
var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired or inactive")
)

// KeyStore is the durable key store the authorizer depends on.
type KeyStore interface {
	// FindByCredential returns the active key for credential, or nil.
	FindByCredential(ctx context.Context, credential string) (*models.APIKey, error)
	// FindByID returns the key with id, or nil.
	FindByID(ctx context.Context, id int64) (*models.APIKey, error)
	// RecordUsage atomically bumps request_count and sets last-used fields.
	RecordUsage(ctx context.Context, id int64, clientIP string, at time.Time) error
	// CountRequestsInWindow counts requests in the trailing window.
	CountRequestsInWindow(ctx context.Context, id int64, minutes int) (int, error)
}

// Validator checks credentials against a KeyStore.
type Validator struct {
	store KeyStore
}

// NewValidator returns a Validator backed by store.
func NewValidator(store KeyStore) *Validator {
	return &Validator{store: store}
}

// ValidateFormat reports whether credential is shaped like an issued key.
func (v *Validator) ValidateFormat(credential string) bool {
	return auth.ValidateFormat(credential)
}

// Resolve returns the active key for credential. It returns ErrKeyNotFound
// when none matches; store errors are returned as-is.
func (v *Validator) Resolve(ctx context.Context, credential string) (*models.APIKey, error) {
	k, err := v.store.FindByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// CheckLiveness returns ErrKeyExpired unless key is active and its expiry,
// if any, is after now.
func (v *Validator) CheckLiveness(key *models.APIKey, now time.Time) error {
	if key.Status != models.StatusActive {
		return ErrKeyExpired
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return ErrKeyExpired
	}
	return nil
}
