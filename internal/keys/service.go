// Package keys issues and manages API keys.
package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/logging"
	"github.com/rsclarke/keygate/internal/models"
)

var (
	// ErrNotFound is returned when no key has the requested id.
	ErrNotFound = errors.New("api key not found")
	// ErrInvalidTransition is returned for a status change the key cannot make.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest wraps every rejected create or update field.
	ErrInvalidRequest = errors.New("invalid request")
)

// Defaults are applied to fields a create request leaves unset.
type Defaults struct {
	RateLimit  int
	KeyLength  int
	ExpiryDays int
}

// CreateRequest describes a key to issue.
type CreateRequest struct {
	Name             string     `json:"name" validate:"required,max=255"`
	OwnerID          string     `json:"owner_id,omitempty" validate:"max=255"`
	Capabilities     []string   `json:"capabilities,omitempty" validate:"dive,oneof=read write delete"`
	RateLimit        *int       `json:"rate_limit,omitempty" validate:"omitempty,min=0"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty"`
	AllowedDomains   []string   `json:"allowed_domains,omitempty"`
	AllowedEndpoints []string   `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints []string   `json:"blocked_endpoints,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	NoExpiry         bool       `json:"no_expiry,omitempty"`
}

// UpdateRequest changes the fields that are set.
type UpdateRequest struct {
	Name             *string    `json:"name,omitempty" validate:"omitempty,max=255"`
	Capabilities     *[]string  `json:"capabilities,omitempty" validate:"omitempty,dive,oneof=read write delete"`
	RateLimit        *int       `json:"rate_limit,omitempty" validate:"omitempty,min=0"`
	AllowedIPs       *[]string  `json:"allowed_ips,omitempty"`
	AllowedDomains   *[]string  `json:"allowed_domains,omitempty"`
	AllowedEndpoints *[]string  `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints *[]string  `json:"blocked_endpoints,omitempty"`
	Status           *string    `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ClearExpiry      bool       `json:"clear_expiry,omitempty"`
}

// Issued is a newly created key. Secret is the plaintext credential and is
// never retrievable again.
type Issued struct {
	Key    *models.APIKey
	Secret string
}

// Service manages API keys in the database.
type Service struct {
	db       *sql.DB
	defaults Defaults
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("keys") }
}

// NewService returns a Service over d.
func NewService(d *sql.DB, defaults Defaults, opts ...Option) *Service {
	if defaults.KeyLength < auth.MinKeyLength {
		defaults.KeyLength = auth.DefaultKeyLength
	}
	s := &Service{
		db:       d,
		defaults: defaults,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new active key.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	req.Name = SanitizeName(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	allowedIPs, err := sanitizeField("allowed_ips", req.AllowedIPs, SanitizeIPs)
	if err != nil {
		return nil, err
	}
	allowedDomains, err := sanitizeField("allowed_domains", req.AllowedDomains, SanitizeDomains)
	if err != nil {
		return nil, err
	}
	allowedEndpoints, err := sanitizeField("allowed_endpoints", req.AllowedEndpoints, SanitizeEndpoints)
	if err != nil {
		return nil, err
	}
	blockedEndpoints, err := sanitizeField("blocked_endpoints", req.BlockedEndpoints, SanitizeEndpoints)
	if err != nil {
		return nil, err
	}

	secret, prefix, hash, err := auth.GenerateAPIKey(s.defaults.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	k := &models.APIKey{
		Name:             req.Name,
		OwnerID:          req.OwnerID,
		KeyPrefix:        prefix,
		KeyHash:          hash,
		Capabilities:     models.NewCapabilities(req.Capabilities...),
		RateLimit:        s.defaults.RateLimit,
		AllowedIPs:       allowedIPs,
		AllowedDomains:   allowedDomains,
		AllowedEndpoints: allowedEndpoints,
		BlockedEndpoints: blockedEndpoints,
		Status:           models.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(k.Capabilities) == 0 {
		k.Capabilities = models.Capabilities{models.CapRead}
	}
	if req.RateLimit != nil {
		k.RateLimit = *req.RateLimit
	}
	switch {
	case req.NoExpiry:
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		k.ExpiresAt = &t
	case s.defaults.ExpiryDays > 0:
		t := now.AddDate(0, 0, s.defaults.ExpiryDays)
		k.ExpiresAt = &t
	}

	id, err := db.CreateAPIKey(ctx, s.db, k)
	if err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	k.ID = id

	s.logger.Info("api key created", logging.KeyID(id), logging.KeyName(k.Name), logging.KeyPrefix(prefix))
	return &Issued{Key: k, Secret: secret}, nil
}

// List returns keys matching f.
func (s *Service) List(ctx context.Context, f db.APIKeyFilter) ([]models.APIKey, error) {
	keys, err := db.ListAPIKeys(ctx, s.db, f)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Get returns the key with id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*models.APIKey, error) {
	k, err := db.GetAPIKey(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if k == nil {
		return nil, ErrNotFound
	}
	return k, nil
}

// Update applies req to the key with id. Only active and inactive can be
// set as a status, and an expired key cannot change status.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*models.APIKey, error) {
	if req.Name != nil {
		name := SanitizeName(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidRequest)
		}
		req.Name = &name
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	k, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		next := models.Status(*req.Status)
		if k.Status == models.StatusExpired && next != models.StatusExpired {
			return nil, fmt.Errorf("%w: key %d is expired", ErrInvalidTransition, id)
		}
		k.Status = next
	}
	if req.Name != nil {
		k.Name = *req.Name
	}
	if req.Capabilities != nil {
		k.Capabilities = models.NewCapabilities(*req.Capabilities...)
		if len(k.Capabilities) == 0 {
			k.Capabilities = models.Capabilities{models.CapRead}
		}
	}
	if req.RateLimit != nil {
		k.RateLimit = *req.RateLimit
	}
	if req.AllowedIPs != nil {
		if k.AllowedIPs, err = sanitizeField("allowed_ips", *req.AllowedIPs, SanitizeIPs); err != nil {
			return nil, err
		}
	}
	if req.AllowedDomains != nil {
		if k.AllowedDomains, err = sanitizeField("allowed_domains", *req.AllowedDomains, SanitizeDomains); err != nil {
			return nil, err
		}
	}
	if req.AllowedEndpoints != nil {
		if k.AllowedEndpoints, err = sanitizeField("allowed_endpoints", *req.AllowedEndpoints, SanitizeEndpoints); err != nil {
			return nil, err
		}
	}
	if req.BlockedEndpoints != nil {
		if k.BlockedEndpoints, err = sanitizeField("blocked_endpoints", *req.BlockedEndpoints, SanitizeEndpoints); err != nil {
			return nil, err
		}
	}
	switch {
	case req.ClearExpiry:
		k.ExpiresAt = nil
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		k.ExpiresAt = &t
	}
	k.UpdatedAt = s.now().UTC()

	if err := db.UpdateAPIKey(ctx, s.db, k); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update api key: %w", err)
	}
	s.logger.Info("api key updated", logging.KeyID(id), logging.KeyName(k.Name))
	return k, nil
}

// Revoke deactivates the key with id.
func (s *Service) Revoke(ctx context.Context, id int64) (*models.APIKey, error) {
	status := string(models.StatusInactive)
	return s.Update(ctx, id, UpdateRequest{Status: &status})
}

// Delete removes the key with id and its usage history.
func (s *Service) Delete(ctx context.Context, id int64) error {
	deleted, err := db.DeleteAPIKey(ctx, s.db, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	s.logger.Info("api key deleted", logging.KeyID(id))
	return nil
}

func sanitizeField(field string, entries []string, sanitize func([]string) ([]string, error)) ([]string, error) {
	out, err := sanitize(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}
	return out, nil
}
