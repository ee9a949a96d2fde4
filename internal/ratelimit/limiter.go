// Package ratelimit enforces per-key hourly request budgets with a short-TTL
// counter cache in front of the durable usage count.
//
// The cache answers most checks without touching the store. With the
// process-local backend each process keeps its own counters, so the budget
// enforced across N processes can exceed the nominal limit by up to N times
// the requests admitted within one cache TTL. RedisCache shares the counter
// between processes to tighten that bound.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/logging"
	"github.com/rsclarke/keygate/internal/models"
)

const (
	// CacheTTL is how long a cached count stays authoritative.
	CacheTTL = 60 * time.Second
	// WindowMinutes is the trailing window the budget applies to.
	WindowMinutes = 60
)

// Outcome is the answer a cache gives to Take.
type Outcome int

// Take outcomes.
const (
	// Miss means no fresh entry exists and the store must be consulted.
	Miss Outcome = iota
	// Admitted means the fresh entry was below the limit and was incremented.
	Admitted
	// Exhausted means the fresh entry has reached the limit.
	Exhausted
)

// Cache holds per-key window counts.
type Cache interface {
	// Take consults the fresh entry for keyID, incrementing it when it is
	// below limit.
	Take(ctx context.Context, keyID int64, limit int) (Outcome, error)
	// Seed stores a fresh entry with count.
	Seed(ctx context.Context, keyID int64, count int) error
}

// Counter returns the durable request count for a key.
type Counter interface {
	CountRequestsInWindow(ctx context.Context, id int64, minutes int) (int, error)
}

// Source names the tier that answered a check.
type Source string

// Sources.
const (
	SourceUnlimited Source = "unlimited"
	SourceCache     Source = "cache"
	SourceStore     Source = "store"
)

// Result is the outcome of Allow.
type Result struct {
	Allowed bool
	Limit   int
	Source  Source
}

// Limiter combines a Cache with the durable Counter.
type Limiter struct {
	cache   Cache
	counter Counter
	logger  *zap.Logger
}

// New returns a Limiter. A nil logger disables logging.
func New(cache Cache, counter Counter, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{cache: cache, counter: counter, logger: logger.Named("ratelimit")}
}

// Allow decides whether key may make one more request. A cache failure falls
// through to the store; a store failure is returned and the caller must deny.
func (l *Limiter) Allow(ctx context.Context, key *models.APIKey) (Result, error) {
	limit := key.RateLimit
	if limit <= 0 {
		return Result{Allowed: true, Limit: 0, Source: SourceUnlimited}, nil
	}

	outcome, err := l.cache.Take(ctx, key.ID, limit)
	if err != nil {
		l.logger.Warn("rate cache unavailable, using store", logging.KeyID(key.ID), zap.Error(err))
		outcome = Miss
	}
	switch outcome {
	case Admitted:
		return Result{Allowed: true, Limit: limit, Source: SourceCache}, nil
	case Exhausted:
		return Result{Allowed: false, Limit: limit, Source: SourceCache}, nil
	}

	count, err := l.counter.CountRequestsInWindow(ctx, key.ID, WindowMinutes)
	if err != nil {
		return Result{}, fmt.Errorf("count requests: %w", err)
	}
	if count >= limit {
		return Result{Allowed: false, Limit: limit, Source: SourceStore}, nil
	}
	if err := l.cache.Seed(ctx, key.ID, count+1); err != nil {
		l.logger.Warn("seed rate cache", logging.KeyID(key.ID), zap.Error(err))
	}
	return Result{Allowed: true, Limit: limit, Source: SourceStore}, nil
}
