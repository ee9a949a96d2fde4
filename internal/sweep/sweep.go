// Package sweep runs periodic maintenance on the key store: expiring keys
// past their expiry and pruning old logs, usage rows and cache entries.
package sweep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/db"
	keymetrics "github.com/rsclarke/keygate/internal/metrics"
)

// UsageRetention is how long per-request usage rows are kept. Only the
// trailing rate window is ever counted.
const UsageRetention = 24 * time.Hour

// CachePruner drops stale rate cache entries.
type CachePruner interface {
	Prune() int
}

// Config controls a Sweeper.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@daily". Empty
	// disables scheduled runs.
	Schedule string
	// RetentionDays bounds the age of request logs and security events.
	// Zero keeps them forever.
	RetentionDays int
}

// Result counts the rows a run touched.
type Result struct {
	ExpiredKeys    int64
	RequestLogs    int64
	SecurityEvents int64
	KeyUsage       int64
	CacheEntries   int64
}

func (r Result) rows() map[string]int64 {
	return map[string]int64{
		"expired_keys":    r.ExpiredKeys,
		"request_logs":    r.RequestLogs,
		"security_events": r.SecurityEvents,
		"key_usage":       r.KeyUsage,
		"cache_entries":   r.CacheEntries,
	}
}

// Sweeper performs maintenance runs, on demand or on a cron schedule.
type Sweeper struct {
	db      *sql.DB
	cfg     Config
	cache   CachePruner
	metrics *keymetrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithCache prunes c on every run.
func WithCache(c CachePruner) Option {
	return func(s *Sweeper) { s.cache = c }
}

// WithMetrics records runs to m.
func WithMetrics(m *keymetrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) { s.logger = l.Named("sweep") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New returns a Sweeper over d.
func New(d *sql.DB, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		db:     d,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs one maintenance pass. Every step is attempted; failures
// are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
		err  error
	)
	now := s.now()

	if res.ExpiredKeys, err = db.ExpireAPIKeys(ctx, s.db, now); err != nil {
		errs = append(errs, fmt.Errorf("expire keys: %w", err))
	}
	if res.KeyUsage, err = db.PruneKeyUsage(ctx, s.db, now.Add(-UsageRetention)); err != nil {
		errs = append(errs, fmt.Errorf("prune key usage: %w", err))
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
		if res.RequestLogs, err = db.PruneRequestLogs(ctx, s.db, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("prune request logs: %w", err))
		}
		if res.SecurityEvents, err = db.PruneSecurityEvents(ctx, s.db, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("prune security events: %w", err))
		}
	}
	if s.cache != nil {
		res.CacheEntries = int64(s.cache.Prune())
	}

	err = errors.Join(errs...)
	s.metrics.RecordSweep(err, res.rows())
	return res, err
}

// Start schedules RunOnce on cfg.Schedule until ctx is cancelled or Stop is
// called. An empty schedule is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Schedule == "" {
		s.logger.Info("sweep schedule not configured")
		return nil
	}
	if s.running {
		return errors.New("sweeper already running")
	}
	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("retention_days", s.cfg.RetentionDays),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("sweep completed",
		zap.Int64("expired_keys", res.ExpiredKeys),
		zap.Int64("request_logs", res.RequestLogs),
		zap.Int64("security_events", res.SecurityEvents),
		zap.Int64("key_usage", res.KeyUsage),
		zap.Int64("cache_entries", res.CacheEntries),
	)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweeper stopped")
}

// NextRun returns the next scheduled run, or nil when not running.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
