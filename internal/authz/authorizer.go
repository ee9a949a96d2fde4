// Package authz decides whether a request presenting an API key may proceed.
//
// Checks run in a fixed order and the first failure ends evaluation:
// transport, credential presence, format, resolution, liveness, IP, domain,
// endpoint, permission, rate limit. Store failures deny with internal_error.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/metrics"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/logging"
	keymetrics "github.com/rsclarke/keygate/internal/metrics"
	"github.com/rsclarke/keygate/internal/models"
	"github.com/rsclarke/keygate/internal/policy"
	"github.com/rsclarke/keygate/internal/ratelimit"
)

const tracerName = "github.com/rsclarke/keygate/internal/authz"

// Decision is the result of one authorization.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Status    int
	Message   string
	Key       *models.APIKey
	RateLimit int
	Remaining int
	RequestID string
}

// Config holds the authorizer's policy switches.
type Config struct {
	RequireHTTPS bool
	LogRequests  bool
}

// Authorizer runs the decision pipeline.
type Authorizer struct {
	cfg       Config
	store     KeyStore
	validator *Validator
	limiter   *ratelimit.Limiter
	sink      audit.Sink
	metrics   *keymetrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// WithMetrics records decisions to m.
func WithMetrics(m *keymetrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Authorizer) { a.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authorizer) { a.logger = l.Named("authz") }
}

// New returns an Authorizer. A nil sink discards events.
func New(cfg Config, store KeyStore, limiter *ratelimit.Limiter, sink audit.Sink, opts ...Option) *Authorizer {
	if sink == nil {
		sink = audit.Discard{}
	}
	a := &Authorizer{
		cfg:       cfg,
		store:     store,
		validator: NewValidator(store),
		limiter:   limiter,
		sink:      sink,
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize evaluates rc. Missing ID, start time and allocation sample are
// filled in.
func (a *Authorizer) Authorize(ctx context.Context, rc *models.RequestContext) Decision {
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	if rc.StartedAt.IsZero() {
		rc.StartedAt = a.now()
	}
	if rc.StartAlloc == 0 {
		rc.StartAlloc = SampleAllocs()
	}

	ctx, span := a.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("keygate.request_id", rc.ID),
		attribute.String("http.request.method", rc.Method),
		attribute.String("keygate.endpoint", rc.Endpoint),
	))
	defer span.End()

	d := a.decide(ctx, rc)
	d.RequestID = rc.ID

	span.SetAttributes(attribute.Bool("keygate.allowed", d.Allowed))
	if d.Key != nil {
		span.SetAttributes(attribute.Int64("keygate.key_id", d.Key.ID))
	}
	if !d.Allowed {
		span.SetAttributes(attribute.String("keygate.reason", string(d.Reason)))
	}
	a.metrics.RecordDecision(d.Allowed, string(d.Reason), a.now().Sub(rc.StartedAt))
	return d
}

func (a *Authorizer) decide(ctx context.Context, rc *models.RequestContext) Decision {
	if a.cfg.RequireHTTPS && !rc.Secure {
		return a.deny(ctx, rc, nil, ReasonHTTPSRequired, "",
			"HTTPS required but request made over HTTP")
	}

	if rc.Credential == "" {
		return a.deny(ctx, rc, nil, ReasonAPIKeyMissing, "",
			"API key missing from request")
	}
	if !a.validator.ValidateFormat(rc.Credential) {
		return a.deny(ctx, rc, nil, ReasonAPIKeyInvalidFormat, "",
			"Invalid API key format provided")
	}

	key, err := a.validator.Resolve(ctx, rc.Credential)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return a.deny(ctx, rc, nil, ReasonAPIKeyInvalid, "",
			"Invalid API key used")
	case err != nil:
		return a.fail(ctx, rc, nil, "find_by_credential", err)
	}

	if err := a.validator.CheckLiveness(key, a.now()); err != nil {
		return a.deny(ctx, rc, key, ReasonAPIKeyExpired, "",
			"Expired or inactive API key used: "+key.Name)
	}

	if v := policy.Evaluate(key, rc); v != nil {
		return a.deny(ctx, rc, key, Reason(v.Code), v.Message, restrictionEvent(v, key, rc))
	}
	if v := policy.CheckPermission(key, rc.Method); v != nil {
		return a.deny(ctx, rc, key, Reason(v.Code), v.Message,
			fmt.Sprintf("Permission violation for API key: %s method: %s", key.Name, rc.Method))
	}

	res, err := a.limiter.Allow(ctx, key)
	if err != nil {
		return a.fail(ctx, rc, key, "count_requests", err)
	}
	a.metrics.RecordRateLimitCheck(string(res.Source), res.Allowed)
	if !res.Allowed {
		return a.deny(ctx, rc, key, ReasonRateLimitExceeded,
			fmt.Sprintf("Rate limit exceeded. Maximum %d requests per hour allowed.", key.RateLimit),
			"Rate limit exceeded for API key: "+key.Name)
	}

	return a.allow(ctx, rc, key)
}

func restrictionEvent(v *policy.Violation, key *models.APIKey, rc *models.RequestContext) string {
	switch v.Code {
	case policy.CodeIPNotAllowed:
		return fmt.Sprintf("IP restriction violation for API key: %s from IP: %s", key.Name, rc.ClientIP)
	case policy.CodeOriginRequired, policy.CodeDomainNotAllowed:
		return fmt.Sprintf("Domain restriction violation for API key: %s from origin: %s", key.Name, rc.Origin)
	default:
		return fmt.Sprintf("Endpoint restriction violation for API key: %s accessing: %s", key.Name, rc.Endpoint)
	}
}

func (a *Authorizer) allow(ctx context.Context, rc *models.RequestContext, key *models.APIKey) Decision {
	if err := a.store.RecordUsage(ctx, key.ID, rc.ClientIP, a.now()); err != nil {
		return a.fail(ctx, rc, key, "record_usage", err)
	}

	d := Decision{
		Allowed:   true,
		Status:    http.StatusOK,
		Message:   "Authentication successful",
		Key:       key,
		RateLimit: key.RateLimit,
	}
	if key.RateLimit > 0 {
		used, err := a.store.CountRequestsInWindow(ctx, key.ID, ratelimit.WindowMinutes)
		if err != nil {
			a.metrics.RecordStoreError("count_requests")
			a.logger.Warn("count requests for remaining budget", logging.KeyID(key.ID), zap.Error(err))
		} else {
			d.Remaining = max(0, key.RateLimit-used)
		}
	}

	if a.cfg.LogRequests {
		a.emitRequest(ctx, rc, key, d.Status, d.Message)
	}
	return d
}

func (a *Authorizer) deny(ctx context.Context, rc *models.RequestContext, key *models.APIKey, reason Reason, message, event string) Decision {
	if message == "" {
		message = reasonMessages[reason]
	}
	d := Decision{Reason: reason, Status: reason.Status(), Message: message, Key: key}

	a.emitSecurity(ctx, rc, key, reason, audit.LevelWarning, event)
	if key != nil && a.cfg.LogRequests {
		a.emitRequest(ctx, rc, key, d.Status, message)
	}
	return d
}

func (a *Authorizer) fail(ctx context.Context, rc *models.RequestContext, key *models.APIKey, op string, err error) Decision {
	a.metrics.RecordStoreError(op)
	a.logger.Error("key store failure", zap.String("operation", op), logging.RequestID(rc.ID), zap.Error(err))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
	}

	reason := ReasonInternalError
	a.emitSecurity(ctx, rc, key, reason, audit.LevelError, "Key store failure during "+op)
	return Decision{Reason: reason, Status: reason.Status(), Message: reasonMessages[reason], Key: key}
}

func (a *Authorizer) emitSecurity(ctx context.Context, rc *models.RequestContext, key *models.APIKey, reason Reason, level audit.Level, message string) {
	e := audit.SecurityEvent{
		Type:      reason.EventType(),
		Reason:    string(reason),
		Level:     level,
		Message:   message,
		IP:        rc.ClientIP,
		UserAgent: rc.UserAgent,
		RequestID: rc.ID,
		At:        a.now(),
	}
	if key != nil {
		id := key.ID
		e.KeyID = &id
		e.KeyName = key.Name
	}
	if err := a.sink.SecurityEvent(ctx, e); err != nil {
		a.logger.Warn("emit security event", logging.EventType(e.Type), zap.Error(err))
	}
}

func (a *Authorizer) emitRequest(ctx context.Context, rc *models.RequestContext, key *models.APIKey, status int, message string) {
	now := a.now()
	e := audit.RequestEvent{
		KeyID:       key.ID,
		KeyName:     key.Name,
		Endpoint:    rc.Endpoint,
		Method:      rc.Method,
		StatusCode:  status,
		Message:     message,
		IP:          rc.ClientIP,
		UserAgent:   rc.UserAgent,
		RequestData: rc.RequestData,
		DurationMS:  float64(now.Sub(rc.StartedAt).Microseconds()) / 1000,
		RequestID:   rc.ID,
		At:          now,
	}
	if cur := SampleAllocs(); cur > rc.StartAlloc {
		e.MemoryBytes = int64(cur - rc.StartAlloc)
	}
	if err := a.sink.APIRequest(ctx, e); err != nil {
		a.logger.Warn("emit request event", logging.KeyID(key.ID), zap.Error(err))
	}
}

const heapAllocsMetric = "/gc/heap/allocs:bytes"

// SampleAllocs returns cumulative heap bytes allocated by the process. The
// difference between two samples approximates a request's allocations.
func SampleAllocs() uint64 {
	s := []metrics.Sample{{Name: heapAllocsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
