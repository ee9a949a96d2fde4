package authz

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	keymetrics "github.com/rsclarke/keygate/internal/metrics"
	"github.com/rsclarke/keygate/internal/models"
	"github.com/rsclarke/keygate/internal/ratelimit"
	"github.com/rsclarke/keygate/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu       sync.Mutex
	security []audit.SecurityEvent
	requests []audit.RequestEvent
}

func (r *recordingSink) SecurityEvent(_ context.Context, e audit.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.security = append(r.security, e)
	return nil
}

func (r *recordingSink) APIRequest(_ context.Context, e audit.RequestEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, e)
	return nil
}

func (r *recordingSink) lastSecurity(t *testing.T) audit.SecurityEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.security)
	return r.security[len(r.security)-1]
}

type harness struct {
	authz *Authorizer
	store *store.SQLiteStore
	clock *testClock
	sink  *recordingSink
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "authz.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := store.New(d, store.WithClock(clock.now))
	sink := &recordingSink{}
	limiter := ratelimit.New(ratelimit.NewLocalCache(clock.now), s, nil)
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return &harness{
		authz: New(cfg, s, limiter, sink, opts...),
		store: s,
		clock: clock,
		sink:  sink,
	}
}

func (h *harness) issue(t *testing.T, mutate func(*models.APIKey)) (string, *models.APIKey) {
	t.Helper()
	credential, prefix, hash, err := auth.GenerateAPIKey(auth.DefaultKeyLength)
	require.NoError(t, err)
	k := &models.APIKey{
		Name:         "test-key",
		KeyPrefix:    prefix,
		KeyHash:      hash,
		Capabilities: models.Capabilities{models.CapRead},
		RateLimit:    1000,
		Status:       models.StatusActive,
		CreatedAt:    h.clock.now(),
	}
	if mutate != nil {
		mutate(k)
	}
	k.ID, err = db.CreateAPIKey(context.Background(), h.store.DB(), k)
	require.NoError(t, err)
	return credential, k
}

func secureRequest(credential, method, endpoint string) *models.RequestContext {
	return &models.RequestContext{
		Credential: credential,
		ClientIP:   "203.0.113.10",
		Method:     method,
		Endpoint:   endpoint,
		UserAgent:  "keygate-test",
		Secure:     true,
	}
}

func TestReasonStatuses(t *testing.T) {
	tests := map[Reason]int{
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
		Reason("something_new"):       http.StatusInternalServerError,
	}
	for reason, want := range tests {
		assert.Equal(t, want, reason.Status(), string(reason))
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	h := newHarness(t, Config{RequireHTTPS: true, LogRequests: true})
	credential, key := h.issue(t, func(k *models.APIKey) { k.RateLimit = 10 })

	first := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	require.True(t, first.Allowed, "reason=%s", first.Reason)
	assert.Equal(t, http.StatusOK, first.Status)
	assert.Equal(t, key.ID, first.Key.ID)
	assert.Equal(t, 10, first.RateLimit)
	assert.Equal(t, 9, first.Remaining)
	assert.NotEmpty(t, first.RequestID)

	second := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	require.True(t, second.Allowed)
	assert.Equal(t, first.Remaining-1, second.Remaining)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	stored, err := h.store.FindByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.RequestCount)
	assert.Equal(t, "203.0.113.10", stored.LastUsedIP)
	require.NotNil(t, stored.LastUsedAt)

	require.Len(t, h.sink.requests, 2)
	assert.Equal(t, http.StatusOK, h.sink.requests[0].StatusCode)
	assert.Equal(t, "wp/v2/posts", h.sink.requests[0].Endpoint)
	assert.Empty(t, h.sink.security)
}

func TestAuthorizeUnlimitedKeyRemaining(t *testing.T) {
	h := newHarness(t, Config{})
	credential, _ := h.issue(t, func(k *models.APIKey) { k.RateLimit = 0 })

	d := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.RateLimit)
	assert.Equal(t, 0, d.Remaining)
}

func TestAuthorizeDenials(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		mutate    func(*models.APIKey)
		request   func(credential string) *models.RequestContext
		want      Reason
		eventType string
		withKey   bool
	}{
		{
			name: "https required before credential handling",
			cfg:  Config{RequireHTTPS: true},
			request: func(string) *models.RequestContext {
				rc := secureRequest("", "GET", "wp/v2/posts")
				rc.Secure = false
				return rc
			},
			want:      ReasonHTTPSRequired,
			eventType: "https_required",
		},
		{
			name:      "missing credential",
			request:   func(string) *models.RequestContext { return secureRequest("", "GET", "wp/v2/posts") },
			want:      ReasonAPIKeyMissing,
			eventType: "missing_api_key",
		},
		{
			name:      "bad format",
			request:   func(string) *models.RequestContext { return secureRequest("short!", "GET", "wp/v2/posts") },
			want:      ReasonAPIKeyInvalidFormat,
			eventType: "invalid_api_key_format",
		},
		{
			name: "unknown key",
			request: func(string) *models.RequestContext {
				return secureRequest(strings.Repeat("A", 64), "GET", "wp/v2/posts")
			},
			want:      ReasonAPIKeyInvalid,
			eventType: "invalid_api_key",
		},
		{
			name:      "inactive key does not resolve",
			mutate:    func(k *models.APIKey) { k.Status = models.StatusInactive },
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/posts") },
			want:      ReasonAPIKeyInvalid,
			eventType: "invalid_api_key",
		},
		{
			name: "past expiry before sweep",
			mutate: func(k *models.APIKey) {
				past := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
				k.ExpiresAt = &past
			},
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/posts") },
			want:      ReasonAPIKeyExpired,
			eventType: "expired_api_key",
			withKey:   true,
		},
		{
			name:      "ip not allowed",
			mutate:    func(k *models.APIKey) { k.AllowedIPs = []string{"10.0.0.0/8"} },
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/posts") },
			want:      ReasonIPNotAllowed,
			eventType: "ip_restriction_violation",
			withKey:   true,
		},
		{
			name:      "origin required",
			mutate:    func(k *models.APIKey) { k.AllowedDomains = []string{"*.example.com"} },
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/posts") },
			want:      ReasonOriginRequired,
			eventType: "domain_restriction_violation",
			withKey:   true,
		},
		{
			name:   "domain not allowed",
			mutate: func(k *models.APIKey) { k.AllowedDomains = []string{"*.example.com"} },
			request: func(c string) *models.RequestContext {
				rc := secureRequest(c, "GET", "wp/v2/posts")
				rc.Origin = "https://notexample.com"
				return rc
			},
			want:      ReasonDomainNotAllowed,
			eventType: "domain_restriction_violation",
			withKey:   true,
		},
		{
			name: "blocked endpoint wins over allow all",
			mutate: func(k *models.APIKey) {
				k.AllowedEndpoints = []string{"*"}
				k.BlockedEndpoints = []string{"wp/v2/users"}
			},
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/users") },
			want:      ReasonEndpointBlocked,
			eventType: "endpoint_restriction_violation",
			withKey:   true,
		},
		{
			name:      "endpoint not allowed",
			mutate:    func(k *models.APIKey) { k.AllowedEndpoints = []string{"wp/v2/posts"} },
			request:   func(c string) *models.RequestContext { return secureRequest(c, "GET", "wp/v2/users") },
			want:      ReasonEndpointNotAllowed,
			eventType: "endpoint_restriction_violation",
			withKey:   true,
		},
		{
			name:      "read key cannot post",
			request:   func(c string) *models.RequestContext { return secureRequest(c, "POST", "wp/v2/posts") },
			want:      ReasonInsufficientPermissions,
			eventType: "permission_violation",
			withKey:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg)
			credential, key := h.issue(t, tt.mutate)

			d := h.authz.Authorize(context.Background(), tt.request(credential))
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, tt.want.Status(), d.Status)
			assert.NotEmpty(t, d.Message)

			e := h.sink.lastSecurity(t)
			assert.Equal(t, tt.eventType, e.Type)
			assert.Equal(t, "203.0.113.10", e.IP)
			assert.Equal(t, audit.LevelWarning, e.Level)
			assert.NotContains(t, e.Message, credential)
			if tt.withKey {
				require.NotNil(t, e.KeyID)
				assert.Equal(t, key.ID, *e.KeyID)
				assert.Equal(t, key.Name, e.KeyName)
			} else {
				assert.Nil(t, e.KeyID)
			}

			stored, err := h.store.FindByID(context.Background(), key.ID)
			require.NoError(t, err)
			assert.Zero(t, stored.RequestCount, "denied requests must not record usage")
		})
	}
}

func TestReadKeyAllowsGet(t *testing.T) {
	h := newHarness(t, Config{})
	credential, _ := h.issue(t, nil)

	d := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	assert.True(t, d.Allowed)
}

func TestRateLimitWindow(t *testing.T) {
	h := newHarness(t, Config{})
	credential, _ := h.issue(t, func(k *models.APIKey) { k.RateLimit = 5 })

	for i := 0; i < 5; i++ {
		d := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
		require.True(t, d.Allowed, "request %d denied with %s", i+1, d.Reason)
		assert.Equal(t, 4-i, d.Remaining)
		h.clock.advance(time.Minute)
	}

	d := h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reason)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Contains(t, d.Message, "Maximum 5 requests per hour")

	h.clock.advance(time.Hour)
	d = h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	assert.True(t, d.Allowed, "window should have rolled over, got %s", d.Reason)
}

type failingStore struct {
	KeyStore
	findErr   error
	recordErr error
	key       *models.APIKey
}

func (f *failingStore) FindByCredential(context.Context, string) (*models.APIKey, error) {
	return f.key, f.findErr
}

func (f *failingStore) RecordUsage(context.Context, int64, string, time.Time) error {
	return f.recordErr
}

func (f *failingStore) CountRequestsInWindow(context.Context, int64, int) (int, error) {
	return 0, nil
}

func TestStoreFailureFailsClosed(t *testing.T) {
	key := &models.APIKey{ID: 5, Name: "k", Status: models.StatusActive}
	tests := []struct {
		name  string
		store *failingStore
	}{
		{"lookup fails", &failingStore{findErr: errors.New("database is locked")}},
		{"usage write fails", &failingStore{key: key, recordErr: errors.New("disk I/O error")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			limiter := ratelimit.New(ratelimit.NewLocalCache(nil), tt.store, nil)
			a := New(Config{}, tt.store, limiter, sink)

			d := a.Authorize(context.Background(), secureRequest(strings.Repeat("b", 40), "GET", "x"))
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonInternalError, d.Reason)
			assert.Equal(t, http.StatusInternalServerError, d.Status)

			e := sink.lastSecurity(t)
			assert.Equal(t, "internal_error", e.Type)
			assert.Equal(t, audit.LevelError, e.Level)
		})
	}
}

func TestAuthorizeRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, Config{}, WithTracerProvider(tp), WithMetrics(keymetrics.New(prometheus.NewRegistry())))
	credential, key := h.issue(t, nil)

	h.authz.Authorize(context.Background(), secureRequest(credential, "GET", "wp/v2/posts"))
	h.authz.Authorize(context.Background(), secureRequest(credential, "DELETE", "wp/v2/posts"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "authz.Authorize", spans[0].Name())

	attrs := map[string]any{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, false, attrs["keygate.allowed"])
	assert.Equal(t, "insufficient_permissions", attrs["keygate.reason"])
	assert.Equal(t, key.ID, attrs["keygate.key_id"])
	assert.NotEqual(t, otelcodes.Error, spans[1].Status().Code)
}

func TestValidatorCheckLiveness(t *testing.T) {
	v := NewValidator(nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	assert.NoError(t, v.CheckLiveness(&models.APIKey{Status: models.StatusActive}, now))
	assert.NoError(t, v.CheckLiveness(&models.APIKey{Status: models.StatusActive, ExpiresAt: &future}, now))
	assert.ErrorIs(t, v.CheckLiveness(&models.APIKey{Status: models.StatusActive, ExpiresAt: &now}, now), ErrKeyExpired)
	assert.ErrorIs(t, v.CheckLiveness(&models.APIKey{Status: models.StatusInactive}, now), ErrKeyExpired)
	assert.ErrorIs(t, v.CheckLiveness(&models.APIKey{Status: models.StatusExpired}, now), ErrKeyExpired)
}
