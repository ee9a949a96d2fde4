package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rsclarke/keygate/internal/api"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/keys"
	keymetrics "github.com/rsclarke/keygate/internal/metrics"
	"github.com/rsclarke/keygate/internal/models"
)

const testAdminToken = "admin-token-for-tests"

func setupTestAdminServer(t *testing.T) (*AdminServer, *sql.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	reg := prometheus.NewRegistry()
	keymetrics.New(reg)

	return &AdminServer{
		Keys:    keys.NewService(database, keys.Defaults{RateLimit: 1000, ExpiryDays: 365}),
		DB:      database,
		Token:   testAdminToken,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, database
}

func adminRequest(t *testing.T, srv *AdminServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestAdminServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic " + testAdminToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + testAdminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_EmptyTokenLocksAPI(t *testing.T) {
	srv, _ := setupTestAdminServer(t)
	srv.Token = ""

	req := httptest.NewRequest("GET", "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, _ := setupTestAdminServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestKeyLifecycle(t *testing.T) {
	srv, _ := setupTestAdminServer(t)

	w := adminRequest(t, srv, "POST", "/v1/keys", map[string]any{
		"name":        "integration",
		"allowed_ips": []string{"10.0.0.0/8", "bogus"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("create with bad allowed_ips status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bogus") {
		t.Errorf("error body %s does not name the rejected entry", w.Body.String())
	}

	w = adminRequest(t, srv, "POST", "/v1/keys", map[string]any{
		"name":         "integration",
		"capabilities": []string{"read", "write"},
		"allowed_ips":  []string{"10.0.0.0/8"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created api.CreateKeyResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if !auth.ValidateFormat(created.Secret) {
		t.Errorf("secret %q has invalid format", created.Secret)
	}
	if created.Key.Prefix != created.Secret[:8] {
		t.Errorf("prefix = %q, want %q", created.Key.Prefix, created.Secret[:8])
	}
	if len(created.Key.AllowedIPs) != 1 {
		t.Errorf("allowed_ips = %v, want single entry", created.Key.AllowedIPs)
	}
	if created.Key.ExpiresAt == nil {
		t.Error("expected default expiry")
	}
	path := "/v1/keys/" + strconv.FormatInt(created.Key.ID, 10)

	w = adminRequest(t, srv, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), created.Secret) {
		t.Error("get response leaks the secret")
	}

	w = adminRequest(t, srv, "PATCH", path, map[string]any{"rate_limit": 5, "name": "renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated api.KeyInfo
	_ = json.NewDecoder(w.Body).Decode(&updated)
	if updated.RateLimit != 5 || updated.Name != "renamed" {
		t.Errorf("updated = %+v", updated)
	}

	w = adminRequest(t, srv, "POST", path+"/revoke", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", w.Code)
	}
	var revoked api.KeyInfo
	_ = json.NewDecoder(w.Body).Decode(&revoked)
	if revoked.Status != string(models.StatusInactive) {
		t.Errorf("status = %q, want inactive", revoked.Status)
	}

	w = adminRequest(t, srv, "GET", "/v1/keys?status=inactive", nil)
	var list api.ListKeysResponse
	_ = json.NewDecoder(w.Body).Decode(&list)
	if len(list.Keys) != 1 {
		t.Errorf("inactive keys = %d, want 1", len(list.Keys))
	}

	w = adminRequest(t, srv, "DELETE", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = adminRequest(t, srv, "GET", path, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestKeyErrors(t *testing.T) {
	srv, _ := setupTestAdminServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid JSON", "POST", "/v1/keys", "{", http.StatusBadRequest},
		{"empty body", "POST", "/v1/keys", "", http.StatusBadRequest},
		{"unknown field", "POST", "/v1/keys", `{"name":"x","pepper":"y"}`, http.StatusBadRequest},
		{"trailing data", "POST", "/v1/keys", `{"name":"x"}{}`, http.StatusBadRequest},
		{"missing name", "POST", "/v1/keys", `{"name":" "}`, http.StatusBadRequest},
		{"bad id", "GET", "/v1/keys/abc", "", http.StatusBadRequest},
		{"missing key", "GET", "/v1/keys/42", "", http.StatusNotFound},
		{"bad status filter", "GET", "/v1/keys?status=deleted", "", http.StatusBadRequest},
		{"bad status update", "PATCH", "/v1/keys/42", `{"status":"expired"}`, http.StatusBadRequest},
		{"too large", "POST", "/v1/keys", `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+testAdminToken)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestExpiredKeyReactivationConflicts(t *testing.T) {
	srv, database := setupTestAdminServer(t)
	issued, err := srv.Keys.Create(context.Background(), keys.CreateRequest{Name: "old"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ExpireAPIKeys(context.Background(), database, time.Now().AddDate(2, 0, 0)); err != nil {
		t.Fatalf("expire: %v", err)
	}

	w := adminRequest(t, srv, "PATCH", "/v1/keys/"+strconv.FormatInt(issued.Key.ID, 10), map[string]any{"status": "active"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestLogsStatsAndEvents(t *testing.T) {
	srv, database := setupTestAdminServer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	srv.Now = func() time.Time { return now }

	issued, err := srv.Keys.Create(ctx, keys.CreateRequest{Name: "reporting"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, status := range []int{200, 200, 403} {
		_, err := db.CreateRequestLog(ctx, database, &models.RequestLog{
			APIKeyID:   issued.Key.ID,
			APIKeyName: "reporting",
			Endpoint:   "wp/v2/posts",
			Method:     "GET",
			IPAddress:  "203.0.113." + strconv.Itoa(i),
			StatusCode: status,
			CreatedAt:  now.Add(-time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create log: %v", err)
		}
	}
	if _, err := db.CreateSecurityEvent(ctx, database, &models.SecurityEvent{
		EventType: "invalid_api_key", Level: "warning", Message: "Invalid API key used", CreatedAt: now,
	}); err != nil {
		t.Fatalf("create event: %v", err)
	}

	w := adminRequest(t, srv, "GET", "/v1/logs?key_id="+strconv.FormatInt(issued.Key.ID, 10)+"&limit=2", nil)
	var logs api.ListLogsResponse
	_ = json.NewDecoder(w.Body).Decode(&logs)
	if len(logs.Logs) != 2 {
		t.Errorf("logs = %d, want 2", len(logs.Logs))
	}

	w = adminRequest(t, srv, "GET", "/v1/logs?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}

	w = adminRequest(t, srv, "GET", "/v1/security-events?type=invalid_api_key", nil)
	var events api.ListSecurityEventsResponse
	_ = json.NewDecoder(w.Body).Decode(&events)
	if len(events.Events) != 1 {
		t.Errorf("events = %d, want 1", len(events.Events))
	}

	w = adminRequest(t, srv, "GET", "/v1/stats?days=7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats api.StatsResponse
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.Days != 7 || stats.ActiveKeys != 1 {
		t.Errorf("stats = %+v", stats)
	}
	total, errs := 0, 0
	for _, r := range stats.ErrorRates {
		total += r.Total
		errs += r.Errors
	}
	if total != 3 || errs != 1 {
		t.Errorf("error rates total=%d errors=%d, want 3 and 1", total, errs)
	}
	if len(stats.TopEndpoints) != 1 || stats.TopEndpoints[0].Count != 3 {
		t.Errorf("top endpoints = %+v", stats.TopEndpoints)
	}
}
