package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/api"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/keys"
	"github.com/rsclarke/keygate/internal/models"
)

const (
	maxBodyBytes     = 1 << 16
	defaultStatsDays = 30
	maxStatsDays     = 365
)

// AdminServer handles the REST API for key management and reporting.
type AdminServer struct {
	Keys   *keys.Service
	DB     *sql.DB
	Token  string
	Logger *zap.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Now     func() time.Time
}

// AuthMiddleware requires the admin bearer token.
func (s *AdminServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !auth.VerifyToken(presented, s.Token) {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the admin server.
func (s *AdminServer) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/keys", s.handleCreateKey)
	protected.HandleFunc("GET /v1/keys", s.handleListKeys)
	protected.HandleFunc("GET /v1/keys/{id}", s.handleGetKey)
	protected.HandleFunc("PATCH /v1/keys/{id}", s.handleUpdateKey)
	protected.HandleFunc("POST /v1/keys/{id}/revoke", s.handleRevokeKey)
	protected.HandleFunc("DELETE /v1/keys/{id}", s.handleDeleteKey)
	protected.HandleFunc("GET /v1/logs", s.handleListLogs)
	protected.HandleFunc("GET /v1/security-events", s.handleListSecurityEvents)
	protected.HandleFunc("GET /v1/stats", s.handleStats)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	mux.Handle("/v1/", s.AuthMiddleware(protected))
	return mux
}

func (s *AdminServer) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req api.CreateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	issued, err := s.Keys.Create(r.Context(), req)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.CreateKeyResponse{
		Key:    api.NewKeyInfo(issued.Key),
		Secret: issued.Secret,
	})
}

func (s *AdminServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.APIKeyFilter{OwnerID: q.Get("owner_id")}
	if status := q.Get("status"); status != "" {
		f.Status = models.Status(status)
		if !f.Status.Valid() {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid status"})
			return
		}
	}
	list, err := s.Keys.List(r.Context(), f)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}
	resp := api.ListKeysResponse{Keys: make([]api.KeyInfo, 0, len(list))}
	for i := range list {
		resp.Keys = append(resp.Keys, api.NewKeyInfo(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	k, err := s.Keys.Get(r.Context(), id)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewKeyInfo(k))
}

func (s *AdminServer) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req api.UpdateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	k, err := s.Keys.Update(r.Context(), id, req)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewKeyInfo(k))
}

func (s *AdminServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	k, err := s.Keys.Revoke(r.Context(), id)
	if err != nil {
		s.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewKeyInfo(k))
}

func (s *AdminServer) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Keys.Delete(r.Context(), id); err != nil {
		s.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeleteKeyResponse{Deleted: true})
}

func (s *AdminServer) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.LogFilter{
		APIKeyID: queryInt64(q.Get("key_id")),
		Limit:    int(queryInt64(q.Get("limit"))),
		Offset:   int(queryInt64(q.Get("offset"))),
	}
	since, ok := querySince(w, q.Get("since"))
	if !ok {
		return
	}
	f.Since = since

	logs, err := db.ListRequestLogs(r.Context(), s.DB, f)
	if err != nil {
		s.logger().Error("list request logs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}
	resp := api.ListLogsResponse{Logs: make([]api.RequestLogInfo, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, api.RequestLogInfo{
			ID:          l.ID,
			APIKeyID:    l.APIKeyID,
			APIKeyName:  l.APIKeyName,
			Endpoint:    l.Endpoint,
			Method:      l.Method,
			IPAddress:   l.IPAddress,
			UserAgent:   l.UserAgent,
			RequestData: l.RequestData,
			StatusCode:  l.StatusCode,
			Message:     l.Message,
			DurationMS:  l.DurationMS,
			MemoryBytes: l.MemoryBytes,
			CreatedAt:   api.Timestamp(l.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, ok := querySince(w, q.Get("since"))
	if !ok {
		return
	}
	events, err := db.ListSecurityEvents(r.Context(), s.DB, db.SecurityEventFilter{
		EventType: q.Get("type"),
		Since:     since,
		Limit:     int(queryInt64(q.Get("limit"))),
	})
	if err != nil {
		s.logger().Error("list security events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}
	resp := api.ListSecurityEventsResponse{Events: make([]api.SecurityEventInfo, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, api.SecurityEventInfo{
			ID:        e.ID,
			EventType: e.EventType,
			Level:     e.Level,
			Message:   e.Message,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			APIKeyID:  e.APIKeyID,
			KeyName:   e.KeyName,
			RequestID: e.RequestID,
			CreatedAt: api.Timestamp(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	days := int(queryInt64(r.URL.Query().Get("days")))
	if days <= 0 {
		days = defaultStatsDays
	}
	days = min(days, maxStatsDays)

	resp, err := s.stats(r.Context(), s.now().AddDate(0, 0, -days))
	if err != nil {
		s.logger().Error("compute stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}
	resp.Days = days
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) stats(ctx context.Context, since time.Time) (api.StatsResponse, error) {
	var resp api.StatsResponse
	active, err := db.CountAPIKeys(ctx, s.DB)
	if err != nil {
		return resp, err
	}
	daily, err := db.DailyStats(ctx, s.DB, since)
	if err != nil {
		return resp, err
	}
	top, err := db.TopEndpoints(ctx, s.DB, since, 10)
	if err != nil {
		return resp, err
	}
	rates, err := db.DailyErrorRates(ctx, s.DB, since)
	if err != nil {
		return resp, err
	}

	resp.ActiveKeys = active
	resp.Daily = make([]api.DailyStat, 0, len(daily))
	for _, d := range daily {
		resp.Daily = append(resp.Daily, api.DailyStat(d))
	}
	resp.TopEndpoints = make([]api.EndpointStat, 0, len(top))
	for _, t := range top {
		resp.TopEndpoints = append(resp.TopEndpoints, api.EndpointStat(t))
	}
	resp.ErrorRates = make([]api.ErrorRate, 0, len(rates))
	for _, e := range rates {
		resp.ErrorRates = append(resp.ErrorRates, api.ErrorRate(e))
	}
	return resp, nil
}

func (s *AdminServer) writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrNotFound):
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "api key not found"})
	case errors.Is(err, keys.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, keys.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
	default:
		s.logger().Error("key management failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
	}
}

func (s *AdminServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *AdminServer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// decodeJSON reads a single JSON object into v. It writes the error response
// and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "request body too large"})
		case errors.Is(err, io.EOF):
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "request body required"})
		default:
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON"})
		}
		return false
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "unexpected trailing data"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid key id"})
		return 0, false
	}
	return id, true
}

func queryInt64(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func querySince(w http.ResponseWriter, v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "since must be RFC 3339"})
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
