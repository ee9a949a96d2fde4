// Package server implements the gateway and admin HTTP servers.
package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/api"
	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/authz"
	"github.com/rsclarke/keygate/internal/logging"
	"github.com/rsclarke/keygate/internal/models"
)

// TestEndpoint answers authorized requests with the key's name instead of
// proxying them.
const TestEndpoint = "_keygate/test"

// Authorizer decides a request.
type Authorizer interface {
	Authorize(ctx context.Context, rc *models.RequestContext) authz.Decision
}

// GatewayConfig holds the gateway's path, CORS and proxy trust settings.
type GatewayConfig struct {
	// EndpointPrefix is stripped from paths before matching, e.g. "wp-json/".
	EndpointPrefix    string
	PublicEndpoints   []string
	CORSOrigins       []string
	TrustProxyHeaders bool
}

// Gateway authorizes requests and forwards allowed ones to Upstream.
type Gateway struct {
	Authorizer Authorizer
	Upstream   http.Handler
	Config     GatewayConfig
	Logger     *zap.Logger
}

// CleanPath returns p rooted, with duplicate slashes and dot segments
// resolved. A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	c := path.Clean("/" + p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}

// NormalizeEndpoint turns a request path into the endpoint form restrictions
// are written in: cleaned, with no leading or trailing slash and no prefix.
func NormalizeEndpoint(p, prefix string) string {
	p, _, _ = strings.Cut(p, "?")
	p = strings.TrimLeft(CleanPath(p), "/")
	if prefix != "" {
		p = strings.TrimLeft(strings.TrimPrefix(p, prefix), "/")
	}
	return strings.TrimSuffix(p, "/")
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.applyCORS(w, r)
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r = withCleanPath(r)
	endpoint := NormalizeEndpoint(r.URL.Path, g.Config.EndpointPrefix)
	if g.isPublic(endpoint) {
		g.forward(w, r)
		return
	}

	credential, _ := auth.ExtractCredential(r)
	rc := &models.RequestContext{
		Credential:  credential,
		ClientIP:    ClientIP(r, g.Config.TrustProxyHeaders),
		Origin:      r.Header.Get("Origin"),
		Method:      r.Method,
		Endpoint:    endpoint,
		UserAgent:   r.UserAgent(),
		RequestData: audit.RedactValues(r.URL.Query()),
		Secure:      IsSecure(r, g.Config.TrustProxyHeaders),
		StartAlloc:  authz.SampleAllocs(),
	}

	d := g.Authorizer.Authorize(r.Context(), rc)
	w.Header().Set("X-Request-ID", d.RequestID)

	if !d.Allowed {
		g.logger().Debug("request denied",
			logging.RequestID(d.RequestID), logging.Reason(string(d.Reason)),
			logging.RemoteIP(rc.ClientIP), logging.Endpoint(endpoint))
		writeJSON(w, d.Status, api.DenyResponse{
			Code:    string(d.Reason),
			Message: d.Message,
			Data:    api.DenyData{Status: d.Status},
		})
		return
	}

	h := w.Header()
	h.Set("X-API-Key-Name", d.Key.Name)
	h.Set("X-Rate-Limit", strconv.Itoa(d.RateLimit))
	h.Set("X-Rate-Limit-Remaining", strconv.Itoa(d.Remaining))

	if endpoint == TestEndpoint {
		writeJSON(w, http.StatusOK, api.TestResponse{
			Message:    "API key is valid and working correctly",
			Timestamp:  api.Timestamp(time.Now()),
			APIKeyName: d.Key.Name,
			RateLimit:  d.RateLimit,
			Remaining:  d.Remaining,
		})
		return
	}
	g.forward(w, r)
}

// withCleanPath returns r, or a shallow copy of it whose URL carries the
// cleaned path. Restrictions and the upstream see the same path.
func withCleanPath(r *http.Request) *http.Request {
	cleaned := CleanPath(r.URL.Path)
	if cleaned == r.URL.Path && r.URL.RawPath == "" {
		return r
	}
	r2 := new(http.Request)
	*r2 = *r
	u := *r.URL
	u.Path = cleaned
	u.RawPath = ""
	r2.URL = &u
	return r2
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	if g.Upstream == nil {
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: "no upstream configured"})
		return
	}
	g.Upstream.ServeHTTP(w, r)
}

func (g *Gateway) isPublic(endpoint string) bool {
	for _, p := range g.Config.PublicEndpoints {
		p = strings.TrimLeft(strings.TrimSpace(p), "/")
		if p != "" && strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.Config.CORSOrigins) == 0 {
		return
	}
	if !slices.Contains(g.Config.CORSOrigins, origin) && !slices.Contains(g.Config.CORSOrigins, "*") {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
	h.Set("Access-Control-Expose-Headers", "X-API-Key-Name, X-Rate-Limit, X-Rate-Limit-Remaining, X-Request-ID")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

func (g *Gateway) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// NewUpstreamProxy returns a reverse proxy to target that strips the API
// key from forwarded requests.
func NewUpstreamProxy(target *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host

			pr.Out.Header.Del("X-API-Key")
			if strings.HasPrefix(pr.Out.Header.Get("Authorization"), "Bearer ") {
				pr.Out.Header.Del("Authorization")
			}
			if q := pr.Out.URL.Query(); q.Has("api_key") {
				q.Del("api_key")
				pr.Out.URL.RawQuery = q.Encode()
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", logging.Endpoint(r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: "upstream unavailable"})
		},
	}
}
