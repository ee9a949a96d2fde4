package keys

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/models"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T, defaults Defaults) *Service {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return NewService(d, defaults, WithClock(func() time.Time { return testNow }))
}

func TestCreateAppliesDefaults(t *testing.T) {
	s := newService(t, Defaults{RateLimit: 1000, KeyLength: 64, ExpiryDays: 365})

	issued, err := s.Create(context.Background(), CreateRequest{Name: "  Mobile app  "})
	require.NoError(t, err)

	k := issued.Key
	assert.Len(t, issued.Secret, 64)
	assert.True(t, auth.VerifyAPIKey(issued.Secret, k.KeyHash))
	assert.Equal(t, issued.Secret[:8], k.KeyPrefix)
	assert.Equal(t, "Mobile app", k.Name)
	assert.Equal(t, models.Capabilities{models.CapRead}, k.Capabilities)
	assert.Equal(t, 1000, k.RateLimit)
	assert.Equal(t, models.StatusActive, k.Status)
	require.NotNil(t, k.ExpiresAt)
	assert.Equal(t, testNow.AddDate(0, 0, 365), *k.ExpiresAt)

	stored, err := s.Get(context.Background(), k.ID)
	require.NoError(t, err)
	assert.Equal(t, k.KeyHash, stored.KeyHash)
	assert.NotContains(t, string(stored.KeyHash), issued.Secret)
}

func TestCreateOverrides(t *testing.T) {
	s := newService(t, Defaults{RateLimit: 1000, ExpiryDays: 365})
	zero := 0
	issued, err := s.Create(context.Background(), CreateRequest{
		Name:             "ci",
		Capabilities:     []string{"read", "write"},
		RateLimit:        &zero,
		AllowedIPs:       []string{"10.0.0.0/8, 2001:db8::/48", "192.168.1.1"},
		AllowedDomains:   []string{"https://app.example.com/", "*.example.org"},
		AllowedEndpoints: []string{"/wp/v2/posts*", "wp/v2/posts.json"},
		NoExpiry:         true,
	})
	require.NoError(t, err)

	k := issued.Key
	assert.Equal(t, 0, k.RateLimit)
	assert.Nil(t, k.ExpiresAt)
	assert.True(t, k.Capabilities.Has(models.CapWrite))
	assert.Equal(t, []string{"10.0.0.0/8", "2001:db8::/48", "192.168.1.1"}, k.AllowedIPs)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, k.AllowedDomains)
	assert.Equal(t, []string{"wp/v2/posts*", "wp/v2/posts.json"}, k.AllowedEndpoints)
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := newService(t, Defaults{})
	negative := -1
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"blank name", CreateRequest{Name: "   "}},
		{"unknown capability", CreateRequest{Name: "k", Capabilities: []string{"admin"}}},
		{"negative rate limit", CreateRequest{Name: "k", RateLimit: &negative}},
		{"bad allowed ip", CreateRequest{Name: "k", AllowedIPs: []string{"10.0.0.0/8", "not-an-ip"}}},
		{"ipv4 mask too long", CreateRequest{Name: "k", AllowedIPs: []string{"10.0.0.0/33"}}},
		{"bad domain", CreateRequest{Name: "k", AllowedDomains: []string{"bad domain"}}},
		{"bad allowed endpoint", CreateRequest{Name: "k", AllowedEndpoints: []string{"wp/v2/<script>"}}},
		{"dot segment endpoint", CreateRequest{Name: "k", BlockedEndpoints: []string{"wp/v2/../users"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreateRejectsRestrictionsWithoutStoringKey(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()

	_, err := s.Create(ctx, CreateRequest{Name: "k", AllowedIPs: []string{"bogus"}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "allowed_ips")
	assert.Contains(t, err.Error(), `"bogus"`)

	keys, err := s.List(ctx, db.APIKeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUpdateRejectsInvalidRestrictions(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()
	issued, err := s.Create(ctx, CreateRequest{Name: "k", AllowedIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	id := issued.Key.ID

	ips := []string{"10.0.0.0/40"}
	_, err = s.Update(ctx, id, UpdateRequest{AllowedIPs: &ips})
	require.ErrorIs(t, err, ErrInvalidRequest)

	endpoints := []string{"wp/v2/posts?x=1"}
	_, err = s.Update(ctx, id, UpdateRequest{AllowedEndpoints: &endpoints})
	require.ErrorIs(t, err, ErrInvalidRequest)

	k, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, k.AllowedIPs)
	assert.Empty(t, k.AllowedEndpoints)

	cleared := []string{}
	k, err = s.Update(ctx, id, UpdateRequest{AllowedIPs: &cleared})
	require.NoError(t, err)
	assert.Empty(t, k.AllowedIPs)
}

func TestCreateUsesMinimumKeyLength(t *testing.T) {
	s := newService(t, Defaults{KeyLength: 8})
	issued, err := s.Create(context.Background(), CreateRequest{Name: "short"})
	require.NoError(t, err)
	assert.Len(t, issued.Secret, auth.DefaultKeyLength)
}

func TestUpdateAndRevoke(t *testing.T) {
	s := newService(t, Defaults{RateLimit: 100})
	ctx := context.Background()
	issued, err := s.Create(ctx, CreateRequest{Name: "svc"})
	require.NoError(t, err)
	id := issued.Key.ID

	name := "renamed"
	rate := 5
	blocked := []string{"/wp/v2/users"}
	k, err := s.Update(ctx, id, UpdateRequest{Name: &name, RateLimit: &rate, BlockedEndpoints: &blocked})
	require.NoError(t, err)
	assert.Equal(t, "renamed", k.Name)
	assert.Equal(t, 5, k.RateLimit)
	assert.Equal(t, []string{"wp/v2/users"}, k.BlockedEndpoints)

	k, err = s.Revoke(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, k.Status)

	active := "active"
	k, err = s.Update(ctx, id, UpdateRequest{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, k.Status)

	stored, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, issued.Key.KeyHash, stored.KeyHash)
}

func TestUpdateEmptyCapabilitiesFallsBackToRead(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()
	issued, err := s.Create(ctx, CreateRequest{Name: "svc", Capabilities: []string{"write"}})
	require.NoError(t, err)

	none := []string{}
	k, err := s.Update(ctx, issued.Key.ID, UpdateRequest{Capabilities: &none})
	require.NoError(t, err)
	assert.Equal(t, models.Capabilities{models.CapRead}, k.Capabilities)
}

func TestUpdateStatusRules(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()
	issued, err := s.Create(ctx, CreateRequest{Name: "svc"})
	require.NoError(t, err)

	expired := "expired"
	_, err = s.Update(ctx, issued.Key.ID, UpdateRequest{Status: &expired})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bogus := "suspended"
	_, err = s.Update(ctx, issued.Key.ID, UpdateRequest{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExpiredKeyCannotBeReactivated(t *testing.T) {
	s := newService(t, Defaults{ExpiryDays: 1})
	ctx := context.Background()
	issued, err := s.Create(ctx, CreateRequest{Name: "old"})
	require.NoError(t, err)

	n, err := db.ExpireAPIKeys(ctx, s.db, testNow.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	active := "active"
	_, err = s.Update(ctx, issued.Key.ID, UpdateRequest{Status: &active})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNotFound(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()

	_, err := s.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Revoke(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, 99), ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	s := newService(t, Defaults{})
	ctx := context.Background()
	a, err := s.Create(ctx, CreateRequest{Name: "a", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateRequest{Name: "b", OwnerID: "bob"})
	require.NoError(t, err)

	keys, err := s.List(ctx, db.APIKeyFilter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "a", keys[0].Name)

	require.NoError(t, s.Delete(ctx, a.Key.ID))
	keys, err = s.List(ctx, db.APIKeyFilter{})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "", SanitizeName("  \t "))
	assert.Equal(t, "ab", SanitizeName("a\x00b"))
	long := strings.Repeat("é", 300)
	assert.Equal(t, MaxNameLength, len([]rune(SanitizeName(long))))
}

func TestSanitizeIPs(t *testing.T) {
	got, err := SanitizeIPs([]string{"1.2.3.4", "10.0.0.0/32", "2001:db8::1", "::1/16", "2001:db8::/48", "2001:db8::1/128", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4", "10.0.0.0/32", "2001:db8::1", "::1/16", "2001:db8::/48", "2001:db8::1/128"}, got)

	for _, bad := range []string{"10.0.0.0/33", "10.0.0.0/x", "10.0.0.0/-1", "2001:db8::/129", "::ffff:10.0.0.0/104", "nope"} {
		_, err := SanitizeIPs([]string{"1.2.3.4", bad})
		assert.Error(t, err, bad)
	}
}

func TestSanitizeDomains(t *testing.T) {
	got, err := SanitizeDomains([]string{"https://app.example.com/", "*.example.org, http://a.example.net"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app.example.com", "*.example.org", "a.example.net"}, got)

	_, err = SanitizeDomains([]string{"bad domain"})
	assert.Error(t, err)
}

func TestSanitizeEndpoints(t *testing.T) {
	got, err := SanitizeEndpoints([]string{"//wp/v2/*", "a_b-c/d/", "oembed/1.0/embed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wp/v2/*", "a_b-c/d", "oembed/1.0/embed"}, got)

	for _, bad := range []string{"wp/v2/posts?x=1", "wp//v2", "wp/./v2", "wp/v2/..", "/"} {
		_, err := SanitizeEndpoints([]string{bad})
		assert.Error(t, err, bad)
	}
}
