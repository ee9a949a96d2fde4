package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/auth"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore(t *testing.T) (*SQLiteStore, *clock) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	c := &clock{t: time.Unix(1700000000, 0)}
	return New(d, WithClock(c.now)), c
}

func createKey(t *testing.T, s *SQLiteStore, status models.Status) (string, *models.APIKey) {
	t.Helper()
	display, prefix, hash, err := auth.GenerateAPIKey(auth.DefaultKeyLength)
	require.NoError(t, err)
	k := &models.APIKey{
		Name:      "store-test",
		KeyPrefix: prefix,
		KeyHash:   hash,
		RateLimit: 5,
		Status:    status,
		CreatedAt: time.Unix(1690000000, 0),
	}
	k.ID, err = db.CreateAPIKey(context.Background(), s.DB(), k)
	require.NoError(t, err)
	return display, k
}

func TestFindByCredential(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	credential, k := createKey(t, s, models.StatusActive)
	inactiveCredential, _ := createKey(t, s, models.StatusInactive)

	got, err := s.FindByCredential(ctx, credential)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, k.ID, got.ID)

	got, err = s.FindByCredential(ctx, inactiveCredential)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindByCredential(ctx, "unknown-credential-that-is-long-enough-x")
	require.NoError(t, err)
	assert.Nil(t, got)

	byID, err := s.FindByID(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "store-test", byID.Name)
}

func TestCountRequestsInWindowSlides(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	_, k := createKey(t, s, models.StatusActive)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordUsage(ctx, k.ID, "192.0.2.1", c.now()))
	}

	first, err := s.CountRequestsInWindow(ctx, k.ID, 60)
	require.NoError(t, err)
	second, err := s.CountRequestsInWindow(ctx, k.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, 3, first)
	assert.Equal(t, first, second)

	c.t = c.t.Add(59 * time.Minute)
	n, err := s.CountRequestsInWindow(ctx, k.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	c.t = c.t.Add(time.Minute)
	n, err = s.CountRequestsInWindow(ctx, k.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.FindByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RequestCount)
	assert.Equal(t, "192.0.2.1", got.LastUsedIP)
}

func TestAuditPersistence(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	_, k := createKey(t, s, models.StatusActive)

	require.NoError(t, s.SecurityEvent(ctx, audit.SecurityEvent{
		Type:    "invalid_api_key",
		Level:   audit.LevelWarning,
		Message: "Invalid API key",
		IP:      "198.51.100.4",
	}))
	require.NoError(t, s.APIRequest(ctx, audit.RequestEvent{
		KeyID:      k.ID,
		KeyName:    k.Name,
		Endpoint:   "wp/v2/posts",
		Method:     "GET",
		StatusCode: 200,
		DurationMS: 1.5,
	}))

	events, err := db.ListSecurityEvents(ctx, s.DB(), db.SecurityEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "invalid_api_key", events[0].EventType)
	assert.True(t, events[0].CreatedAt.Equal(c.now()))

	logs, err := db.ListRequestLogs(ctx, s.DB(), db.LogFilter{APIKeyID: k.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 200, logs[0].StatusCode)
	assert.Equal(t, 1.5, logs[0].DurationMS)
}
