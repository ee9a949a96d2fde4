package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached window count.
type Entry struct {
	Count      int
	ObservedAt time.Time
}

// LocalCache is a process-local Cache guarded by a mutex.
type LocalCache struct {
	mu      sync.Mutex
	entries map[int64]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalCache returns an empty cache. A nil clock uses time.Now.
func NewLocalCache(now func() time.Time) *LocalCache {
	if now == nil {
		now = time.Now
	}
	return &LocalCache{
		entries: make(map[int64]Entry),
		ttl:     CacheTTL,
		now:     now,
	}
}

// Take implements Cache.
func (c *LocalCache) Take(_ context.Context, keyID int64, limit int) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[keyID]
	if !ok {
		return Miss, nil
	}
	if c.now().Sub(e.ObservedAt) >= c.ttl {
		delete(c.entries, keyID)
		return Miss, nil
	}
	if e.Count >= limit {
		return Exhausted, nil
	}
	e.Count++
	c.entries[keyID] = e
	return Admitted, nil
}

// Seed implements Cache.
func (c *LocalCache) Seed(_ context.Context, keyID int64, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyID] = Entry{Count: count, ObservedAt: c.now()}
	return nil
}

// Get returns the entry for keyID, fresh or not.
func (c *LocalCache) Get(keyID int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[keyID]
	return e, ok
}

// Prune drops stale entries and returns how many were removed.
func (c *LocalCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, e := range c.entries {
		if now.Sub(e.ObservedAt) >= c.ttl {
			delete(c.entries, id)
			n++
		}
	}
	return n
}
