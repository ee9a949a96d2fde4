package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var takeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return -1
end
if tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

// RedisCache shares window counts between processes. Entries expire after
// CacheTTL from when they were seeded.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache returns a cache storing counters under "keygate:rl:".
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "keygate:rl:", ttl: CacheTTL}
}

func (c *RedisCache) key(keyID int64) string {
	return c.prefix + strconv.FormatInt(keyID, 10)
}

// Take implements Cache.
func (c *RedisCache) Take(ctx context.Context, keyID int64, limit int) (Outcome, error) {
	res, err := takeScript.Run(ctx, c.client, []string{c.key(keyID)}, limit).Int64()
	if err != nil {
		return Miss, fmt.Errorf("redis take: %w", err)
	}
	switch res {
	case 1:
		return Admitted, nil
	case 0:
		return Exhausted, nil
	case -1:
		return Miss, nil
	default:
		return Miss, fmt.Errorf("redis take: unexpected result %d", res)
	}
}

// Seed implements Cache.
func (c *RedisCache) Seed(ctx context.Context, keyID int64, count int) error {
	if err := c.client.Set(ctx, c.key(keyID), count, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis seed: %w", err)
	}
	return nil
}
