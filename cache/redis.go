package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the external-store variant of the Response Cache,
// grounded on this codebase's Redis-backed registry client
// (core/redis_client.go): one key per cache entry with a native Redis
// TTL, plus an atomic counter pair for hit/miss stats.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, keyPrefix: "orchestrator:cache:"}
}

type redisEntry struct {
	Payload  []byte    `json:"payload"`
	Verdict  string    `json:"verdict"`
	Sources  []string  `json:"sources"`
	StoredAt time.Time `json:"stored_at"`
}

func (c *RedisCache) key(k string) string {
	return c.keyPrefix + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		c.client.Incr(ctx, c.keyPrefix+"stats:misses")
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("response cache: get: %w", err)
	}

	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return Entry{}, false, fmt.Errorf("response cache: decode: %w", err)
	}
	c.client.Incr(ctx, c.keyPrefix+"stats:hits")
	return Entry{Payload: re.Payload, Verdict: re.Verdict, Sources: re.Sources, StoredAt: re.StoredAt}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	re := redisEntry{Payload: entry.Payload, Verdict: entry.Verdict, Sources: entry.Sources, StoredAt: entry.StoredAt}
	raw, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("response cache: encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("response cache: set: %w", err)
	}
	return nil
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	hits, err := c.client.Get(ctx, c.keyPrefix+"stats:hits").Int64()
	if err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("response cache: stats hits: %w", err)
	}
	misses, err := c.client.Get(ctx, c.keyPrefix+"stats:misses").Int64()
	if err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("response cache: stats misses: %w", err)
	}

	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

var _ Cache = (*RedisCache)(nil)
