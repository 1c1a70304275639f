package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCache(client)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c := newTestRedisCache(t)
	key := Key("q", "sports", nil, "")

	_, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{Payload: []byte(`{"ok":true}`), Verdict: "pass", StoredAt: time.Now()}
	require.NoError(t, c.Set(context.Background(), key, entry, time.Minute))

	got, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Payload, got.Payload)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
