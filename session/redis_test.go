package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, opts Options) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, opts, nil), mr
}

func TestRedisStoreGetOrCreateRoundTrips(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultOptions())

	s, err := store.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	fetched, ok, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.ID, fetched.ID)
}

func TestRedisStoreAppendTruncatesToMaxTurns(t *testing.T) {
	store, _ := newTestRedisStore(t, Options{MaxTurns: 2, TTL: time.Hour})
	id := "sess-redis"

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(context.Background(), id, Turn{Role: RoleUser, Content: "hi", Timestamp: time.Now()}))
	}

	s, ok, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, s.Turns, 2)
}

func TestRedisStoreExpiresViaTTL(t *testing.T) {
	store, mr := newTestRedisStore(t, Options{MaxTurns: 10, TTL: 50 * time.Millisecond})

	_, err := store.GetOrCreate(context.Background(), "ttl-sess")
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	_, ok, err := store.Get(context.Background(), "ttl-sess")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreListOrdersByRecency(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultOptions())

	require.NoError(t, store.Append(context.Background(), "a", Turn{Role: RoleUser, Timestamp: time.Now()}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Append(context.Background(), "b", Turn{Role: RoleUser, Timestamp: time.Now()}))

	summaries, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "b", summaries[0].SessionID)
}
