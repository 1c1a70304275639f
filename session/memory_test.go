package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetOrCreateMintsID(t *testing.T) {
	store := NewMemoryStore(DefaultOptions(), nil)

	s, err := store.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	again, err := store.GetOrCreate(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestMemoryStoreAppendTruncatesToMaxTurns(t *testing.T) {
	store := NewMemoryStore(Options{MaxTurns: 3, TTL: time.Hour}, nil)
	id := "sess-1"

	for i := 0; i < 5; i++ {
		err := store.Append(context.Background(), id, Turn{Role: RoleUser, Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	s, ok, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, s.Turns, 3)
}

func TestMemoryStoreEvictsExpiredSessions(t *testing.T) {
	store := NewMemoryStore(Options{MaxTurns: 20, TTL: 10 * time.Millisecond}, nil)
	_, err := store.GetOrCreate(context.Background(), "stale")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := store.EvictExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreListOrdersByRecency(t *testing.T) {
	store := NewMemoryStore(DefaultOptions(), nil)
	require.NoError(t, store.Append(context.Background(), "a", Turn{Role: RoleUser, Timestamp: time.Now()}))
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Append(context.Background(), "b", Turn{Role: RoleUser, Timestamp: time.Now()}))

	summaries, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "b", summaries[0].SessionID)
}

func TestSessionLastAssistantTurn(t *testing.T) {
	s := newSession("x", 10)
	s.append(Turn{Role: RoleUser, Content: "hi", Timestamp: time.Now()})
	_, ok := s.LastAssistantTurn()
	assert.False(t, ok)

	s.append(Turn{Role: RoleAssistant, Content: "hello", Timestamp: time.Now()})
	turn, ok := s.LastAssistantTurn()
	require.True(t, ok)
	assert.Equal(t, "hello", turn.Content)
}
