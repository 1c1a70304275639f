package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/nlqa/orchestrator/core"
)

// RedisStore backs the Session Store contract with an external key-value
// store, the way spec.md §4.7 allows ("if backed by an external key-value
// store, it must preserve these semantics exactly"). Grounded on this
// codebase's Redis-backed session/registry clients: one key per session, a
// native TTL for expiry, and a secondary sorted-set index for List().
type RedisStore struct {
	client    *redis.Client
	opts      Options
	logger    core.Logger
	keyPrefix string
	indexKey  string
}

// NewRedisStore wraps an existing *redis.Client. The caller owns the
// client's lifecycle (construction, auth, Close).
func NewRedisStore(client *redis.Client, opts Options, logger core.Logger) *RedisStore {
	if opts.MaxTurns <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisStore{
		client:    client,
		opts:      opts,
		logger:    core.WithComponent(logger, "session"),
		keyPrefix: "orchestrator:session:",
		indexKey:  "orchestrator:session:index",
	}
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session store: get %s: %w", id, err)
	}
	s, err := decodeSession(raw, r.opts.MaxTurns)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (r *RedisStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		if s, ok, err := r.Get(ctx, id); err != nil {
			return nil, err
		} else if ok {
			return s, nil
		}
	} else {
		id = newSessionID()
	}

	s := newSession(id, r.opts.MaxTurns)
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Append(ctx context.Context, id string, t Turn) error {
	s, ok, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		s = newSession(id, r.opts.MaxTurns)
	}
	s.append(t)
	return r.save(ctx, s)
}

func (r *RedisStore) save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session store: encode %s: %w", s.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(s.ID), raw, r.opts.TTL)
	pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(s.LastActivity.Unix()), Member: s.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session store: save %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) EvictExpired(ctx context.Context) (int, error) {
	// Redis TTL handles per-key expiry; this sweep only prunes the sorted
	// index of ids whose backing key already expired.
	ids, err := r.client.ZRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("session store: list index: %w", err)
	}
	evicted := 0
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.key(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			r.client.ZRem(ctx, r.indexKey, id)
			evicted++
		}
	}
	return evicted, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if _, err := r.EvictExpired(ctx); err != nil {
		r.logger.Warn("eviction sweep failed", map[string]interface{}{"error": err.Error()})
	}

	ids, err := r.client.ZRevRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, ok, err := r.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		summaries = append(summaries, s.Summary())
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func decodeSession(raw []byte, maxTurns int) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session store: decode: %w", err)
	}
	s.maxTurns = maxTurns
	return &s, nil
}

var _ Store = (*RedisStore)(nil)
