// Package cache implements the Response Cache (spec.md §4.5): a
// content-addressed cache of finalized responses keyed by SHA-256 of the
// normalized query, intent, entity fingerprint, and last-assistant-turn
// fingerprint. Grounded directly on this codebase's SimpleCache
// (orchestration/cache.go: sha256-keyed map, TTL expiry, periodic
// cleanup, hit/miss/eviction stats), generalized from caching routing
// plans to caching finalized chat responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is the cached value: a finalized response payload plus the
// verdict and sources it was stored with, per spec.md §4.5.
type Entry struct {
	Payload  []byte // the serialized ChatResponse
	Verdict  string
	Sources  []string
	StoredAt time.Time
}

// Stats mirrors the teacher's CacheStats shape, generalized to response
// caching.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is the Response Cache contract: get/set by content-addressed key,
// plus stats for /health and /metrics.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Stats(ctx context.Context) (Stats, error)
}

// Key implements the spec.md §4.5 key formula: SHA-256 of
// normalized_query || 0x1f || intent || 0x1f || entity_fingerprint ||
// 0x1f || last_assistant_turn_fingerprint_or_empty.
func Key(normalizedQuery, intent string, entities map[string]interface{}, lastAssistantFingerprint string) string {
	const sep = "\x1f"
	var b strings.Builder
	b.WriteString(normalizedQuery)
	b.WriteString(sep)
	b.WriteString(intent)
	b.WriteString(sep)
	b.WriteString(entityFingerprint(entities))
	b.WriteString(sep)
	b.WriteString(lastAssistantFingerprint)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// entityFingerprint produces a stable, order-independent fingerprint of
// the entity map so equal entity sets always hash identically regardless
// of map iteration order.
func entityFingerprint(entities map[string]interface{}) string {
	if len(entities) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		v, _ := json.Marshal(entities[k])
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
	}
	return b.String()
}

// MemoryCache is the process-local Cache, grounded on the teacher's
// SimpleCache: a mutex-guarded map with a background cleanup goroutine
// and eviction-on-full-capacity.
type MemoryCache struct {
	mu              sync.RWMutex
	items           map[string]*item
	stats           Stats
	maxSize         int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

type item struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache builds a MemoryCache bounded by maxSize entries, with a
// background sweep every cleanupInterval.
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	c := &MemoryCache{
		items:           make(map[string]*item),
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, found := c.items[key]
	if !found || time.Now().After(it.expiresAt) {
		c.stats.Misses++
		return Entry{}, false, nil
	}
	c.stats.Hits++
	c.updateHitRate()
	return it.entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictExpiredLocked()
		if len(c.items) >= c.maxSize {
			c.evictOldestLocked()
		}
	}

	c.items[key] = &item{entry: entry, expiresAt: time.Now().Add(ttl)}
	c.stats.Size = len(c.items)
	return nil
}

func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats, nil
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.stopCleanup)
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) evictExpiredLocked() {
	now := time.Now()
	for key, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, key)
			c.stats.Evictions++
		}
	}
}

func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, it := range c.items {
		if first || it.entry.StoredAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = it.entry.StoredAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.stats.Evictions++
	}
}

func (c *MemoryCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

var _ Cache = (*MemoryCache)(nil)
