package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nlqa/orchestrator/core"
)

// MemoryStore is the process-local Session Store: a mutex-guarded map plus
// an opportunistic eviction sweep, grounded on this codebase's
// conversation-connection-manager pattern (bounded-history chat sessions
// backed by an in-memory map with a cleanup pass over stale entries).
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options
	logger   core.Logger
}

// NewMemoryStore creates an in-memory Session Store with the given bounds.
func NewMemoryStore(opts Options, logger core.Logger) *MemoryStore {
	if opts.MaxTurns <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   core.WithComponent(logger, "session"),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()

	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) GetOrCreate(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()

	if id != "" {
		if s, ok := m.sessions[id]; ok {
			return s, nil
		}
	} else {
		id = newSessionID()
	}

	s := newSession(id, m.opts.MaxTurns)
	m.sessions[id] = s
	m.logger.Info("session created", map[string]interface{}{"session_id": id})
	return s, nil
}

func (m *MemoryStore) Append(_ context.Context, id string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id, m.opts.MaxTurns)
		m.sessions[id] = s
	}
	s.append(t)
	return nil
}

func (m *MemoryStore) EvictExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(), nil
}

func (m *MemoryStore) evictLocked() int {
	if m.opts.TTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.opts.TTL)
	evicted := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("evicted expired sessions", map[string]interface{}{"count": evicted})
	}
	return evicted
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()

	summaries := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		summaries = append(summaries, s.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

var _ Store = (*MemoryStore)(nil)
