// Package session implements the Session Store (spec.md §4.7): a bounded,
// per-session conversation history keyed by an opaque session id, with
// TTL-based eviction. It is grounded on this codebase's conversation
// connection manager, generalized from a chat-widget session object to the
// orchestrator's Session/Turn model.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes who produced a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message recorded in a session. Immutable once appended, per
// spec.md §3.
type Turn struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Intent    string                 `json:"intent,omitempty"`     // user turns only
	Entities  map[string]interface{} `json:"entities,omitempty"`   // user turns only
	Sources   []string               `json:"source_tags,omitempty"` // assistant turns only
}

// Session is a bounded FIFO of turns plus a last-activity timestamp. At
// most MaxTurns are retained, oldest discarded first; a session becomes
// evictable once idle past TTL.
type Session struct {
	ID           string    `json:"session_id"`
	Turns        []Turn    `json:"turns"`
	LastActivity time.Time `json:"last_activity"`
	maxTurns     int
}

func newSession(id string, maxTurns int) *Session {
	return &Session{ID: id, maxTurns: maxTurns, LastActivity: time.Now()}
}

func (s *Session) append(t Turn) {
	s.Turns = append(s.Turns, t)
	if len(s.Turns) > s.maxTurns {
		s.Turns = s.Turns[len(s.Turns)-s.maxTurns:]
	}
	s.LastActivity = t.Timestamp
}

// Recent returns up to n most recent turns, oldest-first, the shape the
// classifier's coreference scan and the synthesizer's prompt builder both
// need (spec.md §4.2/§4.1 "last K session turns").
func (s *Session) Recent(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		out := make([]Turn, len(s.Turns))
		copy(out, s.Turns)
		return out
	}
	start := len(s.Turns) - n
	out := make([]Turn, n)
	copy(out, s.Turns[start:])
	return out
}

// LastAssistantTurn returns the most recent assistant turn, if any. Used by
// the Response Cache's key formula to avoid crossing conversational
// contexts (spec.md §4.5).
func (s *Session) LastAssistantTurn() (Turn, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleAssistant {
			return s.Turns[i], true
		}
	}
	return Turn{}, false
}

// Summary is the shape returned by GET /session/{id} and GET /sessions.
type Summary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
	Turns        []Turn    `json:"turns"`
}

func (s *Session) Summary() Summary {
	return Summary{
		SessionID:    s.ID,
		MessageCount: len(s.Turns),
		LastActivity: s.LastActivity,
		Turns:        s.Recent(0),
	}
}

// Store is the Session Store contract from spec.md §4.7.
type Store interface {
	Get(ctx context.Context, id string) (*Session, bool, error)
	// GetOrCreate returns the existing session for id, or mints a fresh one
	// (generating an id if id is empty).
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, t Turn) error
	EvictExpired(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Options configures a Store's bounded-history and TTL invariants.
type Options struct {
	MaxTurns int
	TTL      time.Duration
}

// DefaultOptions matches spec.md §3's defaults: 20 turns, 1 hour TTL.
func DefaultOptions() Options {
	return Options{MaxTurns: 20, TTL: time.Hour}
}

func newSessionID() string {
	return uuid.NewString()
}
