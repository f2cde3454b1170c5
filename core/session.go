package core

import (
	"context"
	"fmt"
	"time"
)

// Message roles used in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversational turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

// Session is the durable conversational state of one thread.
//
// Contract:
//   - Sessions are owned by the engine; callers receive clones
//   - Messages only grow at the tail; compaction replaces a contiguous prefix
//     with Summary
//   - PendingApproval and Checkpoint are set and cleared together
//
// A Session value carries no lock of its own. Serialization of writers is the
// job of the session store's per-session locker.
type Session struct {
	ID              string           `json:"id"`
	Messages        []Message        `json:"messages"`
	Summary         string           `json:"summary,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	Checkpoint      *Checkpoint      `json:"checkpoint,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewSession creates an empty session with the given id.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}
}

// AppendMessage adds a turn at the tail of the history.
func (s *Session) AppendMessage(role, content string) Message {
	m := NewMessage(role, content)
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = m.CreatedAt
	return m
}

// Suspended reports whether an approval decision is outstanding.
func (s *Session) Suspended() bool { return s.PendingApproval != nil }

// History returns up to n of the most recent messages (all when n <= 0).
func (s *Session) History(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		out := make([]Message, len(s.Messages))
		copy(out, s.Messages)
		return out
	}
	out := make([]Message, n)
	copy(out, s.Messages[len(s.Messages)-n:])
	return out
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.PendingApproval = s.PendingApproval.Clone()
	cp.Checkpoint = s.Checkpoint.Clone()
	return &cp
}

// ThreadKey derives a thread id from a user and a scope (for example a book
// or course) when the caller has no explicit thread id.
func ThreadKey(userID, scope string) string {
	if scope == "" {
		return userID
	}
	return fmt.Sprintf("%s_%s", userID, scope)
}

// SessionStore persists sessions. Implementations must return clones so that
// callers never share memory with the stored record.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	// Update applies fn to the session under the per-session lock and
	// persists the result only when fn returns nil.
	Update(ctx context.Context, id string, fn func(sess *Session) error) (*Session, error)
}
