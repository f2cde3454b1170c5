package testutil

import (
	"fmt"

	"github.com/hupe1980/ragmesh/core"
)

// SessionBuilder provides a fluent helper for constructing sessions in tests.
//
//	sess := NewSessionBuilder("t1").Turns(3).Summary("likes go").Build()
type SessionBuilder struct {
	sess *core.Session
}

// NewSessionBuilder starts a builder for session id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{sess: core.NewSession(id)}
}

// User appends a user message (chainable).
func (b *SessionBuilder) User(content string) *SessionBuilder {
	b.sess.AppendMessage(core.RoleUser, content)
	return b
}

// Assistant appends an assistant message (chainable).
func (b *SessionBuilder) Assistant(content string) *SessionBuilder {
	b.sess.AppendMessage(core.RoleAssistant, content)
	return b
}

// Turns appends n user/assistant pairs with numbered content (chainable).
func (b *SessionBuilder) Turns(n int) *SessionBuilder {
	for i := 1; i <= n; i++ {
		b.User(fmt.Sprintf("question %d", i)).Assistant(fmt.Sprintf("answer %d", i))
	}
	return b
}

// Messages appends n alternating messages numbered from 1 (chainable).
func (b *SessionBuilder) Messages(n int) *SessionBuilder {
	for i := 1; i <= n; i++ {
		role := core.RoleUser
		if i%2 == 0 {
			role = core.RoleAssistant
		}
		b.sess.AppendMessage(role, fmt.Sprintf("message %d", i))
	}
	return b
}

// Summary sets the rolling summary (chainable).
func (b *SessionBuilder) Summary(s string) *SessionBuilder {
	b.sess.Summary = s
	return b
}

// Pending attaches a pending approval (chainable).
func (b *SessionBuilder) Pending(p *core.PendingApproval) *SessionBuilder {
	b.sess.PendingApproval = p
	return b
}

// Build returns a clone of the built session.
func (b *SessionBuilder) Build() *core.Session { return b.sess.Clone() }
