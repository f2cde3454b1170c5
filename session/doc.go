// Package session persists conversational threads on top of any
// core.Persistence backend and serializes writers per thread.
//
// Store reads always return clones. Writers go through Update, which holds
// the per-session lock for the whole read-modify-write so that appends,
// approvals and compactions of the same thread never interleave.
package session
