package core

import "github.com/google/uuid"

// NewID returns a random identifier for runs, messages and approvals.
func NewID() string { return uuid.NewString() }
