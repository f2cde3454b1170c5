package core

import (
	"context"
	"fmt"
	"sync"
)

// RunLimiter bounds the number of runs executing at once across sessions.
// A max of 0 disables the limit.
type RunLimiter struct {
	max    int
	active int
	mu     sync.Mutex
	slots  chan struct{}
}

// NewRunLimiter creates a limiter admitting at most max concurrent runs.
func NewRunLimiter(max int) *RunLimiter {
	l := &RunLimiter{max: max}
	if max > 0 {
		l.slots = make(chan struct{}, max)
	}
	return l
}

// Acquire blocks until a slot is free or ctx is done.
func (l *RunLimiter) Acquire(ctx context.Context) error {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("waiting for run slot: %w", ctx.Err())
		}
	}
	l.mu.Lock()
	l.active++
	l.mu.Unlock()
	return nil
}

// Release frees a slot taken by Acquire.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
	if l.slots != nil {
		<-l.slots
	}
}

// Active returns the number of runs currently holding a slot.
func (l *RunLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Remaining returns the free slots, or -1 when unlimited.
func (l *RunLimiter) Remaining() int {
	if l.max == 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - l.active
}
