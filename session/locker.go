package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a lock times out.
var ErrLockTimeout = errors.New("session: lock acquisition timeout")

// Locker provides a per-session exclusive lock.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// LocalLocker is a process-local Locker. Each session id maps to a
// one-slot channel; holding the slot means holding the lock.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a LocalLocker. A non-positive timeout waits until
// the context is done.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(sessionID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[sessionID] = ch
	}
	return ch
}

// Lock blocks until the lock is acquired, the timeout elapses
// (ErrLockTimeout) or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	ch := l.slot(sessionID)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ch <- struct{}{}:
		return nil
	case <-timeout:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock without waiting and reports success.
func (l *LocalLocker) TryLock(sessionID string) bool {
	select {
	case l.slot(sessionID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the lock. Unlocking an unlocked session is a no-op.
func (l *LocalLocker) Unlock(sessionID string) {
	select {
	case <-l.slot(sessionID):
	default:
	}
}

// Locked reports whether the session lock is currently held.
func (l *LocalLocker) Locked(sessionID string) bool {
	return len(l.slot(sessionID)) == 1
}
