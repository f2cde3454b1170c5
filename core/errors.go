package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide whether to retry,
// surface verbatim or abort.
type ErrorKind string

const (
	// ErrorTransient marks network or timeout failures of an external
	// collaborator. The calling layer retries them with backoff.
	ErrorTransient ErrorKind = "transient"
	// ErrorValidation marks malformed input. Never retried.
	ErrorValidation ErrorKind = "validation"
	// ErrorOrdering marks operations issued in an invalid session state.
	ErrorOrdering ErrorKind = "ordering"
	// ErrorFatal marks unrecoverable failures (corrupt state, misconfigured graph).
	ErrorFatal ErrorKind = "fatal"
	// ErrorTimeout marks a run aborted by its wall-clock budget.
	ErrorTimeout ErrorKind = "timeout"
)

var (
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrUnknownEvent       = errors.New("unknown event kind")
	ErrAlreadySuspended   = errors.New("session already has a pending approval")
	ErrNoPendingApproval  = errors.New("session has no pending approval")
	ErrDecisionNotAllowed = errors.New("decision not allowed")
	ErrApprovalPending    = errors.New("session is waiting for an approval decision")
	ErrApprovalRequired   = errors.New("capability requires approval")
	ErrSessionBusy        = errors.New("session already has an active run")
	ErrTimeout            = errors.New("run timed out")
	ErrHopLimit           = errors.New("dispatch hop limit exceeded")
	ErrNotFound           = errors.New("not found")
)

// Error attaches an ErrorKind and the failing operation to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable collaborator failure.
func Transient(op string, err error) error { return NewError(ErrorTransient, op, err) }

// Validation wraps err as a non-retryable input failure.
func Validation(op string, err error) error { return NewError(ErrorValidation, op, err) }

// Ordering wraps err as an invalid-state failure.
func Ordering(op string, err error) error { return NewError(ErrorOrdering, op, err) }

// Fatal wraps err as an unrecoverable failure.
func Fatal(op string, err error) error { return NewError(ErrorFatal, op, err) }

// KindOf reports the ErrorKind of err. Unclassified errors are fatal, except
// context deadline errors which map to ErrorTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, ErrAlreadySuspended), errors.Is(err, ErrNoPendingApproval),
		errors.Is(err, ErrDecisionNotAllowed), errors.Is(err, ErrApprovalPending),
		errors.Is(err, ErrSessionBusy):
		return ErrorOrdering
	case errors.Is(err, ErrUnknownCapability), errors.Is(err, ErrUnknownEvent):
		return ErrorValidation
	}
	return ErrorFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == ErrorTransient }
