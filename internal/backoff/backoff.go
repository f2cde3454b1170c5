// Package backoff provides exponential backoff with jitter for retrying
// transient collaborator failures.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor is the exponential growth applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to each delay.
	Jitter float64
	// MaxAttempts bounds the total number of attempts (including the first).
	MaxAttempts int
}

// DefaultPolicy returns 3 attempts starting at 200ms, doubling, 10% jitter,
// capped at 5s.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.1, MaxAttempts: 3}
}

// Delay returns the wait before attempt+1 (attempt is 1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for the delay of the given attempt or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns an error that retryable rejects,
// the attempts are exhausted, or ctx is done. The last error is wrapped
// together with ErrMaxAttemptsExhausted when attempts run out.
func Retry[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < attempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return zero, errors.Join(err, lastErr)
			}
		}
	}
	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
