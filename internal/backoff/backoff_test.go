package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, p.delayWithRand(1, 0))
	assert.Equal(t, 200*time.Millisecond, p.delayWithRand(2, 0))
	assert.Equal(t, 300*time.Millisecond, p.delayWithRand(3, 0))
}

func TestPolicy_Jitter(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Factor: 1, Jitter: 0.5}
	assert.Equal(t, 150*time.Millisecond, p.delayWithRand(1, 1))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1, MaxAttempts: 3}
	calls := 0
	v, err := Retry(context.Background(), p, nil, func(int) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1, MaxAttempts: 5}
	permanent := errors.New("bad input")
	calls := 0
	_, err := Retry(context.Background(), p, func(err error) bool { return !errors.Is(err, permanent) }, func(int) (int, error) {
		calls++
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1, MaxAttempts: 2}
	cause := errors.New("down")
	_, err := Retry(context.Background(), p, nil, func(int) (int, error) { return 0, cause })
	assert.ErrorIs(t, err, ErrMaxAttemptsExhausted)
	assert.ErrorIs(t, err, cause)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, DefaultPolicy(), nil, func(int) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
