package model

import (
	"context"
	"time"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/backoff"
	"github.com/hupe1980/ragmesh/logging"
)

// RetryOptions configures the transient-error retry wrapper.
type RetryOptions struct {
	Policy backoff.Policy
	Logger logging.Logger
}

// RetryModel retries a wrapped model when generation fails with a transient
// error before any chunk was delivered. Once a chunk has been forwarded the
// error is surfaced as is, since a partial answer cannot be taken back.
type RetryModel struct {
	inner Model
	opts  RetryOptions
}

// WithRetry wraps m with bounded exponential backoff.
func WithRetry(m Model, optFns ...func(o *RetryOptions)) *RetryModel {
	opts := RetryOptions{Policy: backoff.DefaultPolicy(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RetryModel{inner: m, opts: opts}
}

// Info implements Model.
func (r *RetryModel) Info() Info { return r.inner.Info() }

// Unwrap returns the wrapped model.
func (r *RetryModel) Unwrap() Model { return r.inner }

// Generate implements Model.
func (r *RetryModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		attempts := r.opts.Policy.MaxAttempts
		if attempts <= 0 {
			attempts = 1
		}
		start := time.Now()
		for attempt := 1; ; attempt++ {
			forwarded, tokens, err := r.forward(ctx, req, out)
			if err == nil {
				r.logCall(tokens, time.Since(start), nil)
				return
			}
			if forwarded || !core.IsTransient(err) || attempt >= attempts {
				r.logCall(tokens, time.Since(start), err)
				errCh <- err
				return
			}
			r.opts.Logger.Warn("transient model error, retrying",
				"model", r.inner.Info().Name, "attempt", attempt, "error", err.Error())
			if serr := r.opts.Policy.Sleep(ctx, attempt); serr != nil {
				errCh <- serr
				return
			}
		}
	}()
	return out, errCh
}

func (r *RetryModel) logCall(tokens int, dur time.Duration, err error) {
	ml, ok := r.opts.Logger.(*logging.MeshLogger)
	if !ok {
		return
	}
	ml.LogLLMCall(r.inner.Info().Name, tokens, dur, err == nil, err)
}

// forward relays one attempt and reports whether anything reached out and
// the total tokens the adapter reported.
func (r *RetryModel) forward(ctx context.Context, req Request, out chan<- Response) (bool, int, error) {
	respCh, errCh := r.inner.Generate(ctx, req)
	forwarded := false
	tokens := 0
	var genErr error
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return forwarded, tokens, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Usage != nil {
				tokens = resp.Usage.TotalTokens
			}
			select {
			case out <- resp:
				forwarded = true
			case <-ctx.Done():
				return forwarded, tokens, ctx.Err()
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && genErr == nil {
				genErr = err
			}
		}
	}
	return forwarded, tokens, genErr
}
