package testutil

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/ragmesh/model"
)

// Summarizer is a model.Model that "summarizes" by echoing the user lines
// of the last prompt message joined with " | ". It makes summaries
// deterministic while still carrying content from the summarized turns.
type Summarizer struct {
	Err error
	// Gate, when set, holds every call until it is closed or the context
	// is done.
	Gate  chan struct{}
	calls atomic.Int32
}

// Calls returns the number of Generate calls.
func (s *Summarizer) Calls() int { return int(s.calls.Load()) }

// Info implements model.Model.
func (s *Summarizer) Info() model.Info { return model.Info{Name: "echo-summarizer", Provider: "mock"} }

// Generate implements model.Model.
func (s *Summarizer) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	s.calls.Add(1)
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	defer close(respCh)
	defer close(errCh)

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			errCh <- ctx.Err()
			return respCh, errCh
		}
	}
	if s.Err != nil {
		errCh <- s.Err
		return respCh, errCh
	}
	var parts []string
	if n := len(req.Messages); n > 0 {
		for _, line := range strings.Split(req.Messages[n-1].Content, "\n") {
			if c, ok := strings.CutPrefix(line, "user: "); ok {
				parts = append(parts, c)
			}
		}
	}
	respCh <- model.Response{Content: strings.Join(parts, " | ") + " |", FinishReason: "stop"}
	return respCh, errCh
}
