package model

import (
	"context"
	"strings"
	"sync"
)

type mockRule struct {
	match   func(Request) bool
	replies []string
	err     error
	used    int
}

// MockModel is a scripted in-memory Model for tests and examples. Rules are
// matched in registration order against the rendered request; each rule
// replays its replies in sequence and repeats the last one.
type MockModel struct {
	mu       sync.Mutex
	info     Info
	rules    []*mockRule
	fallback string
	calls    []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: "mock"}, fallback: "ok"}
}

// On registers replies for requests whose rendered prompt contains substr.
func (m *MockModel) On(substr string, replies ...string) *MockModel {
	return m.OnFunc(func(r Request) bool { return strings.Contains(Render(r.Messages), substr) }, replies...)
}

// OnFunc registers replies for requests accepted by match.
func (m *MockModel) OnFunc(match func(Request) bool, replies ...string) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &mockRule{match: match, replies: replies})
	return m
}

// FailOn makes requests containing substr fail with err.
func (m *MockModel) FailOn(substr string, err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &mockRule{
		match: func(r Request) bool { return strings.Contains(Render(r.Messages), substr) },
		err:   err,
	})
	return m
}

// Fallback sets the reply used when no rule matches.
func (m *MockModel) Fallback(reply string) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = reply
	return m
}

// Calls returns a copy of all requests received so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallsMatching counts received requests whose rendered prompt contains substr.
func (m *MockModel) CallsMatching(substr string) int {
	n := 0
	for _, c := range m.Calls() {
		if strings.Contains(Render(c.Messages), substr) {
			n++
		}
	}
	return n
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func (m *MockModel) reply(req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	for _, r := range m.rules {
		if !r.match(req) {
			continue
		}
		if r.err != nil {
			return "", r.err
		}
		if len(r.replies) == 0 {
			return m.fallback, nil
		}
		i := r.used
		if i >= len(r.replies) {
			i = len(r.replies) - 1
		}
		r.used++
		return r.replies[i], nil
	}
	return m.fallback, nil
}

// Generate implements Model; streams word-sized chunks when req.Stream is set.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		full, err := m.reply(req)
		if err != nil {
			errCh <- err
			return
		}
		if req.Stream {
			for _, w := range strings.SplitAfter(full, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: w}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Content: full, FinishReason: "stop"}:
		}
	}()
	return respCh, errCh
}
