package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Chat roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn sent to a model provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request captures the normalized model input produced by the engine stages.
// A zero Temperature or MaxTokens leaves the adapter default in place.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry a text delta; the final chunk carries the full text.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "compat", "mock"
}

// Model is the minimal interface required to drive generation.
//
// Generate returns a response channel and an error channel. Both are closed
// when generation ends. Implementations must stop promptly when ctx is done.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrEmptyResponse is returned when a model finishes without any text.
var ErrEmptyResponse = errors.New("model returned no content")

// Complete runs a non-streaming generation and returns the final text.
func Complete(ctx context.Context, m Model, req Request) (string, error) {
	req.Stream = false
	return Stream(ctx, m, req, nil)
}

// Stream drives a generation, calling onChunk for every partial delta, and
// returns the full text. When the provider emits no final chunk the deltas
// are concatenated. A non-nil error from onChunk aborts the stream.
func Stream(ctx context.Context, m Model, req Request, onChunk func(string) error) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	respCh, errCh := m.Generate(ctx, req)

	var (
		deltas strings.Builder
		final  string
		gotEnd bool
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				deltas.WriteString(resp.Content)
				if onChunk != nil && resp.Content != "" {
					if err := onChunk(resp.Content); err != nil {
						return "", err
					}
				}
				continue
			}
			final, gotEnd = resp.Content, true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}

	text := final
	if !gotEnd || text == "" {
		text = deltas.String()
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Prompt is a convenience for the common system + user request shape.
func Prompt(system, user string, temperature float64, maxTokens int) Request {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(user))
	return Request{Messages: msgs, Temperature: temperature, MaxTokens: maxTokens}
}

// Render flattens messages into a single transcript. Used by providers
// without native chat roles and by tests that match on prompt text.
func Render(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}
