// Package compat adapts OpenAI-compatible endpoints (Ollama, vLLM,
// OpenRouter, Azure proxies) to model.Model and core.Embedder using
// github.com/sashabaranov/go-openai.
package compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/model"
	openai "github.com/sashabaranov/go-openai"
)

// Options configures the compat adapter.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

// Model talks to any server that speaks the OpenAI chat completions protocol.
type Model struct {
	client *openai.Client
	opts   Options
}

var (
	_ model.Model   = (*Model)(nil)
	_ core.Embedder = (*Model)(nil)
)

// NewModel creates a compat model.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:          openai.GPT4oMini,
		EmbeddingModel: string(openai.SmallEmbedding3),
		Temperature:    0.7,
		MaxTokens:      4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &Model{client: openai.NewClientWithConfig(cfg), opts: opts}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "compat"}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		chatReq := m.buildRequest(req)
		if !req.Stream {
			resp, err := m.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				errCh <- classify("compat chat", err)
				return
			}
			if len(resp.Choices) == 0 {
				errCh <- fmt.Errorf("compat chat: no choices returned")
				return
			}
			send(ctx, out, model.Response{
				ID:           resp.ID,
				Content:      resp.Choices[0].Message.Content,
				FinishReason: string(resp.Choices[0].FinishReason),
				Usage: &model.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			})
			return
		}

		chatReq.Stream = true
		stream, err := m.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			errCh <- classify("compat stream", err)
			return
		}
		defer stream.Close()

		var text strings.Builder
		finishReason := "stop"
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- classify("compat stream", err)
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			ch := chunk.Choices[0]
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if !send(ctx, out, model.Response{ID: chunk.ID, Partial: true, Content: ch.Delta.Content}) {
					return
				}
			}
			if ch.FinishReason != "" {
				finishReason = string(ch.FinishReason)
			}
		}
		send(ctx, out, model.Response{Content: text.String(), FinishReason: finishReason})
	}()
	return out, errCh
}

func (m *Model) buildRequest(req model.Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       m.opts.Model,
		Messages:    msgs,
		Temperature: m.opts.Temperature,
		MaxTokens:   m.opts.MaxTokens,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

// Embed implements core.Embedder.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := m.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(m.opts.EmbeddingModel),
	})
	if err != nil {
		return nil, classify("compat embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("compat embed: no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

func send(ctx context.Context, out chan<- model.Response, r model.Response) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return model.ClassifyHTTP(op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return model.ClassifyHTTP(op, reqErr.HTTPStatusCode, err)
	}
	return model.ClassifyTransport(op, err)
}
