package compat

import (
	"errors"
	"testing"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/model"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{"rate limit", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, core.ErrorTransient},
		{"server", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, core.ErrorTransient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400, Message: "bad"}, core.ErrorValidation},
		{"auth", &openai.APIError{HTTPStatusCode: 401, Message: "key"}, core.ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.KindOf(classify("op", tt.err)))
		})
	}
}

func TestBuildRequest_Overrides(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "llama3"; o.BaseURL = "http://localhost:11434/v1" })
	req := m.buildRequest(model.Request{
		Messages:    []model.Message{model.System("s"), model.User("u"), model.Assistant("a")},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	assert.Equal(t, "llama3", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, 300, req.MaxTokens)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "compat", m.Info().Provider)
}
