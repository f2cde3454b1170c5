package anthropic

import (
	"testing"

	"github.com/hupe1980/ragmesh/model"
	"github.com/stretchr/testify/assert"
)

func TestBuildParams_SystemSplit(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	params := m.buildParams(model.Request{
		Messages:  []model.Message{model.System("rules"), model.User("hi"), model.Assistant("hello"), model.User("")},
		MaxTokens: 300,
	})
	assert.Len(t, params.System, 1)
	assert.Equal(t, "rules", params.System[0].Text)
	assert.Len(t, params.Messages, 2)
	assert.EqualValues(t, 300, params.MaxTokens)
}
