package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Sure! Here it is: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractJSON("no braces here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Type string `json:"type"`
	}
	require.NoError(t, DecodeJSON("```\n{\"type\":\"complex\"}\n```", &v))
	assert.Equal(t, "complex", v.Type)
}

func TestInferSchema_ValidatesEditedArgs(t *testing.T) {
	schema := InferSchema(map[string]any{"content": "likes go", "type": "profile", "weight": 2.0})

	assert.NoError(t, ValidateParameters(map[string]any{"content": "likes rust", "type": "profile", "weight": 3.0}, schema))

	err := ValidateParameters(map[string]any{"content": "x", "type": "profile"}, schema)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "weight", vErr.Field)

	err = ValidateParameters(map[string]any{"content": 42, "type": "profile", "weight": 1.0}, schema)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "content", vErr.Field)
}

func TestValidateParameters_DecodedRequired(t *testing.T) {
	schema := map[string]any{"type": "object", "required": []any{"query"}}
	assert.Error(t, ValidateParameters(map[string]any{}, schema))
	assert.NoError(t, ValidateParameters(map[string]any{"query": "q"}, schema))
}

func TestCreateSchema(t *testing.T) {
	type args struct {
		Query  string   `json:"query" description:"search text"`
		TopK   int      `json:"top_k,omitempty"`
		Tags   []string `json:"tags"`
		Filter *string  `json:"filter"`
		Hidden string   `json:"-"`
	}
	schema := CreateSchema(&args{})

	props := schema["properties"].(map[string]any)
	assert.Len(t, props, 4)
	assert.Equal(t, map[string]any{"type": "string", "description": "search text"}, props["query"])
	assert.Equal(t, "integer", props["top_k"].(map[string]any)["type"])
	assert.Equal(t, []string{"query", "tags"}, schema["required"])

	assert.NoError(t, ValidateParameters(map[string]any{"query": "q", "tags": []string{"a"}}, schema))
	err := ValidateParameters(map[string]any{"query": "q", "tags": "a"}, schema)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "tags", vErr.Field)
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Q: {{.query}} ({{default \"none\" .summary}})", map[string]any{"query": "a<b"})
	require.NoError(t, err)
	assert.Equal(t, "Q: a<b (none)", out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "你好", Truncate("你好世界", 2))
	assert.Equal(t, "ab", Truncate("ab", 5))
}
