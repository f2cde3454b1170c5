package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/backoff"
	"github.com/hupe1980/ragmesh/internal/testutil"
	"github.com/hupe1980/ragmesh/memory"
	"github.com/hupe1980/ragmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(o *RetrievalOptions) {
	o.Policy = backoff.Policy{Initial: time.Millisecond, Factor: 1, MaxAttempts: 3}
}

func TestRetrieval_FusesVectorAndGraph(t *testing.T) {
	vector := &testutil.VectorStore{Hits: []core.SearchResult{
		{ID: "d1", Content: "A monad is a monoid in the category of endofunctors", Score: 0.9},
		{ID: "d2", Content: "Functors map between categories", Score: 0.4},
	}}
	graph := &testutil.GraphStore{
		Entities:  []core.Entity{{ID: "e1", Name: "Monad", Type: "concept"}},
		Relations: map[string][]core.Relation{"e1": {{Source: "Monad", Relation: "is_a", Target: "Monoid"}}},
	}
	r := NewRetrieval(vector, graph, testutil.Embedder{}, fastPolicy)

	out, err := r.Invoke(context.Background(), map[string]any{"query": "what is a monad"})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 3, out["count"])

	results := out["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "d1", first["id"])
	assert.Equal(t, "vector", first["source"])

	var graphHit map[string]any
	for _, r := range results {
		if m := r.(map[string]any); m["source"] == "graph" {
			graphHit = m
		}
	}
	require.NotNil(t, graphHit)
	assert.Contains(t, graphHit["content"], "Monad is_a Monoid")
}

func TestRetrieval_RetriesTransientVectorErrors(t *testing.T) {
	vector := &testutil.VectorStore{
		Hits:     []core.SearchResult{{ID: "d1", Content: "x", Score: 1}},
		Failures: []error{core.Transient("search", errors.New("timeout"))},
	}
	r := NewRetrieval(vector, nil, testutil.Embedder{}, fastPolicy)

	out, err := r.Invoke(context.Background(), map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 2, vector.Calls)
}

func TestRetrieval_FatalErrorIsUnsuccessfulResult(t *testing.T) {
	vector := &testutil.VectorStore{Failures: []error{errors.New("collection missing")}}
	r := NewRetrieval(vector, nil, testutil.Embedder{}, fastPolicy)

	out, err := r.Invoke(context.Background(), map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 1, vector.Calls)
}

func TestRetrieval_HyDEAveragesPassageAndQuery(t *testing.T) {
	const passage = "A monad wraps values."
	tests := []struct {
		name  string
		llm   *model.MockModel
		want  []float32
		calls int
	}{
		{"passage and query", model.NewMockModel("hyde").On("Question: monads", passage), []float32{13.5, 1}, 1},
		{"failed hypothesis", model.NewMockModel("hyde").FailOn("Question:", errors.New("offline")), []float32{6, 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vector := &testutil.VectorStore{Hits: []core.SearchResult{{ID: "d1", Content: "x", Score: 1}}}
			r := NewRetrieval(vector, nil, testutil.Embedder{}, fastPolicy, func(o *RetrievalOptions) {
				o.Hypothesizer = tt.llm
			})

			out, err := r.Invoke(context.Background(), map[string]any{"query": "monads"})
			require.NoError(t, err)
			assert.Equal(t, true, out["success"])
			assert.Equal(t, tt.want, vector.LastVector)
			assert.Len(t, tt.llm.Calls(), tt.calls)
		})
	}
}

func TestFuse_KeepsHitsWithoutID(t *testing.T) {
	vector := []core.SearchResult{
		{Content: "first anonymous chunk", Score: 0.8},
		{Content: "second anonymous chunk", Score: 0.7},
		{ID: "d1", Content: "monads", Score: 0.5},
	}
	graph := []core.SearchResult{
		{Content: "anonymous entity", Score: 0.6},
		{ID: "d1", Content: "monads", Score: 0.9},
	}

	out := fuse(vector, graph, 0)
	require.Len(t, out, 4)
	assert.Equal(t, "d1", out[0].ID)
	assert.Equal(t, 0.9, out[0].Score)
	assert.Equal(t, "first anonymous chunk", out[1].Content)
	assert.Equal(t, "second anonymous chunk", out[2].Content)
	assert.Equal(t, "anonymous entity", out[3].Content)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"-4 / 2", -2},
		{"pow(2, 10)", 1024},
		{"sqrt(16) + abs(-1)", 5},
		{"7 % 4", 3},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.InDelta(t, tt.want, got, 1e-9, tt.expr)
	}

	for _, bad := range []string{"1 / 0", "os.Exit(1)", "\"str\"", "pow(2)"} {
		_, err := Evaluate(bad)
		assert.Error(t, err, bad)
	}
}

func TestMemoryWriteAndRead(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	r := NewRegistry().MustRegister(NewMemoryWrite(store), NewMemoryRead(store))

	_, err := r.InvokeApproved(ctx, "memory_write", map[string]any{"type": "mood", "content": "x"})
	assert.Equal(t, core.ErrorValidation, core.KindOf(err))

	res, err := r.InvokeApproved(ctx, "memory_write", map[string]any{"type": "profile", "key": "style", "content": "prefers worked examples"})
	require.NoError(t, err)
	assert.Equal(t, "profile:style", res.Result["id"])

	res, err = r.Invoke(ctx, "memory_read", map[string]any{"query": "examples", "type": "profile"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Result["count"])
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	require.NoError(t, store.Put(ctx, "docs", "p1", map[string]any{"content": "Kleisli composition of monads"}))
	ks := NewKeywordSearch(store, "docs")

	out, err := ks.Invoke(ctx, map[string]any{"keywords": []any{"kleisli"}})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
}
