package memory

import (
	"context"
	"testing"

	"github.com/hupe1980/ragmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_GetPutCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Get(ctx, "ns", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	v := map[string]any{"content": "likes go", "n": 2}
	require.NoError(t, s.Put(ctx, "ns", "k", v))
	v["content"] = "mutated"

	got, err := s.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, "likes go", got["content"])
	assert.EqualValues(t, 2, got["n"])

	got["content"] = "changed"
	again, _ := s.Get(ctx, "ns", "k")
	assert.Equal(t, "likes go", again["content"])
}

func TestInMemoryStore_ListSearchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Put(ctx, "mem", "b", map[string]any{"content": "prefers concise answers"}))
	require.NoError(t, s.Put(ctx, "mem", "a", map[string]any{"content": "studies category theory"}))
	require.NoError(t, s.Put(ctx, "other", "x", map[string]any{"content": "category"}))

	recs, err := s.List(ctx, "mem")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)

	res, err := s.Search(ctx, "mem", "Category answers", 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.InDelta(t, 0.5, res[0].Score, 1e-9)

	res, _ = s.Search(ctx, "mem", "theory", 10)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID)

	res, _ = s.Search(ctx, "mem", "", 1)
	assert.Len(t, res, 1)

	require.NoError(t, s.Delete(ctx, "mem", "a"))
	assert.ErrorIs(t, s.Delete(ctx, "mem", "a"), core.ErrNotFound)
}
