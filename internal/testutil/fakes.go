package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/hupe1980/ragmesh/core"
)

// VectorStore is an in-memory core.VectorSearcher returning canned hits.
// Failures are consumed before hits are served.
type VectorStore struct {
	mu       sync.Mutex
	Hits     []core.SearchResult
	Failures []error
	Calls    int
	// LastVector is the query vector of the latest call.
	LastVector []float32
}

// Search implements core.VectorSearcher.
func (v *VectorStore) Search(ctx context.Context, vec []float32, topK int, _ string) ([]core.SearchResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls++
	v.LastVector = append([]float32(nil), vec...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(v.Failures) > 0 {
		err := v.Failures[0]
		v.Failures = v.Failures[1:]
		return nil, err
	}
	hits := v.Hits
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return append([]core.SearchResult(nil), hits...), nil
}

// GraphStore is an in-memory core.GraphSearcher matching entity names.
type GraphStore struct {
	Entities  []core.Entity
	Relations map[string][]core.Relation
}

// SearchEntities implements core.GraphSearcher.
func (g *GraphStore) SearchEntities(_ context.Context, query string, _ map[string]any, limit int) ([]core.Entity, error) {
	q := strings.ToLower(query)
	var out []core.Entity
	for _, e := range g.Entities {
		if strings.Contains(q, strings.ToLower(e.Name)) {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetRelations implements core.GraphSearcher.
func (g *GraphStore) GetRelations(_ context.Context, id string) ([]core.Relation, error) {
	return g.Relations[id], nil
}

// Embedder returns a fixed vector.
type Embedder struct{}

// Embed implements core.Embedder.
func (Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

// RecordingCapability records invocations and returns a canned result.
// It satisfies capability.Capability structurally.
type RecordingCapability struct {
	CapName     string
	CapKind     core.CapabilityKind
	IsSensitive bool
	Result      map[string]any
	Err         error

	mu          sync.Mutex
	invocations []map[string]any
}

// Name implements capability.Capability.
func (r *RecordingCapability) Name() string { return r.CapName }

// Kind implements capability.Capability.
func (r *RecordingCapability) Kind() core.CapabilityKind {
	if r.CapKind == "" {
		return core.CapabilityExpression
	}
	return r.CapKind
}

// Description implements capability.Capability.
func (r *RecordingCapability) Description() string { return "recording test capability" }

// Parameters implements capability.Capability.
func (r *RecordingCapability) Parameters() map[string]any { return nil }

// Sensitive implements capability.Capability.
func (r *RecordingCapability) Sensitive() bool { return r.IsSensitive }

// Invoke implements capability.Capability.
func (r *RecordingCapability) Invoke(_ context.Context, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]any, len(args))
	for k, v := range args {
		cp[k] = v
	}
	r.invocations = append(r.invocations, cp)
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Result != nil {
		return r.Result, nil
	}
	return map[string]any{"success": true}, nil
}

// Invocations returns the recorded argument maps.
func (r *RecordingCapability) Invocations() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.invocations...)
}
