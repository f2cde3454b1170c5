package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/ragmesh/core"
)

var _ core.Persistence = (*InMemoryStore)(nil)

// InMemoryStore is a process-local core.Persistence.
//
// Concurrency: protected by RWMutex. Values are deep-copied on the way in
// and out (JSON round trip) so callers never alias stored maps.
// Search: case-insensitive term matching over the value's "content" field
// (or the whole encoded value when absent); the score is the fraction of
// query terms found. Suitable for tests, demos and the CLI default.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // namespace -> key -> encoded value
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[string][]byte)}
}

// Get implements core.Persistence.
func (m *InMemoryStore) Get(_ context.Context, namespace, key string) (map[string]any, error) {
	m.mu.RLock()
	raw, ok := m.data[namespace][key]
	m.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return decode(raw)
}

// Put implements core.Persistence.
func (m *InMemoryStore) Put(_ context.Context, namespace, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return core.Validation("memory put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[namespace]; !ok {
		m.data[namespace] = make(map[string][]byte)
	}
	m.data[namespace][key] = raw
	return nil
}

// List implements core.Persistence; records are ordered by key.
func (m *InMemoryStore) List(_ context.Context, namespace string) ([]core.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns := m.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]core.Record, 0, len(keys))
	for _, k := range keys {
		v, err := decode(ns[k])
		if err != nil {
			return nil, err
		}
		out = append(out, core.Record{Namespace: namespace, Key: k, Value: v})
	}
	return out, nil
}

// Search implements core.Persistence. Results are ordered by descending
// score, then key. An empty query matches everything with score 1.
func (m *InMemoryStore) Search(ctx context.Context, namespace, query string, limit int) ([]core.SearchResult, error) {
	records, err := m.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	results := make([]core.SearchResult, 0)
	for _, r := range records {
		content := Content(r.Value)
		score := MatchScore(content, query)
		if score <= 0 {
			continue
		}
		results = append(results, core.SearchResult{ID: r.Key, Content: content, Score: score, Metadata: r.Value})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete implements core.Persistence.
func (m *InMemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[namespace][key]; !ok {
		return core.ErrNotFound
	}
	delete(m.data[namespace], key)
	return nil
}

// Content returns the searchable text of a stored value.
func Content(v map[string]any) string {
	if s, ok := v["content"].(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

// MatchScore returns the fraction of whitespace-separated query terms that
// occur in content, case-insensitively.
func MatchScore(content, query string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 1
	}
	lc := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lc, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func decode(raw []byte) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, core.Fatal("memory decode", err)
	}
	return v, nil
}
