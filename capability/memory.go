package capability

import (
	"context"
	"time"

	"github.com/hupe1980/ragmesh/core"
)

// DefaultMemoryNamespace holds long-lived, cross-session user memories.
const DefaultMemoryNamespace = "long_term_memory"

// MemoryTypes are the accepted long-term memory categories.
var MemoryTypes = []string{"profile", "understanding", "learning"}

// MemoryWrite records a long-term memory about the user. It is sensitive:
// the engine suspends for human approval before it runs.
type MemoryWrite struct {
	base
	store     core.Persistence
	namespace string
}

// NewMemoryWrite creates the memory_write capability.
func NewMemoryWrite(store core.Persistence) *MemoryWrite {
	return &MemoryWrite{
		base: base{
			name:        "memory_write",
			kind:        core.CapabilityExpression,
			description: "Save a long-term memory about the user (profile, understanding or learning progress)",
			sensitive:   true,
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":    map[string]any{"type": "string", "enum": MemoryTypes},
					"key":     map[string]any{"type": "string"},
					"content": map[string]any{"type": "string", "minLength": 1},
				},
				"required": []string{"type", "content"},
			},
		},
		store:     store,
		namespace: DefaultMemoryNamespace,
	}
}

// Invoke implements Capability.
func (m *MemoryWrite) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	typ := stringArg(args, "type")
	key := stringArg(args, "key")
	if key == "" {
		key = core.NewID()
	}
	id := typ + ":" + key
	value := map[string]any{
		"type":       typ,
		"content":    stringArg(args, "content"),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.Put(ctx, m.namespace, id, value); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "id": id}, nil
}

// MemoryRead searches long-term memories.
type MemoryRead struct {
	base
	store     core.Persistence
	namespace string
}

// NewMemoryRead creates the memory_read capability.
func NewMemoryRead(store core.Persistence) *MemoryRead {
	return &MemoryRead{
		base: base{
			name:        "memory_read",
			kind:        core.CapabilityRetrieval,
			description: "Recall long-term memories about the user relevant to a query",
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"type":  map[string]any{"type": "string", "enum": MemoryTypes},
					"top_k": map[string]any{"type": "integer", "minimum": 1},
				},
			},
		},
		store:     store,
		namespace: DefaultMemoryNamespace,
	}
}

// Invoke implements Capability.
func (m *MemoryRead) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	hits, err := m.store.Search(ctx, m.namespace, stringArg(args, "query"), 0)
	if err != nil {
		return nil, err
	}
	typ := stringArg(args, "type")
	limit := intArg(args, "top_k", 5)
	filtered := hits[:0]
	for _, h := range hits {
		if typ != "" && h.Metadata["type"] != typ {
			continue
		}
		filtered = append(filtered, h)
		if len(filtered) == limit {
			break
		}
	}
	return hitsResult(filtered, "memory"), nil
}
