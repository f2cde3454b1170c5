package capability

import (
	"context"
	"strings"

	"github.com/hupe1980/ragmesh/core"
)

// KeywordSearch matches keywords against a persistence namespace, for
// example a document index loaded by an ingestion job.
type KeywordSearch struct {
	base
	store     core.Persistence
	namespace string
}

// NewKeywordSearch creates the keyword_search capability over namespace.
func NewKeywordSearch(store core.Persistence, namespace string) *KeywordSearch {
	return &KeywordSearch{
		base: base{
			name:        "keyword_search",
			kind:        core.CapabilityRetrieval,
			description: "Keyword match over indexed documents; good for exact terms and names",
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
					"query":    map[string]any{"type": "string"},
					"top_k":    map[string]any{"type": "integer", "minimum": 1},
				},
				"anyOf": []any{
					map[string]any{"required": []string{"keywords"}},
					map[string]any{"required": []string{"query"}},
				},
			},
		},
		store:     store,
		namespace: namespace,
	}
}

// Invoke implements Capability.
func (k *KeywordSearch) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	if kws := stringSlice(args["keywords"]); len(kws) > 0 {
		query = strings.Join(kws, " ")
	}
	hits, err := k.store.Search(ctx, k.namespace, query, intArg(args, "top_k", 5))
	if err != nil {
		return nil, err
	}
	return hitsResult(hits, "keyword"), nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func hitsResult(hits []core.SearchResult, source string) map[string]any {
	results := make([]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"id":       h.ID,
			"content":  h.Content,
			"score":    h.Score,
			"source":   source,
			"metadata": h.Metadata,
		})
	}
	return map[string]any{"success": true, "results": results, "count": len(results)}
}
