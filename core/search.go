package core

import "context"

// SearchResult represents a ranked hit from persistence or a knowledge store.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorSearcher is the vector similarity store contract.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, filterExpr string) ([]SearchResult, error)
}

// Entity is a node of the knowledge graph.
type Entity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relation is a typed edge of the knowledge graph.
type Relation struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// GraphSearcher is the graph knowledge store contract.
type GraphSearcher interface {
	SearchEntities(ctx context.Context, query string, filters map[string]any, limit int) ([]Entity, error)
	GetRelations(ctx context.Context, entityID string) ([]Relation, error)
}

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
