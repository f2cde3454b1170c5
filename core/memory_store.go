package core

import "context"

// Record is one value stored under a namespace/key pair.
type Record struct {
	Namespace string         `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
}

// Persistence is the key/value contract shared by the session store and the
// long-lived cross-session memory. Get returns ErrNotFound for missing keys.
type Persistence interface {
	Get(ctx context.Context, namespace, key string) (map[string]any, error)
	Put(ctx context.Context, namespace, key string, value map[string]any) error
	List(ctx context.Context, namespace string) ([]Record, error)
	Search(ctx context.Context, namespace, query string, limit int) ([]SearchResult, error)
	Delete(ctx context.Context, namespace, key string) error
}
