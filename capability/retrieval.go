package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/backoff"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/model"
)

// RetrievalName is the default retrieval handler the planner falls back to.
const RetrievalName = "vector_search"

// RetrievalOptions configure NewRetrieval.
type RetrievalOptions struct {
	Name       string
	TopK       int
	GraphLimit int
	Policy     backoff.Policy

	// Hypothesizer enables HyDE expansion: it writes a hypothetical
	// passage answering the query, and the vector search embeds the mean
	// of the passage and query embeddings. Nil searches with the query
	// alone.
	Hypothesizer model.Model

	Logger logging.Logger
}

// Retrieval fuses vector similarity hits with knowledge-graph entities.
// Either collaborator may be nil; the embedder is required when a vector
// searcher is configured.
type Retrieval struct {
	base
	vector   core.VectorSearcher
	graph    core.GraphSearcher
	embedder core.Embedder
	opts     RetrievalOptions
}

// NewRetrieval creates the fused retrieval capability.
func NewRetrieval(vector core.VectorSearcher, graph core.GraphSearcher, embedder core.Embedder, optFns ...func(o *RetrievalOptions)) *Retrieval {
	opts := RetrievalOptions{Name: RetrievalName, TopK: 5, GraphLimit: 3, Policy: backoff.DefaultPolicy(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Retrieval{
		base: base{
			name:        opts.Name,
			kind:        core.CapabilityRetrieval,
			description: "Semantic search over the knowledge base fused with related knowledge-graph entities",
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "minLength": 1},
					"top_k":       map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
					"filter_expr": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
		vector:   vector,
		graph:    graph,
		embedder: embedder,
		opts:     opts,
	}
}

// Invoke implements Capability. The result carries
// {success, results: [{id, content, score, source, metadata}], count}.
func (r *Retrieval) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	topK := intArg(args, "top_k", r.opts.TopK)
	filter := stringArg(args, "filter_expr")

	var vectorHits []core.SearchResult
	var graphHits []core.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	if r.vector != nil {
		g.Go(func() error {
			if r.embedder == nil {
				return errors.New("vector search configured without an embedder")
			}
			vec, err := r.embedQuery(gctx, query)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			hits, err := backoff.Retry(gctx, r.opts.Policy, core.IsTransient, func(int) ([]core.SearchResult, error) {
				return r.vector.Search(gctx, vec, topK, filter)
			})
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vectorHits = hits
			return nil
		})
	}
	if r.graph != nil {
		g.Go(func() error {
			hits, err := r.searchGraph(gctx, query)
			if err != nil {
				return fmt.Errorf("graph search: %w", err)
			}
			graphHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return map[string]any{"success": false, "error": err.Error(), "results": []any{}, "count": 0}, nil
	}

	fused := fuse(vectorHits, graphHits, topK+r.opts.GraphLimit)
	results := make([]any, 0, len(fused))
	for _, h := range fused {
		results = append(results, map[string]any{
			"id":       h.ID,
			"content":  h.Content,
			"score":    h.Score,
			"source":   h.Metadata["source"],
			"metadata": h.Metadata,
		})
	}
	return map[string]any{"success": true, "results": results, "count": len(results)}, nil
}

// embedQuery embeds query, averaged with a hypothetical answer passage when
// HyDE is enabled. A failed hypothesis falls back to the query alone.
func (r *Retrieval) embedQuery(ctx context.Context, query string) ([]float32, error) {
	texts := []string{query}
	if passage, err := r.hypothesize(ctx, query); err != nil {
		r.opts.Logger.Warn("HyDE expansion failed, embedding the query only", "error", err.Error())
	} else if passage != "" {
		texts = append([]string{passage}, texts...)
	}

	var sum []float32
	for _, text := range texts {
		vec, err := backoff.Retry(ctx, r.opts.Policy, core.IsTransient, func(int) ([]float32, error) {
			return r.embedder.Embed(ctx, text)
		})
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = make([]float32, len(vec))
		}
		if len(vec) != len(sum) {
			return nil, fmt.Errorf("embedding dimensions differ: %d and %d", len(sum), len(vec))
		}
		for i, v := range vec {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float32(len(texts))
	}
	return sum, nil
}

func (r *Retrieval) hypothesize(ctx context.Context, query string) (string, error) {
	if r.opts.Hypothesizer == nil {
		return "", nil
	}
	prompt, err := util.RenderTemplate(hydeTemplate, map[string]any{"query": query})
	if err != nil {
		return "", err
	}
	text, err := model.Complete(ctx, r.opts.Hypothesizer, model.Prompt(hydeSystem, prompt, 0.3, 400))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

const (
	hydeSystem   = "You write short study-material passages."
	hydeTemplate = `Write a passage that answers the question below as a textbook or course notes would, using the field's terminology and a concrete explanation. Output the passage only.

Question: {{.query}}`
)

func (r *Retrieval) searchGraph(ctx context.Context, query string) ([]core.SearchResult, error) {
	entities, err := backoff.Retry(ctx, r.opts.Policy, core.IsTransient, func(int) ([]core.Entity, error) {
		return r.graph.SearchEntities(ctx, query, nil, r.opts.GraphLimit)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]core.SearchResult, 0, len(entities))
	for i, e := range entities {
		rels, err := r.graph.GetRelations(ctx, e.ID)
		if err != nil && !core.IsTransient(err) {
			return nil, err
		}
		hits = append(hits, core.SearchResult{
			ID:      "entity:" + e.ID,
			Content: describeEntity(e, rels),
			// Graph hits carry no similarity; rank them by position.
			Score:    1 / float64(i+2),
			Metadata: map[string]any{"source": "graph", "entity_type": e.Type},
		})
	}
	return hits, nil
}

func describeEntity(e core.Entity, rels []core.Relation) string {
	var b strings.Builder
	b.WriteString(e.Name)
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	for _, rel := range rels {
		fmt.Fprintf(&b, "; %s %s %s", rel.Source, rel.Relation, rel.Target)
	}
	return b.String()
}

// fuse merges both hit lists, de-duplicating by id and keeping the best
// score, ordered by descending score with vector hits first on ties. Hits
// without an id are never merged.
func fuse(vector, graph []core.SearchResult, limit int) []core.SearchResult {
	seen := make(map[string]int)
	var out []core.SearchResult
	add := func(h core.SearchResult, source string) {
		md := make(map[string]any, len(h.Metadata)+1)
		for k, v := range h.Metadata {
			md[k] = v
		}
		md["source"] = source
		h.Metadata = md
		if h.ID == "" {
			out = append(out, h)
			return
		}
		if i, ok := seen[h.ID]; ok {
			if h.Score > out[i].Score {
				out[i].Score = h.Score
			}
			return
		}
		seen[h.ID] = len(out)
		out = append(out, h)
	}
	for _, h := range vector {
		add(h, "vector")
	}
	for _, h := range graph {
		add(h, "graph")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
