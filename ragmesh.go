// Package ragmesh provides a high-level façade over the orchestration engine
// and its collaborators (session store, capability registry, long-term
// memory, language model). Most applications interact with this package by:
//  1. Loading a config.Config (or starting from config.Default())
//  2. Creating a RagMesh via New(), optionally plugging in a vector store, a
//     knowledge graph or additional capabilities
//  3. Asking questions with Run / RunSync and answering approvals with
//     Resume / ResumeSync
//
// All defaults are safe for local development and testing; production
// deployments typically use the sqlite store driver, a real model provider
// and a structured logger.
package ragmesh

import (
	"context"
	"errors"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/ragmesh/capability"
	"github.com/hupe1980/ragmesh/compaction"
	"github.com/hupe1980/ragmesh/config"
	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/engine"
	"github.com/hupe1980/ragmesh/internal/backoff"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/memory"
	"github.com/hupe1980/ragmesh/memory/sqlite"
	"github.com/hupe1980/ragmesh/metrics"
	"github.com/hupe1980/ragmesh/model"
	"github.com/hupe1980/ragmesh/model/anthropic"
	"github.com/hupe1980/ragmesh/model/compat"
	"github.com/hupe1980/ragmesh/model/openai"
	"github.com/hupe1980/ragmesh/planner"
	"github.com/hupe1980/ragmesh/quality"
	"github.com/hupe1980/ragmesh/reflection"
	"github.com/hupe1980/ragmesh/session"
	"github.com/hupe1980/ragmesh/stream"
)

// DocumentNamespace holds documents loaded with Ingest. The keyword_search
// capability searches it.
const DocumentNamespace = "documents"

// Options configures the RagMesh instance.
type Options struct {
	// Config drives every collaborator. Defaults to config.Default().
	Config *config.Config

	// Model overrides the model built from Config.LLM.
	Model model.Model

	// Persistence overrides the store built from Config.Store. It backs
	// sessions, long-term memory and ingested documents.
	Persistence core.Persistence

	// Vector, Graph and Embedder back the vector_search capability. When
	// neither Vector nor Graph is set, plans fall back to keyword_search
	// over ingested documents.
	Vector   core.VectorSearcher
	Graph    core.GraphSearcher
	Embedder core.Embedder

	// Capabilities are registered next to the built-ins.
	Capabilities []capability.Capability

	Callbacks *engine.CallbackManager

	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	Tracer trace.Tracer

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// RagMesh is the high-level façade aggregating the engine and its stores.
type RagMesh struct {
	opts        Options
	engine      *engine.Engine
	registry    *capability.Registry
	persistence core.Persistence
	closer      io.Closer
}

// New creates a RagMesh from Options. Any store that is not provided is built
// from the configuration.
func New(ctx context.Context, optFns ...func(o *Options)) (*RagMesh, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, core.Validation("new", err)
	}

	m := &RagMesh{opts: opts}

	llm := opts.Model
	if llm == nil {
		var err error
		if llm, err = NewModel(cfg.LLM, opts.Logger); err != nil {
			return nil, err
		}
	}

	m.persistence = opts.Persistence
	if m.persistence == nil {
		p, closer, err := NewPersistence(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		m.persistence, m.closer = p, closer
	}

	embedder := opts.Embedder
	if embedder == nil {
		embedder = embedderOf(llm)
	}

	m.registry = capability.NewRegistry(func(o *capability.Options) { o.Logger = opts.Logger })
	defaultHandler := capability.RetrievalName
	if opts.Vector != nil || opts.Graph != nil {
		if opts.Vector != nil && embedder == nil {
			return nil, m.closeWith(core.Validation("new", errors.New("vector search needs an embedder")))
		}
		if err := m.registry.Register(capability.NewRetrieval(opts.Vector, opts.Graph, embedder, func(o *capability.RetrievalOptions) {
			o.TopK = cfg.Engine.TopK
			o.Logger = opts.Logger
			if cfg.Engine.HyDE {
				o.Hypothesizer = llm
			}
		})); err != nil {
			return nil, m.closeWith(err)
		}
	} else {
		defaultHandler = "keyword_search"
	}

	builtins := []capability.Capability{
		capability.NewKeywordSearch(m.persistence, DocumentNamespace),
		capability.NewMemoryRead(m.persistence),
		capability.NewMemoryWrite(m.persistence),
		capability.NewCalculator(),
	}
	if err := m.registry.Register(append(builtins, opts.Capabilities...)...); err != nil {
		return nil, m.closeWith(err)
	}

	var mtr *metrics.Metrics
	if opts.Registerer != nil {
		mtr = metrics.New(opts.Registerer)
	}

	eng, err := engine.New(func(o *engine.Options) {
		o.Config = engine.Config{
			MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
			EventBufferSize:   cfg.Engine.EventBuffer,
			RunTimeout:        cfg.Engine.RunTimeout,
			MaxHops:           cfg.Engine.MaxHops,
			HistoryTurns:      engine.DefaultConfig.HistoryTurns,
			Sensitive:         cfg.Engine.Sensitive,
		}
		o.SessionStore = session.NewStore(m.persistence, func(so *session.Options) {
			so.LockTimeout = cfg.Store.LockTimeout
			so.Logger = opts.Logger
		})
		o.Registry = m.registry
		o.Model = llm
		o.Planner = planner.New(m.registry, func(po *planner.Options) {
			po.Model = llm
			po.DefaultHandler = defaultHandler
			po.TopK = cfg.Engine.TopK
			po.MaxSubtasks = cfg.Engine.MaxSubtasks
			po.Logger = opts.Logger
		})
		o.Loop = reflection.New(func(ro *reflection.Options) {
			ro.Model = llm
			ro.MaxRetry = cfg.Engine.MaxRetry
			ro.MinEvidenceScore = cfg.Reflection.MinEvidenceScore
			ro.ContextLimit = cfg.Reflection.ContextLimit
			ro.Logger = opts.Logger
		})
		o.Gate = quality.New(func(qo *quality.Options) {
			if !cfg.Quality.Disabled {
				qo.Model = llm
			}
			qo.PassTotal = cfg.Quality.PassTotal
			qo.FloorScore = cfg.Quality.FloorScore
			qo.MaxRetry = cfg.Engine.QualityMaxRetry
			qo.ContextLimit = cfg.Quality.ContextLimit
			qo.Logger = opts.Logger
		})
		o.Compactor = compaction.New(func(co *compaction.Options) {
			co.Model = llm
			co.Disabled = cfg.Compaction.Disabled
			co.DisableSummary = cfg.Compaction.DisableSummary
			co.SummarizeThreshold = cfg.Compaction.SummarizeThreshold
			co.Keep = cfg.Compaction.Keep
			co.SummaryMaxRunes = cfg.Compaction.SummaryMaxRunes
			co.CharThreshold = cfg.Compaction.CharThreshold
			co.CleanupThreshold = cfg.Compaction.CleanupThreshold
			co.CleanupKeep = cfg.Compaction.CleanupKeep
			co.Logger = opts.Logger
		})
		o.Callbacks = opts.Callbacks
		o.Metrics = mtr
		o.Tracer = opts.Tracer
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, m.closeWith(err)
	}
	m.engine = eng
	return m, nil
}

// embedderOf returns llm (or the model it wraps) when it can embed, as the
// compat adapter does.
func embedderOf(llm model.Model) core.Embedder {
	for llm != nil {
		if e, ok := llm.(core.Embedder); ok {
			return e
		}
		u, ok := llm.(interface{ Unwrap() model.Model })
		if !ok {
			return nil
		}
		llm = u.Unwrap()
	}
	return nil
}

func (m *RagMesh) closeWith(err error) error {
	if m.closer != nil {
		_ = m.closer.Close()
	}
	return err
}

// NewModel builds the model selected by cfg, wrapped with transient-error
// retries when cfg.MaxRetries is above one.
func NewModel(cfg config.LLMConfig, logger logging.Logger) (model.Model, error) {
	var m model.Model
	switch cfg.Provider {
	case "openai":
		m = openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
		})
	case "anthropic":
		m = anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxTokens = int64(cfg.MaxTokens)
		})
	case "compat":
		m = compat.NewModel(func(o *compat.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = float32(cfg.Temperature)
			o.MaxTokens = cfg.MaxTokens
		})
	case "mock":
		name := cfg.Model
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name), nil
	default:
		return nil, core.Validation("new model", fmt.Errorf("unknown provider %q", cfg.Provider))
	}

	if cfg.MaxRetries <= 1 {
		return m, nil
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return model.WithRetry(m, func(o *model.RetryOptions) {
		o.Policy = backoff.DefaultPolicy()
		o.Policy.MaxAttempts = cfg.MaxRetries
		o.Logger = logger
	}), nil
}

// NewPersistence opens the store selected by cfg. The returned closer is nil
// for the in-memory driver.
func NewPersistence(ctx context.Context, cfg config.StoreConfig) (core.Persistence, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewInMemoryStore(), nil, nil
	case "sqlite":
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, core.Validation("new store", fmt.Errorf("unknown driver %q", cfg.Driver))
	}
}

// Engine exposes the underlying engine.
func (m *RagMesh) Engine() *engine.Engine { return m.engine }

// Registry exposes the capability registry.
func (m *RagMesh) Registry() *capability.Registry { return m.registry }

// Run starts a run asynchronously, returning event & error channels.
func (m *RagMesh) Run(ctx context.Context, threadID, query string) (<-chan stream.Event, <-chan error, error) {
	return m.engine.Run(ctx, threadID, query)
}

// RunSync drains Run and returns all events.
func (m *RagMesh) RunSync(ctx context.Context, threadID, query string) ([]stream.Event, error) {
	return m.engine.RunSync(ctx, threadID, query)
}

// Resume answers the pending approval of threadID and continues the run.
func (m *RagMesh) Resume(ctx context.Context, threadID string, decisions ...core.Decision) (<-chan stream.Event, <-chan error, error) {
	return m.engine.Resume(ctx, threadID, decisions)
}

// ResumeSync drains Resume and returns all events.
func (m *RagMesh) ResumeSync(ctx context.Context, threadID string, decisions ...core.Decision) ([]stream.Event, error) {
	return m.engine.ResumeSync(ctx, threadID, decisions)
}

// Pending returns the pending approval of threadID, or nil.
func (m *RagMesh) Pending(ctx context.Context, threadID string) (*core.PendingApproval, error) {
	return m.engine.Pending(ctx, threadID)
}

// Session returns a copy of the stored session.
func (m *RagMesh) Session(ctx context.Context, threadID string) (*core.Session, error) {
	return m.engine.Session(ctx, threadID)
}

// Compact compacts the history of threadID.
func (m *RagMesh) Compact(ctx context.Context, threadID string) (compaction.Result, error) {
	return m.engine.Compact(ctx, threadID)
}

// Ingest stores a document for keyword_search.
func (m *RagMesh) Ingest(ctx context.Context, id, content string, metadata map[string]any) error {
	value := map[string]any{"content": content}
	for k, v := range metadata {
		if k != "content" {
			value[k] = v
		}
	}
	return m.persistence.Put(ctx, DocumentNamespace, id, value)
}

// Close waits for in-flight runs and their compaction, then releases the
// store opened by New.
func (m *RagMesh) Close() error {
	m.engine.Wait()
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
