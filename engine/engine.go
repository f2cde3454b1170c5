package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/ragmesh/capability"
	"github.com/hupe1980/ragmesh/compaction"
	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/dispatch"
	"github.com/hupe1980/ragmesh/interrupt"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/memory"
	"github.com/hupe1980/ragmesh/metrics"
	"github.com/hupe1980/ragmesh/model"
	"github.com/hupe1980/ragmesh/planner"
	"github.com/hupe1980/ragmesh/quality"
	"github.com/hupe1980/ragmesh/reflection"
	"github.com/hupe1980/ragmesh/session"
	"github.com/hupe1980/ragmesh/stream"
)

// Config defines tuning parameters for run execution.
//
// Example:
//
//	cfg := engine.DefaultConfig
//	cfg.RunTimeout = 30 * time.Second
type Config struct {
	// MaxConcurrentRuns bounds runs executing at once across all sessions.
	// Set to 0 for unlimited.
	MaxConcurrentRuns int

	// EventBufferSize sets the buffer of the stream channel returned by Run
	// and Resume.
	EventBufferSize int

	// RunTimeout is the wall-clock budget of one run (or one resumed
	// continuation). Zero disables it.
	RunTimeout time.Duration

	// MaxHops bounds dispatcher hops per run.
	MaxHops int

	// HistoryTurns is the number of recent session messages loaded into a
	// run for routing, planning and synthesis.
	HistoryTurns int

	// Sensitive names capabilities that require approval in addition to
	// those that declare themselves sensitive.
	Sensitive []string
}

// DefaultConfig provides the default engine configuration.
var DefaultConfig = Config{
	MaxConcurrentRuns: 16,
	EventBufferSize:   64,
	RunTimeout:        2 * time.Minute,
	MaxHops:           dispatch.DefaultMaxHops,
	HistoryTurns:      6,
}

// Options configures an Engine.
//
// Only Model and Registry are required for a useful engine. Collaborators
// left nil are built from Model with their package defaults.
//
//	eng, err := engine.New(func(o *engine.Options) {
//	    o.Model = llm
//	    o.Registry = registry
//	    o.Metrics = metrics.New(prometheus.DefaultRegisterer)
//	})
type Options struct {
	Config Config

	// SessionStore persists sessions. Defaults to an in-memory store.
	SessionStore core.SessionStore

	// Registry is the capability allow-list plans are bound to.
	Registry *capability.Registry

	// Model routes, synthesizes and is handed to default collaborators.
	Model model.Model

	Planner   *planner.Planner
	Loop      *reflection.Loop
	Gate      *quality.Gate
	Compactor *compaction.Compactor

	// Callbacks observe the run lifecycle.
	Callbacks *CallbackManager

	// Metrics records Prometheus metrics. Nil disables metrics.
	Metrics *metrics.Metrics

	// Tracer wraps every dispatcher hop in a span.
	Tracer trace.Tracer

	Logger logging.Logger
}

// Engine orchestrates runs: it admits at most one run per session, drives
// the step graph, persists suspensions and commits finished turns.
//
// Concurrency model:
//   - One active run or resume per session, enforced with a process-local
//     admission lock (ErrSessionBusy)
//   - At most Config.MaxConcurrentRuns runs executing across sessions
//   - Every run has its own goroutine, stream channel and error channel
//   - Session writes go through SessionStore.Update and never overlap
type Engine struct {
	store      core.SessionStore
	registry   *capability.Registry
	model      model.Model
	planner    *planner.Planner
	loop       *reflection.Loop
	gate       *quality.Gate
	compactor  *compaction.Compactor
	interrupts *interrupt.Controller
	graph      *dispatch.Graph
	callbacks  *CallbackManager
	metrics    *metrics.Metrics
	logger     logging.Logger

	config    Config
	admission *session.LocalLocker
	limiter   *core.RunLimiter

	// runs tracks run goroutines until their post-run compaction returned.
	runs sync.WaitGroup
}

// New creates an Engine. It fails when the model is missing or the step
// graph does not validate.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config:    DefaultConfig,
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Model == nil {
		return nil, core.Validation("new engine", errors.New("model is required"))
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewStore(memory.NewInMemoryStore())
	}
	if opts.Registry == nil {
		opts.Registry = capability.NewRegistry(func(o *capability.Options) { o.Logger = opts.Logger })
	}
	if opts.Planner == nil {
		opts.Planner = planner.New(opts.Registry, func(o *planner.Options) {
			o.Model = opts.Model
			o.Logger = opts.Logger
		})
	}
	if opts.Loop == nil {
		opts.Loop = reflection.New(func(o *reflection.Options) {
			o.Model = opts.Model
			o.Logger = opts.Logger
		})
	}
	if opts.Gate == nil {
		opts.Gate = quality.New(func(o *quality.Options) {
			o.Model = opts.Model
			o.Logger = opts.Logger
		})
	}
	if opts.Compactor == nil {
		opts.Compactor = compaction.New(func(o *compaction.Options) {
			o.Model = opts.Model
			o.Logger = opts.Logger
		})
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Config.MaxHops <= 0 {
		opts.Config.MaxHops = dispatch.DefaultMaxHops
	}

	e := &Engine{
		store:     opts.SessionStore,
		registry:  opts.Registry,
		model:     opts.Model,
		planner:   opts.Planner,
		loop:      opts.Loop,
		gate:      opts.Gate,
		compactor: opts.Compactor,
		callbacks: opts.Callbacks,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		config:    opts.Config,
		admission: session.NewLocalLocker(0),
		limiter:   core.NewRunLimiter(opts.Config.MaxConcurrentRuns),
	}
	e.interrupts = interrupt.New(e.store, func(o *interrupt.Options) {
		o.Logger = opts.Logger
		o.OnDecision = func(action string, d core.DecisionType) {
			e.metrics.Approval(action, string(d))
		}
	})

	graph, err := e.buildGraph(opts.Tracer)
	if err != nil {
		return nil, err
	}
	e.graph = graph
	return e, nil
}

// Run starts a run for query on thread threadID and returns its stream.
//
// The stream starts with a start event, carries progress and token events,
// and ends with exactly one of done, interrupt or error; the channel is then
// closed. A terminal error is also delivered on the error channel. Callers
// must drain the stream or cancel ctx.
//
// Run fails immediately with ErrSessionBusy when the session already has an
// active run and with ErrApprovalPending when it waits for a decision.
func (e *Engine) Run(ctx context.Context, threadID, query string) (<-chan stream.Event, <-chan error, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, nil, core.Validation("run", errors.New("thread id is required"))
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil, core.Validation("run", errors.New("query is required"))
	}
	if !e.admission.TryLock(threadID) {
		return nil, nil, core.Ordering("run", core.ErrSessionBusy)
	}

	sess, err := e.store.GetOrCreate(ctx, threadID)
	if err != nil {
		e.admission.Unlock(threadID)
		return nil, nil, fmt.Errorf("load session %s: %w", threadID, err)
	}
	if sess.Suspended() {
		e.admission.Unlock(threadID)
		return nil, nil, core.Ordering("run", core.ErrApprovalPending)
	}

	run := &core.RunState{
		RunID:    core.NewID(),
		ThreadID: threadID,
		Query:    query,
		History:  e.historyFor(sess),
		Summary:  sess.Summary,
	}
	sc := e.newScope(run)
	e.runs.Add(1)
	go e.serve(ctx, sc, run, core.StartEvent{Query: query}, "Processing your question")
	return sc.events, sc.errs, nil
}

// Resume resolves the pending approval of threadID with decisions and
// continues the suspended run from its checkpoint. The returned stream has
// the same shape as the one of Run.
//
// Decision errors (ErrNoPendingApproval, ErrDecisionNotAllowed, invalid
// edits) and a failing apply are returned immediately; the pending approval
// is then left untouched.
func (e *Engine) Resume(ctx context.Context, threadID string, decisions []core.Decision) (<-chan stream.Event, <-chan error, error) {
	if !e.admission.TryLock(threadID) {
		return nil, nil, core.Ordering("resume", core.ErrSessionBusy)
	}

	sess, err := e.store.Get(ctx, threadID)
	if errors.Is(err, core.ErrNotFound) {
		e.admission.Unlock(threadID)
		return nil, nil, core.Ordering("resume", core.ErrNoPendingApproval)
	}
	if err != nil {
		e.admission.Unlock(threadID)
		return nil, nil, fmt.Errorf("load session %s: %w", threadID, err)
	}
	// Check the checkpoint before the decision commits the effect.
	if sess.Suspended() {
		if _, _, err := restore(sess.Checkpoint); err != nil {
			e.admission.Unlock(threadID)
			return nil, nil, err
		}
	}

	res, err := e.interrupts.Resume(ctx, threadID, decisions, e.applyApproved)
	if err != nil {
		e.admission.Unlock(threadID)
		return nil, nil, err
	}
	run, _, err := restore(res.Checkpoint)
	if err != nil {
		e.admission.Unlock(threadID)
		return nil, nil, err
	}
	// The session may have been compacted while the run was parked.
	run.Summary = res.Session.Summary

	sc := e.newScope(run)
	sc.resolved = &res.Result
	sc.decision = res.Decision.Type
	ev := core.ResumeEvent{TaskID: res.Pending.TaskID, Decision: res.Decision}
	e.runs.Add(1)
	go e.serve(ctx, sc, run, ev, "Resuming after approval")
	return sc.events, sc.errs, nil
}

// RunSync runs query to completion and collects the stream.
func (e *Engine) RunSync(ctx context.Context, threadID, query string) ([]stream.Event, error) {
	events, errs, err := e.Run(ctx, threadID, query)
	if err != nil {
		return nil, err
	}
	return collect(events, errs)
}

// ResumeSync resumes threadID to completion and collects the stream.
func (e *Engine) ResumeSync(ctx context.Context, threadID string, decisions []core.Decision) ([]stream.Event, error) {
	events, errs, err := e.Resume(ctx, threadID, decisions)
	if err != nil {
		return nil, err
	}
	return collect(events, errs)
}

func collect(events <-chan stream.Event, errs <-chan error) ([]stream.Event, error) {
	var out []stream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-errs
}

// Pending returns the pending approval of threadID, or nil.
func (e *Engine) Pending(ctx context.Context, threadID string) (*core.PendingApproval, error) {
	return e.interrupts.Pending(ctx, threadID)
}

// Session returns a copy of the stored session.
func (e *Engine) Session(ctx context.Context, threadID string) (*core.Session, error) {
	return e.store.Get(ctx, threadID)
}

var errUnchanged = errors.New("unchanged")

// Compact applies the compaction policy to threadID. It is a no-op below
// the thresholds and idempotent. The summary is computed without holding
// the session lock; turns committed meanwhile are kept after the compacted
// window, and a concurrent compaction wins over this one.
func (e *Engine) Compact(ctx context.Context, threadID string) (compaction.Result, error) {
	sess, err := e.store.Get(ctx, threadID)
	if err != nil {
		return compaction.Result{}, err
	}
	if ml, ok := e.logger.(*logging.MeshLogger); ok {
		defer ml.WithSession(threadID, "").StartTimer("compact")()
	}

	res := e.compactor.Compact(ctx, sess.Messages, sess.Summary)
	if res.Action == compaction.ActionNone {
		return res, nil
	}

	updated, err := e.store.Update(ctx, threadID, func(cur *core.Session) error {
		if !compaction.Rebase(cur, sess.Messages, sess.Summary, res) {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		e.logger.Debug("Session changed during compaction, skipping", "session_id", threadID)
		return compaction.Result{Messages: sess.Messages, Summary: sess.Summary, Action: compaction.ActionNone}, nil
	}
	if err != nil {
		return compaction.Result{}, err
	}
	res.Messages = updated.Messages
	e.metrics.Compaction(string(res.Action))
	e.logger.Info("Session compacted",
		"session_id", threadID, "action", string(res.Action), "dropped", res.Dropped)
	return res, nil
}

func (e *Engine) historyFor(sess *core.Session) []core.Message {
	msgs := e.compactor.Trim(sess.Messages)
	if n := e.config.HistoryTurns; n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return slices.Clone(msgs)
}

func (e *Engine) applyApproved(ctx context.Context, pending *core.PendingApproval, args map[string]any) (core.InvokeResult, error) {
	start := time.Now()
	out, err := e.registry.InvokeApproved(ctx, pending.ActionName, args)
	e.metrics.CapabilityCall(pending.ActionName, time.Since(start), err == nil && out.Success)
	return out, err
}

func (e *Engine) requiresApproval(name string) bool {
	return e.registry.RequiresApproval(name) || slices.Contains(e.config.Sensitive, name)
}

// Wait blocks until every started run, including the compaction that
// follows a committed turn, has returned.
func (e *Engine) Wait() {
	e.runs.Wait()
}

// serve owns one run goroutine: it drives the graph and turns the outcome
// into session writes and terminal stream events. A committed turn is
// compacted after the stream was closed.
func (e *Engine) serve(parent context.Context, sc *runScope, run *core.RunState, ev core.Event, message string) {
	defer e.runs.Done()

	committed, err := e.execute(parent, sc, run, ev, message)
	e.admission.Unlock(run.ThreadID)
	if err != nil {
		sc.errs <- err
	}
	close(sc.events)
	close(sc.errs)

	if committed {
		e.compactAfterRun(parent, run.ThreadID)
	}
}

// compactAfterRun is detached from the caller's cancellation; the stream
// has ended and the caller may already be gone.
func (e *Engine) compactAfterRun(parent context.Context, threadID string) {
	ctx := context.WithoutCancel(parent)
	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}
	if _, err := e.Compact(ctx, threadID); err != nil {
		// The turn is stored; a failed compaction is retried after the next turn.
		e.logger.Warn("Compaction failed", "session_id", threadID, "error", err.Error())
	}
}

// execute reports whether a finished turn was committed to the session.
func (e *Engine) execute(parent context.Context, sc *runScope, run *core.RunState, ev core.Event, message string) (bool, error) {
	if err := e.limiter.Acquire(parent); err != nil {
		sc.emit(parent, stream.Error("engine is at capacity"))
		return false, err
	}
	defer e.limiter.Release()

	e.metrics.RunStarted()
	start := time.Now()
	outcome := "failed"
	defer func() { e.metrics.RunFinished(outcome, time.Since(start)) }()

	ctx, cancel := parent, context.CancelFunc(func() {})
	if e.config.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.config.RunTimeout)
	}
	defer cancel()
	ctx = withScope(ctx, sc)

	sc.emit(ctx, stream.Start(run.ThreadID, run.RunID, message))
	if sc.decision != "" {
		sc.emit(ctx, stream.Progress(stream.StepApproval, stream.StatusComplete, string(sc.decision)))
	}

	out := e.graph.Drive(ctx, run, ev)
	switch out.Result.Kind() {
	case dispatch.ResultTerminal:
		final := out.Result.Final()
		if err := e.commit(parent, run, final); err != nil {
			return false, e.fail(parent, sc, run, err)
		}
		outcome = "completed"
		e.logRun(outcome, run, out.Hops, time.Since(start), nil)
		e.runCallbacks(parent, CallbackOnComplete, &CallbackContext{ThreadID: run.ThreadID, RunID: run.RunID, Final: final})
		sc.emit(parent, stream.Progress(stream.StepDone, stream.StatusComplete, ""))
		sc.emit(parent, stream.Done())
		return true, nil

	case dispatch.ResultSuspended:
		pending, err := e.suspend(parent, run, out)
		if err != nil {
			return false, e.fail(parent, sc, run, err)
		}
		outcome = "suspended"
		e.logRun(outcome, run, out.Hops, time.Since(start), nil)
		e.runCallbacks(parent, CallbackOnSuspend, &CallbackContext{ThreadID: run.ThreadID, RunID: run.RunID, Pending: pending})
		sc.emit(parent, stream.Progress(stream.StepApproval, stream.StatusStart, pending.Description))
		sc.emit(parent, stream.Interrupt(pending))
		return false, nil

	default:
		err := out.Result.Err()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			err = core.NewError(core.ErrorTimeout, "run", core.ErrTimeout)
			outcome = "timeout"
		}
		e.logRun(outcome, run, out.Hops, time.Since(start), err)
		return false, e.fail(parent, sc, run, err)
	}
}

// fail reports err on the stream. Partial progress already streamed or
// committed stays as it is.
func (e *Engine) fail(ctx context.Context, sc *runScope, run *core.RunState, err error) error {
	e.runCallbacks(ctx, CallbackOnError, &CallbackContext{ThreadID: run.ThreadID, RunID: run.RunID, Err: err})

	msg := err.Error()
	switch core.KindOf(err) {
	case core.ErrorFatal:
		if sl, ok := e.logger.(interface {
			ErrorWithStack(err error, msg string, args ...any)
		}); ok {
			sl.ErrorWithStack(err, "Run failed", "session_id", run.ThreadID, "run_id", run.RunID)
		} else {
			e.logger.Error("Run failed", "session_id", run.ThreadID, "run_id", run.RunID, "error", err.Error())
		}
		msg = "internal error while processing the request"
	case core.ErrorTimeout:
		msg = "the request timed out"
	}
	sc.emit(ctx, stream.Error(msg))
	return err
}

func (e *Engine) logRun(outcome string, run *core.RunState, hops int, dur time.Duration, err error) {
	retries := 0
	if run.Plan != nil {
		retries = run.Plan.RetryCount
	}
	if ml, ok := e.logger.(*logging.MeshLogger); ok {
		ml.WithSession(run.ThreadID, run.RunID).LogRun(outcome, hops, retries, dur, err)
		return
	}
	args := []any{"session_id", run.ThreadID, "run_id", run.RunID, "outcome", outcome,
		"hops", hops, "retries", retries, "duration_ms", dur.Milliseconds()}
	if err != nil {
		e.logger.Warn("Run finished", append(args, "error", err.Error())...)
		return
	}
	e.logger.Info("Run finished", args...)
}

// commit appends the finished turn to the session.
func (e *Engine) commit(ctx context.Context, run *core.RunState, final *core.FinalResult) error {
	_, err := e.store.Update(ctx, run.ThreadID, func(sess *core.Session) error {
		sess.AppendMessage(core.RoleUser, run.Query)
		sess.AppendMessage(core.RoleAssistant, final.Answer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// suspend persists the pending approval together with the checkpoint of
// the step that asked for it.
func (e *Engine) suspend(ctx context.Context, run *core.RunState, out dispatch.Outcome) (*core.PendingApproval, error) {
	evData, err := core.EncodeEvent(out.Cursor.Event)
	if err != nil {
		return nil, core.Fatal("checkpoint", err)
	}
	runData, err := core.MarshalRun(run)
	if err != nil {
		return nil, core.Fatal("checkpoint", err)
	}
	cp := &core.Checkpoint{Step: out.Cursor.Step, Event: evData, Run: runData}
	return e.interrupts.Suspend(ctx, run.ThreadID, *out.Result.Approval(), cp)
}

func restore(cp *core.Checkpoint) (*core.RunState, core.Event, error) {
	if cp == nil {
		return nil, nil, core.Fatal("restore checkpoint", errors.New("missing checkpoint"))
	}
	ev, err := core.DecodeEvent(cp.Event)
	if err != nil {
		return nil, nil, core.Fatal("restore checkpoint", err)
	}
	run, err := core.UnmarshalRun(cp.Run)
	if err != nil {
		return nil, nil, err
	}
	return run, ev, nil
}

func (e *Engine) runCallbacks(ctx context.Context, t CallbackType, cbCtx *CallbackContext) {
	if err := e.callbacks.ExecuteCallbacks(ctx, t, cbCtx); err != nil {
		e.logger.Warn("Callback failed", "callback", string(t), "error", err.Error())
	}
}
