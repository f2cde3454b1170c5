package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxHops bounds the number of dispatches of one Drive call.
const DefaultMaxHops = 100

// Handler processes one event for a run.
type Handler func(ctx context.Context, run *core.RunState, ev core.Event) Result

// StepSpec declares a step: the kinds it consumes, the kinds it may emit
// and whether it may suspend or terminate the run.
type StepSpec struct {
	Name     string
	Accepts  []core.EventKind
	Emits    []core.EventKind
	Terminal bool
	Suspends bool
	Handler  Handler
}

// ConfigError reports an invalid graph.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "dispatch: invalid graph: " + strings.Join(e.Problems, "; ")
}

// Options configure a Graph.
type Options struct {
	// Entries are additional kinds that may start a Drive (for example a
	// resume event re-entering a suspended step).
	Entries    []core.EventKind
	MaxHops    int
	Tracer     trace.Tracer
	Logger     logging.Logger
	BeforeStep func(ctx context.Context, step string, ev core.Event)
	AfterStep  func(ctx context.Context, step string, res Result)
}

// Graph is a validated, immutable routing table from event kinds to steps.
type Graph struct {
	entry    core.EventKind
	steps    []StepSpec
	consumer map[core.EventKind]*StepSpec
	byName   map[string]*StepSpec
	opts     Options
	built    bool
}

// NewGraph starts a graph whose runs begin with an event of kind entry.
func NewGraph(entry core.EventKind, optFns ...func(o *Options)) *Graph {
	opts := Options{
		MaxHops: DefaultMaxHops,
		Tracer:  otel.Tracer("github.com/hupe1980/ragmesh/dispatch"),
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Graph{entry: entry, opts: opts}
}

// AddStep appends a step. Validation is deferred to Build.
func (g *Graph) AddStep(spec StepSpec) *Graph {
	g.steps = append(g.steps, spec)
	return g
}

// Build validates the graph and returns it ready for dispatch.
func (g *Graph) Build() (*Graph, error) {
	var problems []string
	consumer := make(map[core.EventKind]*StepSpec)
	byName := make(map[string]*StepSpec)

	for i := range g.steps {
		s := &g.steps[i]
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("step #%d has no name", i))
			continue
		}
		if _, dup := byName[s.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step name %q", s.Name))
			continue
		}
		byName[s.Name] = s
		if s.Handler == nil {
			problems = append(problems, fmt.Sprintf("step %q has no handler", s.Name))
		}
		if len(s.Accepts) == 0 {
			problems = append(problems, fmt.Sprintf("step %q accepts no events", s.Name))
		}
		for _, k := range s.Accepts {
			if other, taken := consumer[k]; taken {
				problems = append(problems, fmt.Sprintf("kind %q consumed by both %q and %q", k, other.Name, s.Name))
				continue
			}
			consumer[k] = s
		}
	}

	entries := append([]core.EventKind{g.entry}, g.opts.Entries...)
	for _, k := range entries {
		if _, ok := consumer[k]; !ok {
			problems = append(problems, fmt.Sprintf("entry kind %q has no consumer", k))
		}
	}
	for _, s := range byName {
		for _, k := range s.Emits {
			if _, ok := consumer[k]; !ok {
				problems = append(problems, fmt.Sprintf("kind %q emitted by %q has no consumer", k, s.Name))
			}
		}
	}
	if !terminalReachable(entries, consumer) {
		problems = append(problems, "no terminal step reachable from entry")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ConfigError{Problems: problems}
	}
	g.consumer, g.byName, g.built = consumer, byName, true
	return g, nil
}

func terminalReachable(entries []core.EventKind, consumer map[core.EventKind]*StepSpec) bool {
	seen := make(map[string]bool)
	queue := slices.Clone(entries)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		s, ok := consumer[k]
		if !ok || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		if s.Terminal {
			return true
		}
		queue = append(queue, s.Emits...)
	}
	return false
}

// Step returns the step with the given name.
func (g *Graph) Step(name string) (StepSpec, bool) {
	s, ok := g.byName[name]
	if !ok {
		return StepSpec{}, false
	}
	return *s, true
}

// Consumer returns the name of the step consuming kind.
func (g *Graph) Consumer(kind core.EventKind) (string, bool) {
	s, ok := g.consumer[kind]
	if !ok {
		return "", false
	}
	return s.Name, true
}

// Dispatch routes ev to its consumer and checks the result against the
// step's declaration. A declaration mismatch is a fatal misconfiguration.
func (g *Graph) Dispatch(ctx context.Context, run *core.RunState, ev core.Event) (res Result) {
	if !g.built {
		return Failed(core.Fatal("dispatch", errors.New("graph not built")))
	}
	step, ok := g.consumer[ev.Kind()]
	if !ok {
		return Failed(core.NewError(core.ErrorFatal, "dispatch", fmt.Errorf("%w: %s", core.ErrUnknownEvent, ev.Kind())))
	}

	ctx, span := g.opts.Tracer.Start(ctx, "dispatch."+step.Name, trace.WithAttributes(
		attribute.String("ragmesh.run_id", run.RunID),
		attribute.String("ragmesh.event_kind", string(ev.Kind())),
	))
	defer func() {
		span.SetAttributes(attribute.String("ragmesh.result", res.Kind().String()))
		if res.Kind() == ResultFailed {
			span.RecordError(res.Err())
			span.SetStatus(codes.Error, res.Err().Error())
		}
		span.End()
	}()

	if g.opts.BeforeStep != nil {
		g.opts.BeforeStep(ctx, step.Name, ev)
	}
	res = g.call(ctx, step, run, ev)
	res = check(step, res)
	if g.opts.AfterStep != nil {
		g.opts.AfterStep(ctx, step.Name, res)
	}
	return res
}

func (g *Graph) call(ctx context.Context, step *StepSpec, run *core.RunState, ev core.Event) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			g.opts.Logger.Error("step panicked", "step", step.Name, "panic", fmt.Sprint(r))
			res = Failed(core.Fatal("step "+step.Name, fmt.Errorf("panic: %v", r)))
		}
	}()
	return step.Handler(ctx, run, ev)
}

func check(step *StepSpec, res Result) Result {
	switch res.Kind() {
	case ResultNext:
		if res.Event() == nil {
			return Failed(core.Fatal("step "+step.Name, errors.New("next result without event")))
		}
		if !slices.Contains(step.Emits, res.Event().Kind()) {
			return Failed(core.Fatal("step "+step.Name, fmt.Errorf("emitted undeclared kind %q", res.Event().Kind())))
		}
	case ResultSuspended:
		if !step.Suspends {
			return Failed(core.Fatal("step "+step.Name, errors.New("suspended without declaring Suspends")))
		}
	case ResultTerminal:
		if !step.Terminal {
			return Failed(core.Fatal("step "+step.Name, errors.New("terminated without declaring Terminal")))
		}
	case ResultFailed:
		if res.Err() == nil {
			return Failed(core.Fatal("step "+step.Name, errors.New("failed without error")))
		}
	}
	return res
}

// Cursor locates the dispatch that produced an outcome: the step that ran
// and the event it consumed. A suspended run resumes from its cursor.
type Cursor struct {
	Step  string
	Event core.Event
}

// Outcome is the non-Next result of a Drive call.
type Outcome struct {
	Result Result
	Cursor Cursor
	Hops   int
}

// Drive dispatches ev and every following event until a step suspends,
// terminates or fails. Exceeding MaxHops fails with core.ErrHopLimit;
// context cancellation between hops stops the loop.
func (g *Graph) Drive(ctx context.Context, run *core.RunState, ev core.Event) Outcome {
	var cursor Cursor
	for hops := 0; ; hops++ {
		if hops >= g.opts.MaxHops {
			return Outcome{Result: Failed(core.NewError(core.ErrorFatal, "dispatch", core.ErrHopLimit)), Cursor: cursor, Hops: hops}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Result: Failed(err), Cursor: cursor, Hops: hops}
		}

		step, _ := g.Consumer(ev.Kind())
		cursor = Cursor{Step: step, Event: ev}
		res := g.Dispatch(ctx, run, ev)
		if res.Kind() != ResultNext {
			return Outcome{Result: res, Cursor: cursor, Hops: hops + 1}
		}
		ev = res.Event()
	}
}
