package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/dispatch"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/model"
	"github.com/hupe1980/ragmesh/reflection"
	"github.com/hupe1980/ragmesh/stream"
)

// Step names of the run graph.
const (
	StepRoute      = "route"
	StepPlan       = "plan"
	StepExecute    = "execute"
	StepReflect    = "reflect"
	StepSynthesize = "synthesize"
	StepQuality    = "quality"
	StepFinish     = "finish"
)

// runScope is the per-run state steps need besides the RunState: the
// stream they report progress to and, on resume, the resolved result of
// the approved action.
type runScope struct {
	threadID string
	runID    string
	events   chan stream.Event
	errs     chan error

	resolved *core.ToolResult
	decision core.DecisionType
}

type scopeKey struct{}

func (e *Engine) newScope(run *core.RunState) *runScope {
	return &runScope{
		threadID: run.ThreadID,
		runID:    run.RunID,
		events:   make(chan stream.Event, e.config.EventBufferSize),
		errs:     make(chan error, 1),
	}
}

func withScope(ctx context.Context, sc *runScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

// scopeFrom returns the run scope of ctx. Steps invoked outside a run get a
// scope that drops every event.
func scopeFrom(ctx context.Context) *runScope {
	if sc, ok := ctx.Value(scopeKey{}).(*runScope); ok {
		return sc
	}
	return &runScope{}
}

// emit delivers ev unless ctx is done first.
func (s *runScope) emit(ctx context.Context, ev stream.Event) bool {
	if s.events == nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *runScope) progress(ctx context.Context, step, status, message string) {
	s.emit(ctx, stream.Progress(step, status, message))
}

func (e *Engine) buildGraph(tracer trace.Tracer) (*dispatch.Graph, error) {
	g := dispatch.NewGraph(core.KindStart, func(o *dispatch.Options) {
		o.Entries = []core.EventKind{core.KindResume}
		o.MaxHops = e.config.MaxHops
		o.Logger = e.logger
		if tracer != nil {
			o.Tracer = tracer
		}
		o.BeforeStep = func(ctx context.Context, step string, ev core.Event) {
			sc := scopeFrom(ctx)
			e.runCallbacks(ctx, CallbackBeforeStep, &CallbackContext{
				ThreadID: sc.threadID, RunID: sc.runID, Step: step, Event: ev,
			})
		}
		o.AfterStep = func(ctx context.Context, step string, res dispatch.Result) {
			sc := scopeFrom(ctx)
			e.metrics.Hop(step, res.Kind().String())
			e.runCallbacks(ctx, CallbackAfterStep, &CallbackContext{
				ThreadID: sc.threadID, RunID: sc.runID, Step: step, Result: &res,
			})
		}
	})

	return g.
		AddStep(dispatch.StepSpec{
			Name:    StepRoute,
			Accepts: []core.EventKind{core.KindStart},
			Emits:   []core.EventKind{core.KindRouteDecision, core.KindDirectAnswer},
			Handler: e.routeStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:    StepPlan,
			Accepts: []core.EventKind{core.KindRouteDecision, core.KindRetry},
			Emits:   []core.EventKind{core.KindPlanReady},
			Handler: e.planStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:     StepExecute,
			Accepts:  []core.EventKind{core.KindPlanReady, core.KindResume},
			Emits:    []core.EventKind{core.KindToolResult},
			Suspends: true,
			Handler:  e.executeStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:    StepReflect,
			Accepts: []core.EventKind{core.KindToolResult},
			Emits:   []core.EventKind{core.KindPlanReady, core.KindRetry, core.KindSynthesize},
			Handler: e.reflectStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:    StepSynthesize,
			Accepts: []core.EventKind{core.KindSynthesize, core.KindRegenerate},
			Emits:   []core.EventKind{core.KindAnswerDraft},
			Handler: e.synthesizeStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:    StepQuality,
			Accepts: []core.EventKind{core.KindAnswerDraft},
			Emits:   []core.EventKind{core.KindRegenerate, core.KindFinal},
			Handler: e.qualityStep,
		}).
		AddStep(dispatch.StepSpec{
			Name:     StepFinish,
			Accepts:  []core.EventKind{core.KindFinal, core.KindDirectAnswer},
			Terminal: true,
			Handler:  e.finishStep,
		}).
		Build()
}

type routing struct {
	Type           string `json:"type"`
	Reasoning      string `json:"reasoning"`
	RewrittenQuery string `json:"rewritten_query"`
}

func (e *Engine) routeStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)
	start := ev.(core.StartEvent)
	sc.progress(ctx, stream.StepRouting, stream.StatusStart, "")

	d := e.route(ctx, run, start.Query)
	run.QueryType = d.QueryType
	run.RewrittenQuery = d.RewrittenQuery
	sc.progress(ctx, stream.StepRouting, stream.StatusComplete, string(d.QueryType))

	switch d.QueryType {
	case core.QueryClarify:
		return dispatch.Next(core.DirectAnswer{Content: clarifyMessage, QueryType: d.QueryType})
	case core.QueryChitchat:
		req := model.Request{
			Messages:    append(historyMessages(chitchatSystem, run.History), model.User(start.Query)),
			Temperature: 0.7,
			MaxTokens:   300,
		}
		content, err := model.Stream(ctx, e.model, req, func(chunk string) error {
			sc.emit(ctx, stream.Token(chunk))
			return nil
		})
		if err != nil {
			return dispatch.Failed(fmt.Errorf("chitchat: %w", err))
		}
		return dispatch.Next(core.DirectAnswer{Content: content, QueryType: d.QueryType})
	}
	return dispatch.Next(d)
}

// route classifies the query. Any model or parse failure routes as simple.
func (e *Engine) route(ctx context.Context, run *core.RunState, query string) core.RouteDecision {
	d := core.RouteDecision{Query: query, QueryType: core.QuerySimple}

	prompt, err := util.RenderTemplate(routeTemplate, map[string]any{
		"summary": run.Summary,
		"history": renderHistory(run.History),
		"query":   query,
	})
	if err != nil {
		e.logger.Warn("Routing prompt failed", "error", err.Error())
		return d
	}
	text, err := model.Complete(ctx, e.model, model.Prompt(routeSystem, prompt, 0.1, 200))
	if err != nil {
		e.logger.Warn("Routing failed, treating query as simple", "error", err.Error())
		return d
	}
	var r routing
	if err := util.DecodeJSON(text, &r); err != nil {
		e.logger.Warn("Routing reply unparseable, treating query as simple", "error", err.Error())
		return d
	}

	d.QueryType = core.ParseQueryType(strings.ToLower(strings.TrimSpace(r.Type)))
	d.Reasoning = r.Reasoning
	if rq := strings.TrimSpace(r.RewrittenQuery); rq != "" && rq != query {
		d.RewrittenQuery = rq
	}
	e.logger.Debug("Query routed", "type", string(d.QueryType), "rewritten", d.RewrittenQuery != "")
	return d
}

func (e *Engine) planStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)

	switch ev := ev.(type) {
	case core.RouteDecision:
		sc.progress(ctx, stream.StepPlanning, stream.StatusStart, "")
		plan, err := e.planner.Plan(ctx, run.EffectiveQuery(), ev.QueryType, run.History)
		if err != nil {
			sc.progress(ctx, stream.StepPlanning, stream.StatusError, err.Error())
			return dispatch.Failed(err)
		}
		run.Plan = plan
		run.Phase = string(reflection.StateExecuting)
		sc.progress(ctx, stream.StepPlanning, stream.StatusComplete, fmt.Sprintf("%d task(s)", len(plan.Tasks)))
		return dispatch.Next(core.PlanReady{Plan: plan})

	case core.RetryEvent:
		e.metrics.Retry("reflection")
		sc.progress(ctx, stream.StepRetrying, stream.StatusStart, ev.Reason)
		plan, err := e.planner.Replan(ctx, run.Plan, ev)
		if err != nil {
			sc.progress(ctx, stream.StepRetrying, stream.StatusError, err.Error())
			return dispatch.Failed(err)
		}
		run.Plan = plan
		run.Phase = string(reflection.StateExecuting)
		sc.progress(ctx, stream.StepRetrying, stream.StatusComplete, fmt.Sprintf("attempt %d", plan.RetryCount))
		return dispatch.Next(core.PlanReady{Plan: plan})
	}
	return dispatch.Failed(core.Fatal("plan", fmt.Errorf("unexpected event %s", ev.Kind())))
}

func (e *Engine) executeStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)

	switch ev := ev.(type) {
	case core.ResumeEvent:
		if sc.resolved == nil || sc.resolved.TaskID != ev.TaskID || run.Plan.Task(ev.TaskID) == nil {
			return dispatch.Failed(core.Fatal("execute", fmt.Errorf("no resolved result for task %q", ev.TaskID)))
		}
		res := *sc.resolved
		sc.resolved = nil
		return dispatch.Next(res)

	case core.PlanReady:
		if run.Plan == nil {
			run.Plan = ev.Plan
		}
		task := run.Plan.Next()
		if task == nil {
			return dispatch.Failed(core.Fatal("execute", errors.New("plan has no pending task")))
		}

		if e.requiresApproval(task.Handler) {
			return dispatch.Suspend(core.ApprovalRequest{
				TaskID:           task.ID,
				ActionName:       task.Handler,
				Args:             task.Args,
				AllowedDecisions: core.AllDecisions,
				Description:      describeAction(task),
			})
		}

		sc.progress(ctx, stream.StepSearching, stream.StatusStart, task.Handler)
		start := time.Now()
		out, err := e.registry.Invoke(ctx, task.Handler, task.Args)
		e.metrics.CapabilityCall(task.Handler, time.Since(start), err == nil && out.Success)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrUnknownCapability) {
				sc.progress(ctx, stream.StepSearching, stream.StatusError, err.Error())
				return dispatch.Failed(err)
			}
			// Invalid arguments fail the task, not the run.
			out = core.InvokeResult{Success: false, Error: err.Error()}
		}

		status := stream.StatusComplete
		if !out.Success {
			status = stream.StatusError
		}
		sc.progress(ctx, stream.StepSearching, status, task.Handler)
		return dispatch.Next(core.ToolResult{
			TaskID:  task.ID,
			Success: out.Success,
			Result:  out.Result,
			Error:   out.Error,
		})
	}
	return dispatch.Failed(core.Fatal("execute", fmt.Errorf("unexpected event %s", ev.Kind())))
}

func describeAction(task *core.Task) string {
	if content, ok := task.Args["content"].(string); ok && content != "" {
		return fmt.Sprintf("%s wants to store: %s", task.Handler, util.Truncate(content, 200))
	}
	return fmt.Sprintf("%s requires approval", task.Handler)
}

func (e *Engine) reflectStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)
	res := ev.(core.ToolResult)

	if e.loop.Observe(run, res) == reflection.StateExecuting {
		return dispatch.Next(core.PlanReady{Plan: run.Plan})
	}

	sc.progress(ctx, stream.StepReflecting, stream.StatusStart, "")
	v := e.loop.Evaluate(ctx, run)
	e.logger.Info("Reflection verdict",
		"run_id", run.RunID,
		"decision", string(v.Decision),
		"retry_count", run.Plan.RetryCount,
		"sources", run.Evidence.Len())
	sc.progress(ctx, stream.StepReflecting, stream.StatusComplete, v.String())
	return dispatch.Next(e.loop.Next(run, v))
}

func (e *Engine) synthesizeStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)

	var feedback, previous string
	switch ev := ev.(type) {
	case core.SynthesizeEvent:
		run.LowConfidence = ev.LowConfidence
	case core.RegenerateEvent:
		feedback, previous = ev.Feedback, run.Answer
	}

	sc.progress(ctx, stream.StepSynthesizing, stream.StatusStart, "")
	prompt, err := util.RenderTemplate(synthesizeTemplate, map[string]any{
		"summary":  run.Summary,
		"history":  renderHistory(run.History),
		"context":  run.Evidence.Context(),
		"query":    run.EffectiveQuery(),
		"low":      run.LowConfidence,
		"feedback": feedback,
		"previous": previous,
	})
	if err != nil {
		return dispatch.Failed(core.Fatal("synthesize", err))
	}

	req := model.Prompt(synthesizeSystem, prompt, 0.3, 1500)
	content, err := model.Stream(ctx, e.model, req, func(chunk string) error {
		sc.emit(ctx, stream.Token(chunk))
		return nil
	})
	if err != nil {
		sc.progress(ctx, stream.StepSynthesizing, stream.StatusError, err.Error())
		return dispatch.Failed(fmt.Errorf("synthesize: %w", err))
	}
	sc.progress(ctx, stream.StepSynthesizing, stream.StatusComplete, "")
	return dispatch.Next(core.AnswerDraft{Content: content, Attempt: run.QualityAttempts})
}

func (e *Engine) qualityStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	sc := scopeFrom(ctx)
	sc.progress(ctx, stream.StepReviewing, stream.StatusStart, "")

	next := e.gate.Step(ctx, run, ev.(core.AnswerDraft))
	if regen, ok := next.(core.RegenerateEvent); ok {
		e.metrics.Retry("quality")
		sc.progress(ctx, stream.StepReviewing, stream.StatusComplete, "regenerating: "+regen.Feedback)
		return dispatch.Next(next)
	}
	sc.progress(ctx, stream.StepReviewing, stream.StatusComplete, "accepted")
	return dispatch.Next(next)
}

func (e *Engine) finishStep(ctx context.Context, run *core.RunState, ev core.Event) dispatch.Result {
	var final core.FinalResult
	switch ev := ev.(type) {
	case core.FinalAnswer:
		final = core.FinalResult{
			Answer:        ev.Content,
			LowConfidence: ev.LowConfidence,
			Sources:       run.Evidence.Clone().Sources,
		}
		if run.Plan != nil {
			final.RetryCount = run.Plan.RetryCount
		}
	case core.DirectAnswer:
		final = core.FinalResult{Answer: ev.Content}
	default:
		return dispatch.Failed(core.Fatal("finish", fmt.Errorf("unexpected event %s", ev.Kind())))
	}

	run.Answer = final.Answer
	scopeFrom(ctx).emit(ctx, stream.Answer(final.Answer, final.Sources, final.LowConfidence))
	return dispatch.Terminal(final)
}

func historyMessages(system string, history []core.Message) []model.Message {
	msgs := []model.Message{model.System(system)}
	for _, m := range history {
		switch m.Role {
		case core.RoleUser:
			msgs = append(msgs, model.User(m.Content))
		case core.RoleAssistant:
			msgs = append(msgs, model.Assistant(m.Content))
		}
	}
	return msgs
}

func renderHistory(history []core.Message) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, util.Truncate(m.Content, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}
