package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/model"
)

// State is the position of a run inside the loop.
type State string

const (
	StateExecuting    State = "executing"
	StateReflecting   State = "reflecting"
	StateRetrying     State = "retrying"
	StateSynthesizing State = "synthesizing"
)

// Decision is the outcome of an evaluation.
type Decision string

const (
	Sufficient Decision = "sufficient"
	Retry      Decision = "retry"
	GiveUp     Decision = "give_up"
)

// Verdict is the result of Evaluate.
type Verdict struct {
	Decision    Decision `json:"decision"`
	Reason      string   `json:"reason"`
	Suggestions string   `json:"suggestions"`
}

// Options configure a Loop.
type Options struct {
	// Model answers the sufficiency question. Without a model non-empty
	// evidence is always sufficient.
	Model    model.Model
	MaxRetry int
	// MinEvidenceScore drops results scoring below it before they become
	// evidence.
	MinEvidenceScore float64
	ContextLimit     int
	Logger           logging.Logger
}

// Loop evaluates accumulated evidence. It keeps no per-run state of its
// own; everything lives in core.RunState so a suspended run can be
// restored in another process.
type Loop struct {
	opts Options
}

// New creates a Loop with MaxRetry 2 and a 2000 rune evaluation context.
func New(optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxRetry:     2,
		ContextLimit: 2000,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Loop{opts: opts}
}

// MaxRetry returns the configured retry budget.
func (l *Loop) MaxRetry() int { return l.opts.MaxRetry }

// StateOf returns the loop state recorded on run.
func StateOf(run *core.RunState) State {
	if run.Phase == "" {
		return StateExecuting
	}
	return State(run.Phase)
}

// Observe records a task outcome on the run plan and appends its results
// to the evidence. It returns StateExecuting while tasks remain pending and
// StateReflecting once the plan has settled.
func (l *Loop) Observe(run *core.RunState, res core.ToolResult) State {
	task := run.Plan.Task(res.TaskID)
	if task != nil {
		task.Status = core.TaskDone
		if !res.Success {
			task.Status = core.TaskFailed
		}
		task.Result = &core.TaskResult{
			TaskID:    res.TaskID,
			Handler:   task.Handler,
			Success:   res.Success,
			Result:    res.Result,
			Error:     res.Error,
			Cancelled: res.Cancelled,
		}
	}
	if res.Success && !res.Cancelled {
		for _, s := range l.extract(res.TaskID, res.Result) {
			run.Evidence.Append(s)
		}
	}

	state := StateReflecting
	if !run.Plan.Done() {
		state = StateExecuting
	}
	run.Phase = string(state)
	return state
}

func (l *Loop) extract(taskID string, result map[string]any) []core.Source {
	var items []map[string]any
	switch v := result["results"].(type) {
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				items = append(items, m)
			}
		}
	case []map[string]any:
		items = v
	}

	out := make([]core.Source, 0, len(items))
	for _, it := range items {
		text, _ := it["content"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		score := toFloat(it["score"])
		if score < l.opts.MinEvidenceScore {
			continue
		}
		id, _ := it["id"].(string)
		meta := map[string]any{}
		if m, ok := it["metadata"].(map[string]any); ok {
			for k, v := range m {
				meta[k] = v
			}
		}
		if src, ok := it["source"]; ok && src != nil {
			meta["source"] = src
		}
		out = append(out, core.Source{TaskID: taskID, ID: id, Text: text, Score: score, Metadata: meta})
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Evaluate decides whether the evidence gathered so far answers the query.
func (l *Loop) Evaluate(ctx context.Context, run *core.RunState) Verdict {
	run.Phase = string(StateReflecting)

	if run.Evidence.Empty() {
		if l.budgetLeft(run) {
			return Verdict{Decision: Retry, Reason: "no evidence found", Suggestions: "use broader or alternative search terms"}
		}
		return Verdict{Decision: GiveUp, Reason: "no evidence found after retries"}
	}
	if l.opts.Model == nil {
		return Verdict{Decision: Sufficient}
	}

	prompt, err := util.RenderTemplate(evaluateTemplate, map[string]any{
		"query":   run.EffectiveQuery(),
		"context": util.Truncate(run.Evidence.Context(), l.opts.ContextLimit),
	})
	if err != nil {
		return Verdict{Decision: Sufficient, Reason: err.Error()}
	}
	text, err := model.Complete(ctx, l.opts.Model, model.Prompt(evaluateSystem, prompt, 0.1, 300))
	if err != nil {
		l.opts.Logger.Warn("Sufficiency check failed, treating evidence as sufficient", "error", err.Error())
		return Verdict{Decision: Sufficient, Reason: "evaluation unavailable"}
	}

	var v Verdict
	if err := util.DecodeJSON(text, &v); err != nil {
		l.opts.Logger.Debug("Unparseable sufficiency verdict", "error", err.Error())
		return Verdict{Decision: Sufficient, Reason: "unparseable verdict"}
	}
	switch v.Decision {
	case Sufficient, Retry, GiveUp:
	default:
		v.Decision = Sufficient
	}
	return v
}

func (l *Loop) budgetLeft(run *core.RunState) bool {
	return run.Plan != nil && run.Plan.RetryCount < l.opts.MaxRetry
}

// Next turns a verdict into the following event: a RetryEvent while budget
// remains, a SynthesizeEvent otherwise. Synthesis is flagged low confidence
// when the evidence is empty or the loop gave up.
func (l *Loop) Next(run *core.RunState, v Verdict) core.Event {
	if v.Decision == Retry && l.budgetLeft(run) {
		run.Phase = string(StateRetrying)
		return core.RetryEvent{
			Reason:          v.Reason,
			Suggestions:     v.Suggestions,
			RetryCount:      run.Plan.RetryCount + 1,
			PreviousResults: run.Plan.Results(),
		}
	}

	low := run.Evidence.Empty() || v.Decision != Sufficient
	run.Phase = string(StateSynthesizing)
	run.LowConfidence = low
	return core.SynthesizeEvent{
		Context:       run.Evidence.Context(),
		Sources:       run.Evidence.Clone().Sources,
		LowConfidence: low,
	}
}

// Step is the reflect step: record res, continue with the next pending
// task, or evaluate and decide once the plan has settled.
func (l *Loop) Step(ctx context.Context, run *core.RunState, res core.ToolResult) core.Event {
	if l.Observe(run, res) == StateExecuting {
		return core.PlanReady{Plan: run.Plan}
	}
	v := l.Evaluate(ctx, run)
	l.opts.Logger.Info("Reflection verdict",
		"decision", string(v.Decision),
		"retry_count", run.Plan.RetryCount,
		"sources", run.Evidence.Len())
	return l.Next(run, v)
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return string(v.Decision)
	}
	return fmt.Sprintf("%s: %s", v.Decision, v.Reason)
}
