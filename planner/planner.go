package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/ragmesh/capability"
	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/model"
)

// Options configure a Planner.
type Options struct {
	// Model decomposes complex queries and rewrites retry queries. When nil
	// every query takes the shortcut and retries append the suggestions.
	Model          model.Model
	DefaultHandler string
	TopK           int
	FilterExpr     string
	MaxSubtasks    int
	HistoryTurns   int
	Logger         logging.Logger
}

// Planner builds plans against a capability registry.
type Planner struct {
	registry *capability.Registry
	opts     Options
}

// New creates a Planner. The registry must contain the default handler.
func New(registry *capability.Registry, optFns ...func(o *Options)) *Planner {
	opts := Options{
		DefaultHandler: capability.RetrievalName,
		TopK:           5,
		MaxSubtasks:    5,
		HistoryTurns:   6,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Planner{registry: registry, opts: opts}
}

// Plan builds the plan for query. Only an unregistered default handler is
// an error; decomposition problems fall back to the shortcut.
func (p *Planner) Plan(ctx context.Context, query string, intent core.QueryType, history []core.Message) (*core.Plan, error) {
	if intent == core.QueryComplex && p.opts.Model != nil {
		plan, err := p.decompose(ctx, query, history)
		if err == nil {
			return plan, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.opts.Logger.Warn("Decomposition failed, using single-task plan", "error", err.Error())
	}
	return p.shortcut(query)
}

func (p *Planner) shortcut(query string) (*core.Plan, error) {
	c, ok := p.registry.Get(p.opts.DefaultHandler)
	if !ok {
		return nil, core.NewError(core.ErrorValidation, "plan", fmt.Errorf("%w: %s", core.ErrUnknownCapability, p.opts.DefaultHandler))
	}
	args := map[string]any{"query": query, "top_k": p.opts.TopK, "filter_expr": p.opts.FilterExpr}
	return &core.Plan{
		Query: query,
		Tasks: []*core.Task{{
			ID:         "t1",
			Capability: c.Kind(),
			Handler:    c.Name(),
			Args:       args,
			Status:     core.TaskPending,
		}},
	}, nil
}

type subtask struct {
	ID    string         `json:"id"`
	Query string         `json:"query"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args,omitempty"`
}

type decomposition struct {
	Subtasks []subtask `json:"subtasks"`
}

func (p *Planner) decompose(ctx context.Context, query string, history []core.Message) (*core.Plan, error) {
	prompt, err := util.RenderTemplate(decomposeTemplate, map[string]any{
		"tools":   p.registry.Describe(),
		"history": renderHistory(history, p.opts.HistoryTurns),
		"query":   query,
		"max":     p.opts.MaxSubtasks,
	})
	if err != nil {
		return nil, err
	}
	text, err := model.Complete(ctx, p.opts.Model, model.Prompt(decomposeSystem, prompt, 0.2, 800))
	if err != nil {
		return nil, err
	}

	var d decomposition
	if err := util.DecodeJSON(text, &d); err != nil {
		return nil, err
	}
	if len(d.Subtasks) == 0 {
		return nil, fmt.Errorf("no subtasks")
	}
	if len(d.Subtasks) > p.opts.MaxSubtasks {
		d.Subtasks = d.Subtasks[:p.opts.MaxSubtasks]
	}

	plan := &core.Plan{Query: query}
	seen := make(map[string]bool)
	for i, st := range d.Subtasks {
		c, ok := p.registry.Get(st.Tool)
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownCapability, st.Tool)
		}
		id := st.ID
		if id == "" || seen[id] {
			id = fmt.Sprintf("t%d", i+1)
		}
		seen[id] = true

		subQuery := st.Query
		if subQuery == "" {
			subQuery = query
		}
		args := p.argsFor(c, subQuery, st.Args)
		if err := p.registry.Validate(c.Name(), args); err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, &core.Task{
			ID:         id,
			Capability: c.Kind(),
			Handler:    c.Name(),
			Args:       args,
			Status:     core.TaskPending,
		})
	}
	return plan, nil
}

// argsFor fills the query-like parameters a capability declares. Explicit
// args from the model win.
func (p *Planner) argsFor(c capability.Capability, query string, explicit map[string]any) map[string]any {
	args := make(map[string]any, len(explicit)+3)
	for k, v := range explicit {
		args[k] = v
	}
	props, _ := c.Parameters()["properties"].(map[string]any)
	if props == nil {
		if _, ok := args["query"]; !ok {
			args["query"] = query
		}
		return args
	}
	setIfDeclared := func(key string, v any) {
		if _, declared := props[key]; !declared {
			return
		}
		if _, set := args[key]; !set {
			args[key] = v
		}
	}
	setIfDeclared("query", query)
	setIfDeclared("expression", query)
	setIfDeclared("top_k", p.opts.TopK)
	if p.opts.FilterExpr != "" {
		setIfDeclared("filter_expr", p.opts.FilterExpr)
	}
	return args
}

// Replan prepares plan for another pass after a retry verdict. Retrieval
// queries are rewritten with the reflection feedback and unsettled or
// read-only tasks are reset. Settled tasks keep their result when
// rerunning them would repeat a side effect or a human decision: committed
// expression tasks, cancelled tasks and tasks whose handler needs approval.
// RetryCount is taken from the retry event unchanged.
func (p *Planner) Replan(ctx context.Context, plan *core.Plan, retry core.RetryEvent) (*core.Plan, error) {
	next := plan.Clone()
	if next == nil {
		return nil, core.Fatal("replan", errors.New("no plan to revise"))
	}
	next.RetryCount = retry.RetryCount

	for _, t := range next.Tasks {
		if p.settled(t) {
			continue
		}
		if t.Capability == core.CapabilityRetrieval {
			if q, ok := t.Args["query"].(string); ok && q != "" {
				t.Args["query"] = p.rewrite(ctx, q, retry)
			}
		}
		t.Status = core.TaskPending
		t.Result = nil
	}
	return next, nil
}

func (p *Planner) settled(t *core.Task) bool {
	if t.Result == nil {
		return false
	}
	switch {
	case t.Result.Cancelled:
		return true
	case p.registry.RequiresApproval(t.Handler):
		return true
	}
	return t.Capability == core.CapabilityExpression && t.Result.Success
}

func (p *Planner) rewrite(ctx context.Context, query string, retry core.RetryEvent) string {
	if p.opts.Model != nil {
		prompt, err := util.RenderTemplate(rewriteTemplate, map[string]any{
			"query":       query,
			"reason":      retry.Reason,
			"suggestions": retry.Suggestions,
		})
		if err == nil {
			text, err := model.Complete(ctx, p.opts.Model, model.Prompt(rewriteSystem, prompt, 0.3, 200))
			if err == nil {
				if q := strings.Trim(strings.TrimSpace(text), `"`); q != "" {
					return q
				}
			}
			p.opts.Logger.Debug("Query rewrite failed", "error", fmt.Sprint(err))
		}
	}
	if retry.Suggestions == "" || strings.Contains(query, retry.Suggestions) {
		return query
	}
	return query + " " + retry.Suggestions
}

func renderHistory(history []core.Message, turns int) string {
	if len(history) == 0 {
		return ""
	}
	if turns > 0 && len(history) > turns {
		history = history[len(history)-turns:]
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, util.Truncate(m.Content, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}
