package reflection

import (
	"context"
	"testing"

	"github.com/hupe1980/ragmesh/capability"
	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/testutil"
	"github.com/hupe1980/ragmesh/model"
	"github.com/hupe1980/ragmesh/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hits(ids ...string) map[string]any {
	results := make([]any, 0, len(ids))
	for _, id := range ids {
		results = append(results, map[string]any{"id": id, "content": "content of " + id, "score": 0.8, "source": "docs"})
	}
	return map[string]any{"success": true, "results": results, "count": len(results)}
}

func singleTaskRun() *core.RunState {
	return &core.RunState{
		RunID: "r1",
		Query: "what is a monad",
		Plan: &core.Plan{Query: "what is a monad", Tasks: []*core.Task{
			{ID: "t1", Capability: core.CapabilityRetrieval, Handler: capability.RetrievalName, Status: core.TaskPending, Args: map[string]any{"query": "what is a monad"}},
		}},
	}
}

func TestLoop_ObserveWaitsForPendingTasks(t *testing.T) {
	l := New()
	run := singleTaskRun()
	run.Plan.Tasks = append(run.Plan.Tasks, &core.Task{ID: "t2", Status: core.TaskPending})

	ev := l.Step(context.Background(), run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("a")})
	require.IsType(t, core.PlanReady{}, ev)
	assert.Equal(t, StateExecuting, StateOf(run))
	assert.Equal(t, "t2", ev.(core.PlanReady).Plan.Next().ID)
	assert.Equal(t, core.TaskDone, run.Plan.Task("t1").Status)
}

func TestLoop_SufficientOnFirstPass(t *testing.T) {
	llm := model.NewMockModel("judge").On("Evidence:", `{"decision":"sufficient","reason":"covers it"}`)
	l := New(func(o *Options) { o.Model = llm })
	run := singleTaskRun()

	ev := l.Step(context.Background(), run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("a", "b")})
	syn, ok := ev.(core.SynthesizeEvent)
	require.True(t, ok, "expected synthesize, got %T", ev)
	assert.False(t, syn.LowConfidence)
	assert.Len(t, syn.Sources, 2)
	assert.Contains(t, syn.Context, "[Source 1] content of a")
	assert.Equal(t, 0, run.Plan.RetryCount)
	assert.Equal(t, StateSynthesizing, StateOf(run))

	req := llm.Calls()[0]
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
}

func TestLoop_EvaluateParseFailureIsSufficient(t *testing.T) {
	l := New(func(o *Options) { o.Model = model.NewMockModel("judge").Fallback("looks fine to me") })
	run := singleTaskRun()
	l.Observe(run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("a")})

	assert.Equal(t, Sufficient, l.Evaluate(context.Background(), run).Decision)
}

func TestLoop_EvaluateTruncatesContext(t *testing.T) {
	llm := model.NewMockModel("judge").Fallback(`{"decision":"sufficient"}`)
	l := New(func(o *Options) {
		o.Model = llm
		o.ContextLimit = 40
	})
	run := singleTaskRun()
	l.Observe(run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc")})
	l.Evaluate(context.Background(), run)

	prompt := model.Render(llm.Calls()[0].Messages)
	assert.Contains(t, prompt, "[Source 1]")
	assert.NotContains(t, prompt, "[Source 3]")
}

func TestLoop_MinEvidenceScore(t *testing.T) {
	l := New(func(o *Options) { o.MinEvidenceScore = 0.9 })
	run := singleTaskRun()
	l.Observe(run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("a")})
	assert.True(t, run.Evidence.Empty())
}

func TestLoop_CancelledResultAddsNoEvidence(t *testing.T) {
	l := New()
	run := singleTaskRun()
	l.Observe(run, core.ToolResult{TaskID: "t1", Success: true, Cancelled: true, Result: hits("a")})
	assert.True(t, run.Evidence.Empty())
	assert.True(t, run.Plan.Task("t1").Result.Cancelled)
}

func TestLoop_ModelRetryVerdict(t *testing.T) {
	llm := model.NewMockModel("judge").Fallback(`{"decision":"retry","reason":"only definitions","suggestions":"examples"}`)
	l := New(func(o *Options) { o.Model = llm })
	run := singleTaskRun()

	ev := l.Step(context.Background(), run, core.ToolResult{TaskID: "t1", Success: true, Result: hits("a")})
	retry, ok := ev.(core.RetryEvent)
	require.True(t, ok)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, "examples", retry.Suggestions)
	assert.Len(t, retry.PreviousResults, 1)
	assert.Equal(t, StateRetrying, StateOf(run))
}

// drive runs the execute/reflect/replan cycle the engine wires together,
// with every task returning the canned result of its pass.
func drive(t *testing.T, l *Loop, p *planner.Planner, run *core.RunState, resultFor func(pass int) map[string]any) (core.SynthesizeEvent, []core.RetryEvent, []core.Evidence) {
	t.Helper()
	var (
		retries   []core.RetryEvent
		snapshots []core.Evidence
	)
passes:
	for pass := 0; pass < 10; pass++ {
		for task := run.Plan.Next(); task != nil; task = run.Plan.Next() {
			ev := l.Step(context.Background(), run, core.ToolResult{TaskID: task.ID, Success: true, Result: resultFor(pass)})
			switch e := ev.(type) {
			case core.SynthesizeEvent:
				return e, retries, append(snapshots, run.Evidence.Clone())
			case core.RetryEvent:
				retries = append(retries, e)
				snapshots = append(snapshots, run.Evidence.Clone())
				next, err := p.Replan(context.Background(), run.Plan, e)
				require.NoError(t, err)
				run.Plan = next
				continue passes
			}
		}
	}
	t.Fatal("loop did not reach synthesis")
	return core.SynthesizeEvent{}, nil, nil
}

func newPlanner(t *testing.T) *planner.Planner {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.NewRetrieval(&testutil.VectorStore{}, nil, testutil.Embedder{})))
	return planner.New(reg)
}

func TestLoop_ZeroEvidenceRetriesThenSynthesizesLowConfidence(t *testing.T) {
	l := New(func(o *Options) { o.MaxRetry = 2 })
	run := singleTaskRun()

	syn, retries, _ := drive(t, l, newPlanner(t), run, func(int) map[string]any {
		return map[string]any{"success": true, "results": []any{}, "count": 0}
	})

	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].RetryCount)
	assert.Equal(t, 2, retries[1].RetryCount)
	assert.Equal(t, 2, run.Plan.RetryCount)
	assert.True(t, syn.LowConfidence)
	assert.True(t, run.LowConfidence)
	assert.Len(t, run.Plan.Tasks, 1, "retry reuses the single-task shortcut")
}

func TestLoop_RetryBudgetNeverExceeded(t *testing.T) {
	for _, maxRetry := range []int{0, 1, 3} {
		l := New(func(o *Options) {
			o.MaxRetry = maxRetry
			o.Model = model.NewMockModel("judge").Fallback(`{"decision":"retry","reason":"never enough"}`)
		})
		run := singleTaskRun()

		_, retries, _ := drive(t, l, newPlanner(t), run, func(pass int) map[string]any { return hits("p" + string(rune('0'+pass))) })
		assert.Len(t, retries, maxRetry)
		assert.LessOrEqual(t, run.Plan.RetryCount, maxRetry)
	}
}

func TestLoop_CitationIndicesSurviveRetries(t *testing.T) {
	l := New(func(o *Options) {
		o.Model = model.NewMockModel("judge").Fallback(`{"decision":"retry","reason":"more"}`)
	})
	run := singleTaskRun()

	// Each pass re-sees one old source and adds a new one.
	passes := [][]string{{"a", "b"}, {"b", "c"}, {"a", "d"}}
	_, _, snapshots := drive(t, l, newPlanner(t), run, func(pass int) map[string]any { return hits(passes[pass]...) })

	final := snapshots[len(snapshots)-1]
	for _, snap := range snapshots {
		for _, s := range snap.Sources {
			assert.Equal(t, s.ID, final.Sources[s.Index-1].ID, "index %d was reassigned", s.Index)
		}
	}
	ids := make([]string, 0, final.Len())
	for _, s := range final.Sources {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}
