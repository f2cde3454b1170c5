package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ragmesh/capability"
	"github.com/hupe1980/ragmesh/compaction"
	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/testutil"
	"github.com/hupe1980/ragmesh/memory"
	"github.com/hupe1980/ragmesh/metrics"
	"github.com/hupe1980/ragmesh/model"
	"github.com/hupe1980/ragmesh/session"
	"github.com/hupe1980/ragmesh/stream"
)

const (
	routePrompt     = "You classify user messages"
	decomposePrompt = "You split user questions"
	evaluatePrompt  = "You judge whether retrieved evidence"
	reviewPrompt    = "You review answers"
	answerPrompt    = "You answer questions using only"

	passingReview = `{"scores":{"completeness":5,"accuracy":5,"relevance":5,"clarity":4,"citation":4},"feedback":""}`
	monadAnswer   = "A monad sequences computations in a context [Source 1]."
)

type fixture struct {
	eng     *Engine
	llm     *model.MockModel
	vector  *testutil.VectorStore
	mem     *memory.InMemoryStore
	store   *session.Store
	metrics *metrics.Metrics
}

// newFixture builds an engine over in-memory collaborators. script runs
// before the default model rules so tests can override them.
func newFixture(t *testing.T, script func(m *model.MockModel), optFns ...func(o *Options)) *fixture {
	t.Helper()

	llm := model.NewMockModel("test")
	if script != nil {
		script(llm)
	}
	llm.On(routePrompt, `{"type":"simple","reasoning":"single lookup"}`).
		On(evaluatePrompt, `{"decision":"sufficient","reason":"covered"}`).
		On(reviewPrompt, passingReview).
		On(answerPrompt, monadAnswer)

	f := &fixture{
		llm: llm,
		vector: &testutil.VectorStore{Hits: []core.SearchResult{
			{ID: "doc-1", Content: "Monads sequence computations that carry a context.", Score: 0.92},
		}},
		mem:     memory.NewInMemoryStore(),
		store:   session.NewStore(memory.NewInMemoryStore()),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	registry := capability.NewRegistry().MustRegister(
		capability.NewRetrieval(f.vector, nil, testutil.Embedder{}),
		capability.NewMemoryWrite(f.mem),
	)

	eng, err := New(append([]func(o *Options){func(o *Options) {
		o.Model = llm
		o.Registry = registry
		o.SessionStore = f.store
		o.Metrics = f.metrics
	}}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(eng.Wait)
	f.eng = eng
	return f
}

func types(evs []stream.Event) []stream.Type {
	out := make([]stream.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func progress(evs []stream.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == stream.TypeProgress {
			out = append(out, ev.Step+":"+ev.Status)
		}
	}
	return out
}

func last(evs []stream.Event, typ stream.Type) *stream.Event {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return &evs[i]
		}
	}
	return nil
}

func tokens(evs []stream.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == stream.TypeToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Equal(t, core.ErrorValidation, core.KindOf(err))
}

func TestEngine_SimpleQuestion(t *testing.T) {
	var final *core.FinalResult
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackOnComplete, func(_ context.Context, c *CallbackContext) error {
		final = c.Final
		return nil
	}))
	f := newFixture(t, nil, func(o *Options) { o.Callbacks = cbs })

	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, testutil.NewSessionBuilder("u1_book7").Turns(3).Build()))

	evs, err := f.eng.RunSync(ctx, "u1_book7", "What is a monad?")
	require.NoError(t, err)

	require.NotEmpty(t, evs)
	assert.Equal(t, stream.TypeStart, evs[0].Type)
	assert.Equal(t, "u1_book7", evs[0].ThreadID)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
	assert.Equal(t, []string{
		"routing:start", "routing:complete",
		"planning:start", "planning:complete",
		"searching:start", "searching:complete",
		"reflecting:start", "reflecting:complete",
		"synthesizing:start", "synthesizing:complete",
		"reviewing:start", "reviewing:complete",
		"done:complete",
	}, progress(evs))

	answer := last(evs, stream.TypeAnswer)
	require.NotNil(t, answer)
	assert.Equal(t, monadAnswer, answer.Content)
	assert.Equal(t, monadAnswer, tokens(evs))
	assert.False(t, answer.LowConfidence)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, 1, answer.Sources[0].Index)

	require.NotNil(t, final)
	assert.Equal(t, 0, final.RetryCount)
	assert.Equal(t, 1, f.vector.Calls)

	// prior turns reach the synthesis prompt
	var synthesis string
	for _, req := range f.llm.Calls() {
		if text := model.Render(req.Messages); strings.Contains(text, answerPrompt) {
			synthesis = text
		}
	}
	assert.Contains(t, synthesis, "user: question 3\nassistant: answer 3")

	sess, err := f.eng.Session(ctx, "u1_book7")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 8)
	assert.Equal(t, "What is a monad?", sess.Messages[6].Content)
	assert.Equal(t, monadAnswer, sess.Messages[7].Content)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.DispatchHops.WithLabelValues(StepFinish, "terminal")))
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.ActiveRuns))
}

func TestEngine_DirectAnswers(t *testing.T) {
	tests := []struct {
		name   string
		route  string
		answer string
	}{
		{"chitchat", `{"type":"chitchat"}`, "Hello! What would you like to study today?"},
		{"clarify", `{"type":"clarify"}`, clarifyMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(m *model.MockModel) {
				m.On(routePrompt, tt.route)
				m.On(chitchatSystem, "Hello! What would you like to study today?")
			})

			evs, err := f.eng.RunSync(context.Background(), "t1", "hi")
			require.NoError(t, err)

			answer := last(evs, stream.TypeAnswer)
			require.NotNil(t, answer)
			assert.Equal(t, tt.answer, answer.Content)
			assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
			assert.Zero(t, f.vector.Calls)
			assert.NotContains(t, progress(evs), "planning:start")
		})
	}
}

func TestEngine_RoutingFailureFallsBackToSimple(t *testing.T) {
	f := newFixture(t, func(m *model.MockModel) {
		m.FailOn(routePrompt, errors.New("provider down"))
	})

	evs, err := f.eng.RunSync(context.Background(), "t1", "What is a monad?")
	require.NoError(t, err)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
	assert.Equal(t, 1, f.vector.Calls)
}

func TestEngine_EmptyEvidenceRetriesThenAnswersWithLowConfidence(t *testing.T) {
	var final *core.FinalResult
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackOnComplete, func(_ context.Context, c *CallbackContext) error {
		final = c.Final
		return nil
	}))
	f := newFixture(t, nil, func(o *Options) { o.Callbacks = cbs })
	f.vector.Hits = nil

	evs, err := f.eng.RunSync(context.Background(), "t1", "What is a zygohistomorphic prepromorphism?")
	require.NoError(t, err)

	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
	answer := last(evs, stream.TypeAnswer)
	require.NotNil(t, answer)
	assert.True(t, answer.LowConfidence)
	assert.Empty(t, answer.Sources)

	retries := 0
	for _, p := range progress(evs) {
		if p == "retrying:start" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, f.vector.Calls)
	require.NotNil(t, final)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.RetriesTotal.WithLabelValues("reflection")))
}

const sensitivePlan = `{"subtasks":[
 {"id":"t1","query":"what is a monad","tool":"vector_search"},
 {"id":"t2","query":"remember progress","tool":"memory_write","args":{"type":"learning","key":"monads","content":"studies monads"}}
]}`

func sensitiveFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	return newFixture(t, func(m *model.MockModel) {
		m.On(routePrompt, `{"type":"complex"}`)
		m.On(decomposePrompt, sensitivePlan)
	}, optFns...)
}

func memories(t *testing.T, f *fixture) []core.Record {
	t.Helper()
	recs, err := f.mem.List(context.Background(), capability.DefaultMemoryNamespace)
	require.NoError(t, err)
	return recs
}

func TestEngine_SensitiveWriteSuspendsAndRejectSkipsEffect(t *testing.T) {
	f := sensitiveFixture(t)
	ctx := context.Background()

	evs, err := f.eng.RunSync(ctx, "t1", "Explain monads and remember that I study them")
	require.NoError(t, err)

	interrupt := evs[len(evs)-1]
	require.Equal(t, stream.TypeInterrupt, interrupt.Type)
	assert.NotContains(t, types(evs), stream.TypeDone)
	require.NotNil(t, interrupt.Request)
	assert.Equal(t, "memory_write", interrupt.Request.ActionName)
	assert.Equal(t, "t2", interrupt.Request.TaskID)
	assert.ElementsMatch(t, core.AllDecisions, interrupt.Request.AllowedDecisions)
	assert.Empty(t, memories(t, f))

	pending, err := f.eng.Pending(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, pending)

	_, _, err = f.eng.Run(ctx, "t1", "another question")
	assert.ErrorIs(t, err, core.ErrApprovalPending)

	evs, err = f.eng.ResumeSync(ctx, "t1", []core.Decision{{Type: core.DecisionReject}})
	require.NoError(t, err)

	got := types(evs)
	assert.Equal(t, stream.TypeDone, got[len(got)-1])
	assert.Contains(t, progress(evs), "approval:complete")
	assert.Empty(t, memories(t, f))

	pending, err = f.eng.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	sess, err := f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
	assert.Nil(t, sess.Checkpoint)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ApprovalsTotal.WithLabelValues("memory_write", "reject")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RunsTotal.WithLabelValues("suspended")))
}

func TestEngine_RejectedActionIsNotAskedAgainOnRetry(t *testing.T) {
	f := newFixture(t, func(m *model.MockModel) {
		m.On(routePrompt, `{"type":"complex"}`)
		m.On(decomposePrompt, sensitivePlan)
		m.On(evaluatePrompt, `{"decision":"retry","reason":"too thin","suggestions":"monad laws"}`)
	})
	ctx := context.Background()

	evs, err := f.eng.RunSync(ctx, "t1", "Explain monads and remember that I study them")
	require.NoError(t, err)
	require.Equal(t, stream.TypeInterrupt, evs[len(evs)-1].Type)

	evs, err = f.eng.ResumeSync(ctx, "t1", []core.Decision{{Type: core.DecisionReject}})
	require.NoError(t, err)

	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
	assert.NotContains(t, types(evs), stream.TypeInterrupt)
	assert.Contains(t, progress(evs), "retrying:start")
	assert.Empty(t, memories(t, f))

	pending, err := f.eng.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ApprovalsTotal.WithLabelValues("memory_write", "reject")))
}

func TestEngine_ResumeAppliesDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision core.Decision
		want     string
	}{
		{"approve", core.Decision{Type: core.DecisionApprove}, "studies monads"},
		{"edit", core.Decision{Type: core.DecisionEdit, EditedArgs: map[string]any{
			"type": "learning", "key": "monads", "content": "finished the monad chapter",
		}}, "finished the monad chapter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := sensitiveFixture(t)
			ctx := context.Background()

			_, err := f.eng.RunSync(ctx, "t1", "Explain monads and remember that I study them")
			require.NoError(t, err)

			evs, err := f.eng.ResumeSync(ctx, "t1", []core.Decision{tt.decision})
			require.NoError(t, err)
			assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)

			recs := memories(t, f)
			require.Len(t, recs, 1)
			assert.Equal(t, "learning:monads", recs[0].Key)
			assert.Equal(t, tt.want, recs[0].Value["content"])
		})
	}
}

func TestEngine_ResumeErrorsKeepPending(t *testing.T) {
	f := sensitiveFixture(t)
	ctx := context.Background()

	_, _, err := f.eng.Resume(ctx, "t1", []core.Decision{{Type: core.DecisionApprove}})
	assert.ErrorIs(t, err, core.ErrNoPendingApproval)

	_, err = f.eng.RunSync(ctx, "t1", "Explain monads and remember that I study them")
	require.NoError(t, err)

	// edited args must keep the shape of the original
	_, _, err = f.eng.Resume(ctx, "t1", []core.Decision{{Type: core.DecisionEdit, EditedArgs: map[string]any{"content": 42}}})
	require.Error(t, err)
	assert.Equal(t, core.ErrorValidation, core.KindOf(err))

	_, _, err = f.eng.Resume(ctx, "t1", nil)
	require.Error(t, err)

	pending, err := f.eng.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, memories(t, f))
}

func TestEngine_ResumeInAnotherEngine(t *testing.T) {
	f := sensitiveFixture(t)
	ctx := context.Background()

	_, err := f.eng.RunSync(ctx, "t1", "Explain monads and remember that I study them")
	require.NoError(t, err)

	// A second engine sharing only the durable stores picks up the run.
	registry := capability.NewRegistry().MustRegister(
		capability.NewRetrieval(f.vector, nil, testutil.Embedder{}),
		capability.NewMemoryWrite(f.mem),
	)
	other, err := New(func(o *Options) {
		o.Model = f.llm
		o.Registry = registry
		o.SessionStore = f.store
	})
	require.NoError(t, err)

	evs, err := other.ResumeSync(ctx, "t1", []core.Decision{{Type: core.DecisionApprove}})
	require.NoError(t, err)
	other.Wait()
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)
	assert.Len(t, memories(t, f), 1)
}

func blockingSearch(entered chan<- struct{}, release <-chan struct{}) *capability.Function {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"top_k": map[string]any{"type": "integer"},
		},
		"required": []string{"query"},
	}
	return capability.NewFunction(capability.RetrievalName, "blocking search", params,
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return map[string]any{"success": true, "results": []any{}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		func(o *capability.FunctionOptions) { o.Kind = core.CapabilityRetrieval })
}

func TestEngine_SingleActiveRunPerSession(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, nil, func(o *Options) {
		o.Registry = capability.NewRegistry().MustRegister(blockingSearch(entered, release))
	})
	ctx := context.Background()

	events, errs, err := f.eng.Run(ctx, "t1", "first")
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the capability")
	}

	_, _, err = f.eng.Run(ctx, "t1", "second")
	assert.ErrorIs(t, err, core.ErrSessionBusy)
	assert.Equal(t, core.ErrorOrdering, core.KindOf(err))

	_, _, err = f.eng.Resume(ctx, "t1", []core.Decision{{Type: core.DecisionApprove}})
	assert.ErrorIs(t, err, core.ErrSessionBusy)

	close(release)
	var evs []stream.Event
	for ev := range events {
		evs = append(evs, ev)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)

	// admitted again once the first run finished
	evs, err = f.eng.RunSync(ctx, "t1", "second")
	require.NoError(t, err)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)

	sess, err := f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
}

func TestEngine_RunTimeout(t *testing.T) {
	entered := make(chan struct{}, 1)
	f := newFixture(t, nil, func(o *Options) {
		o.Registry = capability.NewRegistry().MustRegister(blockingSearch(entered, make(chan struct{})))
		o.Config.RunTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	evs, err := f.eng.RunSync(ctx, "t1", "slow question")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, core.ErrorTimeout, core.KindOf(err))

	end := evs[len(evs)-1]
	assert.Equal(t, stream.TypeError, end.Type)
	assert.Equal(t, "the request timed out", end.Message)

	sess, err := f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RunsTotal.WithLabelValues("timeout")))

	_, _, err = f.eng.Run(ctx, "t1", "")
	assert.Equal(t, core.ErrorValidation, core.KindOf(err))
}

func TestEngine_CompactsAfterRun(t *testing.T) {
	f := newFixture(t, func(m *model.MockModel) {
		m.On("You maintain a running summary", "User is learning functional programming.")
	})
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, testutil.NewSessionBuilder("t1").Messages(20).Build()))

	_, err := f.eng.RunSync(ctx, "t1", "What is a monad?")
	require.NoError(t, err)
	f.eng.Wait()

	sess, err := f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
	assert.Equal(t, "User is learning functional programming.", sess.Summary)
	assert.Equal(t, monadAnswer, sess.Messages[3].Content)

	res, err := f.eng.Compact(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "none", string(res.Action))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CompactionsTotal.WithLabelValues("summarized")))

	_, err = f.eng.Compact(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_DoneArrivesBeforeCompaction(t *testing.T) {
	summarizer := &testutil.Summarizer{Gate: make(chan struct{})}
	f := newFixture(t, nil, func(o *Options) {
		o.Compactor = compaction.New(func(c *compaction.Options) { c.Model = summarizer })
	})
	release := sync.OnceFunc(func() { close(summarizer.Gate) })
	t.Cleanup(release)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, testutil.NewSessionBuilder("t1").Messages(20).Build()))

	events, errs, err := f.eng.Run(ctx, "t1", "What is a monad?")
	require.NoError(t, err)

	var evs []stream.Event
	for ev := range events {
		evs = append(evs, ev)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)

	// The summarizer is still held, so the session has the committed turn
	// but no summary yet.
	sess, err := f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 22)
	assert.Empty(t, sess.Summary)

	release()
	f.eng.Wait()

	sess, err = f.eng.Session(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
	assert.NotEmpty(t, sess.Summary)
	assert.Equal(t, 1, summarizer.Calls())
}

func TestEngine_StepCallbacks(t *testing.T) {
	var steps []string
	var logged []string
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackAfterStep, func(_ context.Context, c *CallbackContext) error {
		steps = append(steps, c.Step)
		return errors.New("ignored")
	}))
	cbs.RegisterCallback(NewLoggingCallback(CallbackBeforeStep, func(msg string) { logged = append(logged, msg) }))

	f := newFixture(t, nil, func(o *Options) { o.Callbacks = cbs })
	_, err := f.eng.RunSync(context.Background(), "t1", "What is a monad?")
	require.NoError(t, err)

	assert.Equal(t, []string{StepRoute, StepPlan, StepExecute, StepReflect, StepSynthesize, StepQuality, StepFinish}, steps)
	require.Len(t, logged, len(steps))
	assert.Contains(t, logged[0], "[before_step] thread=t1")
	assert.Contains(t, logged[0], "event=start")
}
