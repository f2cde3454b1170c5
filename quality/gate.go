package quality

import (
	"context"
	"fmt"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/model"
)

// Scores rates an answer from 1 to 5 on each axis.
type Scores struct {
	Completeness int `json:"completeness"`
	Accuracy     int `json:"accuracy"`
	Relevance    int `json:"relevance"`
	Clarity      int `json:"clarity"`
	Citation     int `json:"citation"`
}

// Total sums all five axes.
func (s Scores) Total() int {
	return s.Completeness + s.Accuracy + s.Relevance + s.Clarity + s.Citation
}

// Review is the outcome of scoring one draft.
type Review struct {
	Scores   Scores `json:"scores"`
	Feedback string `json:"feedback"`
	Passed   bool   `json:"passed"`
}

// Options configure a Gate.
type Options struct {
	Model model.Model
	// PassTotal is the minimum total score.
	PassTotal int
	// FloorScore fails a draft when any of the first four axes is at or
	// below it.
	FloorScore   int
	MaxRetry     int
	ContextLimit int
	Logger       logging.Logger
}

// Gate reviews answer drafts.
type Gate struct {
	opts Options
}

// New creates a Gate passing drafts with a total of at least 18.
func New(optFns ...func(o *Options)) *Gate {
	opts := Options{
		PassTotal:    18,
		FloorScore:   2,
		MaxRetry:     2,
		ContextLimit: 3000,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Gate{opts: opts}
}

// Passes applies the thresholds to s.
func (g *Gate) Passes(s Scores) bool {
	if s.Total() < g.opts.PassTotal {
		return false
	}
	for _, v := range []int{s.Completeness, s.Accuracy, s.Relevance, s.Clarity} {
		if v <= g.opts.FloorScore {
			return false
		}
	}
	return true
}

// Review scores answer against the question and the evidence context. A
// missing model, a failed call or an unparseable reply passes the draft.
func (g *Gate) Review(ctx context.Context, query, answer, evidence string) Review {
	if g.opts.Model == nil {
		return Review{Passed: true}
	}
	prompt, err := util.RenderTemplate(reviewTemplate, map[string]any{
		"query":    query,
		"answer":   answer,
		"evidence": util.Truncate(evidence, g.opts.ContextLimit),
	})
	if err != nil {
		return Review{Passed: true}
	}
	text, err := model.Complete(ctx, g.opts.Model, model.Prompt(reviewSystem, prompt, 0.1, 400))
	if err != nil {
		g.opts.Logger.Warn("Quality review failed, accepting draft", "error", err.Error())
		return Review{Passed: true}
	}

	var r Review
	if err := util.DecodeJSON(text, &r); err != nil {
		g.opts.Logger.Debug("Unparseable quality review", "error", err.Error())
		return Review{Passed: true}
	}
	r.Passed = g.Passes(r.Scores)
	return r
}

// Step is the quality step: accept the draft, ask for another one while
// attempts remain, or force-accept once they are used up.
func (g *Gate) Step(ctx context.Context, run *core.RunState, draft core.AnswerDraft) core.Event {
	run.Answer = draft.Content
	r := g.Review(ctx, run.EffectiveQuery(), draft.Content, run.Evidence.Context())

	switch {
	case r.Passed:
	case run.QualityAttempts < g.opts.MaxRetry:
		run.QualityAttempts++
		run.Feedback = r.Feedback
		if run.Feedback == "" {
			run.Feedback = fmt.Sprintf("total score %d below %d", r.Scores.Total(), g.opts.PassTotal)
		}
		g.opts.Logger.Info("Answer below quality bar, regenerating",
			"total", r.Scores.Total(), "attempt", run.QualityAttempts)
		return core.RegenerateEvent{Feedback: run.Feedback, Attempt: run.QualityAttempts}
	default:
		g.opts.Logger.Warn("Quality retries exhausted, accepting answer", "total", r.Scores.Total())
	}
	return core.FinalAnswer{Content: draft.Content, LowConfidence: run.LowConfidence}
}
