package core

import (
	"encoding/json"
	"fmt"
)

// EventKind is the discriminator of the Event union.
type EventKind string

const (
	KindStart         EventKind = "start"
	KindRouteDecision EventKind = "route_decision"
	KindDirectAnswer  EventKind = "direct_answer"
	KindPlanReady     EventKind = "plan_ready"
	KindToolResult    EventKind = "tool_result"
	KindRetry         EventKind = "retry"
	KindSynthesize    EventKind = "synthesize"
	KindAnswerDraft   EventKind = "answer_draft"
	KindRegenerate    EventKind = "regenerate"
	KindFinal         EventKind = "final"
	KindResume        EventKind = "resume"
)

// Event is a closed tagged union of the messages exchanged between dispatcher
// steps. Concrete variants implement the unexported isEvent marker so the set
// cannot be extended outside this package. Events are values and must not be
// mutated after creation.
type Event interface {
	Kind() EventKind
	isEvent()
}

// StartEvent opens a run with the raw user query.
type StartEvent struct {
	Query string `json:"query"`
}

// RouteDecision carries the intent classification of the query.
type RouteDecision struct {
	Query          string    `json:"query"`
	QueryType      QueryType `json:"query_type"`
	RewrittenQuery string    `json:"rewritten_query,omitempty"`
	Reasoning      string    `json:"reasoning,omitempty"`
}

// DirectAnswer short-circuits planning for chitchat and clarification turns.
type DirectAnswer struct {
	Content   string    `json:"content"`
	QueryType QueryType `json:"query_type"`
}

// PlanReady signals that the plan has at least one pending task.
type PlanReady struct {
	Plan *Plan `json:"plan"`
}

// ToolResult is the outcome of a single task invocation.
type ToolResult struct {
	TaskID    string         `json:"task_id"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// RetryEvent routes an insufficient evidence verdict back into the planner.
type RetryEvent struct {
	Reason          string       `json:"reason"`
	Suggestions     string       `json:"suggestions,omitempty"`
	RetryCount      int          `json:"retry_count"`
	PreviousResults []TaskResult `json:"previous_results,omitempty"`
}

// SynthesizeEvent hands the final evidence bundle to answer generation.
type SynthesizeEvent struct {
	Context       string   `json:"context"`
	Sources       []Source `json:"sources,omitempty"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
}

// AnswerDraft is a generated answer awaiting quality review.
type AnswerDraft struct {
	Content string `json:"content"`
	Attempt int    `json:"attempt"`
}

// RegenerateEvent asks synthesis to produce a new draft.
type RegenerateEvent struct {
	Feedback string `json:"feedback"`
	Attempt  int    `json:"attempt"`
}

// FinalAnswer is the accepted answer of a run.
type FinalAnswer struct {
	Content       string `json:"content"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

// ResumeEvent re-enters the suspended step with the human decision.
type ResumeEvent struct {
	TaskID   string   `json:"task_id"`
	Decision Decision `json:"decision"`
}

func (StartEvent) Kind() EventKind      { return KindStart }
func (RouteDecision) Kind() EventKind   { return KindRouteDecision }
func (DirectAnswer) Kind() EventKind    { return KindDirectAnswer }
func (PlanReady) Kind() EventKind       { return KindPlanReady }
func (ToolResult) Kind() EventKind      { return KindToolResult }
func (RetryEvent) Kind() EventKind      { return KindRetry }
func (SynthesizeEvent) Kind() EventKind { return KindSynthesize }
func (AnswerDraft) Kind() EventKind     { return KindAnswerDraft }
func (RegenerateEvent) Kind() EventKind { return KindRegenerate }
func (FinalAnswer) Kind() EventKind     { return KindFinal }
func (ResumeEvent) Kind() EventKind     { return KindResume }

func (StartEvent) isEvent()      {}
func (RouteDecision) isEvent()   {}
func (DirectAnswer) isEvent()    {}
func (PlanReady) isEvent()       {}
func (ToolResult) isEvent()      {}
func (RetryEvent) isEvent()      {}
func (SynthesizeEvent) isEvent() {}
func (AnswerDraft) isEvent()     {}
func (RegenerateEvent) isEvent() {}
func (FinalAnswer) isEvent()     {}
func (ResumeEvent) isEvent()     {}

// AllEventKinds lists every variant of the union.
func AllEventKinds() []EventKind {
	return []EventKind{
		KindStart, KindRouteDecision, KindDirectAnswer, KindPlanReady, KindToolResult,
		KindRetry, KindSynthesize, KindAnswerDraft, KindRegenerate, KindFinal, KindResume,
	}
}

type eventEnvelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes an event together with its discriminator.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, NewError(ErrorValidation, "encode event", fmt.Errorf("nil event"))
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Kind: ev.Kind(), Payload: payload})
}

// DecodeEvent restores an event produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(ErrorValidation, "decode event", err)
	}

	switch env.Kind {
	case KindStart:
		return decodeAs[StartEvent](env.Payload)
	case KindRouteDecision:
		return decodeAs[RouteDecision](env.Payload)
	case KindDirectAnswer:
		return decodeAs[DirectAnswer](env.Payload)
	case KindPlanReady:
		return decodeAs[PlanReady](env.Payload)
	case KindToolResult:
		return decodeAs[ToolResult](env.Payload)
	case KindRetry:
		return decodeAs[RetryEvent](env.Payload)
	case KindSynthesize:
		return decodeAs[SynthesizeEvent](env.Payload)
	case KindAnswerDraft:
		return decodeAs[AnswerDraft](env.Payload)
	case KindRegenerate:
		return decodeAs[RegenerateEvent](env.Payload)
	case KindFinal:
		return decodeAs[FinalAnswer](env.Payload)
	case KindResume:
		return decodeAs[ResumeEvent](env.Payload)
	default:
		return nil, NewError(ErrorValidation, "decode event", fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind))
	}
}

func decodeAs[T Event](payload json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, NewError(ErrorValidation, "decode event", err)
	}
	return v, nil
}
