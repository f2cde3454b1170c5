package stream

import (
	"github.com/hupe1980/ragmesh/core"
)

// Type discriminates wire events.
type Type string

const (
	TypeStart     Type = "start"
	TypeProgress  Type = "progress"
	TypeToken     Type = "token"
	TypeAnswer    Type = "answer"
	TypeInterrupt Type = "interrupt"
	TypeError     Type = "error"
	TypeDone      Type = "done"
)

// Progress steps reported by the engine.
const (
	StepRouting      = "routing"
	StepPlanning     = "planning"
	StepSearching    = "searching"
	StepReflecting   = "reflecting"
	StepRetrying     = "retrying"
	StepSynthesizing = "synthesizing"
	StepReviewing    = "reviewing"
	StepApproval     = "approval"
	StepDone         = "done"
)

// Progress statuses.
const (
	StatusStart    = "start"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Event is one wire-level stream message.
type Event struct {
	Type          Type                  `json:"type"`
	ThreadID      string                `json:"thread_id,omitempty"`
	RunID         string                `json:"run_id,omitempty"`
	Message       string                `json:"message,omitempty"`
	Step          string                `json:"step,omitempty"`
	Status        string                `json:"status,omitempty"`
	Content       string                `json:"content,omitempty"`
	Sources       []core.Source         `json:"sources,omitempty"`
	LowConfidence bool                  `json:"low_confidence,omitempty"`
	Request       *core.PendingApproval `json:"request,omitempty"`
}

// Terminal reports whether no event may follow e in the same stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeDone, TypeError, TypeInterrupt:
		return true
	}
	return false
}

func Start(threadID, runID, message string) Event {
	return Event{Type: TypeStart, ThreadID: threadID, RunID: runID, Message: message}
}

func Progress(step, status, message string) Event {
	return Event{Type: TypeProgress, Step: step, Status: status, Message: message}
}

func Token(content string) Event { return Event{Type: TypeToken, Content: content} }

func Answer(content string, sources []core.Source, lowConfidence bool) Event {
	return Event{Type: TypeAnswer, Content: content, Sources: sources, LowConfidence: lowConfidence}
}

func Interrupt(req *core.PendingApproval) Event { return Event{Type: TypeInterrupt, Request: req} }

func Error(message string) Event { return Event{Type: TypeError, Message: message} }

func Done() Event { return Event{Type: TypeDone} }
