package dispatch

import (
	"fmt"

	"github.com/hupe1980/ragmesh/core"
)

// ResultKind discriminates Result.
type ResultKind int

const (
	ResultNext ResultKind = iota
	ResultSuspended
	ResultTerminal
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultNext:
		return "next"
	case ResultSuspended:
		return "suspended"
	case ResultTerminal:
		return "terminal"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is what a step handler returns: exactly one of the next event, an
// approval request, a final result or an error.
type Result struct {
	kind     ResultKind
	event    core.Event
	approval *core.ApprovalRequest
	final    *core.FinalResult
	err      error
}

// Next continues the run with ev.
func Next(ev core.Event) Result { return Result{kind: ResultNext, event: ev} }

// Suspend pauses the run until a human decides on req.
func Suspend(req core.ApprovalRequest) Result {
	return Result{kind: ResultSuspended, approval: &req}
}

// Terminal ends the run with final.
func Terminal(final core.FinalResult) Result { return Result{kind: ResultTerminal, final: &final} }

// Failed aborts the run with err.
func Failed(err error) Result { return Result{kind: ResultFailed, err: err} }

// Kind returns the variant.
func (r Result) Kind() ResultKind { return r.kind }

// Event returns the next event of a Next result.
func (r Result) Event() core.Event { return r.event }

// Approval returns the request of a Suspended result.
func (r Result) Approval() *core.ApprovalRequest { return r.approval }

// Final returns the outcome of a Terminal result.
func (r Result) Final() *core.FinalResult { return r.final }

// Err returns the error of a Failed result.
func (r Result) Err() error { return r.err }
