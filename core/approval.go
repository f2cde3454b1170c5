package core

import (
	"fmt"
	"slices"
	"time"
)

// DecisionType is the human verdict on a pending approval.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionEdit    DecisionType = "edit"
	DecisionReject  DecisionType = "reject"
)

// AllDecisions is the default allow set for a new approval request.
var AllDecisions = []DecisionType{DecisionApprove, DecisionEdit, DecisionReject}

// Decision resolves a PendingApproval. EditedArgs is required iff Type is edit.
type Decision struct {
	Type       DecisionType   `json:"type"`
	EditedArgs map[string]any `json:"edited_args,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Validate checks the structural rules of a decision.
func (d Decision) Validate() error {
	switch d.Type {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionEdit:
		if d.EditedArgs == nil {
			return Validation("decision", fmt.Errorf("edit decision requires edited_args"))
		}
		return nil
	default:
		return Validation("decision", fmt.Errorf("unknown decision type %q", d.Type))
	}
}

// ApprovalRequest is what a step hands to the interrupt controller when a
// sensitive capability is about to run.
type ApprovalRequest struct {
	TaskID           string         `json:"task_id"`
	ActionName       string         `json:"action_name"`
	Args             map[string]any `json:"args"`
	AllowedDecisions []DecisionType `json:"allowed_decisions"`
	Description      string         `json:"description"`
}

// PendingApproval is the durable record of a suspended sensitive operation.
type PendingApproval struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	ActionName       string         `json:"action_name"`
	Args             map[string]any `json:"args"`
	AllowedDecisions []DecisionType `json:"allowed_decisions"`
	Description      string         `json:"description"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Allows reports whether the decision type is permitted.
func (p *PendingApproval) Allows(t DecisionType) bool {
	return p != nil && slices.Contains(p.AllowedDecisions, t)
}

// Clone returns a copy safe to hand out of the store.
func (p *PendingApproval) Clone() *PendingApproval {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Args = cloneMap(p.Args)
	cp.AllowedDecisions = slices.Clone(p.AllowedDecisions)
	return &cp
}

// Checkpoint is the cursor needed to re-enter the dispatcher at the step that
// suspended. Event and Run are opaque serialized blobs.
type Checkpoint struct {
	Step      string    `json:"step"`
	Event     []byte    `json:"event"`
	Run       []byte    `json:"run"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Event = slices.Clone(c.Event)
	cp.Run = slices.Clone(c.Run)
	return &cp
}
