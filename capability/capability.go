// Package capability implements the invocation layer that lets the engine
// run structured handlers (retrieval, reasoning, memory writes) with schema
// validated arguments, uniform results and an approval gate for sensitive
// side effects.
package capability

import (
	"context"
	"fmt"

	"github.com/hupe1980/ragmesh/core"
)

// Capability is a named handler the planner can bind tasks to.
//
// Implementations should:
//   - Provide a snake_case name and a one-line description (shown to the planner)
//   - Define a JSON schema for their arguments
//   - Report Sensitive() == true when Invoke commits an effect a human must approve
//   - Be safe for concurrent use
type Capability interface {
	// Name returns the unique identifier of the capability.
	Name() string

	// Kind classifies the capability for planning and progress reporting.
	Kind() core.CapabilityKind

	// Description is rendered into the planner's allow-list.
	Description() string

	// Parameters returns the JSON schema of accepted arguments (nil accepts anything).
	Parameters() map[string]any

	// Sensitive reports whether Invoke requires prior human approval.
	Sensitive() bool

	// Invoke runs the capability with already validated arguments.
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Error codes attached to *Error.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// Error represents a failure that occurred while invoking a capability.
type Error struct {
	Capability string `json:"capability"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Details    any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s] in %s: %s", e.Code, e.Capability, e.Message)
	}
	return fmt.Sprintf("capability error in %s: %s", e.Capability, e.Message)
}

// NewError creates a new Error with the specified details.
func NewError(capability, message, code string) *Error {
	return &Error{Capability: capability, Message: message, Code: code}
}

// base carries the static metadata shared by the built-in capabilities.
type base struct {
	name        string
	kind        core.CapabilityKind
	description string
	parameters  map[string]any
	sensitive   bool
}

func (b base) Name() string               { return b.name }
func (b base) Kind() core.CapabilityKind  { return b.kind }
func (b base) Description() string        { return b.description }
func (b base) Parameters() map[string]any { return b.parameters }
func (b base) Sensitive() bool            { return b.sensitive }

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
