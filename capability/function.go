package capability

import (
	"context"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
)

// FunctionFunc is the signature wrapped by Function.
type FunctionFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Function is a generic adapter that exposes a plain Go function as a
// Capability.
//
// Concurrency:
//
//	A Function has no mutable state after construction and is safe for
//	concurrent use when the wrapped function is.
//
// Error semantics:
//
//	*Error returned by fn          -> forwarded unchanged
//	any other error                -> *Error{Code: "EXECUTION_ERROR"}
type Function struct {
	base
	fn FunctionFunc
}

// FunctionOptions tweak metadata of a Function.
type FunctionOptions struct {
	Kind      core.CapabilityKind
	Sensitive bool
}

// NewFunction constructs a Function from an explicit schema.
//
// Example:
//
//	sum := NewFunction(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(_ context.Context, args map[string]any) (map[string]any, error) {
//	    return map[string]any{"sum": args["a"].(float64) + args["b"].(float64)}, nil
//	  },
//	)
func NewFunction(name, description string, parameters map[string]any, fn FunctionFunc, optFns ...func(o *FunctionOptions)) *Function {
	opts := FunctionOptions{Kind: core.CapabilityReasoning}
	for _, f := range optFns {
		f(&opts)
	}
	return &Function{
		base: base{name: name, kind: opts.Kind, description: description, parameters: parameters, sensitive: opts.Sensitive},
		fn:   fn,
	}
}

// NewFunctionFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
func NewFunctionFromStruct(name, description string, structType any, fn FunctionFunc, optFns ...func(o *FunctionOptions)) *Function {
	return NewFunction(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Invoke implements Capability.
func (f *Function) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	out, err := f.fn(ctx, args)
	if err != nil {
		if capErr, ok := err.(*Error); ok {
			return nil, capErr
		}
		return nil, &Error{Capability: f.name, Message: err.Error(), Code: CodeExecution}
	}
	return out, nil
}
