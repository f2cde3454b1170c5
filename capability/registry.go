package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
)

// Options configure a Registry.
type Options struct {
	Logger logging.Logger
	// OnInvoke observes every handler run (metrics hook).
	OnInvoke func(name string, dur time.Duration, success bool)
}

type entry struct {
	capability Capability
	schema     *jsonschema.Schema
}

// Registry is the allow-list of capabilities the planner may bind tasks to.
// It validates arguments, gates sensitive capabilities and normalizes
// outcomes into core.InvokeResult. It performs no retries of its own.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	opts    Options
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{entries: make(map[string]entry), opts: opts}
}

// Register adds capabilities; duplicate names and invalid schemas are
// rejected as validation errors.
func (r *Registry) Register(caps ...Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		name := c.Name()
		if name == "" {
			return core.Validation("register capability", errors.New("empty capability name"))
		}
		if _, exists := r.entries[name]; exists {
			return core.Validation("register capability", fmt.Errorf("duplicate capability %q", name))
		}
		schema, err := compile(name, c.Parameters())
		if err != nil {
			return core.Validation("register capability", fmt.Errorf("%s: %w", name, err))
		}
		r.entries[name] = entry{capability: c, schema: schema}
	}
	return nil
}

// MustRegister is Register that panics on error; intended for wiring code.
func (r *Registry) MustRegister(caps ...Capability) *Registry {
	if err := r.Register(caps...); err != nil {
		panic(err)
	}
	return r
}

func compile(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return util.CompileSchema(name, params)
}

// Get returns a registered capability.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.capability, ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe renders the allow-list table ("- name (kind): description"),
// optionally restricted to the given kinds.
func (r *Registry) Describe(kinds ...core.CapabilityKind) string {
	var b strings.Builder
	for _, n := range r.Names() {
		c, _ := r.Get(n)
		if len(kinds) > 0 && !containsKind(kinds, c.Kind()) {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name(), c.Kind(), c.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

func containsKind(kinds []core.CapabilityKind, k core.CapabilityKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether name is registered and sensitive.
func (r *Registry) RequiresApproval(name string) bool {
	c, ok := r.Get(name)
	return ok && c.Sensitive()
}

// Validate checks args against the capability schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return core.NewError(core.ErrorValidation, "invoke "+name, core.ErrUnknownCapability)
	}
	if e.schema == nil {
		return nil
	}
	// The validator expects JSON-decoded values (float64, []any).
	payload, err := json.Marshal(args)
	if err != nil {
		return core.Validation("invoke "+name, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return core.Validation("invoke "+name, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return core.Validation("invoke "+name, &Error{
			Capability: name,
			Message:    fmt.Sprintf("parameter validation failed: %v", err),
			Code:       CodeValidation,
			Details:    err,
		})
	}
	return nil
}

// Invoke runs a non-sensitive capability. Unknown names and invalid
// arguments are returned as validation errors; sensitive capabilities fail
// with core.ErrApprovalRequired. Handler failures are reported in the
// result, not as an error, so a failed task does not abort the run.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (core.InvokeResult, error) {
	if r.RequiresApproval(name) {
		return core.InvokeResult{}, core.NewError(core.ErrorOrdering, "invoke "+name, core.ErrApprovalRequired)
	}
	return r.invoke(ctx, name, args)
}

// InvokeApproved runs a capability, sensitive or not, after a human
// decision. Only the resume path calls it.
func (r *Registry) InvokeApproved(ctx context.Context, name string, args map[string]any) (core.InvokeResult, error) {
	return r.invoke(ctx, name, args)
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any) (core.InvokeResult, error) {
	if err := r.Validate(name, args); err != nil {
		r.opts.Logger.Warn("capability.validation_failed", "capability", name, "error", err.Error())
		return core.InvokeResult{}, err
	}
	c, _ := r.Get(name)

	start := time.Now()
	r.opts.Logger.Debug("capability.invoke.start", "capability", name)
	out, err := c.Invoke(ctx, args)
	dur := time.Since(start)
	if r.opts.OnInvoke != nil {
		r.opts.OnInvoke(name, dur, err == nil)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.InvokeResult{Success: false, Error: err.Error()}, ctxErr
		}
		r.logInvoke(name, dur, false, err)
		return core.InvokeResult{Success: false, Error: err.Error()}, nil
	}

	success := true
	if s, ok := out["success"].(bool); ok {
		success = s
	}
	res := core.InvokeResult{Success: success, Result: out}
	if !success {
		res.Error, _ = out["error"].(string)
	}
	r.logInvoke(name, dur, true, nil)
	return res, nil
}

func (r *Registry) logInvoke(name string, dur time.Duration, success bool, err error) {
	if ml, ok := r.opts.Logger.(*logging.MeshLogger); ok {
		ml.LogCapabilityCall(name, dur, success, err)
		return
	}
	if err != nil {
		r.opts.Logger.Error("capability.invoke.error", "capability", name, "error", err.Error())
		return
	}
	r.opts.Logger.Info("capability.invoke.success", "capability", name, "duration_ms", dur.Milliseconds())
}
