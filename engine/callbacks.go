package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/dispatch"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Available callback types:
//   - BeforeStep/AfterStep: around every dispatcher hop
//   - OnSuspend: when a run parks on a pending approval
//   - OnComplete: when a run produced its final answer
//   - OnError: when a run fails or times out
//
// Callbacks are executed synchronously on the run goroutine. Errors they
// return are logged and never alter the run.
type CallbackType string

const (
	// CallbackBeforeStep is triggered before a step consumes an event.
	CallbackBeforeStep CallbackType = "before_step"

	// CallbackAfterStep is triggered after a step returned its result.
	CallbackAfterStep CallbackType = "after_step"

	// CallbackOnSuspend is triggered after the pending approval was persisted.
	CallbackOnSuspend CallbackType = "on_suspend"

	// CallbackOnComplete is triggered after the answer was committed to the
	// session.
	CallbackOnComplete CallbackType = "on_complete"

	// CallbackOnError is triggered when a run ends with an error.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the point of execution a callback observes.
// Fields that do not apply to the callback type are zero.
type CallbackContext struct {
	CallbackType CallbackType
	ThreadID     string
	RunID        string

	// Step is the dispatcher step (before_step, after_step).
	Step string

	// Event is the event consumed by Step.
	Event core.Event

	// Result is the step result (after_step only).
	Result *dispatch.Result

	// Final is set for on_complete, Pending for on_suspend.
	Final   *core.FinalResult
	Pending *core.PendingApproval

	// Err is set for on_error.
	Err error
}

// Callback is an execution lifecycle hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
//	cb := NewFunctionCallback(CallbackAfterStep, func(ctx context.Context, c *CallbackContext) error {
//	    log.Printf("%s -> %s", c.Step, c.Result.Kind())
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager routes callbacks by type. Callbacks of one type run in
// registration order; the first error stops the chain. It is safe for
// concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// ExecuteCallbacks runs the callbacks registered for callbackType and
// returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback forwards a one-line description of each callback to a
// log function.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logger}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute logs the callback context.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	msg := fmt.Sprintf("[%s] thread=%s run=%s", c.callbackType, callbackCtx.ThreadID, callbackCtx.RunID)
	if callbackCtx.Step != "" {
		msg += " step=" + callbackCtx.Step
	}
	if callbackCtx.Event != nil {
		msg += " event=" + string(callbackCtx.Event.Kind())
	}
	if callbackCtx.Result != nil {
		msg += " result=" + callbackCtx.Result.Kind().String()
	}
	if callbackCtx.Err != nil {
		msg += " error=" + callbackCtx.Err.Error()
	}
	c.logger(msg)
	return nil
}
