// Package action models the side-effecting operations workflows perform
// outside language-model calls: Send dispatches a payload to a registered
// tool handler, Execute runs a local command handler. The Executor owns the
// handler registries and dispatches both plan steps and Action nodes.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/hensu/runtime/fault"
)

// ErrHandlerMissing is returned when an action names an unregistered
// handler or command.
var ErrHandlerMissing = errors.New("action handler not registered")

type (
	// Action is the closed set of action variants: Send and Execute.
	Action interface {
		isAction()
	}

	// Send delivers a payload to the tool handler registered under
	// HandlerID.
	Send struct {
		// HandlerID names the target handler.
		HandlerID string `json:"handler_id"`
		// Payload is the handler input; {key} templates inside it are
		// resolved against execution context before dispatch.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Execute runs the local command registered under CommandID.
	Execute struct {
		// CommandID names the target command.
		CommandID string `json:"command_id"`
		// Args is the command input, template-resolved like Send payloads.
		Args map[string]any `json:"args,omitempty"`
	}

	// Result is what a handler produces.
	Result struct {
		// Success distinguishes business failure from handler errors: a
		// handler may run cleanly and still report failure.
		Success bool `json:"success"`
		// Output is the handler's textual output.
		Output string `json:"output,omitempty"`
		// Metadata carries handler-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// HandlerFunc executes one action dispatch. Returned errors are
	// classified as ActionExecutionError; prefer Result{Success: false}
	// for expected domain failures.
	HandlerFunc func(ctx context.Context, payload map[string]any) (Result, error)

	// Executor owns the Send and Execute handler registries. It is shared
	// process-wide and safe for concurrent use.
	Executor struct {
		mu       sync.RWMutex
		handlers map[string]HandlerFunc
		commands map[string]HandlerFunc
	}
)

func (Send) isAction()    {}
func (Execute) isAction() {}

// NewExecutor returns an executor with empty registries.
func NewExecutor() *Executor {
	return &Executor{
		handlers: make(map[string]HandlerFunc),
		commands: make(map[string]HandlerFunc),
	}
}

// RegisterHandler binds a Send handler (tool handler) to id, replacing any
// previous binding.
func (e *Executor) RegisterHandler(id string, fn HandlerFunc) error {
	if id == "" {
		return errors.New("handler id is required")
	}
	if fn == nil {
		return errors.New("handler func is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[id] = fn
	return nil
}

// RegisterCommand binds an Execute command to id, replacing any previous
// binding.
func (e *Executor) RegisterCommand(id string, fn HandlerFunc) error {
	if id == "" {
		return errors.New("command id is required")
	}
	if fn == nil {
		return errors.New("command func is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[id] = fn
	return nil
}

// Execute dispatches act to its handler. The action's payload must already
// be template-resolved by the caller. A missing handler yields
// ActionHandlerMissing; a handler error yields ActionExecutionError.
func (e *Executor) Execute(ctx context.Context, act Action) (Result, error) {
	switch a := act.(type) {
	case Send:
		return e.dispatch(ctx, "handler", a.HandlerID, a.Payload, e.lookupHandler)
	case Execute:
		return e.dispatch(ctx, "command", a.CommandID, a.Args, e.lookupCommand)
	default:
		return Result{}, fault.Errorf(fault.InvariantViolated, "unknown action variant %T", act)
	}
}

// Dispatch sends args to the tool handler registered under tool. It is the
// plan engine's path into the handler registry.
func (e *Executor) Dispatch(ctx context.Context, tool string, args map[string]any) (Result, error) {
	return e.dispatch(ctx, "handler", tool, args, e.lookupHandler)
}

// Handlers returns the registered Send handler ids.
func (e *Executor) Handlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for id := range e.handlers {
		out = append(out, id)
	}
	return out
}

func (e *Executor) dispatch(ctx context.Context, kind, id string, payload map[string]any, lookup func(string) (HandlerFunc, bool)) (Result, error) {
	if id == "" {
		return Result{}, fault.Errorf(fault.ActionHandlerMissing, "%s id is empty", kind)
	}
	fn, ok := lookup(id)
	if !ok {
		return Result{}, fault.Wrap(fault.ActionHandlerMissing,
			fmt.Sprintf("%s %q", kind, id), ErrHandlerMissing)
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return Result{}, fault.Wrap(fault.ActionExecutionError,
			fmt.Sprintf("%s %q", kind, id), err)
	}
	return res, nil
}

func (e *Executor) lookupHandler(id string) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.handlers[id]
	return fn, ok
}

func (e *Executor) lookupCommand(id string) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.commands[id]
	return fn, ok
}
