// Package dispatch defines the boundary between the scheduling core and the
// container runtime that actually performs actions.
package dispatch

import (
	"context"

	"dockcron/internal/schedule"
)

// Result is what a dispatcher reports back for one action attempt.
//
// Success=false with a nil error from Execute means the runtime answered but
// refused or failed the action; Error carries its reason. Output is free-form
// runtime detail (created image id, new replica count, ...).
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Dispatcher performs one container action. Implementations must honor ctx
// cancellation; the scheduler bounds every call with a deadline and records a
// timeout as a failed run.
type Dispatcher interface {
	Execute(ctx context.Context, containerName string, action schedule.Action, params map[string]string) (Result, error)
}

// Func adapts a plain function to the Dispatcher interface.
type Func func(ctx context.Context, containerName string, action schedule.Action, params map[string]string) (Result, error)

func (f Func) Execute(ctx context.Context, containerName string, action schedule.Action, params map[string]string) (Result, error) {
	return f(ctx, containerName, action, params)
}
