package dockerops

import (
	"context"
	"fmt"

	"dockcron/internal/dispatch"
	"dockcron/internal/schedule"
	logx "dockcron/pkg/logx"
)

// DryRun is a dispatcher that records what would have happened without
// touching any daemon. Useful for rehearsing schedules on a new host.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Execute(_ context.Context, containerName string, action schedule.Action, params map[string]string) (dispatch.Result, error) {
	d.log.Info("dry run: action skipped",
		logx.String("container", containerName),
		logx.String("action", string(action)),
		logx.Int("params", len(params)),
	)
	return dispatch.Result{Success: true, Output: fmt.Sprintf("dry run: %s %s", action, containerName)}, nil
}
