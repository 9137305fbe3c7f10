package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a container-lifecycle operation a schedule fires.
type Action string

const (
	ActionRestart   Action = "restart"
	ActionRebuild   Action = "rebuild"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionSnapshot  Action = "snapshot"
	ActionSignal    Action = "signal"
)

// ParseAction normalizes and validates an action string.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case ActionRestart, ActionRebuild, ActionScaleUp, ActionScaleDown, ActionSnapshot, ActionSignal:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// Status is the lifecycle state of a schedule.
//
// active <-> paused follow the Enabled flag; completed and failed are terminal
// until an operator re-enables the schedule.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status stops the schedule from firing until an
// operator intervenes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunStatus summarizes the most recent run on the schedule itself.
// Empty until the first run finishes.
type RunStatus string

const (
	RunNone    RunStatus = ""
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Schedule is a recurring container action with its cron timing and the
// denormalized outcome of its most recent run.
//
// NextRunAt is non-nil exactly when the schedule is enabled and active; a
// paused or terminal schedule has no upcoming fire. RunCount counts finished
// runs (success or failure) and never decreases.
type Schedule struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	ContainerName string            `json:"container_name"`
	Action        Action            `json:"action"`
	ActionParams  map[string]string `json:"action_params,omitempty"`
	CronExpr      string            `json:"cron_expr"`
	Timezone      string            `json:"timezone"`
	Enabled       bool              `json:"enabled"`
	Status        Status            `json:"status"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty"`
	LastRunStatus RunStatus         `json:"last_run_status,omitempty"`
	LastRunError  string            `json:"last_run_error,omitempty"`
	NextRunAt     *time.Time        `json:"next_run_at,omitempty"`
	RunCount      int64             `json:"run_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ActionParams != nil {
		cp.ActionParams = make(map[string]string, len(s.ActionParams))
		for k, v := range s.ActionParams {
			cp.ActionParams[k] = v
		}
	}
	cp.LastRunAt = cloneTime(s.LastRunAt)
	cp.NextRunAt = cloneTime(s.NextRunAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewID returns a fresh schedule/execution identifier.
func NewID() string {
	return uuid.NewString()
}
