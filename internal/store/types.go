package store

import (
	"context"
	"time"

	"dockcron/internal/schedule"
)

// Config configures persistence.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (tests, ephemeral runs)
//   - "sqlite": SQLite database file
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	Enabled       *bool
	ContainerName string
}

// ScheduleStore owns schedule rows.
//
// Update applies the mutation atomically with respect to concurrent readers
// and other updates of the same id; the callback gets a private copy and its
// error aborts the write. Implementations return schedule.ErrNotFound for
// unknown ids and always hand out clones.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *schedule.Schedule) error
	UpdateSchedule(ctx context.Context, id string, mutate func(*schedule.Schedule) error) (*schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error)
	ListSchedules(ctx context.Context, f ListFilter) ([]*schedule.Schedule, error)
}

// ExecutionLog owns the append-only run history.
//
// Entries are appended in the running state and finalized exactly once via
// CompleteExecution; finalizing anything else fails with
// schedule.ErrInvalidTransition. History is kept when its schedule is deleted.
type ExecutionLog interface {
	AppendExecution(ctx context.Context, e *schedule.Execution) error
	CompleteExecution(ctx context.Context, id string, out schedule.Outcome, completedAt time.Time) (*schedule.Execution, error)
	GetExecution(ctx context.Context, id string) (*schedule.Execution, error)

	// ListExecutions pages newest-first. cursor "" starts at the top; the
	// returned cursor is "" when the page reaches the end.
	ListExecutions(ctx context.Context, scheduleID string, limit int, cursor string) ([]*schedule.Execution, string, error)

	// MarkInterrupted finalizes every running execution as failed with the
	// given reason. Called once on startup to close rows orphaned by a crash.
	MarkInterrupted(ctx context.Context, reason string, at time.Time) (int, error)
}

// Store is the full persistence API used by the scheduler.
type Store interface {
	ScheduleStore
	ExecutionLog
	Close() error
}

// DefaultListLimit bounds ListExecutions pages when the caller passes 0.
const DefaultListLimit = 50

// MaxListLimit is the hard page-size ceiling.
const MaxListLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
