package scheduler

import (
	"time"

	"dockcron/internal/schedule"
)

// Config controls the fire loop and the dispatch executor.
//
// The app layer maps config.scheduler into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DispatchTimeout bounds a single container action. A dispatch that
	// outlives it is recorded as a failed run. Always positive after
	// withDefaults; an unbounded dispatch would pin its schedule's claim
	// forever if the runtime hangs.
	DispatchTimeout time.Duration

	// RatePerSec paces dispatches globally across all schedules.
	// 0 disables pacing.
	RatePerSec float64

	// ResyncEvery reconciles the in-memory fire queue against the store.
	// 0 disables periodic resync.
	ResyncEvery time.Duration

	// MaxConsecutiveFailures flips a schedule to failed once it exceeds this
	// many straight failed runs. 0 means schedules stay active no matter how
	// often they fail.
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.ResyncEvery < 0 {
		c.ResyncEvery = 0
	}
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	return c
}

// CreateRequest is the input for CreateSchedule.
//
// Enabled is a pointer so an omitted flag defaults to true while an explicit
// false creates the schedule paused.
type CreateRequest struct {
	Name          string
	Description   string
	ContainerName string
	Action        schedule.Action
	ActionParams  map[string]string
	CronExpr      string
	Timezone      string
	Enabled       *bool
}

// UpdateRequest is a partial update; nil fields are left unchanged.
// A non-nil ActionParams replaces the whole map.
type UpdateRequest struct {
	Name          *string
	Description   *string
	ContainerName *string
	Action        *schedule.Action
	ActionParams  map[string]string
	CronExpr      *string
	Timezone      *string
	Enabled       *bool
}

// ScheduleEvent is emitted on the event bus for schedule lifecycle topics.
type ScheduleEvent struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ContainerName string          `json:"container_name"`
	Action        schedule.Action `json:"action"`
	Enabled       bool            `json:"enabled"`
	Status        schedule.Status `json:"status"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
}

// ExecutionEvent is emitted on the event bus for execution lifecycle topics.
type ExecutionEvent struct {
	ID            string          `json:"id"`
	ScheduleID    string          `json:"schedule_id"`
	ScheduleName  string          `json:"schedule_name"`
	ContainerName string          `json:"container_name"`
	Action        schedule.Action `json:"action"`
	Manual        bool            `json:"manual"`
	Started       time.Time       `json:"started"`
	Duration      time.Duration   `json:"duration"`
	Error         string          `json:"error,omitempty"`
}

func scheduleEvent(s *schedule.Schedule) ScheduleEvent {
	if s == nil {
		return ScheduleEvent{}
	}
	return ScheduleEvent{
		ID:            s.ID,
		Name:          s.Name,
		ContainerName: s.ContainerName,
		Action:        s.Action,
		Enabled:       s.Enabled,
		Status:        s.Status,
		NextRunAt:     s.NextRunAt,
	}
}
