package schedule

import "time"

// ExecStatus is the state of a single recorded run.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
)

// Terminal reports whether the execution record is final.
func (s ExecStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed
}

// Execution is one append-only run record.
//
// Rows are created in ExecRunning and finalized exactly once; after that they
// never change. ScheduleName, ContainerName and Action are denormalized so the
// record stays meaningful after its schedule is deleted.
type Execution struct {
	ID            string        `json:"id"`
	ScheduleID    string        `json:"schedule_id"`
	ScheduleName  string        `json:"schedule_name"`
	ContainerName string        `json:"container_name"`
	Action        Action        `json:"action"`
	Status        ExecStatus    `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

// Outcome is the result a finished dispatch reports back for recording.
type Outcome struct {
	Status ExecStatus
	Output string
	Error  string
}
