package schedule

import "errors"

var (
	// ErrNotFound is returned for lookups of schedule or execution ids that
	// do not exist (including schedules that were deleted).
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when finalizing an execution that is
	// not in the running state. Finished rows are immutable.
	ErrInvalidTransition = errors.New("execution already finalized")

	// ErrRunInProgress is returned when a manual trigger races an in-flight
	// run of the same schedule.
	ErrRunInProgress = errors.New("run already in progress")
)
