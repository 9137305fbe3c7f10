package scheduler

import "errors"

var (
	ErrStopped   = errors.New("scheduler stopped")
	ErrStopping  = errors.New("scheduler stopping")
	ErrQueueFull = errors.New("executor queue full")
)
