// Package scheduler is the control core of dockcron: it owns the fire loop
// that turns stored schedules into container-action executions, the worker
// pool that dispatches them, and the facade operations callers use to manage
// schedules.
//
// One run per schedule at a time: a claim is taken before dispatch and
// released only after the run is recorded, so a cron fire and a manual
// trigger can never produce two running executions for the same schedule.
// Unrelated schedules dispatch concurrently across the pool.
package scheduler
