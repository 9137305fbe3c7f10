package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"dockcron/internal/cronspec"
	"dockcron/internal/dispatch"
	"dockcron/internal/eventbus"
	"dockcron/internal/schedule"
	logx "dockcron/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan fireJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, job)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// execOne runs one claimed fire end to end: pace, load, record running,
// dispatch, finalize. The claim is released on every path, after the
// write-back, so nothing can double-fire the schedule mid-recording.
func (s *Service) execOne(ctx context.Context, job fireJob) {
	defer job.state.release()

	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	start := s.now()
	queueDelay := start.Sub(job.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	snap, err := s.store.GetSchedule(ctx, job.scheduleID)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			s.log.Debug("fire dropped: schedule deleted", logx.String("schedule", job.scheduleID))
			s.claims.forget(job.scheduleID)
			s.failures.forget(job.scheduleID)
		} else {
			s.log.Warn("fire dropped: schedule load failed", logx.String("schedule", job.scheduleID), logx.Any("err", err))
		}
		return
	}

	// A fire queued before its schedule was paused or retired must not run.
	// Manual triggers run regardless; the operator asked.
	if !job.manual && (!snap.Enabled || snap.Status != schedule.StatusActive) {
		s.log.Debug("fire dropped: schedule no longer active",
			logx.String("schedule", snap.ID),
			logx.String("status", string(snap.Status)),
		)
		return
	}

	exec := &schedule.Execution{
		ID:            schedule.NewID(),
		ScheduleID:    snap.ID,
		ScheduleName:  snap.Name,
		ContainerName: snap.ContainerName,
		Action:        snap.Action,
		Status:        schedule.ExecRunning,
		StartedAt:     start,
	}
	if err := s.store.AppendExecution(ctx, exec); err != nil {
		// No row, no run: an unrecorded dispatch would be invisible to
		// operators. The cadence (or the operator) retries.
		s.log.Error("execution not recorded; dispatch skipped", logx.String("schedule", snap.ID), logx.Any("err", err))
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionStarted, Time: start, Data: executionEvent(exec, job.manual, 0)})
	}
	s.log.Debug("execution.started",
		logx.String("schedule", snap.Name),
		logx.String("container", snap.ContainerName),
		logx.String("action", string(snap.Action)),
		logx.Bool("manual", job.manual),
		logx.Duration("queue_delay", queueDelay),
	)

	out := s.dispatchOne(ctx, cfg, snap)
	dur := s.now().Sub(start)
	if dur < 0 {
		dur = 0
	}

	s.finalize(job, snap, exec, out, start, dur)
}

// dispatchOne performs the container action under the configured timeout and
// maps every way it can go wrong onto a recorded outcome.
func (s *Service) dispatchOne(ctx context.Context, cfg Config, snap *schedule.Schedule) schedule.Outcome {
	runCtx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	var (
		res  dispatch.Result
		derr error
	)
	// Guard against dispatcher panics: one bad action must not crash the
	// worker or leave the claim held forever.
	func() {
		defer func() {
			if r := recover(); r != nil {
				derr = fmt.Errorf("panic: %v", r)
				s.log.Error("dispatcher panicked",
					logx.String("schedule", snap.ID),
					logx.String("action", string(snap.Action)),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		res, derr = s.dispatcher.Execute(runCtx, snap.ContainerName, snap.Action, snap.ActionParams)
	}()

	switch {
	case derr != nil && errors.Is(derr, context.DeadlineExceeded):
		return schedule.Outcome{Status: schedule.ExecFailed, Error: fmt.Sprintf("dispatch timed out after %s", cfg.DispatchTimeout)}
	case derr != nil:
		return schedule.Outcome{Status: schedule.ExecFailed, Error: derr.Error()}
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "dispatch failed"
		}
		return schedule.Outcome{Status: schedule.ExecFailed, Output: res.Output, Error: msg}
	default:
		return schedule.Outcome{Status: schedule.ExecSuccess, Output: res.Output}
	}
}

// finalize records the outcome and writes the schedule back: the run count
// always advances, last-run fields update, and a cron fire advances the
// cadence strictly past now. Manual runs leave NextRunAt alone, which also
// re-queues any cron fire the loop skipped while this run held the claim.
func (s *Service) finalize(job fireJob, snap *schedule.Schedule, exec *schedule.Execution, out schedule.Outcome, start time.Time, dur time.Duration) {
	wctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	completedAt := start.Add(dur)
	if _, err := s.store.CompleteExecution(wctx, exec.ID, out, completedAt); err != nil {
		s.log.Warn("execution finalize failed", logx.String("execution", exec.ID), logx.Any("err", err))
	}

	failed := out.Status == schedule.ExecFailed
	streak := 0
	if failed {
		streak = s.failures.fail(snap.ID)
	} else {
		s.failures.ok(snap.ID)
	}

	s.mu.Lock()
	maxFail := s.cfg.MaxConsecutiveFailures
	s.mu.Unlock()
	autoFail := failed && maxFail > 0 && streak > maxFail

	now := s.now()
	updated, err := s.store.UpdateSchedule(wctx, snap.ID, func(cur *schedule.Schedule) error {
		cur.RunCount++
		at := start
		cur.LastRunAt = &at
		if failed {
			cur.LastRunStatus = schedule.RunFailed
			cur.LastRunError = out.Error
		} else {
			cur.LastRunStatus = schedule.RunSuccess
			cur.LastRunError = ""
		}
		if autoFail && !cur.Status.Terminal() {
			cur.Status = schedule.StatusFailed
			cur.NextRunAt = nil
		} else if !job.manual && cur.Enabled && cur.Status == schedule.StatusActive {
			// Strictly past now: a slow run never makes its own fire time
			// come due again.
			if next, nerr := cronspec.Next(cur.CronExpr, cur.Timezone, now); nerr == nil {
				cur.NextRunAt = &next
			} else {
				cur.NextRunAt = nil
			}
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			// Deleted mid-run; the execution row is the surviving record.
			s.claims.forget(snap.ID)
			s.failures.forget(snap.ID)
		} else {
			s.log.Warn("schedule write-back failed", logx.String("schedule", snap.ID), logx.Any("err", err))
		}
	}

	if job.manual {
		atomic.AddUint64(&s.firedManual, 1)
	} else {
		atomic.AddUint64(&s.fired, 1)
	}

	ev := executionEvent(exec, job.manual, dur)
	ev.Error = out.Error
	if failed {
		s.log.Warn("execution.failed",
			logx.String("schedule", snap.Name),
			logx.String("container", snap.ContainerName),
			logx.String("action", string(snap.Action)),
			logx.String("err", out.Error),
			logx.Duration("dur", dur),
			logx.Int("streak", streak),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFailed, Time: now, Data: ev})
		}
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("execution.completed",
				logx.String("schedule", snap.Name),
				logx.String("container", snap.ContainerName),
				logx.String("action", string(snap.Action)),
				logx.Duration("dur", dur),
			)
		} else {
			s.log.Debug("execution.completed",
				logx.String("schedule", snap.Name),
				logx.String("container", snap.ContainerName),
				logx.String("action", string(snap.Action)),
				logx.Duration("dur", dur),
			)
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFinished, Time: now, Data: ev})
		}
	}

	if updated == nil {
		return
	}

	if autoFail && updated.Status == schedule.StatusFailed {
		s.log.Warn("schedule auto-failed",
			logx.String("schedule", snap.Name),
			logx.String("id", snap.ID),
			logx.Int("consecutive_failures", streak),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleUpdated, Time: now, Data: scheduleEvent(updated)})
		}
	}

	s.syncFire(updated)
}

func executionEvent(e *schedule.Execution, manual bool, dur time.Duration) ExecutionEvent {
	if e == nil {
		return ExecutionEvent{}
	}
	return ExecutionEvent{
		ID:            e.ID,
		ScheduleID:    e.ScheduleID,
		ScheduleName:  e.ScheduleName,
		ContainerName: e.ContainerName,
		Action:        e.Action,
		Manual:        manual,
		Started:       e.StartedAt,
		Duration:      dur,
	}
}
