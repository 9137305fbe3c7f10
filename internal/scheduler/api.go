package scheduler

import (
	"context"
	"fmt"
	"strings"

	"dockcron/internal/cronspec"
	"dockcron/internal/eventbus"
	"dockcron/internal/schedule"
	"dockcron/internal/store"
	logx "dockcron/pkg/logx"
)

// CreateSchedule validates and persists a new schedule.
//
// Validation is fail-fast: a bad action, cron expression or timezone rejects
// the request before anything is written. An enabled schedule comes back with
// its first fire computed and armed.
func (s *Service) CreateSchedule(ctx context.Context, req CreateRequest) (*schedule.Schedule, error) {
	container := strings.TrimSpace(req.ContainerName)
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}
	action, err := schedule.ParseAction(string(req.Action))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", action, container)
	}

	expr := strings.TrimSpace(req.CronExpr)
	tz := strings.TrimSpace(req.Timezone)
	if err := cronspec.Validate(expr, tz); err != nil {
		return nil, err
	}

	enabled := req.Enabled == nil || *req.Enabled
	now := s.now()
	sc := &schedule.Schedule{
		ID:            schedule.NewID(),
		Name:          name,
		Description:   strings.TrimSpace(req.Description),
		ContainerName: container,
		Action:        action,
		ActionParams:  cloneParams(req.ActionParams),
		CronExpr:      expr,
		Timezone:      tz,
		Enabled:       enabled,
		Status:        schedule.StatusPaused,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if enabled {
		next, err := cronspec.Next(expr, tz, now)
		if err != nil {
			return nil, err
		}
		sc.Status = schedule.StatusActive
		sc.NextRunAt = &next
	}

	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}

	s.syncFire(sc)
	s.log.Info("schedule created",
		logx.String("schedule", sc.Name),
		logx.String("id", sc.ID),
		logx.String("container", sc.ContainerName),
		logx.String("action", string(sc.Action)),
		logx.String("cron", cronspec.Describe(sc.CronExpr)),
		logx.Bool("enabled", sc.Enabled),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleCreated, Time: now, Data: scheduleEvent(sc)})
	}
	return sc, nil
}

// UpdateSchedule applies a partial update atomically. Changing the cron
// expression, timezone or enabled flag recomputes the next fire; a mutation
// that fails validation aborts with nothing written.
//
// Setting Enabled explicitly also revives a completed or failed schedule:
// the status is re-derived from the flag.
func (s *Service) UpdateSchedule(ctx context.Context, id string, req UpdateRequest) (*schedule.Schedule, error) {
	now := s.now()
	updated, err := s.store.UpdateSchedule(ctx, id, func(cur *schedule.Schedule) error {
		timingChanged := false

		if req.Name != nil {
			if v := strings.TrimSpace(*req.Name); v != "" {
				cur.Name = v
			}
		}
		if req.Description != nil {
			cur.Description = strings.TrimSpace(*req.Description)
		}
		if req.ContainerName != nil {
			v := strings.TrimSpace(*req.ContainerName)
			if v == "" {
				return fmt.Errorf("container name is required")
			}
			cur.ContainerName = v
		}
		if req.Action != nil {
			a, aerr := schedule.ParseAction(string(*req.Action))
			if aerr != nil {
				return aerr
			}
			cur.Action = a
		}
		if req.ActionParams != nil {
			cur.ActionParams = cloneParams(req.ActionParams)
		}
		if req.CronExpr != nil {
			if v := strings.TrimSpace(*req.CronExpr); v != cur.CronExpr {
				cur.CronExpr = v
				timingChanged = true
			}
		}
		if req.Timezone != nil {
			if v := strings.TrimSpace(*req.Timezone); v != cur.Timezone {
				cur.Timezone = v
				timingChanged = true
			}
		}
		if err := cronspec.Validate(cur.CronExpr, cur.Timezone); err != nil {
			return err
		}
		if req.Enabled != nil {
			cur.Enabled = *req.Enabled
			want := schedule.StatusPaused
			if cur.Enabled {
				want = schedule.StatusActive
			}
			if cur.Status != want {
				cur.Status = want
				timingChanged = true
			}
		}

		if timingChanged {
			if cur.Enabled && cur.Status == schedule.StatusActive {
				next, nerr := cronspec.Next(cur.CronExpr, cur.Timezone, now)
				if nerr != nil {
					return nerr
				}
				cur.NextRunAt = &next
			} else {
				cur.NextRunAt = nil
			}
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	// An explicit enable is a fresh start for the failure streak.
	if req.Enabled != nil && *req.Enabled {
		s.failures.ok(id)
	}

	s.syncFire(updated)
	s.log.Info("schedule updated",
		logx.String("schedule", updated.Name),
		logx.String("id", updated.ID),
		logx.String("status", string(updated.Status)),
		logx.String("cron", cronspec.Describe(updated.CronExpr)),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleUpdated, Time: now, Data: scheduleEvent(updated)})
	}
	return updated, nil
}

// Toggle pauses or resumes a schedule. Resuming computes the next fire
// strictly in the future from the toggle; fires missed while paused are
// skipped, not replayed.
func (s *Service) Toggle(ctx context.Context, id string, enabled bool) (*schedule.Schedule, error) {
	return s.UpdateSchedule(ctx, id, UpdateRequest{Enabled: &enabled})
}

// Trigger fires a schedule's action immediately, outside its cadence. The
// run is recorded exactly like a cron fire, but NextRunAt is left alone:
// manual runs never shift the cadence. A trigger while a run is already in
// flight is rejected with schedule.ErrRunInProgress.
//
// Paused and retired schedules can be triggered; the operator asked.
func (s *Service) Trigger(ctx context.Context, id string) error {
	snap, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	st := s.claims.get(snap.ID)
	if !st.tryAcquire() {
		return fmt.Errorf("schedule %s: %w", snap.ID, schedule.ErrRunInProgress)
	}

	job := fireJob{scheduleID: snap.ID, manual: true, state: st, enqueuedAt: s.now()}
	select {
	case q <- job:
	default:
		st.release()
		return ErrQueueFull
	}
	s.log.Debug("manual trigger queued", logx.String("schedule", snap.Name), logx.String("id", snap.ID))
	return nil
}

// MarkCompleted retires a schedule administratively: it stops firing and
// keeps its history. Toggle(id, true) revives it.
func (s *Service) MarkCompleted(ctx context.Context, id string) (*schedule.Schedule, error) {
	now := s.now()
	updated, err := s.store.UpdateSchedule(ctx, id, func(cur *schedule.Schedule) error {
		cur.Status = schedule.StatusCompleted
		cur.NextRunAt = nil
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.disarmFire(id)
	s.log.Info("schedule completed", logx.String("schedule", updated.Name), logx.String("id", id))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleUpdated, Time: now, Data: scheduleEvent(updated)})
	}
	return updated, nil
}

// DeleteSchedule removes a schedule. An in-flight run finishes and records
// normally; the execution history stays queryable by schedule id.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}

	s.disarmFire(id)
	s.claims.forget(id)
	s.failures.forget(id)
	s.log.Info("schedule deleted", logx.String("id", id))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleDeleted, Time: s.now(), Data: ScheduleEvent{ID: id}})
	}
	return nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, f store.ListFilter) ([]*schedule.Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

func (s *Service) GetExecution(ctx context.Context, id string) (*schedule.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions pages a schedule's run history newest-first. The returned
// cursor is "" once the history is exhausted.
func (s *Service) ListExecutions(ctx context.Context, scheduleID string, limit int, cursor string) ([]*schedule.Execution, string, error) {
	return s.store.ListExecutions(ctx, scheduleID, limit, cursor)
}

// Describe renders a cron expression for humans. Never fails; unparseable
// input comes back verbatim.
func (s *Service) Describe(expr string) string {
	return cronspec.Describe(expr)
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
