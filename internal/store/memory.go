package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dockcron/internal/schedule"
)

// memoryStore keeps everything in process. It exists for tests and for
// ephemeral deployments that accept losing state on restart; the semantics
// mirror the sqlite driver exactly.
type memoryStore struct {
	mu         sync.Mutex
	schedules  map[string]*schedule.Schedule
	executions map[string]*schedule.Execution
}

func newMemory() *memoryStore {
	return &memoryStore{
		schedules:  make(map[string]*schedule.Schedule),
		executions: make(map[string]*schedule.Execution),
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return fmt.Errorf("schedule %s already exists", s.ID)
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *memoryStore) UpdateSchedule(ctx context.Context, id string, mutate func(*schedule.Schedule) error) (*schedule.Schedule, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	m.schedules[id] = next
	return next.Clone(), nil
}

func (m *memoryStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	delete(m.schedules, id)
	return nil
}

func (m *memoryStore) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *memoryStore) ListSchedules(ctx context.Context, f ListFilter) ([]*schedule.Schedule, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if f.Enabled != nil && s.Enabled != *f.Enabled {
			continue
		}
		if f.ContainerName != "" && s.ContainerName != f.ContainerName {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) AppendExecution(ctx context.Context, e *schedule.Execution) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	cp := e.Clone()
	if cp.Status == "" {
		cp.Status = schedule.ExecRunning
	}
	m.executions[cp.ID] = cp
	return nil
}

func (m *memoryStore) CompleteExecution(ctx context.Context, id string, out schedule.Outcome, completedAt time.Time) (*schedule.Execution, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, schedule.ErrNotFound)
	}
	if e.Status != schedule.ExecRunning {
		return nil, fmt.Errorf("execution %s is %s: %w", id, e.Status, schedule.ErrInvalidTransition)
	}
	e.Status = out.Status
	e.Output = out.Output
	e.Error = out.Error
	e.CompletedAt = &completedAt
	if d := completedAt.Sub(e.StartedAt); d > 0 {
		e.Duration = d
	}
	return e.Clone(), nil
}

func (m *memoryStore) GetExecution(ctx context.Context, id string) (*schedule.Execution, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, schedule.ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *memoryStore) ListExecutions(ctx context.Context, scheduleID string, limit int, cursor string) ([]*schedule.Execution, string, error) {
	_ = ctx
	limit = clampLimit(limit)

	var afterNS int64
	var afterID string
	fromCursor := cursor != ""
	if fromCursor {
		var err error
		afterNS, afterID, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
	}

	m.mu.Lock()
	all := make([]*schedule.Execution, 0, 16)
	for _, e := range m.executions {
		if scheduleID != "" && e.ScheduleID != scheduleID {
			continue
		}
		all = append(all, e.Clone())
	}
	m.mu.Unlock()

	// Newest first; id breaks started-at ties so paging is stable.
	sort.Slice(all, func(i, j int) bool {
		in, jn := all[i].StartedAt.UnixNano(), all[j].StartedAt.UnixNano()
		if in != jn {
			return in > jn
		}
		return all[i].ID > all[j].ID
	})

	filtered := all[:0]
	for _, e := range all {
		if fromCursor {
			ns := e.StartedAt.UnixNano()
			if ns > afterNS || (ns == afterNS && e.ID >= afterID) {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	next := ""
	if len(filtered) > limit {
		last := filtered[limit-1]
		next = encodeCursor(last.StartedAt.UnixNano(), last.ID)
		filtered = filtered[:limit]
	}
	return filtered, next, nil
}

func (m *memoryStore) MarkInterrupted(ctx context.Context, reason string, at time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if e.Status != schedule.ExecRunning {
			continue
		}
		e.Status = schedule.ExecFailed
		e.Error = reason
		ts := at
		e.CompletedAt = &ts
		if d := at.Sub(e.StartedAt); d > 0 {
			e.Duration = d
		}
		n++
	}
	return n, nil
}
