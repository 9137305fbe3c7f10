package scheduler

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	"dockcron/internal/cronspec"
	"dockcron/internal/eventbus"
	"dockcron/internal/schedule"
	"dockcron/internal/store"
	logx "dockcron/pkg/logx"
)

// parkIdle bounds how long the loop sleeps with nothing armed, so a lost
// wake can delay a fire by at most this much.
const parkIdle = time.Minute

// queueFullRetry is how soon a fire dropped on a full queue is retried.
const queueFullRetry = 5 * time.Second

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	resyncEvery := s.cfg.ResyncEvery
	s.mu.Unlock()

	var resyncC <-chan time.Time
	if resyncEvery > 0 {
		tk := time.NewTicker(resyncEvery)
		defer tk.Stop()
		resyncC = tk.C
	}

	timer := time.NewTimer(parkIdle)
	defer timer.Stop()

	for {
		// Fast-exit check so a closed stopCh wins over a due timer.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNextFire())

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wakeCh:
			// Queue changed; recompute the wait.
		case <-resyncC:
			s.resync(ctx)
		case <-timer.C:
			s.fireDue()
		}
	}
}

// untilNextFire peeks the earliest live entry, dropping stale heap tops on
// the way. Capped at parkIdle; zero when something is already due. While
// firing is suspended the loop just parks, otherwise a due entry would spin
// it against the no-op fireDue.
func (s *Service) untilNextFire() time.Duration {
	if atomic.LoadInt32(&s.firingSuspended) == 1 {
		return parkIdle
	}
	now := s.now()

	s.heapMu.Lock()
	defer s.heapMu.Unlock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		want, ok := s.next[top.id]
		if !ok || !want.Equal(top.at) {
			heap.Pop(&s.heap)
			continue
		}
		d := top.at.Sub(now)
		if d < 0 {
			d = 0
		}
		if d > parkIdle {
			d = parkIdle
		}
		return d
	}
	return parkIdle
}

// fireDue pops every live entry whose time has come and hands it to the
// executor. Skipped entirely while firing is suspended (follower replica).
func (s *Service) fireDue() {
	if atomic.LoadInt32(&s.firingSuspended) == 1 {
		return
	}
	now := s.now()

	var due []fireEntry
	s.heapMu.Lock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&s.heap)
		want, ok := s.next[top.id]
		if !ok || !want.Equal(top.at) {
			continue
		}
		due = append(due, top)
	}
	s.heapMu.Unlock()

	for _, e := range due {
		s.fireOne(e, now)
	}
}

func (s *Service) fireOne(e fireEntry, now time.Time) {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return
	}

	st := s.claims.get(e.id)
	if !st.tryAcquire() {
		// A manual trigger (or an earlier fire) still holds the schedule.
		// The owed fire re-arms from the stored NextRunAt once the holder
		// finishes recording.
		atomic.AddUint64(&s.skippedClaim, 1)
		s.log.Debug("fire skipped: run in progress", logx.String("schedule", e.id))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionSkipped, Time: now, Data: ExecutionEvent{ScheduleID: e.id, Started: now, Error: "run_in_progress"}})
		}
		return
	}

	job := fireJob{scheduleID: e.id, enqueuedAt: now, scheduledFor: e.at, state: st}
	select {
	case q <- job:
	default:
		st.release()
		s.onQueueFull(now, e.id, q)
		// Retry shortly instead of waiting out a full cron period.
		s.armFire(e.id, now.Add(queueFullRetry))
	}
}

func (s *Service) onQueueFull(now time.Time, id string, q chan fireJob) {
	atomic.AddUint64(&s.dropped, 1)
	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"fire delayed: queue full",
			logx.String("schedule", id),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

// armFire makes at the one live fire time for id and wakes the loop.
func (s *Service) armFire(id string, at time.Time) {
	s.heapMu.Lock()
	s.next[id] = at
	heap.Push(&s.heap, fireEntry{id: id, at: at})
	s.heapMu.Unlock()
	s.wake()
}

// disarmFire drops id from the queue; its heap copies go stale.
func (s *Service) disarmFire(id string) {
	s.heapMu.Lock()
	delete(s.next, id)
	s.heapMu.Unlock()
	s.wake()
}

// syncFire arms or disarms a schedule from its stored state.
func (s *Service) syncFire(sc *schedule.Schedule) {
	if sc == nil {
		return
	}
	if sc.Enabled && sc.Status == schedule.StatusActive && sc.NextRunAt != nil {
		s.armFire(sc.ID, *sc.NextRunAt)
	} else {
		s.disarmFire(sc.ID)
	}
}

func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// SuspendFiring parks the fire loop. Schedule CRUD, manual triggers and
// in-flight runs are unaffected. Used on replicas that lost the leader lease.
func (s *Service) SuspendFiring() {
	if atomic.CompareAndSwapInt32(&s.firingSuspended, 0, 1) {
		s.log.Info("cron firing suspended")
	}
}

// ResumeFiring lets the loop fire again and wakes it. Entries that came due
// during the suspension fire immediately; the next resync reconciles anything
// another replica wrote meanwhile.
func (s *Service) ResumeFiring() {
	if atomic.CompareAndSwapInt32(&s.firingSuspended, 1, 0) {
		s.log.Info("cron firing resumed")
	}
	s.wake()
}

// resync rebuilds the fire queue from the store. Heals drift from lost
// wakes, writes by other replicas, and entries dropped on full queues.
func (s *Service) resync(ctx context.Context) {
	scheds, err := s.store.ListSchedules(ctx, store.ListFilter{})
	if err != nil {
		s.log.Warn("fire queue resync failed", logx.Any("err", err))
		return
	}

	desired := make(map[string]time.Time, len(scheds))
	for _, sc := range scheds {
		if sc.Enabled && sc.Status == schedule.StatusActive && sc.NextRunAt != nil {
			desired[sc.ID] = *sc.NextRunAt
		}
	}

	s.heapMu.Lock()
	s.next = desired
	s.heap = s.heap[:0]
	for id, at := range desired {
		s.heap = append(s.heap, fireEntry{id: id, at: at})
	}
	heap.Init(&s.heap)
	armed := len(s.heap)
	s.heapMu.Unlock()

	s.log.Debug("fire queue resynced", logx.Int("armed", armed))
	s.wake()
}

// recoverInterrupted runs once per Start, before any worker exists: it closes
// execution rows a dead process left running and pushes every stale NextRunAt
// forward from now. Fires missed during downtime are skipped, not replayed.
func (s *Service) recoverInterrupted(ctx context.Context) {
	now := s.now()

	n, err := s.store.MarkInterrupted(ctx, "interrupted by daemon restart", now)
	if err != nil {
		s.log.Warn("interrupted execution sweep failed", logx.Any("err", err))
	} else if n > 0 {
		s.log.Info("interrupted executions closed", logx.Int("count", n))
	}

	scheds, err := s.store.ListSchedules(ctx, store.ListFilter{})
	if err != nil {
		s.log.Warn("schedule recovery scan failed", logx.Any("err", err))
		return
	}

	moved := 0
	for _, sc := range scheds {
		if !sc.Enabled || sc.Status != schedule.StatusActive {
			continue
		}
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		_, uerr := s.store.UpdateSchedule(ctx, sc.ID, func(cur *schedule.Schedule) error {
			if !cur.Enabled || cur.Status != schedule.StatusActive {
				return nil
			}
			next, nerr := cronspec.Next(cur.CronExpr, cur.Timezone, now)
			if nerr != nil {
				// Valid at creation but out of dates (e.g. a one-off leap
				// day schedule). Nothing left to fire.
				cur.NextRunAt = nil
				cur.UpdatedAt = now
				return nil
			}
			cur.NextRunAt = &next
			cur.UpdatedAt = now
			return nil
		})
		if uerr != nil {
			s.log.Warn("stale fire time recompute failed", logx.String("schedule", sc.ID), logx.Any("err", uerr))
			continue
		}
		moved++
	}
	if moved > 0 {
		s.log.Info("stale fire times recomputed", logx.Int("count", moved))
	}
}
