package scheduler

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled bool
	Workers int

	QueueLen int
	QueueCap int
	InFlight int

	Armed           int
	NextFireAt      *time.Time
	FiringSuspended bool

	ClaimsHeld int
	Failing    map[string]int

	Fired        uint64
	FiredManual  uint64
	SkippedClaim uint64
	Dropped      uint64

	DispatchTimeout        time.Duration
	RatePerSec             float64
	ResyncEvery            time.Duration
	MaxConsecutiveFailures int
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	var nextFire *time.Time
	s.heapMu.Lock()
	armed := len(s.next)
	for s.heap.Len() > 0 {
		top := s.heap[0]
		want, ok := s.next[top.id]
		if !ok || !want.Equal(top.at) {
			heap.Pop(&s.heap)
			continue
		}
		at := top.at
		nextFire = &at
		break
	}
	s.heapMu.Unlock()

	return Snapshot{
		Enabled:         cfg.Enabled,
		Workers:         cfg.Workers,
		QueueLen:        ql,
		QueueCap:        qc,
		InFlight:        int(atomic.LoadInt32(&s.inFlight)),
		Armed:           armed,
		NextFireAt:      nextFire,
		FiringSuspended: atomic.LoadInt32(&s.firingSuspended) == 1,
		ClaimsHeld:      s.claims.active(),
		Failing:         s.failures.snapshot(),
		Fired:           atomic.LoadUint64(&s.fired),
		FiredManual:     atomic.LoadUint64(&s.firedManual),
		SkippedClaim:    atomic.LoadUint64(&s.skippedClaim),
		Dropped:         atomic.LoadUint64(&s.dropped),

		DispatchTimeout:        cfg.DispatchTimeout,
		RatePerSec:             cfg.RatePerSec,
		ResyncEvery:            cfg.ResyncEvery,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}
}
