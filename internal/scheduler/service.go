package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dockcron/internal/dispatch"
	"dockcron/internal/eventbus"
	"dockcron/internal/store"
	logx "dockcron/pkg/logx"

	rtsup "dockcron/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// finalizeTimeout bounds the bookkeeping writes after a dispatch. They run on
// a fresh context so shutdown cannot leave a row stuck in running.
const finalizeTimeout = 10 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store      store.Store
	dispatcher dispatch.Dispatcher
	now        func() time.Time

	q      chan fireJob
	wakeCh chan struct{}

	claims   *claimRegistry
	failures *failureTracker
	limiter  *rate.Limiter

	// heapMu guards heap and next. next maps schedule id to its one live
	// fire time; heap entries not matching next are stale and get dropped.
	heapMu sync.Mutex
	heap   fireHeap
	next   map[string]time.Time

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// firingSuspended parks the fire loop without touching anything else.
	// The leader elector flips it on followers.
	firingSuspended int32

	inFlight int32

	fired        uint64
	firedManual  uint64
	skippedClaim uint64
	dropped      uint64

	lastQueueFullWarnAt int64
}

// fireJob is one claimed run handed from the loop (or Trigger) to a worker.
// state is held by the enqueuer and released by the worker after the run is
// recorded.
type fireJob struct {
	scheduleID   string
	manual       bool
	state        *runState
	enqueuedAt   time.Time
	scheduledFor time.Time // zero for manual runs
}

func New(cfg Config, st store.Store, disp dispatch.Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		store:      st,
		dispatcher: disp,
		now:        time.Now,
		wakeCh:     make(chan struct{}, 1),
		claims:     newClaimRegistry(),
		failures:   newFailureTracker(),
		next:       map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the scheduler's internal supervisor (nil if not started).
// This is used for operational visibility (debug snapshot endpoint).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}

	// Pool shape and loop cadence need a restart; the rest hot-applies.
	if prev.Enabled != cfg.Enabled || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize ||
		prev.RatePerSec != cfg.RatePerSec || prev.ResyncEvery != cfg.ResyncEvery {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan fireJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		s.limiter = nil
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		// Scheduler failures should not hard-kill the app; workers and the
		// loop self-heal under restart.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	// Close running rows orphaned by a previous process and push stale fire
	// times forward before anything can dispatch: restarts never replay a
	// backlog of missed fires.
	s.recoverInterrupted(ctx)
	s.resync(ctx)

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	if cfg.Enabled {
		sup.GoRestart("fireloop", func(c context.Context) error {
			s.loop(c, stopCh)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("fire loop exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("scheduler started",
		logx.Bool("firing", cfg.Enabled),
		logx.Int("workers", workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("dispatch_timeout", cfg.DispatchTimeout),
		logx.Float64("rate_per_sec", cfg.RatePerSec),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.limiter = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
