// Package leader elects one replica to own cron firing when several dockcrond
// processes share a store. The lease lives in Redis under a single key; the
// holder renews it, everyone else retries. Losing the lease only parks the
// fire loop, manual triggers and CRUD keep working on every replica.
package leader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "dockcron/pkg/logx"

	rtsup "dockcron/internal/runtime/supervisor"
)

const (
	defaultKey        = "dockcron:leader"
	defaultTTL        = 15 * time.Second
	defaultRenewEvery = 5 * time.Second

	// opTimeout bounds every individual redis call.
	opTimeout = 5 * time.Second
)

// renewScript extends the lease only while it is still ours.
const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// releaseScript drops the lease only if it is still ours.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Client is the slice of the redis API the elector needs. *redis.Client
// satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// DialConfig is the connection half of the leader configuration.
type DialConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Dial connects and pings the lease backend. The caller owns the returned
// client and closes it after the elector has stopped.
func Dial(ctx context.Context, cfg DialConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	cl := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := cl.Ping(pctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cl, nil
}

// Config tunes the lease itself.
type Config struct {
	Key string

	// TTL is how long the lease survives without a renew. A crashed leader
	// blocks firing everywhere for at most this long.
	TTL time.Duration

	// RenewEvery is both the holder's renew cadence and the followers'
	// acquire retry cadence. Must stay well under TTL.
	RenewEvery time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Key) == "" {
		c.Key = defaultKey
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = defaultRenewEvery
	}
	if c.RenewEvery >= c.TTL {
		c.RenewEvery = c.TTL / 3
	}
	return c
}

// Hooks are invoked from the election loop on leadership edges. Both must be
// cheap and non-blocking.
type Hooks struct {
	OnElected func()
	OnLost    func()
}

// Elector runs the lease loop for one replica.
type Elector struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	client Client
	hooks  Hooks

	// id identifies this replica in the lease value; nobody else can renew
	// or release our lease.
	id string

	leader int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cl Client, cfg Config, hooks Hooks, log logx.Logger) *Elector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Elector{
		cfg:    cfg.withDefaults(),
		log:    log,
		client: cl,
		hooks:  hooks,
		id:     uuid.NewString(),
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool {
	return atomic.LoadInt32(&e.leader) == 1
}

// ID returns this replica's lease identity.
func (e *Elector) ID() string {
	return e.id
}

// LeaderID returns the current holder's identity, or "" when the lease is
// free.
func (e *Elector) LeaderID(ctx context.Context) (string, error) {
	val, err := e.client.Get(ctx, e.cfg.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease lookup: %w", err)
	}
	return val, nil
}

func (e *Elector) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	cfg := e.cfg

	if e.stopCh != nil {
		done := e.stopDone
		e.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		e.mu.Lock()
		if e.stopCh != nil {
			e.mu.Unlock()
			return
		}
	}

	e.stopCh = make(chan struct{})
	e.stopDone = nil
	stopCh := e.stopCh

	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "leader"))),
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	sup.GoRestart("lease", func(c context.Context) error {
		e.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("lease loop exited unexpectedly")
	})

	e.log.Info("leader election started",
		logx.String("key", cfg.Key),
		logx.String("id", e.id),
		logx.Duration("ttl", cfg.TTL),
		logx.Duration("renew_every", cfg.RenewEvery),
	)
}

func (e *Elector) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	e.stopDone = done
	close(e.stopCh)
	sup := e.sup
	e.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		rctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		e.release(rctx)
		cancel()
		e.mu.Lock()
		e.stopCh = nil
		e.stopDone = nil
		e.sup = nil
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("leader election stopped")
	case <-ctx.Done():
		e.log.Warn("leader election stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (e *Elector) loop(ctx context.Context, stopCh <-chan struct{}) {
	e.mu.Lock()
	every := e.cfg.RenewEvery
	e.mu.Unlock()

	tk := time.NewTicker(every)
	defer tk.Stop()

	// Try right away; a fresh replica should not idle out a full interval
	// before discovering the lease is free.
	e.tick(ctx)

	for {
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
		case <-tk.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if e.IsLeader() {
		e.renew(octx)
	} else {
		e.acquire(octx)
	}
}

func (e *Elector) acquire(ctx context.Context) {
	ok, err := e.client.SetNX(ctx, e.cfg.Key, e.id, e.cfg.TTL).Result()
	if err != nil {
		e.log.Warn("lease acquire failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	e.promote()
}

func (e *Elector) renew(ctx context.Context) {
	res, err := e.client.Eval(ctx, renewScript, []string{e.cfg.Key}, e.id, e.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		// A replica that cannot confirm its lease must stop firing; the TTL
		// may already have handed it to someone else.
		e.demote("renew failed: " + err.Error())
		return
	}
	if res == 0 {
		e.demote("lease held elsewhere")
	}
}

func (e *Elector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.client.Eval(ctx, releaseScript, []string{e.cfg.Key}, e.id).Int(); err != nil {
		// The TTL cleans up after us.
		e.log.Warn("lease release failed", logx.Err(err))
	}
	e.demote("released")
}

func (e *Elector) promote() {
	if !atomic.CompareAndSwapInt32(&e.leader, 0, 1) {
		return
	}
	e.log.Info("leadership acquired", logx.String("id", e.id), logx.String("key", e.cfg.Key))
	if e.hooks.OnElected != nil {
		e.hooks.OnElected()
	}
}

func (e *Elector) demote(reason string) {
	if !atomic.CompareAndSwapInt32(&e.leader, 1, 0) {
		return
	}
	if reason == "released" {
		e.log.Info("leadership released", logx.String("id", e.id))
	} else {
		e.log.Warn("leadership lost", logx.String("id", e.id), logx.String("reason", reason))
	}
	if e.hooks.OnLost != nil {
		e.hooks.OnLost()
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	ID         string
	Key        string
	Leader     bool
	TTL        time.Duration
	RenewEvery time.Duration
}

func (e *Elector) Snapshot() Snapshot {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	return Snapshot{
		ID:         e.id,
		Key:        cfg.Key,
		Leader:     e.IsLeader(),
		TTL:        cfg.TTL,
		RenewEvery: cfg.RenewEvery,
	}
}
