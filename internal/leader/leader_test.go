package leader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "dockcron/pkg/logx"
)

// fakeLease is an in-memory stand-in for the redis lease key. It has no TTL
// decay; tests clear the holder to simulate expiry.
type fakeLease struct {
	mu     sync.Mutex
	holder string
	down   bool
}

func (f *fakeLease) setHolder(id string) {
	f.mu.Lock()
	f.holder = id
	f.mu.Unlock()
}

func (f *fakeLease) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeLease) currentHolder() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holder
}

func (f *fakeLease) SetNX(_ context.Context, _ string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewBoolResult(false, errors.New("connection refused"))
	}
	if f.holder != "" {
		return redis.NewBoolResult(false, nil)
	}
	id, _ := value.(string)
	f.holder = id
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLease) Eval(_ context.Context, script string, _ []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewCmdResult(nil, errors.New("connection refused"))
	}
	id, _ := args[0].(string)
	if f.holder != id {
		return redis.NewCmdResult(int64(0), nil)
	}
	if strings.Contains(script, `"del"`) {
		f.holder = ""
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeLease) Get(_ context.Context, _ string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	if f.holder == "" {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(f.holder, nil)
}

type edgeCount struct {
	elected int32
	lost    int32
}

func (c *edgeCount) hooks() Hooks {
	return Hooks{
		OnElected: func() { atomic.AddInt32(&c.elected, 1) },
		OnLost:    func() { atomic.AddInt32(&c.lost, 1) },
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startElector(t *testing.T, fake *fakeLease, edges *edgeCount) *Elector {
	t.Helper()
	e := New(fake, Config{TTL: 200 * time.Millisecond, RenewEvery: 15 * time.Millisecond}, edges.hooks(), logx.Nop())
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func TestElectorAcquiresAndReleases(t *testing.T) {
	t.Parallel()
	fake := &fakeLease{}
	edges := &edgeCount{}
	e := startElector(t, fake, edges)

	waitFor(t, 5*time.Second, "leadership", e.IsLeader)
	if got := fake.currentHolder(); got != e.ID() {
		t.Fatalf("lease holder = %q, want %q", got, e.ID())
	}

	// Several renew intervals pass without losing the lease.
	time.Sleep(80 * time.Millisecond)
	if !e.IsLeader() {
		t.Fatal("leadership lost during renewals")
	}
	if got := atomic.LoadInt32(&edges.elected); got != 1 {
		t.Fatalf("elected callbacks = %d, want 1", got)
	}

	id, err := e.LeaderID(context.Background())
	if err != nil {
		t.Fatalf("LeaderID: %v", err)
	}
	if id != e.ID() {
		t.Fatalf("LeaderID = %q, want %q", id, e.ID())
	}

	e.Stop(context.Background())
	if got := fake.currentHolder(); got != "" {
		t.Fatalf("lease not released on stop: holder %q", got)
	}
	if got := atomic.LoadInt32(&edges.lost); got != 1 {
		t.Fatalf("lost callbacks = %d, want 1", got)
	}
}

func TestElectorWaitsForFreeLease(t *testing.T) {
	t.Parallel()
	fake := &fakeLease{holder: "other-replica"}
	edges := &edgeCount{}
	e := startElector(t, fake, edges)

	id, err := e.LeaderID(context.Background())
	if err != nil {
		t.Fatalf("LeaderID: %v", err)
	}
	if id != "other-replica" {
		t.Fatalf("LeaderID = %q, want other-replica", id)
	}

	time.Sleep(60 * time.Millisecond)
	if e.IsLeader() {
		t.Fatal("follower promoted itself over a held lease")
	}
	if got := atomic.LoadInt32(&edges.elected); got != 0 {
		t.Fatalf("elected callbacks = %d, want 0", got)
	}

	// The other replica's lease expires.
	fake.setHolder("")
	waitFor(t, 5*time.Second, "takeover", e.IsLeader)
}

func TestElectorDemotesWhenLeaseTaken(t *testing.T) {
	t.Parallel()
	fake := &fakeLease{}
	edges := &edgeCount{}
	e := startElector(t, fake, edges)
	waitFor(t, 5*time.Second, "leadership", e.IsLeader)

	fake.setHolder("thief")
	waitFor(t, 5*time.Second, "demotion", func() bool { return !e.IsLeader() })
	if got := atomic.LoadInt32(&edges.lost); got != 1 {
		t.Fatalf("lost callbacks = %d, want 1", got)
	}

	// It must not push the other holder out.
	time.Sleep(60 * time.Millisecond)
	if e.IsLeader() {
		t.Fatal("demoted replica stole the lease back")
	}
	if got := fake.currentHolder(); got != "thief" {
		t.Fatalf("lease holder = %q, want thief", got)
	}
}

func TestElectorDemotesOnBackendError(t *testing.T) {
	t.Parallel()
	fake := &fakeLease{}
	edges := &edgeCount{}
	e := startElector(t, fake, edges)
	waitFor(t, 5*time.Second, "leadership", e.IsLeader)

	fake.setDown(true)
	waitFor(t, 5*time.Second, "demotion", func() bool { return !e.IsLeader() })

	// Backend comes back and the stale lease expires; the replica recovers.
	fake.setDown(false)
	fake.setHolder("")
	waitFor(t, 5*time.Second, "re-election", e.IsLeader)
	if got := atomic.LoadInt32(&edges.elected); got != 2 {
		t.Fatalf("elected callbacks = %d, want 2", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	got := Config{}.withDefaults()
	if got.Key != "dockcron:leader" || got.TTL != 15*time.Second || got.RenewEvery != 5*time.Second {
		t.Fatalf("defaults = %+v", got)
	}

	clamped := Config{TTL: 9 * time.Second, RenewEvery: 30 * time.Second}.withDefaults()
	if clamped.RenewEvery != 3*time.Second {
		t.Fatalf("RenewEvery = %v, want ttl/3 = 3s", clamped.RenewEvery)
	}
}
