package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dockcron/internal/cronspec"
	"dockcron/internal/dispatch"
	"dockcron/internal/eventbus"
	"dockcron/internal/schedule"
	"dockcron/internal/store"
	logx "dockcron/pkg/logx"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startService(t *testing.T, cfg Config, st store.Store, disp dispatch.Dispatcher) *Service {
	t.Helper()
	svc := New(cfg, st, disp, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
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

func okDispatcher() dispatch.Dispatcher {
	return dispatch.Func(func(context.Context, string, schedule.Action, map[string]string) (dispatch.Result, error) {
		return dispatch.Result{Success: true}, nil
	})
}

type dispatchCall struct {
	container string
	action    schedule.Action
	params    map[string]string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	res   dispatch.Result
	err   error
}

func (d *recordingDispatcher) Execute(_ context.Context, container string, action schedule.Action, params map[string]string) (dispatch.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{container: container, action: action, params: params})
	d.mu.Unlock()
	return d.res, d.err
}

func (d *recordingDispatcher) snapshot() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

// gateDispatcher parks dispatches for the matching container until release is
// closed, so tests can hold a run in flight deterministically. An empty match
// blocks everything.
type gateDispatcher struct {
	match   string
	release chan struct{}

	mu      sync.Mutex
	entered int
}

func newGateDispatcher(match string) *gateDispatcher {
	return &gateDispatcher{match: match, release: make(chan struct{})}
}

func (g *gateDispatcher) enteredCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entered
}

func (g *gateDispatcher) Execute(ctx context.Context, container string, _ schedule.Action, _ map[string]string) (dispatch.Result, error) {
	if g.match != "" && container != g.match {
		return dispatch.Result{Success: true}, nil
	}
	g.mu.Lock()
	g.entered++
	g.mu.Unlock()
	select {
	case <-g.release:
		return dispatch.Result{Success: true, Output: "released"}, nil
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	}
}

func nightly(container string) CreateRequest {
	return CreateRequest{
		ContainerName: container,
		Action:        schedule.ActionRestart,
		CronExpr:      "0 0 * * *",
		Timezone:      "UTC",
	}
}

func mustCreate(t *testing.T, svc *Service, req CreateRequest) *schedule.Schedule {
	t.Helper()
	sc, err := svc.CreateSchedule(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sc
}

func TestCreateScheduleComputesFirstFire(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC) }

	sc := mustCreate(t, svc, nightly("web"))
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if sc.NextRunAt == nil || !sc.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", sc.NextRunAt, want)
	}
	if sc.Status != schedule.StatusActive || !sc.Enabled {
		t.Fatalf("status = %v enabled = %v, want active true", sc.Status, sc.Enabled)
	}
	if sc.Name != "restart web" {
		t.Fatalf("default name = %q, want %q", sc.Name, "restart web")
	}

	off := false
	req := nightly("db")
	req.Enabled = &off
	paused := mustCreate(t, svc, req)
	if paused.Status != schedule.StatusPaused || paused.NextRunAt != nil {
		t.Fatalf("disabled create: status = %v next = %v, want paused nil", paused.Status, paused.NextRunAt)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "minute out of range",
			req:  CreateRequest{ContainerName: "web", Action: schedule.ActionRestart, CronExpr: "61 * * * *", Timezone: "UTC"},
			want: cronspec.ErrInvalidExpression,
		},
		{
			name: "four fields",
			req:  CreateRequest{ContainerName: "web", Action: schedule.ActionRestart, CronExpr: "0 0 * *", Timezone: "UTC"},
			want: cronspec.ErrInvalidExpression,
		},
		{
			name: "month out of range",
			req:  CreateRequest{ContainerName: "web", Action: schedule.ActionRestart, CronExpr: "0 0 1 13 *", Timezone: "UTC"},
			want: cronspec.ErrInvalidExpression,
		},
		{
			name: "bad timezone",
			req:  CreateRequest{ContainerName: "web", Action: schedule.ActionRestart, CronExpr: "0 0 * * *", Timezone: "Mars/Olympus"},
			want: cronspec.ErrInvalidTimezone,
		},
		{
			name: "never fires",
			req:  CreateRequest{ContainerName: "web", Action: schedule.ActionRestart, CronExpr: "0 0 31 2 *", Timezone: "UTC"},
			want: cronspec.ErrNeverFires,
		},
		{
			name: "unknown action",
			req:  CreateRequest{ContainerName: "web", Action: "reboot", CronExpr: "0 0 * * *", Timezone: "UTC"},
		},
		{
			name: "missing container",
			req:  CreateRequest{Action: schedule.ActionRestart, CronExpr: "0 0 * * *", Timezone: "UTC"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSchedule(ctx, tt.req)
			if err == nil {
				t.Fatal("CreateSchedule succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}

	// Fail-fast means fail clean: none of the rejects may have persisted.
	scheds, err := svc.ListSchedules(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(scheds) != 0 {
		t.Fatalf("rejected creates persisted %d schedules", len(scheds))
	}
}

func TestUpdateScheduleCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 0, 7, 0, 0, time.UTC) }

	sc := mustCreate(t, svc, nightly("web"))

	bad := "61 * * * *"
	if _, err := svc.UpdateSchedule(ctx, sc.ID, UpdateRequest{CronExpr: &bad}); !errors.Is(err, cronspec.ErrInvalidExpression) {
		t.Fatalf("UpdateSchedule(bad cron) error = %v, want ErrInvalidExpression", err)
	}
	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.CronExpr != sc.CronExpr || !cur.UpdatedAt.Equal(sc.UpdatedAt) {
		t.Fatalf("rejected update left a mark: cron %q updated %v", cur.CronExpr, cur.UpdatedAt)
	}

	every15 := "*/15 * * * *"
	updated, err := svc.UpdateSchedule(ctx, sc.ID, UpdateRequest{CronExpr: &every15})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	want := time.Date(2024, 3, 1, 0, 15, 0, 0, time.UTC)
	if updated.NextRunAt == nil || !updated.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", updated.NextRunAt, want)
	}
}

func TestToggleSkipsMissedFires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	sc := mustCreate(t, svc, nightly("web"))

	paused, err := svc.Toggle(ctx, sc.ID, false)
	if err != nil {
		t.Fatalf("Toggle(false): %v", err)
	}
	if paused.Status != schedule.StatusPaused || paused.Enabled || paused.NextRunAt != nil {
		t.Fatalf("paused schedule = %v/%v next %v, want paused/false nil", paused.Status, paused.Enabled, paused.NextRunAt)
	}

	// Two midnights go by while paused; resuming fires at the next one, not
	// the missed ones.
	now = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	resumed, err := svc.Toggle(ctx, sc.ID, true)
	if err != nil {
		t.Fatalf("Toggle(true): %v", err)
	}
	want := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	if resumed.Status != schedule.StatusActive || resumed.NextRunAt == nil || !resumed.NextRunAt.Equal(want) {
		t.Fatalf("resumed schedule = %v next %v, want active %v", resumed.Status, resumed.NextRunAt, want)
	}
}

func TestMarkCompletedRetires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	sc := mustCreate(t, svc, nightly("web"))
	done, err := svc.MarkCompleted(ctx, sc.ID)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if done.Status != schedule.StatusCompleted || done.NextRunAt != nil {
		t.Fatalf("completed schedule = %v next %v, want completed nil", done.Status, done.NextRunAt)
	}

	revived, err := svc.Toggle(ctx, sc.ID, true)
	if err != nil {
		t.Fatalf("Toggle(true): %v", err)
	}
	if revived.Status != schedule.StatusActive || revived.NextRunAt == nil {
		t.Fatalf("revived schedule = %v next %v, want active non-nil", revived.Status, revived.NextRunAt)
	}
}

func TestTriggerRunsAndRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := &recordingDispatcher{res: dispatch.Result{Success: true, Output: "sent SIGHUP"}}
	svc := startService(t, Config{Workers: 2}, st, disp)

	sc := mustCreate(t, svc, CreateRequest{
		ContainerName: "web",
		Action:        schedule.ActionSignal,
		ActionParams:  map[string]string{"signal": "SIGHUP"},
		CronExpr:      "0 0 * * *",
		Timezone:      "UTC",
	})
	firstFire := *sc.NextRunAt

	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "manual run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})

	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.LastRunStatus != schedule.RunSuccess || cur.LastRunError != "" || cur.LastRunAt == nil {
		t.Fatalf("last run = %v %q %v, want success empty non-nil", cur.LastRunStatus, cur.LastRunError, cur.LastRunAt)
	}
	if cur.Status != schedule.StatusActive {
		t.Fatalf("status = %v, want active", cur.Status)
	}
	if cur.NextRunAt == nil || !cur.NextRunAt.Equal(firstFire) {
		t.Fatalf("manual run moved NextRunAt to %v, want %v", cur.NextRunAt, firstFire)
	}

	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	e := execs[0]
	if e.Status != schedule.ExecSuccess || e.Output != "sent SIGHUP" || e.CompletedAt == nil {
		t.Fatalf("execution = %v %q %v, want success output non-nil", e.Status, e.Output, e.CompletedAt)
	}
	if e.ScheduleName != sc.Name || e.ContainerName != "web" || e.Action != schedule.ActionSignal {
		t.Fatalf("execution not denormalized: %q %q %v", e.ScheduleName, e.ContainerName, e.Action)
	}

	calls := disp.snapshot()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	if calls[0].container != "web" || calls[0].action != schedule.ActionSignal || calls[0].params["signal"] != "SIGHUP" {
		t.Fatalf("dispatch call = %+v", calls[0])
	}
}

func TestTriggerPausedScheduleRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := startService(t, Config{Workers: 1}, st, okDispatcher())

	off := false
	req := nightly("web")
	req.Enabled = &off
	sc := mustCreate(t, svc, req)

	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "manual run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})

	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.Status != schedule.StatusPaused || cur.NextRunAt != nil {
		t.Fatalf("manual run changed pause state: %v next %v", cur.Status, cur.NextRunAt)
	}
	if cur.LastRunStatus != schedule.RunSuccess {
		t.Fatalf("LastRunStatus = %v, want success", cur.LastRunStatus)
	}
}

func TestConcurrentTriggersSingleRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	gate := newGateDispatcher("")
	svc := startService(t, Config{Workers: 4}, st, gate)
	sc := mustCreate(t, svc, nightly("web"))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Trigger(ctx, sc.ID)
		}()
	}
	wg.Wait()
	close(errs)

	accepted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, schedule.ErrRunInProgress):
			rejected++
		default:
			t.Fatalf("Trigger: %v", err)
		}
	}
	if accepted != 1 || rejected != n-1 {
		t.Fatalf("accepted = %d rejected = %d, want 1 and %d", accepted, rejected, n-1)
	}

	waitFor(t, 5*time.Second, "dispatch to start", func() bool { return gate.enteredCount() == 1 })
	if err := svc.Trigger(ctx, sc.ID); !errors.Is(err, schedule.ErrRunInProgress) {
		t.Fatalf("Trigger while running = %v, want ErrRunInProgress", err)
	}

	// At most the one winning run may be on record, and it is still open.
	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) > 1 {
		t.Fatalf("%d executions recorded mid-run, want at most 1", len(execs))
	}
	if len(execs) == 1 && execs[0].Status != schedule.ExecRunning {
		t.Fatalf("mid-run execution status = %v, want running", execs[0].Status)
	}

	close(gate.release)
	waitFor(t, 5*time.Second, "run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})
	execs, _, err = svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
}

func TestDispatchFailureKeepsScheduleActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := dispatch.Func(func(_ context.Context, container string, _ schedule.Action, _ map[string]string) (dispatch.Result, error) {
		if container == "flaky" {
			return dispatch.Result{}, errors.New("docker socket gone")
		}
		return dispatch.Result{Success: false, Error: "unit restart refused"}, nil
	})
	svc := startService(t, Config{Workers: 1}, st, disp)

	sc := mustCreate(t, svc, nightly("web"))
	firstFire := *sc.NextRunAt

	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "failed run to record", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})

	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.Status != schedule.StatusActive || !cur.Enabled {
		t.Fatalf("failure flipped schedule to %v enabled %v, want active true", cur.Status, cur.Enabled)
	}
	if cur.LastRunStatus != schedule.RunFailed || cur.LastRunError != "unit restart refused" {
		t.Fatalf("last run = %v %q, want failed refused", cur.LastRunStatus, cur.LastRunError)
	}
	if cur.NextRunAt == nil || !cur.NextRunAt.Equal(firstFire) {
		t.Fatalf("failed manual run moved NextRunAt to %v, want %v", cur.NextRunAt, firstFire)
	}

	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != schedule.ExecFailed || execs[0].Error != "unit restart refused" {
		t.Fatalf("execution record = %+v, want one failed row", execs)
	}

	// A dispatcher error (as opposed to a refused action) records the same way.
	flaky := mustCreate(t, svc, nightly("flaky"))
	if err := svc.Trigger(ctx, flaky.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "flaky run to record", func() bool {
		cur, err := svc.GetSchedule(ctx, flaky.ID)
		return err == nil && cur.RunCount == 1
	})
	fexecs, _, err := svc.ListExecutions(ctx, flaky.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(fexecs) != 1 || fexecs[0].Status != schedule.ExecFailed || fexecs[0].Error != "docker socket gone" {
		t.Fatalf("execution record = %+v, want one failed row", fexecs)
	}
}

func TestDispatcherPanicRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := dispatch.Func(func(context.Context, string, schedule.Action, map[string]string) (dispatch.Result, error) {
		panic("boom")
	})
	svc := startService(t, Config{Workers: 1}, st, disp)
	sc := mustCreate(t, svc, nightly("web"))

	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "panicked run to record", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})

	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != schedule.ExecFailed {
		t.Fatalf("execution record = %+v, want one failed row", execs)
	}
	if !strings.Contains(execs[0].Error, "panic") || !strings.Contains(execs[0].Error, "boom") {
		t.Fatalf("execution error = %q, want panic detail", execs[0].Error)
	}

	// The claim came back and the worker survived.
	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger after panic: %v", err)
	}
	waitFor(t, 5*time.Second, "second run to record", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 2
	})
}

func TestAutoFailAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := dispatch.Func(func(context.Context, string, schedule.Action, map[string]string) (dispatch.Result, error) {
		return dispatch.Result{Success: false, Error: "pull failed"}, nil
	})
	svc := startService(t, Config{Workers: 1, MaxConsecutiveFailures: 2}, st, disp)
	sc := mustCreate(t, svc, nightly("web"))

	trigger := func(wantRuns int64) *schedule.Schedule {
		t.Helper()
		if err := svc.Trigger(ctx, sc.ID); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		waitFor(t, 5*time.Second, "run to record", func() bool {
			cur, err := svc.GetSchedule(ctx, sc.ID)
			return err == nil && cur.RunCount == wantRuns
		})
		cur, err := svc.GetSchedule(ctx, sc.ID)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		return cur
	}

	if cur := trigger(1); cur.Status != schedule.StatusActive {
		t.Fatalf("after 1 failure status = %v, want active", cur.Status)
	}
	if cur := trigger(2); cur.Status != schedule.StatusActive {
		t.Fatalf("after 2 failures status = %v, want active", cur.Status)
	}
	cur := trigger(3)
	if cur.Status != schedule.StatusFailed {
		t.Fatalf("after 3 straight failures status = %v, want failed", cur.Status)
	}
	if cur.NextRunAt != nil {
		t.Fatalf("failed schedule still armed for %v", cur.NextRunAt)
	}

	// Re-enabling revives the schedule and restarts the streak.
	revived, err := svc.Toggle(ctx, sc.ID, true)
	if err != nil {
		t.Fatalf("Toggle(true): %v", err)
	}
	if revived.Status != schedule.StatusActive || revived.NextRunAt == nil {
		t.Fatalf("revived schedule = %v next %v, want active non-nil", revived.Status, revived.NextRunAt)
	}
	if cur := trigger(4); cur.Status != schedule.StatusActive {
		t.Fatalf("streak survived re-enable: status = %v, want active", cur.Status)
	}
}

func TestFireLoopFiresDueSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := &recordingDispatcher{res: dispatch.Result{Success: true}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)

	svc := New(Config{Enabled: true, Workers: 2}, st, disp, logx.Nop(), bus)
	svc.Start(context.Background())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(sctx)
	})

	armedAt := time.Now()
	sc := mustCreate(t, svc, nightly("web"))
	svc.armFire(sc.ID, armedAt.Add(-time.Second))

	waitFor(t, 5*time.Second, "cron fire to run", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})
	waitFor(t, 5*time.Second, "finished event", func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.TopicExecutionFinished {
					return true
				}
			default:
				return false
			}
		}
	})

	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.Status != schedule.StatusActive || cur.LastRunStatus != schedule.RunSuccess {
		t.Fatalf("after cron fire: status %v last %v, want active success", cur.Status, cur.LastRunStatus)
	}
	// A cron fire advances the cadence strictly into the future.
	if cur.NextRunAt == nil || !cur.NextRunAt.After(armedAt) {
		t.Fatalf("NextRunAt = %v, want after %v", cur.NextRunAt, armedAt)
	}

	snap := svc.Snapshot()
	if !snap.Enabled || snap.Workers != 2 || snap.Fired < 1 {
		t.Fatalf("snapshot = %+v, want enabled 2 workers and a fire", snap)
	}
	if snap.Armed != 1 || snap.NextFireAt == nil {
		t.Fatalf("snapshot armed = %d next %v, want 1 and non-nil", snap.Armed, snap.NextFireAt)
	}

	// Claim is free again once the run is recorded.
	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger after cron fire: %v", err)
	}
	waitFor(t, 5*time.Second, "manual run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 2
	})
}

func TestSuspendFiringParksLoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := startService(t, Config{Enabled: true, Workers: 1}, st, okDispatcher())
	sc := mustCreate(t, svc, nightly("web"))

	svc.SuspendFiring()
	if !svc.Snapshot().FiringSuspended {
		t.Fatal("snapshot does not report suspension")
	}

	svc.armFire(sc.ID, time.Now().Add(-time.Second))
	time.Sleep(150 * time.Millisecond)
	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.RunCount != 0 {
		t.Fatalf("suspended loop fired %d runs", cur.RunCount)
	}

	svc.ResumeFiring()
	waitFor(t, 5*time.Second, "fire after resume", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})
}

func TestStaleFireDropsWhenPaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	disp := &recordingDispatcher{res: dispatch.Result{Success: true}}
	svc := New(Config{}, st, disp, logx.Nop(), nil)

	off := false
	req := nightly("web")
	req.Enabled = &off
	sc := mustCreate(t, svc, req)

	// A fire that was queued before the schedule got paused arrives at the
	// executor late; it must drop without a trace.
	claim := svc.claims.get(sc.ID)
	if !claim.tryAcquire() {
		t.Fatal("claim unexpectedly held")
	}
	svc.execOne(ctx, fireJob{scheduleID: sc.ID, state: claim, enqueuedAt: time.Now()})

	cur, err := svc.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.RunCount != 0 {
		t.Fatalf("dropped fire counted a run: %d", cur.RunCount)
	}
	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("dropped fire recorded %d executions", len(execs))
	}
	if got := disp.snapshot(); len(got) != 0 {
		t.Fatalf("dropped fire dispatched %d times", len(got))
	}
	if !claim.tryAcquire() {
		t.Fatal("claim not released after dropped fire")
	}
	claim.release()
}

func TestSlowScheduleDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	gate := newGateDispatcher("slow")
	svc := startService(t, Config{Workers: 2}, st, gate)

	slow := mustCreate(t, svc, nightly("slow"))
	fast := mustCreate(t, svc, nightly("web"))

	if err := svc.Trigger(ctx, slow.ID); err != nil {
		t.Fatalf("Trigger(slow): %v", err)
	}
	waitFor(t, 5*time.Second, "slow dispatch to start", func() bool { return gate.enteredCount() == 1 })

	if err := svc.Trigger(ctx, fast.ID); err != nil {
		t.Fatalf("Trigger(fast): %v", err)
	}
	waitFor(t, 5*time.Second, "fast run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, fast.ID)
		return err == nil && cur.RunCount == 1
	})

	cur, err := svc.GetSchedule(ctx, slow.ID)
	if err != nil {
		t.Fatalf("GetSchedule(slow): %v", err)
	}
	if cur.RunCount != 0 {
		t.Fatalf("slow run finished early: RunCount = %d", cur.RunCount)
	}

	close(gate.release)
	waitFor(t, 5*time.Second, "slow run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, slow.ID)
		return err == nil && cur.RunCount == 1
	})
}

func TestTriggerQueueFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	gate := newGateDispatcher("")
	svc := startService(t, Config{Workers: 1, QueueSize: 1}, st, gate)

	a := mustCreate(t, svc, nightly("a"))
	b := mustCreate(t, svc, nightly("b"))
	c := mustCreate(t, svc, nightly("c"))

	if err := svc.Trigger(ctx, a.ID); err != nil {
		t.Fatalf("Trigger(a): %v", err)
	}
	// The lone worker must be inside a's dispatch so b occupies the only
	// queue slot.
	waitFor(t, 5*time.Second, "dispatch to start", func() bool { return gate.enteredCount() == 1 })
	if err := svc.Trigger(ctx, b.ID); err != nil {
		t.Fatalf("Trigger(b): %v", err)
	}
	if err := svc.Trigger(ctx, c.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Trigger(c) = %v, want ErrQueueFull", err)
	}

	close(gate.release)
	waitFor(t, 5*time.Second, "queued runs to drain", func() bool {
		ca, erra := svc.GetSchedule(ctx, a.ID)
		cb, errb := svc.GetSchedule(ctx, b.ID)
		return erra == nil && errb == nil && ca.RunCount == 1 && cb.RunCount == 1
	})

	// The rejected trigger released its claim; it works once there is room.
	if err := svc.Trigger(ctx, c.ID); err != nil {
		t.Fatalf("Trigger(c) retry: %v", err)
	}
	waitFor(t, 5*time.Second, "retried run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, c.ID)
		return err == nil && cur.RunCount == 1
	})
}

func TestStartRecoversInterruptedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	sc := &schedule.Schedule{
		ID:            schedule.NewID(),
		Name:          "nightly restart",
		ContainerName: "web",
		Action:        schedule.ActionRestart,
		CronExpr:      "0 0 * * *",
		Timezone:      "UTC",
		Enabled:       true,
		Status:        schedule.StatusActive,
		NextRunAt:     &past,
		CreatedAt:     past,
		UpdatedAt:     past,
	}
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	orphan := &schedule.Execution{
		ID:            schedule.NewID(),
		ScheduleID:    sc.ID,
		ScheduleName:  sc.Name,
		ContainerName: sc.ContainerName,
		Action:        sc.Action,
		Status:        schedule.ExecRunning,
		StartedAt:     past,
	}
	if err := st.AppendExecution(ctx, orphan); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}

	startService(t, Config{Workers: 1}, st, okDispatcher())

	got, err := st.GetExecution(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != schedule.ExecFailed || got.CompletedAt == nil {
		t.Fatalf("orphaned execution = %v %v, want failed non-nil", got.Status, got.CompletedAt)
	}
	if !strings.Contains(got.Error, "interrupted") {
		t.Fatalf("orphaned execution error = %q, want interrupted reason", got.Error)
	}

	cur, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if cur.NextRunAt == nil || !cur.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("stale NextRunAt not recomputed: %v", cur.NextRunAt)
	}
	// Downtime fires are skipped, never replayed.
	if cur.RunCount != 0 {
		t.Fatalf("recovery counted runs: %d", cur.RunCount)
	}
}

func TestDeleteScheduleKeepsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := startService(t, Config{Workers: 1}, st, okDispatcher())
	sc := mustCreate(t, svc, nightly("web"))

	if err := svc.Trigger(ctx, sc.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, 5*time.Second, "run to finish", func() bool {
		cur, err := svc.GetSchedule(ctx, sc.ID)
		return err == nil && cur.RunCount == 1
	})

	if err := svc.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := svc.GetSchedule(ctx, sc.ID); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("GetSchedule after delete = %v, want ErrNotFound", err)
	}
	if err := svc.Trigger(ctx, sc.ID); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Trigger after delete = %v, want ErrNotFound", err)
	}

	execs, _, err := svc.ListExecutions(ctx, sc.ID, 10, "")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("history after delete = %d rows, want 1", len(execs))
	}
}

func TestTriggerStoppedService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := New(Config{}, st, okDispatcher(), logx.Nop(), nil)
	sc := mustCreate(t, svc, nightly("web"))

	if err := svc.Trigger(ctx, sc.ID); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger before Start = %v, want ErrStopped", err)
	}

	svc.Start(context.Background())
	svc.Stop(context.Background())
	if err := svc.Trigger(ctx, sc.ID); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after Stop = %v, want ErrStopped", err)
	}
}
