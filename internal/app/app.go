// Package app wires the daemon together: config, logging, the schedule
// store, the action dispatcher, the scheduler, and the optional leader
// election and debug server. It owns startup order, config hot-reload
// fan-out, and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dockcron/internal/config"
	"dockcron/internal/dispatch"
	"dockcron/internal/eventbus"
	"dockcron/internal/leader"
	"dockcron/internal/observability/pprof"
	"dockcron/internal/scheduler"
	"dockcron/internal/store"
	"dockcron/pkg/dockerops"
	logx "dockcron/pkg/logx"

	rtsup "dockcron/internal/runtime/supervisor"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	disp       dispatch.Dispatcher
	dispCloser io.Closer

	sched *scheduler.Service
	debug *pprof.Service

	redisCl *redis.Client
	elector *leader.Elector
}

// NewApp loads the config and constructs every component. The context
// bounds the connection probes (docker ping, redis ping); construction
// fails rather than starting half-connected.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}

	// Tear down whatever was built if a later step fails.
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
			logs.Close()
		}
	}()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.st, err = store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	if cfg.Docker.DryRun {
		a.disp = dockerops.NewDryRun(log.With(logx.String("comp", "docker")))
		log.Warn("docker dry run enabled; actions are logged, not executed")
	} else {
		dcfg, err := mapDockerConfig(cfg)
		if err != nil {
			return nil, err
		}
		d, err := dockerops.New(ctx, dcfg, log.With(logx.String("comp", "docker")))
		if err != nil {
			return nil, fmt.Errorf("docker dispatcher: %w", err)
		}
		a.disp = d
		a.dispCloser = d
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.st, a.disp, log.With(logx.String("comp", "scheduler")), a.bus)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = pprof.New(ppc, log)
	a.debug.Expose("scheduler", func() any { return a.sched.Snapshot() })

	if cfg.LeaderEnabled() {
		dial, lcfg, err := mapLeaderConfig(cfg.Leader)
		if err != nil {
			return nil, err
		}
		a.redisCl, err = leader.Dial(ctx, dial)
		if err != nil {
			return nil, fmt.Errorf("leader backend: %w", err)
		}
		a.elector = leader.New(a.redisCl, lcfg, leader.Hooks{
			OnElected: a.sched.ResumeFiring,
			OnLost:    a.sched.SuspendFiring,
		}, log)
		a.debug.Expose("leader", func() any { return a.elector.Snapshot() })
	}

	ok = true
	return a, nil
}

// Scheduler exposes the schedule facade for embedding callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are transactional: a config that fails validation is never
	// published to subscribers.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.ValidateConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// A follower must not fire until the elector promotes it. Suspend
	// before the loop exists so there is no window where both run.
	if a.elector != nil {
		a.sched.SuspendFiring()
	}
	a.sched.Start(a.sup.Context())
	if a.elector != nil {
		a.elector.Start(a.sup.Context())
	}

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// Debug-level event trace; components that care subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReloadFanout()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("firing", a.sched.Enabled()),
		logx.Bool("leader_election", a.elector != nil),
		logx.Bool("debug_server", a.debug.Enabled()),
	)
	return nil
}

// startReloadFanout subscribes to validated config updates and applies them
// to the live components. Logging, scheduler tunables, and the debug server
// hot-apply; store, docker, and leader changes need a restart and say so.
func (a *App) startReloadFanout() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyReload(c, newCfg, sections)
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(cfg))
	}

	if changed("scheduler") {
		if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(ctx, schedCfg)
		}
	}

	if changed("pprof") {
		if ppc, err := mapPprofConfig(cfg); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, ppc)
		}
	}

	// These hold connections established at construction time.
	for _, name := range []string{"store", "docker", "leader"} {
		if changed(name) {
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", name))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Observe when/if the step eventually finishes.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// The elector goes first so the lease is released while this replica
	// can still serve it; then the scheduler drains in-flight runs.
	if a.elector != nil {
		step("leader", 2*time.Second, func(c context.Context) error { a.elector.Stop(c); return nil })
	}
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// closeResources releases everything construction acquired, in reverse
// dependency order. Safe to call with partially built state.
func (a *App) closeResources() error {
	var first error
	if a.redisCl != nil {
		if err := a.redisCl.Close(); err != nil && first == nil {
			first = fmt.Errorf("redis close: %w", err)
		}
		a.redisCl = nil
	}
	if a.dispCloser != nil {
		if err := a.dispCloser.Close(); err != nil && first == nil {
			first = fmt.Errorf("docker close: %w", err)
		}
		a.dispCloser = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil && first == nil {
			first = fmt.Errorf("store close: %w", err)
		}
		a.st = nil
	}
	return first
}
