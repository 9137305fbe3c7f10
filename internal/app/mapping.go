package app

import (
	"fmt"
	"strings"
	"time"

	"dockcron/internal/config"
	"dockcron/internal/leader"
	"dockcron/internal/observability/pprof"
	"dockcron/internal/scheduler"
	"dockcron/internal/store"
	"dockcron/pkg/dockerops"
	logx "dockcron/pkg/logx"
)

// The config file speaks in strings (durations, tri-state bools); the
// component packages speak in resolved Go types. These helpers do the
// translation and double as reload-time validation: a config that fails to
// map is rejected before anything applies it.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch driver {
	case "", "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return store.Config{}, fmt.Errorf("store.path is required when store.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: strings.TrimSpace(cfg.Store.Path), BusyTimeout: busy}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown store.driver: %s", cfg.Store.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	dispatchTimeout, err := config.ParseDurationOrDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	resyncEvery, err := config.ParseDurationOrDefault("scheduler.resync_every", cfg.Scheduler.ResyncEvery, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:                cfg.SchedulerEnabled(),
		Workers:                cfg.Scheduler.Workers,
		QueueSize:              cfg.Scheduler.QueueSize,
		DispatchTimeout:        dispatchTimeout,
		RatePerSec:             cfg.Scheduler.RatePerSec,
		ResyncEvery:            resyncEvery,
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
	}, nil
}

func mapDockerConfig(cfg *config.Config) (dockerops.Config, error) {
	stopTimeout, err := config.ParseDurationOrDefault("docker.stop_timeout", cfg.Docker.StopTimeout, 30*time.Second)
	if err != nil {
		return dockerops.Config{}, err
	}
	return dockerops.Config{
		Host:        strings.TrimSpace(cfg.Docker.Host),
		APIVersion:  strings.TrimSpace(cfg.Docker.APIVersion),
		StopTimeout: stopTimeout,
	}, nil
}

func mapLeaderConfig(lc *config.LeaderConfig) (leader.DialConfig, leader.Config, error) {
	if lc == nil {
		return leader.DialConfig{}, leader.Config{}, fmt.Errorf("leader section is missing")
	}
	ttl, err := config.ParseDurationField("leader.ttl", lc.TTL)
	if err != nil {
		return leader.DialConfig{}, leader.Config{}, err
	}
	renew, err := config.ParseDurationField("leader.renew_every", lc.RenewEvery)
	if err != nil {
		return leader.DialConfig{}, leader.Config{}, err
	}
	dial := leader.DialConfig{
		Addr:     strings.TrimSpace(lc.Addr),
		Username: lc.Username,
		Password: lc.Password,
		DB:       lc.DB,
	}
	return dial, leader.Config{Key: strings.TrimSpace(lc.Key), TTL: ttl, RenewEvery: renew}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 strings.TrimSpace(cfg.Pprof.Addr),
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}
