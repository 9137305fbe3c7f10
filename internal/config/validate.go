package config

import (
	"fmt"
	"strings"
)

// ValidateConfig checks field-level consistency: duration strings parse,
// counts are non-negative, required section fields are present. It does not
// reach out to any external system; the app layer adds checks that need I/O
// (store open, docker ping) in its reload validator.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return err
	}

	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers: must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size: must be >= 0")
	}
	if cfg.Scheduler.RatePerSec < 0 {
		return fmt.Errorf("scheduler.rate_per_sec: must be >= 0")
	}
	if cfg.Scheduler.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("scheduler.max_consecutive_failures: must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.resync_every", cfg.Scheduler.ResyncEvery); err != nil {
		return err
	}

	if _, err := ParseDurationField("docker.stop_timeout", cfg.Docker.StopTimeout); err != nil {
		return err
	}

	if cfg.Leader != nil && cfg.Leader.Enabled {
		if strings.TrimSpace(cfg.Leader.Addr) == "" {
			return fmt.Errorf("leader.addr: required when leader election is enabled")
		}
		ttl, err := ParseDurationField("leader.ttl", cfg.Leader.TTL)
		if err != nil {
			return err
		}
		renew, err := ParseDurationField("leader.renew_every", cfg.Leader.RenewEvery)
		if err != nil {
			return err
		}
		if ttl > 0 && renew > 0 && renew >= ttl {
			return fmt.Errorf("leader.renew_every: must be shorter than leader.ttl")
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	return nil
}
