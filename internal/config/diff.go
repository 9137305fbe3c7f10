package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dockcron/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the
// redis password or the pprof token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store (persistence)
	if strings.TrimSpace(oldCfg.Store.Driver) != strings.TrimSpace(newCfg.Store.Driver) ||
		strings.TrimSpace(oldCfg.Store.Path) != strings.TrimSpace(newCfg.Store.Path) ||
		strings.TrimSpace(oldCfg.Store.BusyTimeout) != strings.TrimSpace(newCfg.Store.BusyTimeout) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	// Scheduler (fire loop + executor)
	oEnabled, oEnabledSet := derefBool(oldCfg.Scheduler.Enabled, true)
	nEnabled, nEnabledSet := derefBool(newCfg.Scheduler.Enabled, true)
	if oEnabled != nEnabled || oEnabledSet != nEnabledSet ||
		oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers ||
		oldCfg.Scheduler.QueueSize != newCfg.Scheduler.QueueSize ||
		strings.TrimSpace(oldCfg.Scheduler.DispatchTimeout) != strings.TrimSpace(newCfg.Scheduler.DispatchTimeout) ||
		oldCfg.Scheduler.RatePerSec != newCfg.Scheduler.RatePerSec ||
		strings.TrimSpace(oldCfg.Scheduler.ResyncEvery) != strings.TrimSpace(newCfg.Scheduler.ResyncEvery) ||
		oldCfg.Scheduler.MaxConsecutiveFailures != newCfg.Scheduler.MaxConsecutiveFailures {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nEnabled),
			logx.Bool("scheduler.enabled_set", nEnabledSet),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSize),
			logx.String("scheduler.dispatch_timeout", strings.TrimSpace(newCfg.Scheduler.DispatchTimeout)),
			logx.Float64("scheduler.rate_per_sec", newCfg.Scheduler.RatePerSec),
			logx.String("scheduler.resync_every", strings.TrimSpace(newCfg.Scheduler.ResyncEvery)),
			logx.Int("scheduler.max_consecutive_failures", newCfg.Scheduler.MaxConsecutiveFailures),
		)
	}

	// Docker (dispatcher)
	if strings.TrimSpace(oldCfg.Docker.Host) != strings.TrimSpace(newCfg.Docker.Host) ||
		strings.TrimSpace(oldCfg.Docker.APIVersion) != strings.TrimSpace(newCfg.Docker.APIVersion) ||
		strings.TrimSpace(oldCfg.Docker.StopTimeout) != strings.TrimSpace(newCfg.Docker.StopTimeout) ||
		oldCfg.Docker.DryRun != newCfg.Docker.DryRun {
		changed = append(changed, "docker")
		attrs = append(attrs,
			logx.Bool("docker.host_set", strings.TrimSpace(newCfg.Docker.Host) != ""),
			logx.String("docker.api_version", strings.TrimSpace(newCfg.Docker.APIVersion)),
			logx.String("docker.stop_timeout", strings.TrimSpace(newCfg.Docker.StopTimeout)),
			logx.Bool("docker.dry_run", newCfg.Docker.DryRun),
		)
	}

	// Leader (never log password)
	oldL := redactLeader(oldCfg.Leader)
	newL := redactLeader(newCfg.Leader)
	oldPw := oldCfg.Leader != nil && strings.TrimSpace(oldCfg.Leader.Password) != ""
	newPw := newCfg.Leader != nil && strings.TrimSpace(newCfg.Leader.Password) != ""
	if (oldCfg.Leader == nil) != (newCfg.Leader == nil) || oldPw != newPw || !reflect.DeepEqual(oldL, newL) {
		changed = append(changed, "leader")
		attrs = append(attrs,
			logx.Bool("leader.enabled", newL.Enabled),
			logx.String("leader.addr", newL.Addr),
			logx.Bool("leader.password_set", newPw),
			logx.String("leader.key", newL.Key),
			logx.String("leader.ttl", newL.TTL),
			logx.String("leader.renew_every", newL.RenewEvery),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefBool(p *bool, def bool) (value, set bool) {
	if p == nil {
		return def, false
	}
	return *p, true
}

// redactLeader copies the section with the password stripped so it can be
// compared and logged safely. Nil becomes the zero section.
func redactLeader(l *LeaderConfig) LeaderConfig {
	if l == nil {
		return LeaderConfig{}
	}
	out := *l
	out.Password = ""
	out.Addr = strings.TrimSpace(out.Addr)
	out.Key = strings.TrimSpace(out.Key)
	out.TTL = strings.TrimSpace(out.TTL)
	out.RenewEvery = strings.TrimSpace(out.RenewEvery)
	return out
}
