package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Store controls persistence for schedules and the execution log.
	Store StoreConfig `json:"store"`

	// Scheduler controls the fire loop and the dispatch executor.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Docker configures the container-action dispatcher.
	Docker DockerConfig `json:"docker"`

	// Leader gates the fire loop behind a Redis lease so only one replica
	// fires schedules. If omitted, the loop runs unconditionally.
	Leader *LeaderConfig `json:"leader,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the persistence layer.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./dockcron.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the fire loop and the executor pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false. A replica with the scheduler disabled still
// serves schedule CRUD and manual triggers; it just never fires cron.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 64
//   - dispatch_timeout: "2m"
//   - rate_per_sec: 0 (unlimited)
//   - resync_every: "1m"
//   - max_consecutive_failures: 0 (schedules never auto-fail)
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DispatchTimeout bounds a single container action.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	// RatePerSec paces dispatches globally across all schedules.
	// 0 disables pacing.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	// ResyncEvery reconciles the in-memory fire queue against the store.
	// Use "0s" to disable periodic resync.
	ResyncEvery string `json:"resync_every,omitempty"`

	// MaxConsecutiveFailures flips a schedule to failed after N straight
	// failed runs. 0 keeps schedules active no matter how often they fail.
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`
}

// DockerConfig configures the Docker-backed dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - host: from the environment (DOCKER_HOST or the local socket)
//   - api_version: negotiated with the daemon
//   - stop_timeout: "30s"
type DockerConfig struct {
	// Host is a Docker daemon address (e.g. "unix:///var/run/docker.sock",
	// "tcp://10.0.0.5:2375"). Empty means standard environment resolution.
	Host       string `json:"host,omitempty"`
	APIVersion string `json:"api_version,omitempty"`

	// StopTimeout is the grace period given to a container before it is
	// killed during restart/rebuild. Go duration string.
	StopTimeout string `json:"stop_timeout,omitempty"`

	// DryRun logs every action instead of touching the daemon.
	// Useful for validating schedules against production config.
	DryRun bool `json:"dry_run,omitempty"`
}

// LeaderConfig controls the Redis lease election.
//
// Defaults (when fields are omitted/zero):
//   - key: "dockcron:leader"
//   - ttl: "15s"
//   - renew_every: "5s"
type LeaderConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`

	Key        string `json:"key,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	RenewEvery string `json:"renew_every,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SchedulerEnabled resolves the tri-state enabled flag.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// LeaderEnabled reports whether the Redis lease election is configured on.
func (c *Config) LeaderEnabled() bool {
	return c != nil && c.Leader != nil && c.Leader.Enabled
}
