// Package dockerops executes container-lifecycle actions against a Docker
// daemon: restart, rebuild, snapshot, signal, and swarm replica scaling.
package dockerops

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	logx "dockcron/pkg/logx"
)

const pingTimeout = 5 * time.Second

// Config connects the dispatcher to a daemon.
type Config struct {
	// Host is the daemon address (e.g. "unix:///var/run/docker.sock").
	// Empty falls back to the DOCKER_HOST environment.
	Host string

	// APIVersion pins the API version; empty negotiates with the daemon.
	APIVersion string

	// StopTimeout is how long restart/rebuild waits for a container to stop
	// before the daemon kills it. 0 uses the daemon default.
	StopTimeout time.Duration
}

// dockerAPI is the slice of the daemon client the dispatcher uses.
// *client.Client satisfies it.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ServiceInspectWithRaw(ctx context.Context, serviceID string, opts types.ServiceInspectOptions) (swarm.Service, []byte, error)
	ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, service swarm.ServiceSpec, options types.ServiceUpdateOptions) (types.ServiceUpdateResponse, error)
}

// Dispatcher performs scheduled actions against one Docker daemon.
type Dispatcher struct {
	cli         dockerAPI
	closer      io.Closer
	stopTimeout time.Duration
	log         logx.Logger
}

// New connects to the daemon and verifies it answers.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Dispatcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []client.Opt{}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	log.Debug("docker daemon connected", logx.String("host", cli.DaemonHost()))
	return &Dispatcher{cli: cli, closer: cli, stopTimeout: cfg.StopTimeout, log: log}, nil
}

func (d *Dispatcher) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// stopOptions converts the configured stop timeout to the daemon's
// seconds-granularity knob.
func (d *Dispatcher) stopOptions() container.StopOptions {
	if d.stopTimeout <= 0 {
		return container.StopOptions{}
	}
	secs := int(d.stopTimeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return container.StopOptions{Timeout: &secs}
}
