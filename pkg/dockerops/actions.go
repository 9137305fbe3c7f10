package dockerops

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"dockcron/internal/dispatch"
	"dockcron/internal/schedule"
	logx "dockcron/pkg/logx"
)

const defaultSignal = "SIGHUP"

// Execute maps one scheduled action onto daemon calls.
//
// Recognized params by action:
//   - signal:    "signal" (default SIGHUP)
//   - snapshot:  "tag" (default <container>-snapshot:<timestamp>), "pause"
//   - rebuild:   "pull" ("true" re-pulls the image first)
//   - scale_up / scale_down: "step" (default 1)
//
// Daemon refusals come back as an unsuccessful Result; only transport-level
// problems (including the caller's deadline) surface as an error.
func (d *Dispatcher) Execute(ctx context.Context, containerName string, action schedule.Action, params map[string]string) (dispatch.Result, error) {
	switch action {
	case schedule.ActionRestart:
		return d.restart(ctx, containerName)
	case schedule.ActionSignal:
		return d.signal(ctx, containerName, params)
	case schedule.ActionSnapshot:
		return d.snapshot(ctx, containerName, params)
	case schedule.ActionRebuild:
		return d.rebuild(ctx, containerName, params)
	case schedule.ActionScaleUp:
		return d.scale(ctx, containerName, params, +1)
	case schedule.ActionScaleDown:
		return d.scale(ctx, containerName, params, -1)
	default:
		return dispatch.Result{}, fmt.Errorf("unsupported action %q", action)
	}
}

// fail wraps a daemon error into a recorded outcome, unless the caller's
// context is what actually gave out.
func fail(ctx context.Context, stage string, err error) (dispatch.Result, error) {
	if ctx.Err() != nil {
		return dispatch.Result{}, ctx.Err()
	}
	return dispatch.Result{Error: stage + ": " + err.Error()}, nil
}

func (d *Dispatcher) restart(ctx context.Context, name string) (dispatch.Result, error) {
	if err := d.cli.ContainerRestart(ctx, name, d.stopOptions()); err != nil {
		return fail(ctx, "restart", err)
	}
	return dispatch.Result{Success: true, Output: "container restarted"}, nil
}

func (d *Dispatcher) signal(ctx context.Context, name string, params map[string]string) (dispatch.Result, error) {
	sig := strings.TrimSpace(params["signal"])
	if sig == "" {
		sig = defaultSignal
	}
	if err := d.cli.ContainerKill(ctx, name, sig); err != nil {
		return fail(ctx, "signal", err)
	}
	return dispatch.Result{Success: true, Output: "sent " + sig}, nil
}

func (d *Dispatcher) snapshot(ctx context.Context, name string, params map[string]string) (dispatch.Result, error) {
	ref := strings.TrimSpace(params["tag"])
	if ref == "" {
		ref = fmt.Sprintf("%s-snapshot:%s",
			strings.ToLower(strings.TrimPrefix(name, "/")),
			time.Now().UTC().Format("20060102-150405"),
		)
	}
	opts := container.CommitOptions{
		Reference: ref,
		Comment:   "dockcron scheduled snapshot",
		Pause:     params["pause"] != "false",
	}
	resp, err := d.cli.ContainerCommit(ctx, name, opts)
	if err != nil {
		return fail(ctx, "commit", err)
	}
	return dispatch.Result{Success: true, Output: fmt.Sprintf("committed %s (%s)", ref, shortID(resp.ID))}, nil
}

// rebuild recreates the container from its current image: optional pull,
// then stop, remove, create with the inspected config, start. The stage is
// recorded on failure so operators can tell a half-done rebuild (container
// already removed) from a refused one.
func (d *Dispatcher) rebuild(ctx context.Context, name string, params map[string]string) (dispatch.Result, error) {
	insp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fail(ctx, "inspect", err)
	}
	image := insp.Config.Image
	d.log.Debug("rebuilding container",
		logx.String("container", name),
		logx.String("image", image),
		logx.Bool("pull", params["pull"] == "true"),
	)

	if params["pull"] == "true" {
		rc, perr := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
		if perr != nil {
			return fail(ctx, "pull", perr)
		}
		// The pull only completes once the progress stream is drained.
		_, cerr := io.Copy(io.Discard, rc)
		_ = rc.Close()
		if cerr != nil {
			return fail(ctx, "pull", cerr)
		}
	}

	if err := d.cli.ContainerStop(ctx, insp.ID, d.stopOptions()); err != nil {
		return fail(ctx, "stop", err)
	}
	if err := d.cli.ContainerRemove(ctx, insp.ID, container.RemoveOptions{}); err != nil {
		return fail(ctx, "remove", err)
	}

	var netCfg *network.NetworkingConfig
	if insp.NetworkSettings != nil && len(insp.NetworkSettings.Networks) > 0 {
		netCfg = &network.NetworkingConfig{EndpointsConfig: insp.NetworkSettings.Networks}
	}
	created, err := d.cli.ContainerCreate(ctx, insp.Config, insp.HostConfig, netCfg, nil, strings.TrimPrefix(insp.Name, "/"))
	if err != nil {
		return fail(ctx, "create", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fail(ctx, "start", err)
	}
	return dispatch.Result{Success: true, Output: fmt.Sprintf("recreated from %s (%s)", image, shortID(created.ID))}, nil
}

// scale adjusts a replicated swarm service by step in the given direction.
// Standalone containers cannot scale; that comes back as a refused action,
// not a transport error.
func (d *Dispatcher) scale(ctx context.Context, name string, params map[string]string, direction int) (dispatch.Result, error) {
	step := 1
	if raw := strings.TrimSpace(params["step"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return dispatch.Result{Error: fmt.Sprintf("invalid step %q", raw)}, nil
		}
		step = n
	}

	svc, _, err := d.cli.ServiceInspectWithRaw(ctx, name, types.ServiceInspectOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Result{}, ctx.Err()
		}
		return dispatch.Result{Error: fmt.Sprintf("service %s: %v (scaling requires a swarm service)", name, err)}, nil
	}
	if svc.Spec.Mode.Replicated == nil || svc.Spec.Mode.Replicated.Replicas == nil {
		return dispatch.Result{Error: fmt.Sprintf("service %s is not in replicated mode", name)}, nil
	}

	cur := int(*svc.Spec.Mode.Replicated.Replicas)
	next := cur + direction*step
	if next < 0 {
		next = 0
	}
	if next == cur {
		return dispatch.Result{Success: true, Output: fmt.Sprintf("replicas already at %d", cur)}, nil
	}

	replicas := uint64(next)
	svc.Spec.Mode.Replicated.Replicas = &replicas
	resp, err := d.cli.ServiceUpdate(ctx, svc.ID, svc.Version, svc.Spec, types.ServiceUpdateOptions{})
	if err != nil {
		return fail(ctx, "service update", err)
	}

	out := fmt.Sprintf("replicas %d -> %d", cur, next)
	if len(resp.Warnings) > 0 {
		out += "; " + strings.Join(resp.Warnings, "; ")
	}
	return dispatch.Result{Success: true, Output: out}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		id = strings.TrimPrefix(id, "sha256:")
		if len(id) > 12 {
			return id[:12]
		}
	}
	return id
}
