// Package controller is the Container Controller (spec §4.4): it maps a
// session to a container through the Docker Engine API — image pull,
// create with resource caps, start, wait-for-ready probe, stop+remove. It
// is stateless between calls; correctness relies entirely on the Store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/noxterm/noxterm/internal/store"
)

const labelPrefix = "noxterm."

// containerNamePrefix is the name every sandbox container carries,
// whether created by this controller or started externally — the orphan
// sweep reaps by this prefix, not by label (spec §4.6).
const containerNamePrefix = "noxterm-session-"

// Typed runtime errors (spec §7): all but ErrNotFoundOnRuntime abort the
// current operation and are surfaced upward for the Session Manager to
// transition the session to Terminated.
var (
	ErrImagePull       = errors.New("controller: image pull failed")
	ErrCreateFailed    = errors.New("controller: create failed")
	ErrStartFailed     = errors.New("controller: start failed")
	ErrExecFailed      = errors.New("controller: exec failed")
	ErrNotFoundOnRuntime = errors.New("controller: not found on runtime")
)

type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Docker exposes the underlying SDK client for the Stream Engine, which
// needs direct exec-attach access that the Container Controller's own
// surface doesn't model (spec §4.5 runs against the same runtime handle).
func (c *Client) Docker() *client.Client {
	return c.docker
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// EnsureImage pulls image if it is not present locally, draining and
// discarding the pull progress stream; no progress is logged.
// ImagePullFailed surfaces upward and the session remains in Created.
func (c *Client) EnsureImage(ctx context.Context, img string) error {
	_, _, err := c.docker.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	reader, err := c.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePull, img, err)
	}
	defer reader.Close()

	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// CreateOpts assembles a CreateAndStart call.
type CreateOpts struct {
	SessionID   string
	Tenant      string
	Image       string
	Limits      store.Limits
	EgressHostPort string // "host:port" if the egress facade is enabled, else ""
	ProvisionPackages []string
	WorkspaceVolume string // optional: persistent home volume name
}

// CreateResult carries the bound container identity back to the caller,
// which calls store.BindContainer.
type CreateResult struct {
	ContainerID   string
	ContainerName string
}

// ContainerName derives the human-readable container name from the first
// 12 hex characters of the session id (spec §4.4 step 1).
func ContainerName(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return containerNamePrefix + strings.ToLower(id)
}

// CreateAndStart creates and starts a sandbox container for a session. It
// does not touch the Store; the caller binds on success.
func (c *Client) CreateAndStart(ctx context.Context, opts CreateOpts) (*CreateResult, error) {
	name := ContainerName(opts.SessionID)

	labels := map[string]string{
		labelPrefix + "session_id": opts.SessionID,
		labelPrefix + "tenant":     opts.Tenant,
		labelPrefix + "managed":    "true",
	}

	env := []string{
		"TERM=xterm-256color",
		"DEBIAN_FRONTEND=noninteractive",
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		"SHELL=/bin/bash",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	}
	if opts.EgressHostPort != "" {
		env = append(env,
			"ALL_PROXY=socks5://"+opts.EgressHostPort,
			"all_proxy=socks5://"+opts.EgressHostPort,
		)
	}

	pkgs := opts.ProvisionPackages
	if len(pkgs) == 0 {
		pkgs = []string{"nano", "vim", "curl", "wget", "git", "htop"}
	}
	provisionCmd := fmt.Sprintf(
		"DEBIAN_FRONTEND=noninteractive apt-get update && apt-get install -y %s && "+
			"locale-gen en_US.UTF-8 && update-locale LANG=en_US.UTF-8 && tail -f /dev/null",
		strings.Join(pkgs, " "),
	)

	resources := container.Resources{
		NanoCPUs:  int64(opts.Limits.CPUFraction * 1e9),
		Memory:    opts.Limits.MemoryBytes,
		PidsLimit: int64Ptr(opts.Limits.PidsCap),
	}

	var mounts []mount.Mount
	if opts.WorkspaceVolume != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: opts.WorkspaceVolume,
			Target: "/root/workspace",
		})
	}
	mounts = append(mounts,
		mount.Mount{Type: mount.TypeTmpfs, Target: "/tmp", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 512 * units.MiB}},
		mount.Mount{Type: mount.TypeTmpfs, Target: "/run", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 16 * units.MiB}},
	)

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     true,
		ReadonlyRootfs: false,
		Privileged:     false,
		NetworkMode:    "bridge",
		CapAdd:         []string{"SETUID", "SETGID", "CHOWN", "DAC_OVERRIDE", "FOWNER"},
		Mounts:         mounts,
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Labels:     labels,
		Env:        env,
		Cmd:        []string{"/bin/bash", "-c", provisionCmd},
		WorkingDir: "/root",
		User:       "root",
		Tty:        false,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	c.waitForReady(ctx, resp.ID)

	return &CreateResult{ContainerID: resp.ID, ContainerName: name}, nil
}

// waitForReady polls for the provisioning command's installed editor with
// bounded retries and a wall-clock ceiling; on timeout it returns false.
// CreateAndStart ignores the result and continues; no warning is logged.
func (c *Client) waitForReady(ctx context.Context, containerID string) (ready bool) {
	const maxWait = 120 * time.Second
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(3 * time.Second):
		}
		out, err := c.execOneShot(ctx, containerID, []string{"/bin/sh", "-c", "which nano && echo ready"})
		if err == nil && strings.Contains(out, "ready") {
			return true
		}
	}
	return false
}

func (c *Client) execOneShot(ctx context.Context, containerID string, cmd []string) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecFailed, err)
	}
	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecFailed, err)
	}
	defer attachResp.Close()

	buf := make([]byte, 4096)
	n, _ := attachResp.Reader.Read(buf)
	return string(buf[:n]), nil
}

// StopAndRemove gracefully stops (10s timeout), then force-removes a
// container. A not-found response from the runtime is treated as success.
func (c *Client) StopAndRemove(ctx context.Context, containerRef string) error {
	timeout := 10
	err := c.docker.ContainerStop(ctx, containerRef, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		// logged by caller; still attempt remove below
		_ = err
	}

	err = c.docker.ContainerRemove(ctx, containerRef, container.RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// IsContainerRunning inspects a container; not-found is reported as
// (false, nil), matching the "NotFoundOnRuntime during stop/remove is
// success" idiom generalized to inspect.
func (c *Client) IsContainerRunning(ctx context.Context, containerRef string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

// ContainerStats returns one stats sample for the health probe / metrics
// flush tasks.
func (c *Client) ContainerStats(ctx context.Context, containerRef string) (*store.MetricsSample, error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, containerRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFoundOnRuntime
		}
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer resp.Body.Close()

	var raw containerStatsJSON
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	cpuFraction := 0.0
	if systemDelta > 0 && cpuDelta > 0 {
		cpuFraction = (cpuDelta / systemDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	return &store.MetricsSample{
		CPUFraction:      cpuFraction,
		MemoryBytes:      raw.MemoryStats.Usage,
		MemoryLimitBytes: raw.MemoryStats.Limit,
		NetRxBytes:       rx,
		NetTxBytes:       tx,
	}, nil
}

// ContainerInfo is a minimal runtime-listed container, for orphan sweep.
type ContainerInfo struct {
	ContainerID string
	SessionID   string
}

// ListManagedContainers returns every container whose name matches
// `noxterm-session-*`, for the orphan sweep (spec §4.6). Matching is by name, not the `noxterm.managed` label: a
// container started outside this controller (e.g. `docker run --name
// noxterm-session-deadbeef0000 ...`) carries no label but is still a
// reap candidate, and must be listed so the orphan sweep can remove it.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("name", containerNamePrefix)

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			sessionID = strings.TrimPrefix(containerDisplayName(ctr.Names), containerNamePrefix)
		}
		result = append(result, ContainerInfo{ContainerID: ctr.ID, SessionID: sessionID})
	}
	return result, nil
}

// containerDisplayName returns a container's primary name with Docker's
// leading slash stripped, or "" if the daemon reported none.
func containerDisplayName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func int64Ptr(v int64) *int64 { return &v }
