package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"

	"github.com/isdmx/polyrun/languages"
)

// Container labels
const (
	labelManaged     = "polyrun.managed"
	labelExecutionID = "polyrun.execution-id"
	labelCaller      = "polyrun.caller"
)

const (
	provisionTimeout = 15 * time.Second
	removeTimeout    = 10 * time.Second
	lifetimeMargin   = 10 * time.Second
	inspectInterval  = 10 * time.Millisecond
)

// OrchestratorConfig holds the container isolation policy
type OrchestratorConfig struct {
	Workdir           string
	User              string
	TmpfsSizeMB       int
	PullMissingImages bool
	KillGrace         time.Duration
}

// Orchestrator provisions one hardened container per execution
type Orchestrator struct {
	logger *zap.Logger
	cli    dockerClient
	config OrchestratorConfig
}

// NewOrchestrator creates an Orchestrator over the given client
func NewOrchestrator(logger *zap.Logger, cli dockerClient, config OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		cli:    cli,
		config: config,
	}
}

// SandboxSpec describes the container to provision for one execution
type SandboxSpec struct {
	ExecutionID string
	CallerID    string
	Descriptor  *languages.Descriptor
	Archive     []byte
	// Lifetime bounds how long the container may exist at all.
	Lifetime time.Duration
}

// SandboxHandle references one provisioned container
type SandboxHandle struct {
	ID          string
	Name        string
	Workdir     string
	ExecutionID string

	orch     *Orchestrator
	env      []string
	user     string
	once     sync.Once
	closeErr error
}

// Create provisions a container for spec and copies the archive into its
// working directory. Connection failures are wrapped in ErrBackendUnavailable.
// A partially created container is removed before an error is returned.
func (o *Orchestrator) Create(ctx context.Context, spec SandboxSpec) (*SandboxHandle, error) {
	if o.cli == nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, errNoClient)
	}
	desc := spec.Descriptor
	name := "polyrun-" + spec.ExecutionID

	config, hostConfig := o.containerConfig(spec)

	resp, err := o.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil && cerrdefs.IsNotFound(err) && o.config.PullMissingImages {
		if pullErr := o.pullImage(ctx, desc.Image); pullErr != nil {
			return nil, o.classify(pullErr)
		}
		resp, err = o.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		return nil, o.classify(fmt.Errorf("create container: %w", err))
	}

	handle := &SandboxHandle{
		ID:          resp.ID,
		Name:        name,
		Workdir:     o.config.Workdir,
		ExecutionID: spec.ExecutionID,
		orch:        o,
		env:         append([]string{"HOME=/tmp"}, desc.Environ()...),
		user:        config.User,
	}

	if err := o.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, o.abandon(handle, fmt.Errorf("start container: %w", err))
	}

	if err := o.provision(ctx, handle, spec.Archive); err != nil {
		return nil, o.abandon(handle, err)
	}

	o.logger.Debug("sandbox provisioned",
		zap.String("container_id", resp.ID),
		zap.String("container_name", name),
		zap.String("image", desc.Image))

	return handle, nil
}

func (o *Orchestrator) containerConfig(spec SandboxSpec) (*container.Config, *container.HostConfig) {
	desc := spec.Descriptor
	user := o.config.User
	if desc.User != "" {
		user = desc.User
	}
	lifetime := int64(math.Ceil((spec.Lifetime + lifetimeMargin).Seconds()))

	config := &container.Config{
		Image:           desc.Image,
		Entrypoint:      []string{"sleep", strconv.FormatInt(lifetime, 10)},
		User:            user,
		WorkingDir:      o.config.Workdir,
		NetworkDisabled: true,
		Labels: map[string]string{
			labelManaged:     "true",
			labelExecutionID: spec.ExecutionID,
			labelCaller:      spec.CallerID,
		},
	}

	memory := desc.Limits.MemoryMB * 1024 * 1024
	pids := desc.Limits.Pids
	tmpfs := fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", o.config.TmpfsSizeMB)

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		CapAdd:         desc.CapAdd,
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			o.config.Workdir: tmpfs,
			"/tmp":           tmpfs,
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(desc.Limits.CPUs * 1e9),
		},
	}
	if pids > 0 {
		hostConfig.Resources.PidsLimit = &pids
	}
	if desc.Limits.NoFile > 0 {
		hostConfig.Resources.Ulimits = []*container.Ulimit{
			{Name: "nofile", Soft: desc.Limits.NoFile, Hard: desc.Limits.NoFile},
		}
	}

	return config, hostConfig
}

func (o *Orchestrator) pullImage(ctx context.Context, ref string) error {
	o.logger.Info("pulling missing image", zap.String("image", ref))
	reader, err := o.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consume pull output for %s: %w", ref, err)
	}
	return nil
}

// provision extracts the archive inside the running container. Docker's copy
// API cannot write into tmpfs mounts of a read-only rootfs, so the archive is
// piped through tar instead.
func (o *Orchestrator) provision(ctx context.Context, h *SandboxHandle, archive []byte) error {
	proc, err := h.start(ctx, languages.Command{Argv: []string{"tar", "-x", "-f", "-", "-C", h.Workdir}}, string(archive))
	if err != nil {
		return fmt.Errorf("provision files: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timer := time.NewTimer(provisionTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		proc.Abort()
		<-done
		return fmt.Errorf("provision files: timed out after %s", provisionTimeout)
	}
	if err != nil {
		return fmt.Errorf("provision files: %w", err)
	}

	status, err := proc.ExitStatus(ctx)
	if err != nil {
		return fmt.Errorf("provision files: %w", err)
	}
	if status.code != 0 {
		_, stderr := proc.Output()
		return fmt.Errorf("provision files: tar exited with %d: %s", status.code, normalizeText(stderr))
	}
	return nil
}

func (o *Orchestrator) classify(err error) error {
	if isConnectionFailure(err) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}

func (o *Orchestrator) abandon(h *SandboxHandle, cause error) error {
	if err := h.Teardown(); err != nil {
		o.logger.Error("failed to remove partial sandbox", zap.String("container_id", h.ID), zap.Error(err))
	}
	return o.classify(cause)
}

// Sweep removes managed containers left behind by a previous process
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.cli == nil {
		return 0, errNoClient
	}
	list, err := o.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range list {
		err := o.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", c.ID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		o.logger.Info("removed leftover sandboxes", zap.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// Teardown force-removes the container. It runs at most once; later calls
// return the first result.
func (h *SandboxHandle) Teardown() error {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		err := h.orch.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			h.closeErr = fmt.Errorf("remove container %s: %w", h.ID, err)
		}
	})
	return h.closeErr
}

// OOMKilled reports whether the kernel OOM killer fired inside the container
func (h *SandboxHandle) OOMKilled(ctx context.Context) bool {
	info, err := h.orch.cli.ContainerInspect(ctx, h.ID)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.OOMKilled
}

func (h *SandboxHandle) start(ctx context.Context, cmd languages.Command, stdin string) (process, error) {
	cli := h.orch.cli
	created, err := cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		User:         h.user,
		WorkingDir:   h.Workdir,
		Env:          h.env,
		Cmd:          cmd.Args(),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	hj, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	p := &execProcess{
		handle: h,
		execID: created.ID,
		hj:     hj,
		done:   make(chan struct{}),
	}

	go func() {
		if stdin != "" {
			_, _ = io.Copy(hj.Conn, strings.NewReader(stdin))
		}
		_ = hj.CloseWrite()
	}()

	go func() {
		defer close(p.done)
		_, p.copyErr = io.Copy(&p.raw, hj.Reader)
	}()

	return p, nil
}

// execProcess is one exec session attached to a sandbox
type execProcess struct {
	handle  *SandboxHandle
	execID  string
	hj      types.HijackedResponse
	raw     bytes.Buffer
	copyErr error
	done    chan struct{}
	aborted bool
	mu      sync.Mutex
}

func (p *execProcess) Wait() error {
	<-p.done
	p.hj.Close()
	p.mu.Lock()
	aborted := p.aborted
	p.mu.Unlock()
	if aborted {
		return nil
	}
	return p.copyErr
}

// Kill sends SIGKILL to the whole container. Exec sessions have no signal
// API, and the container holds nothing else worth keeping.
func (p *execProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := p.handle.orch.cli.ContainerKill(ctx, p.handle.ID, "KILL")
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("kill container %s: %w", p.handle.ID, err)
	}
	return nil
}

func (p *execProcess) Abort() {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
	p.hj.Close()
}

func (p *execProcess) Output() (stdout, stderr []byte) {
	<-p.done
	return Demux(p.raw.Bytes())
}

// ExitStatus waits for the daemon to record the exit code. The attach stream
// can close slightly before the exec is marked as stopped.
func (p *execProcess) ExitStatus(ctx context.Context) (exitStatus, error) {
	cli := p.handle.orch.cli
	deadline := time.Now().Add(p.handle.orch.config.KillGrace)
	for {
		info, err := cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return exitStatus{}, fmt.Errorf("inspect exec: %w", err)
		}
		if !info.Running {
			status := exitStatus{code: info.ExitCode}
			if info.ExitCode == exitCodeKilled {
				status.oomKilled = p.handle.OOMKilled(ctx)
			}
			return status, nil
		}
		if time.Now().After(deadline) {
			return exitStatus{}, fmt.Errorf("exec %s still running after output closed", p.execID)
		}
		time.Sleep(inspectInterval)
	}
}
