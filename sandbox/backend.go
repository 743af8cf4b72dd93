package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ServerVersion(ctx context.Context) (types.Version, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

var errNoClient = errors.New("docker client not initialized")

// Backend is the liveness and control interface to the Docker daemon
type Backend struct {
	logger       *zap.Logger
	cli          dockerClient
	initErr      error
	probeTimeout time.Duration
}

// newDockerClient connects to host, or to the environment's DOCKER_HOST when empty
func newDockerClient(host string) (dockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func newBackend(logger *zap.Logger, cli dockerClient, initErr error, probeTimeout time.Duration) *Backend {
	return &Backend{
		logger:       logger,
		cli:          cli,
		initErr:      initErr,
		probeTimeout: probeTimeout,
	}
}

// IsAvailable pings the daemon within the probe timeout
func (b *Backend) IsAvailable(ctx context.Context) bool {
	if b.cli == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	if _, err := b.cli.Ping(probeCtx); err != nil {
		b.logger.Debug("isolation backend probe failed", zap.Error(err))
		return false
	}
	return true
}

// Info reports the daemon version and platform
func (b *Backend) Info(ctx context.Context) (string, error) {
	if b.cli == nil {
		if b.initErr != nil {
			return "", b.initErr
		}
		return "", errNoClient
	}
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	v, err := b.cli.ServerVersion(probeCtx)
	if err != nil {
		return "", fmt.Errorf("query server version: %w", err)
	}
	return fmt.Sprintf("Docker %s (API %s, %s/%s)", v.Version, v.APIVersion, v.Os, v.Arch), nil
}

// Close releases the client connection
func (b *Backend) Close() error {
	if b.cli == nil {
		return nil
	}
	return b.cli.Close()
}

// isConnectionFailure reports whether err means the daemon could not be reached
func isConnectionFailure(err error) bool {
	return client.IsErrConnectionFailed(err)
}
