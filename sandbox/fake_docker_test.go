package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// execBehavior scripts one exec session of the fake daemon
type execBehavior struct {
	stdout   string
	stderr   string
	exitCode int
	// hang keeps the exec running until the container is killed.
	hang bool
	// ignoreKill keeps the stream open after a kill until the test ends.
	ignoreKill bool
}

type containerCreateCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

type fakeContainer struct {
	id       string
	name     string
	labels   map[string]string
	killCh   chan struct{}
	killOnce sync.Once
}

func (c *fakeContainer) kill() {
	c.killOnce.Do(func() { close(c.killCh) })
}

type fakeExec struct {
	id          string
	containerID string
	options     container.ExecOptions
	stdin       []byte
	running     bool
	exitCode    int
}

type fakeDockerClient struct {
	mu            sync.Mutex
	nextID        int
	pings         int
	pingErr       error
	createErr     error
	startErr      error
	removeErr     error
	removeDelay   time.Duration
	missingImages map[string]bool
	oomKilled     bool
	imagePulls    []string
	createCalls   []containerCreateCall
	live          map[string]*fakeContainer
	removed       []string
	killed        []string
	execs         map[string]*fakeExec
	execOrder     []*fakeExec
	behavior      func(cmd []string) execBehavior
	closed        bool
	release       chan struct{}
}

func newFakeDockerClient(t *testing.T) *fakeDockerClient {
	f := &fakeDockerClient{
		missingImages: make(map[string]bool),
		live:          make(map[string]*fakeContainer),
		execs:         make(map[string]*fakeExec),
		release:       make(chan struct{}),
		behavior:      func([]string) execBehavior { return execBehavior{} },
	}
	t.Cleanup(func() { close(f.release) })
	return f
}

func (f *fakeDockerClient) setBehavior(fn func(cmd []string) execBehavior) {
	f.mu.Lock()
	f.behavior = fn
	f.mu.Unlock()
}

// commands returns the argv of every exec, in creation order
func (f *fakeDockerClient) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.execOrder))
	for _, e := range f.execOrder {
		out = append(out, strings.Join(e.options.Cmd, " "))
	}
	return out
}

func (f *fakeDockerClient) execsOf(program string) []*fakeExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeExec
	for _, e := range f.execOrder {
		if len(e.options.Cmd) > 0 && e.options.Cmd[0] == program {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeDockerClient) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) Ping(context.Context) (types.Ping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{APIVersion: "1.51", OSType: "linux"}, nil
}

func (f *fakeDockerClient) ServerVersion(context.Context) (types.Version, error) {
	return types.Version{Version: "28.5.1", APIVersion: "1.51", Os: "linux", Arch: "amd64"}, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.imagePulls = append(f.imagePulls, ref)
	delete(f.missingImages, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	if f.missingImages[config.Image] {
		return container.CreateResponse{}, fmt.Errorf("No such image: %s: %w", config.Image, cerrdefs.ErrNotFound)
	}
	id := fmt.Sprintf("container-%d", f.nextID)
	f.nextID++
	f.createCalls = append(f.createCalls, containerCreateCall{name: containerName, config: config, hostConfig: hostConfig})
	f.live[id] = &fakeContainer{id: id, name: containerName, labels: config.Labels, killCh: make(chan struct{})}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[containerID]; !ok {
		return fmt.Errorf("No such container: %s: %w", containerID, cerrdefs.ErrNotFound)
	}
	return f.startErr
}

func (f *fakeDockerClient) ContainerExecCreate(_ context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[containerID]; !ok {
		return container.ExecCreateResponse{}, fmt.Errorf("No such container: %s: %w", containerID, cerrdefs.ErrNotFound)
	}
	id := fmt.Sprintf("exec-%d", f.nextID)
	f.nextID++
	e := &fakeExec{id: id, containerID: containerID, options: options}
	f.execs[id] = e
	f.execOrder = append(f.execOrder, e)
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	e, ok := f.execs[execID]
	if !ok {
		f.mu.Unlock()
		return types.HijackedResponse{}, fmt.Errorf("No such exec instance: %s: %w", execID, cerrdefs.ErrNotFound)
	}
	c := f.live[e.containerID]
	behavior := f.behavior(e.options.Cmd)
	e.running = true
	f.mu.Unlock()

	clientSide, serverSide := net.Pipe()
	conn := &fakeHijackConn{Conn: clientSide, stdinClosed: make(chan struct{})}

	go func() {
		<-conn.stdinClosed
		f.mu.Lock()
		e.stdin = conn.written()
		f.mu.Unlock()

		writeFrames(serverSide, behavior)

		exitCode := behavior.exitCode
		if behavior.hang {
			<-c.killCh
			exitCode = exitCodeKilled
			if behavior.ignoreKill {
				<-f.release
			}
		}

		f.mu.Lock()
		e.running = false
		e.exitCode = exitCode
		f.mu.Unlock()
		_ = serverSide.Close()
	}()

	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func writeFrames(w io.Writer, b execBehavior) {
	if b.stdout != "" {
		_, _ = stdcopy.NewStdWriter(w, stdcopy.Stdout).Write([]byte(b.stdout))
	}
	if b.stderr != "" {
		_, _ = stdcopy.NewStdWriter(w, stdcopy.Stderr).Write([]byte(b.stderr))
	}
}

func (f *fakeDockerClient) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, fmt.Errorf("No such exec instance: %s: %w", execID, cerrdefs.ErrNotFound)
	}
	return container.ExecInspect{
		ExecID:      e.id,
		ContainerID: e.containerID,
		Running:     e.running,
		ExitCode:    e.exitCode,
	}, nil
}

func (f *fakeDockerClient) ContainerKill(_ context.Context, containerID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.live[containerID]
	if !ok {
		return fmt.Errorf("No such container: %s: %w", containerID, cerrdefs.ErrNotFound)
	}
	f.killed = append(f.killed, containerID)
	c.kill()
	return nil
}

func (f *fakeDockerClient) ContainerInspect(_ context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    containerID,
			State: &container.State{OOMKilled: f.oomKilled},
		},
	}, nil
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	time.Sleep(f.removeDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	if f.removeErr != nil {
		return f.removeErr
	}
	c, ok := f.live[containerID]
	if !ok {
		return fmt.Errorf("No such container: %s: %w", containerID, cerrdefs.ErrNotFound)
	}
	c.kill()
	delete(f.live, containerID)
	return nil
}

func (f *fakeDockerClient) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.live {
		if options.Filters.Len() > 0 && !options.Filters.MatchKVList("label", c.labels) {
			continue
		}
		out = append(out, container.Summary{ID: c.id, Names: []string{"/" + c.name}, Labels: c.labels})
	}
	return out, nil
}

// addLeftover registers a container that a previous process did not remove
func (f *fakeDockerClient) addLeftover(id string, labels map[string]string) {
	f.mu.Lock()
	f.live[id] = &fakeContainer{id: id, name: id, labels: labels, killCh: make(chan struct{})}
	f.mu.Unlock()
}

// fakeHijackConn records stdin on the client side. net.Pipe has no half
// close, so CloseWrite only signals the fake daemon.
type fakeHijackConn struct {
	net.Conn
	mu          sync.Mutex
	stdin       bytes.Buffer
	once        sync.Once
	stdinClosed chan struct{}
}

func (c *fakeHijackConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stdinClosed:
		return 0, errors.New("write after CloseWrite")
	default:
	}
	return c.stdin.Write(p)
}

func (c *fakeHijackConn) CloseWrite() error {
	c.once.Do(func() { close(c.stdinClosed) })
	return nil
}

func (c *fakeHijackConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.stdin.Bytes())
}

var _ dockerClient = (*fakeDockerClient)(nil)
