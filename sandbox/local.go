package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/polyrun/languages"
)

// LocalExecutor runs bundles with host toolchains when the isolation backend
// is unreachable. It applies the same wall-clock timeout and forced kill as
// the isolated path but no network, memory or CPU restrictions.
type LocalExecutor struct {
	logger    *zap.Logger
	fs        FileSystem
	tempRoot  string
	killGrace time.Duration
	lookPath  func(string) (string, error)
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithLocalFileSystem sets the FileSystem for LocalExecutor
func WithLocalFileSystem(fs FileSystem) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.fs = fs
	}
}

// WithLookPath replaces the toolchain lookup used before provisioning
func WithLookPath(lookPath func(string) (string, error)) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.lookPath = lookPath
	}
}

// NewLocalExecutor creates a LocalExecutor rooted at tempRoot, or at the
// system temp directory when tempRoot is empty.
func NewLocalExecutor(logger *zap.Logger, tempRoot string, killGrace time.Duration, opts ...LocalExecutorOption) *LocalExecutor {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	executor := &LocalExecutor{
		logger:    logger,
		fs:        RealFileSystem{},
		tempRoot:  filepath.Join(tempRoot, "polyrun"),
		killGrace: killGrace,
		lookPath:  exec.LookPath,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Prepare creates a private working directory under the caller's namespace
// and unpacks the bundle into it. The directory removal is registered on sc.
// A missing toolchain is reported as ErrBackendUnavailable.
func (l *LocalExecutor) Prepare(executionID, callerID string, desc *languages.Descriptor, archive []byte, sc *scope) (*LocalWorkspace, error) {
	if err := l.checkToolchain(desc); err != nil {
		return nil, err
	}

	nsDir := filepath.Join(l.tempRoot, namespace(callerID))
	if err := l.fs.MkdirAll(nsDir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create namespace dir: %w", err)
	}

	dir, err := l.fs.MkdirTemp(nsDir, executionID+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	sc.add("temp dir", func() error {
		return l.fs.RemoveAll(dir)
	})

	if err := Unpack(l.fs, archive, dir); err != nil {
		return nil, fmt.Errorf("failed to unpack bundle: %w", err)
	}

	scratch := filepath.Join(dir, scratchDir)
	if err := l.fs.MkdirAll(scratch, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	return &LocalWorkspace{
		Dir:       dir,
		env:       hostEnv(desc, scratch),
		killGrace: l.killGrace,
	}, nil
}

// scratchDir holds everything a toolchain writes outside the sources. The
// leading dot keeps it out of go build package patterns.
const scratchDir = ".tmp"

// hostEnv layers the descriptor environment over the host one. TMPDIR and
// descriptor values under /tmp are moved into scratch so that caches die
// with the working directory. HOME is kept: user-level toolchain managers
// resolve their installs from it.
func hostEnv(desc *languages.Descriptor, scratch string) []string {
	env := append(os.Environ(), "TMPDIR="+scratch)
	for _, kv := range desc.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		env = append(env, key+"="+reroot(value, scratch))
	}
	return env
}

func reroot(value, scratch string) string {
	if value == "/tmp" {
		return scratch
	}
	if rest, ok := strings.CutPrefix(value, "/tmp/"); ok {
		return filepath.Join(scratch, rest)
	}
	return value
}

// Available reports whether the fallback can serve at least one language
func (l *LocalExecutor) Available(reg *languages.Registry) bool {
	for _, desc := range reg.Runnable() {
		if l.checkToolchain(desc) == nil {
			return true
		}
	}
	return false
}

func (l *LocalExecutor) checkToolchain(desc *languages.Descriptor) error {
	cmds := []languages.Command{desc.Run}
	if desc.Compile != nil {
		cmds = append(cmds, *desc.Compile)
	}
	for _, cmd := range cmds {
		program := cmd.Program()
		if strings.HasPrefix(program, "./") {
			continue
		}
		if _, err := l.lookPath(program); err != nil {
			return fmt.Errorf("%w: %s toolchain not found on host: %w", ErrBackendUnavailable, desc.Name, err)
		}
	}
	return nil
}

// namespace maps a caller id onto a single safe path element
func namespace(callerID string) string {
	if callerID == "" {
		return "anonymous"
	}
	var b strings.Builder
	for _, r := range callerID {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// LocalWorkspace is a host directory holding one unpacked bundle
type LocalWorkspace struct {
	Dir       string
	env       []string
	killGrace time.Duration
}

func (w *LocalWorkspace) start(_ context.Context, cmd languages.Command, stdin string) (process, error) {
	args := cmd.Args()
	//nolint:gosec // Running user programs is intended functionality
	c := exec.Command(args[0], args[1:]...)
	c.Dir = w.Dir
	c.Env = w.env
	c.Stdin = strings.NewReader(stdin)
	c.WaitDelay = w.killGrace
	setProcessGroup(c)

	p := &localProcess{cmd: c}
	c.Stdout = &p.stdout
	c.Stderr = &p.stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (p *localProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

func (p *localProcess) Kill() error {
	return killProcessGroup(p.cmd)
}

// Abort is a no-op: WaitDelay already bounds how long Wait blocks on pipes.
func (*localProcess) Abort() {}

func (p *localProcess) Output() (stdout, stderr []byte) {
	return p.stdout.Bytes(), p.stderr.Bytes()
}

func (p *localProcess) ExitStatus(context.Context) (exitStatus, error) {
	if p.cmd.ProcessState == nil {
		return exitStatus{}, errors.New("process has not exited")
	}
	return exitStatus{
		code:      exitCode(p.cmd.ProcessState),
		inferred:  true,
		sigkilled: killedBySignal(p.cmd.ProcessState),
	}, nil
}
