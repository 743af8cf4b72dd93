package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/polyrun/languages"
)

// exitCodeKilled is the status of a process terminated by SIGKILL
const exitCodeKilled = 137

const timeoutNotice = "Execution timed out"

// processLimitMarkers match the last words of a runtime that could not fork
// or spawn a thread. They hold on both paths because a pids limit does not
// kill the process.
var processLimitMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^(?:[^\n:]+: )+fork: (?:retry: )?Resource temporarily unavailable$`),
	regexp.MustCompile(`(?m)^BlockingIOError: \[Errno 11\] Resource temporarily unavailable$`),
	regexp.MustCompile(`(?m)^RuntimeError: can't start new thread$`),
	regexp.MustCompile(`(?m)^Exception in thread "[^"]*" java\.lang\.OutOfMemoryError: unable to create (?:new )?native thread`),
}

// memoryMarkers match runtime out-of-memory reports. They are only consulted
// on the host, where nothing reports an OOM kill.
var memoryMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?s)Traceback \(most recent call last\):\n.*\nMemoryError(?::[^\n]*)?\n?\z`),
	regexp.MustCompile(`(?m)^Exception in thread "[^"]*" java\.lang\.OutOfMemoryError: (?:Java heap space|GC overhead limit exceeded)`),
	regexp.MustCompile(`(?m)^FATAL ERROR: .*JavaScript heap out of memory$`),
}

type exitStatus struct {
	code      int
	oomKilled bool
	// inferred marks a status read from a host process, where memory
	// exhaustion can only be guessed from the kill signal and stderr.
	inferred bool
	// sigkilled is set when the process died from SIGKILL rather than
	// exiting with status 137.
	sigkilled bool
}

// process is one started step inside a workspace
type process interface {
	// Wait blocks until the process output is drained.
	Wait() error
	// Kill terminates the process unconditionally.
	Kill() error
	// Abort releases the output streams of a process that ignored Kill.
	Abort()
	Output() (stdout, stderr []byte)
	ExitStatus(ctx context.Context) (exitStatus, error)
}

// workspace is a provisioned environment that can start steps
type workspace interface {
	start(ctx context.Context, cmd languages.Command, stdin string) (process, error)
}

type stepResult struct {
	stdout   []byte
	stderr   []byte
	status   exitStatus
	timedOut bool
}

// outcome is the supervised result of compile and run
type outcome struct {
	stdout   string
	stderr   string
	exitCode *int
	status   Status
}

type supervisor struct {
	logger         *zap.Logger
	compileTimeout time.Duration
	killGrace      time.Duration
}

// run executes the compile step, when present, followed by the run step.
// A failed or timed out compile skips the run step.
func (s *supervisor) run(ctx context.Context, ws workspace, desc *languages.Descriptor, input string, timeout time.Duration, tr *tracker) (*outcome, error) {
	if err := tr.to(StateRunning); err != nil {
		return nil, err
	}

	if desc.Compile != nil {
		step, err := s.step(ctx, ws, *desc.Compile, "", s.compileTimeout)
		if err != nil {
			return nil, fmt.Errorf("compile step: %w", err)
		}
		if step.timedOut {
			return s.finish(tr, timedOut(step))
		}
		if step.status.code != 0 {
			diagnostics := normalizeText(step.stderr)
			if diagnostics == "" {
				diagnostics = normalizeText(step.stdout)
			}
			code := step.status.code
			if err := tr.to(StateCompileFailed); err != nil {
				return nil, err
			}
			return &outcome{
				stdout:   normalizeText(step.stdout),
				stderr:   diagnostics,
				exitCode: &code,
				status:   StatusCompileFailed,
			}, nil
		}
	}

	step, err := s.step(ctx, ws, desc.Run, input, timeout)
	if err != nil {
		return nil, fmt.Errorf("run step: %w", err)
	}
	if step.timedOut {
		return s.finish(tr, timedOut(step))
	}

	code := step.status.code
	out := &outcome{
		stdout:   normalizeText(step.stdout),
		stderr:   normalizeText(step.stderr),
		exitCode: &code,
		status:   StatusCompleted,
	}
	if exceeded(step) {
		out.status = StatusResourceExceeded
	}
	return s.finish(tr, out)
}

func (s *supervisor) finish(tr *tracker, out *outcome) (*outcome, error) {
	next := StateCompleted
	if out.status == StatusTimeout {
		next = StateTimedOut
	}
	if err := tr.to(next); err != nil {
		return nil, err
	}
	return out, nil
}

func timedOut(step *stepResult) *outcome {
	stderr := normalizeText(step.stderr)
	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return &outcome{
		stdout: normalizeText(step.stdout),
		stderr: stderr + timeoutNotice,
		status: StatusTimeout,
	}
}

// exceeded classifies a finished run step. In a container the OOMKilled flag
// is the only memory signal trusted; exit code 137 alone can be user code.
func exceeded(step *stepResult) bool {
	status := step.status
	if status.oomKilled || matchesAny(processLimitMarkers, step.stderr) {
		return true
	}
	if !status.inferred {
		return false
	}
	return status.sigkilled || matchesAny(memoryMarkers, step.stderr)
}

func matchesAny(patterns []*regexp.Regexp, b []byte) bool {
	for _, re := range patterns {
		if re.Match(b) {
			return true
		}
	}
	return false
}

// step races one process against an independent wall-clock timer. When the
// timer wins the process is killed, given killGrace to drain its output, and
// then cut off.
func (s *supervisor) step(ctx context.Context, ws workspace, cmd languages.Command, stdin string, timeout time.Duration) (*stepResult, error) {
	proc, err := ws.start(ctx, cmd, stdin)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		s.logger.Debug("step timed out, killing", zap.Stringer("command", cmd), zap.Duration("timeout", timeout))
		if err := proc.Kill(); err != nil {
			s.logger.Warn("failed to kill timed out process", zap.Error(err))
		}
		grace := time.NewTimer(s.killGrace)
		select {
		case <-done:
		case <-grace.C:
			proc.Abort()
			<-done
		}
		grace.Stop()

		stdout, stderr := proc.Output()
		return &stepResult{stdout: stdout, stderr: stderr, timedOut: true}, nil
	}

	if waitErr != nil {
		return nil, fmt.Errorf("wait for %s: %w", cmd.Program(), waitErr)
	}

	status, err := proc.ExitStatus(ctx)
	if err != nil {
		return nil, err
	}
	stdout, stderr := proc.Output()
	return &stepResult{stdout: stdout, stderr: stderr, status: status}, nil
}
