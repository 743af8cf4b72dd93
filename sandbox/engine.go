package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/polyrun/languages"
	"github.com/isdmx/polyrun/logger"
	"github.com/isdmx/polyrun/observability"
)

// Engine executes untrusted code on the isolated path, falling back to host
// toolchains when the isolation backend is unreachable.
type Engine struct {
	logger          *zap.Logger
	registry        *languages.Registry
	backend         *Backend
	orchestrator    *Orchestrator
	local           *LocalExecutor
	supervisor      *supervisor
	fallbackEnabled bool
	maxTimeout      time.Duration
	compileTimeout  time.Duration
	killGrace       time.Duration
}

var _ Executor = (*Engine)(nil)

// job carries the per-request values shared by both paths
type job struct {
	id      string
	req     Request
	desc    *languages.Descriptor
	archive []byte
	timeout time.Duration
	logger  *zap.Logger
	tracker *tracker
}

// Execute runs req and returns exactly one Result or one error.
//
// Unknown and non-runnable languages are rejected before anything is
// allocated. The caller's cancellation is ignored once the request is
// accepted; the wall-clock timeout is the only way a run is cut short.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	desc, err := e.registry.Lookup(req.Language)
	if err != nil {
		observability.RejectedTotal.WithLabelValues("unsupported_language").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	if !desc.Runnable {
		observability.RejectedTotal.WithLabelValues("not_runnable").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotRunnable, desc.Name)
	}

	ctx = context.WithoutCancel(ctx)
	id := uuid.NewString()
	log := logger.ForExecution(e.logger, id, desc.ID, req.CallerID)

	j := &job{
		id:      id,
		req:     req,
		desc:    desc,
		timeout: e.effectiveTimeout(desc, req.TimeoutMs),
		logger:  log,
		tracker: newTracker(log),
	}

	j.archive, err = Pack(desc, req.Code)
	if err != nil {
		return nil, e.internal(j, fmt.Errorf("pack source: %w", err))
	}

	sc := newScope(log)
	out, path, runErr := e.runScoped(ctx, j, sc)
	elapsed := time.Since(started)
	teardownErr := sc.Close()
	if err := j.tracker.to(StateTornDown); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		if errors.Is(runErr, ErrBackendUnavailable) {
			log.Error("no execution path available", zap.Error(runErr))
			return nil, fmt.Errorf("%w: execution %s", ErrBackendUnavailable, id)
		}
		return nil, e.internal(j, runErr)
	}
	if teardownErr != nil {
		return nil, e.internal(j, teardownErr)
	}

	result := &Result{
		Output:        out.stdout,
		Error:         out.stderr,
		ExitCode:      out.exitCode,
		ExecutionTime: elapsed.Milliseconds(),
		ExecutionID:   id,
		Path:          path,
		Language:      desc.Name,
		Status:        out.status,
	}

	observability.ExecutionsTotal.WithLabelValues(desc.ID, string(path), string(out.status)).Inc()
	observability.ExecutionDuration.WithLabelValues(desc.ID, string(path)).Observe(elapsed.Seconds())
	log.Info("execution finished",
		zap.String(logger.KeyPath, string(path)),
		zap.String("status", string(out.status)),
		zap.Int64("execution_time_ms", result.ExecutionTime))

	return result, nil
}

// runScoped provisions a workspace on either path and supervises it. Every
// acquisition is registered on sc.
func (e *Engine) runScoped(ctx context.Context, j *job, sc *scope) (*outcome, Path, error) {
	ws, path, err := e.provision(ctx, j, sc)
	if err != nil {
		if j.tracker.State() != StateBackendUnavailable || !errors.Is(err, ErrBackendUnavailable) {
			_ = j.tracker.to(StateFailed)
		}
		return nil, "", err
	}

	out, err := e.supervisor.run(ctx, ws, j.desc, j.req.Input, j.timeout, j.tracker)
	if err != nil {
		_ = j.tracker.to(StateFailed)
		return nil, path, err
	}
	return out, path, nil
}

func (e *Engine) provision(ctx context.Context, j *job, sc *scope) (workspace, Path, error) {
	reason := "probe"
	if e.backend.IsAvailable(ctx) {
		handle, err := e.orchestrator.Create(ctx, SandboxSpec{
			ExecutionID: j.id,
			CallerID:    j.req.CallerID,
			Descriptor:  j.desc,
			Archive:     j.archive,
			Lifetime:    j.timeout + e.compileTimeout + 2*e.killGrace,
		})
		if err == nil {
			observability.ActiveSandboxes.WithLabelValues(string(PathIsolated)).Inc()
			sc.add("container", func() error {
				observability.ActiveSandboxes.WithLabelValues(string(PathIsolated)).Dec()
				return handle.Teardown()
			})
			if err := j.tracker.to(StateProvisioned); err != nil {
				return nil, "", err
			}
			j.logger.Debug("isolated sandbox ready", zap.String("container_id", handle.ID))
			return handle, PathIsolated, nil
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			return nil, "", err
		}
		j.logger.Warn("isolation backend failed during provisioning", zap.Error(err))
		reason = "connection"
	}

	if err := j.tracker.to(StateBackendUnavailable); err != nil {
		return nil, "", err
	}
	if !e.fallbackEnabled {
		return nil, "", fmt.Errorf("%w: fallback disabled", ErrBackendUnavailable)
	}

	observability.FallbackTotal.WithLabelValues(reason).Inc()
	j.logger.Warn("using local fallback executor", zap.String("reason", reason))

	ws, err := e.local.Prepare(j.id, j.req.CallerID, j.desc, j.archive, sc)
	if err != nil {
		return nil, "", err
	}
	observability.ActiveSandboxes.WithLabelValues(string(PathFallback)).Inc()
	sc.add("fallback gauge", func() error {
		observability.ActiveSandboxes.WithLabelValues(string(PathFallback)).Dec()
		return nil
	})
	if err := j.tracker.to(StateProvisioned); err != nil {
		return nil, "", err
	}
	return ws, PathFallback, nil
}

// effectiveTimeout applies a caller override, capped by the configured maximum
func (e *Engine) effectiveTimeout(desc *languages.Descriptor, overrideMs int64) time.Duration {
	timeout := desc.Timeout()
	if overrideMs > 0 {
		timeout = time.Duration(overrideMs) * time.Millisecond
	}
	if e.maxTimeout > 0 && timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	return timeout
}

// internal logs cause with full context and returns a generic error
func (e *Engine) internal(j *job, cause error) error {
	j.logger.Error("execution failed", zap.Error(cause))
	return fmt.Errorf("%w: execution %s", ErrInternal, j.id)
}

// Languages lists every known language in table order
func (e *Engine) Languages() []languages.Info {
	return e.registry.List()
}

// Status reports the availability of both paths. It never fails.
func (e *Engine) Status(ctx context.Context) SystemStatus {
	status := SystemStatus{
		FallbackAvailable: e.fallbackEnabled && e.local.Available(e.registry),
	}
	if e.backend.IsAvailable(ctx) {
		status.BackendAvailable = true
		info, err := e.backend.Info(ctx)
		if err != nil {
			e.logger.Debug("failed to query backend info", zap.Error(err))
			info = "available"
		}
		status.BackendInfo = info
	} else {
		status.BackendInfo = "unavailable"
	}
	return status
}

// Sweep removes containers left behind by a previous process
func (e *Engine) Sweep(ctx context.Context) error {
	if !e.backend.IsAvailable(ctx) {
		return nil
	}
	_, err := e.orchestrator.Sweep(ctx)
	return err
}

// Close releases the backend client
func (e *Engine) Close() error {
	return e.backend.Close()
}
