package sandbox

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/polyrun/observability"
)

// State is a step of the per-request lifecycle
type State string

// Lifecycle states
const (
	StateCreated            State = "CREATED"
	StateProvisioned        State = "PROVISIONED"
	StateRunning            State = "RUNNING"
	StateCompleted          State = "COMPLETED"
	StateTimedOut           State = "TIMED_OUT"
	StateCompileFailed      State = "COMPILE_FAILED"
	StateBackendUnavailable State = "BACKEND_UNAVAILABLE"
	StateFailed             State = "FAILED"
	StateTornDown           State = "TORN_DOWN"
)

var transitions = map[State][]State{
	StateCreated:            {StateProvisioned, StateBackendUnavailable, StateCompileFailed, StateFailed, StateTornDown},
	StateBackendUnavailable: {StateProvisioned, StateFailed, StateTornDown},
	StateProvisioned:        {StateRunning, StateCompileFailed, StateFailed, StateTornDown},
	StateRunning:            {StateCompleted, StateTimedOut, StateCompileFailed, StateFailed, StateTornDown},
	StateCompleted:          {StateTornDown},
	StateTimedOut:           {StateTornDown},
	StateCompileFailed:      {StateTornDown},
	StateFailed:             {StateTornDown},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// tracker records the lifecycle state of one request
type tracker struct {
	logger *zap.Logger
	state  State
}

func newTracker(logger *zap.Logger) *tracker {
	return &tracker{logger: logger, state: StateCreated}
}

func (t *tracker) State() State {
	return t.state
}

// to moves the request to next. Invalid transitions leave the state unchanged.
func (t *tracker) to(next State) error {
	if !canTransition(t.state, next) {
		t.logger.Error("invalid lifecycle transition",
			zap.String("from", string(t.state)),
			zap.String("to", string(next)))
		return fmt.Errorf("invalid lifecycle transition %s -> %s", t.state, next)
	}
	if t.state != next {
		t.logger.Debug("lifecycle transition",
			zap.String("from", string(t.state)),
			zap.String("to", string(next)))
	}
	t.state = next
	return nil
}

type release struct {
	name string
	fn   func() error
}

// scope binds acquired resources to their teardown. Close releases them in
// reverse order exactly once.
type scope struct {
	logger   *zap.Logger
	releases []release
	once     sync.Once
	err      error
}

func newScope(logger *zap.Logger) *scope {
	return &scope{logger: logger}
}

func (s *scope) add(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

func (s *scope) Close() error {
	s.once.Do(func() {
		var errs []error
		for i := len(s.releases) - 1; i >= 0; i-- {
			r := s.releases[i]
			if err := r.fn(); err != nil {
				observability.TeardownFailuresTotal.Inc()
				s.logger.Error("teardown failed", zap.String("resource", r.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
			}
		}
		s.releases = nil
		s.err = errors.Join(errs...)
	})
	return s.err
}
