package sandbox

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/polyrun/observability"
)

func TestTrackerTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		valid bool
	}{
		{"Completed", []State{StateProvisioned, StateRunning, StateCompleted, StateTornDown}, true},
		{"TimedOut", []State{StateProvisioned, StateRunning, StateTimedOut, StateTornDown}, true},
		{"CompileFailed", []State{StateProvisioned, StateRunning, StateCompileFailed, StateTornDown}, true},
		{"CompileFailedBeforeRunning", []State{StateCompileFailed, StateTornDown}, true},
		{"Fallback", []State{StateBackendUnavailable, StateProvisioned, StateRunning, StateCompleted, StateTornDown}, true},
		{"NoPathAvailable", []State{StateBackendUnavailable, StateTornDown}, true},
		{"InternalFailure", []State{StateProvisioned, StateFailed, StateTornDown}, true},
		{"IdempotentRunning", []State{StateProvisioned, StateRunning, StateRunning}, true},
		{"SkipProvisioning", []State{StateRunning}, false},
		{"UnavailableAfterProvisioned", []State{StateProvisioned, StateBackendUnavailable}, false},
		{"RunAfterTeardown", []State{StateTornDown, StateRunning}, false},
		{"CompletedToTimedOut", []State{StateProvisioned, StateRunning, StateCompleted, StateTimedOut}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(zaptest.NewLogger(t))
			var err error
			for _, s := range tt.path {
				if err = tr.to(s); err != nil {
					break
				}
			}
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], tr.State())
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid lifecycle transition")
			}
		})
	}
}

func TestScopeReleasesInReverseOrderOnce(t *testing.T) {
	sc := newScope(zaptest.NewLogger(t))

	var order []string
	sc.add("first", func() error {
		order = append(order, "first")
		return nil
	})
	sc.add("second", func() error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestScopeJoinsErrors(t *testing.T) {
	sc := newScope(zaptest.NewLogger(t))

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	ran := 0
	sc.add("a", func() error { ran++; return errA })
	sc.add("b", func() error { ran++; return errB })
	sc.add("c", func() error { ran++; return nil })

	before := testutil.ToFloat64(observability.TeardownFailuresTotal)
	err := sc.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 3, ran)
	assert.Equal(t, 2.0, testutil.ToFloat64(observability.TeardownFailuresTotal)-before)

	// A second Close reports the same error without running releases again.
	assert.Equal(t, err, sc.Close())
	assert.Equal(t, 3, ran)
}
