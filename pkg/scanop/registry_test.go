package scanop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/metrics"
	"github.com/cuemby/ferret/pkg/types"
)

func echoOp(typ string) Operation {
	return Func{
		OpType: typ,
		Fn: func(ctx context.Context, req Request) (Result, error) {
			return Result{
				Outputs:        map[string]any{"stage": req.StageName},
				ItemsProcessed: req.BatchSize,
			}, nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoOp("discovery")))

	res, err := reg.Execute(context.Background(), "discovery", Request{
		StageName: "discover-sources",
		BatchSize: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, res.ItemsProcessed)
	assert.Equal(t, "discover-sources", res.Outputs["stage"])
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoOp("discovery")))

	err := reg.Register(echoOp("discovery"))
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestRegisterEmptyTypeRejected(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(echoOp(""))
	assert.True(t, errors.Is(err, types.ErrInvalidRequest))
}

func TestExecuteUnknownTypeIsFatal(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "nope", Request{})
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestTypesSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoOp("quality")))
	require.NoError(t, reg.Register(echoOp("classification")))
	require.NoError(t, reg.Register(echoOp("discovery")))

	assert.Equal(t, []string{"classification", "discovery", "quality"}, reg.Types())

	reg.Unregister("discovery")
	assert.False(t, reg.Has("discovery"))
	assert.True(t, reg.Has("quality"))
}

func TestExecuteTimesInvocations(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoOp("timed")))
	require.NoError(t, reg.Register(Func{
		OpType: "timed-broken",
		Fn: func(ctx context.Context, req Request) (Result, error) {
			return Result{}, errors.New("boom")
		},
	}))

	before := testutil.CollectAndCount(metrics.OperationDuration)

	_, err := reg.Execute(context.Background(), "timed", Request{BatchSize: 1})
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), "timed-broken", Request{})
	require.Error(t, err)

	// One new series per (type, outcome) pair.
	assert.Equal(t, before+2, testutil.CollectAndCount(metrics.OperationDuration))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("backend down")
	require.NoError(t, reg.Register(Func{
		OpType: "flaky",
		Fn: func(ctx context.Context, req Request) (Result, error) {
			return Result{}, boom
		},
	}))

	// Trip the breaker: >=5 requests with >=60% failures.
	for i := 0; i < 6; i++ {
		_, err := reg.Execute(context.Background(), "flaky", Request{})
		require.Error(t, err)
	}

	_, err := reg.Execute(context.Background(), "flaky", Request{})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err), "open breaker should look retryable, got %v", err)
	assert.False(t, errors.Is(err, boom), "open breaker should not invoke the operation")
}

func TestCancellationDoesNotTripBreaker(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Func{
		OpType: "cancellable",
		Fn: func(ctx context.Context, req Request) (Result, error) {
			return Result{}, fmt.Errorf("stopped: %w", context.Canceled)
		},
	}))

	for i := 0; i < 10; i++ {
		_, err := reg.Execute(context.Background(), "cancellable", Request{})
		require.Error(t, err)
	}

	state, ok := reg.BreakerState("cancellable")
	require.True(t, ok)
	assert.Equal(t, "closed", state.String())
}
