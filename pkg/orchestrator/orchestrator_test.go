package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/dependency"
	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/resource"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/strategy"
	"github.com/cuemby/ferret/pkg/types"
)

const (
	waitFor = 5 * time.Second
	poll    = 5 * time.Millisecond
)

type rig struct {
	orc      *Orchestrator
	store    *storage.BoltStore
	events   *events.Broker
	broker   *resource.Broker
	resolver *dependency.Resolver
	registry *scanop.Registry
}

// newRig wires a full orchestrator against a throwaway bolt store with
// timings tightened for tests.
func newRig(t *testing.T, mut ...func(*Config)) *rig {
	return newRigPools(t, nil, mut...)
}

func newRigPools(t *testing.T, pools []resource.PoolSpec, mut ...func(*Config)) *rig {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ev := events.NewBroker()
	ev.Start()
	t.Cleanup(ev.Stop)

	registry := scanop.NewRegistry()
	broker := resource.NewBroker(resource.Config{Pools: pools, Events: ev})
	resolver := dependency.NewResolver(dependency.Config{Store: store, Events: ev})

	cfg := Config{
		Store:             store,
		Events:            ev,
		Broker:            broker,
		Resolver:          resolver,
		Strategy:          strategy.NewEngine(strategy.Config{}),
		Registry:          registry,
		WorkerCount:       4,
		TickInterval:      10 * time.Millisecond,
		DispatchInterval:  5 * time.Millisecond,
		CancellationGrace: 300 * time.Millisecond,
		DefaultRetry: &types.RetryPolicy{
			MaxAttempts: 3,
			Base:        10 * time.Millisecond,
			Cap:         40 * time.Millisecond,
		},
	}
	for _, m := range mut {
		m(&cfg)
	}
	orc := NewOrchestrator(cfg)
	orc.Run()
	t.Cleanup(orc.Stop)

	return &rig{
		orc:      orc,
		store:    store,
		events:   ev,
		broker:   broker,
		resolver: resolver,
		registry: registry,
	}
}

func (r *rig) register(t *testing.T, typ string, fn func(ctx context.Context, req scanop.Request) (scanop.Result, error)) {
	t.Helper()
	require.NoError(t, r.registry.Register(scanop.Func{OpType: typ, Fn: fn}))
}

func (r *rig) waitStatus(t *testing.T, id string, want types.OrchestrationStatus) *types.Orchestration {
	t.Helper()
	var last *types.Orchestration
	require.Eventually(t, func() bool {
		o, err := r.orc.Get(id)
		if err != nil {
			return false
		}
		last = o
		return o.Status == want
	}, waitFor, poll, "orchestration never reached %s", want)
	return last
}

func (r *rig) waitStage(t *testing.T, id, name string, want types.StageStatus) *types.Stage {
	t.Helper()
	var last *types.Stage
	require.Eventually(t, func() bool {
		st := r.findStage(t, id, name)
		if st == nil {
			return false
		}
		last = st
		return st.Status == want
	}, waitFor, poll, "stage %s never reached %s", name, want)
	return last
}

func (r *rig) stage(t *testing.T, id, name string) *types.Stage {
	t.Helper()
	st := r.findStage(t, id, name)
	require.NotNil(t, st, "stage %s not found", name)
	return st
}

func (r *rig) findStage(t *testing.T, id, name string) *types.Stage {
	t.Helper()
	stages, err := r.orc.Stages(id)
	if err != nil {
		return nil
	}
	for _, st := range stages {
		if st.Name == name {
			return st
		}
	}
	return nil
}

func targets() *types.ScanTargets {
	return &types.ScanTargets{DataSources: []string{"pg-main"}}
}

// countOp returns an operation that succeeds immediately and counts its
// invocations.
func countOp(calls *atomic.Int32, res scanop.Result) func(context.Context, scanop.Request) (scanop.Result, error) {
	return func(context.Context, scanop.Request) (scanop.Result, error) {
		calls.Add(1)
		return res, nil
	}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	r := newRig(t)

	done := r.events.Subscribe(events.Filter{Types: []events.EventType{events.EventOrchestrationCompleted}})
	defer r.events.Unsubscribe(done)

	var mu sync.Mutex
	var order []string
	var profileUpstream map[string]any

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		mu.Lock()
		order = append(order, "discover")
		mu.Unlock()
		return scanop.Result{
			Outputs:        map[string]any{"tables": 12},
			ItemsProcessed: 12,
			Cost:           1.5,
		}, nil
	})
	r.register(t, "profiling", func(_ context.Context, req scanop.Request) (scanop.Result, error) {
		mu.Lock()
		order = append(order, "profile")
		profileUpstream, _ = req.Inputs["upstream"].(map[string]any)
		mu.Unlock()
		return scanop.Result{
			Outputs:        map[string]any{"profiles": 12},
			ItemsProcessed: 12,
			Cost:           2.5,
		}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Name:        "nightly-discovery",
		Type:        types.TypeDiscovery,
		Priority:    types.PriorityHigh,
		Targets:     targets(),
		SubmittedBy: "svc-catalog",
		Stages: []StageSpec{
			{Name: "discover", Type: "discovery"},
			{Name: "profile", Type: "profiling", Prereqs: []string{"discover"}},
		},
	})
	require.NoError(t, err)
	require.True(t, len(id) > 5 && id[:5] == "orch-")

	o := r.waitStatus(t, id, types.StatusCompleted)

	// lifecycle bookkeeping
	assert.False(t, o.ActualStart.IsZero())
	assert.False(t, o.Completion.IsZero())
	assert.Empty(t, o.ReservationID)
	assert.NotNil(t, o.Plan)
	assert.Greater(t, o.EstimatedCost, 0.0)
	assert.InDelta(t, 4.0, o.ActualCost, 0.001)
	assert.Equal(t, 100, o.Progress.Percent)
	assert.Equal(t, 2, o.Progress.StagesDone)
	assert.Equal(t, 24, o.Progress.ItemsDone)

	// outcome rollup
	require.NotNil(t, o.Outcome)
	assert.Equal(t, types.StatusCompleted, o.Outcome.Status)
	assert.Equal(t, 2, o.Outcome.StagesSucceeded)
	assert.Equal(t, 24, o.Outcome.ItemsProcessed)
	assert.Contains(t, o.Outcome.Outputs, "discover")
	assert.Contains(t, o.Outcome.Outputs, "profile")

	// stage records
	disc := r.stage(t, id, "discover")
	prof := r.stage(t, id, "profile")
	assert.Equal(t, types.StageSucceeded, disc.Status)
	assert.Equal(t, types.StageSucceeded, prof.Status)
	assert.Equal(t, 1, disc.AttemptCount)
	assert.EqualValues(t, 12, disc.Outputs["tables"])

	// prerequisite ordering and upstream outputs
	mu.Lock()
	assert.Equal(t, []string{"discover", "profile"}, order)
	require.NotNil(t, profileUpstream)
	up, ok := profileUpstream["discover"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12, up["tables"])
	mu.Unlock()

	// resources fully returned
	pools := r.broker.Utilization()
	assert.Equal(t, 0.0, pools[types.PoolWorkers].Reserved)
	assert.Equal(t, 0.0, pools[types.PoolWorkers].InUse)

	select {
	case e := <-done.C():
		assert.Equal(t, id, e.OrchestrationID)
	case <-time.After(waitFor):
		t.Fatal("completion event never arrived")
	}

	assert.Equal(t, 0, r.orc.QueueDepth())
}

func TestControlsOnMissingOrTerminal(t *testing.T) {
	r := newRig(t)
	var calls atomic.Int32
	r.register(t, "discovery", countOp(&calls, scanop.Result{ItemsProcessed: 1}))

	// unknown ID
	_, err := r.orc.Get("orch-nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(r.orc.Pause("orch-nope", "x"), types.ErrNotFound))
	assert.True(t, errors.Is(r.orc.Cancel("orch-nope", "x"), types.ErrNotFound))

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)
	r.waitStatus(t, id, types.StatusCompleted)

	// every control conflicts once the run is over
	assert.True(t, errors.Is(r.orc.Pause(id, "x"), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Resume(id), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Terminate(id, "x"), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Retry(id), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Cancel(id, "x"), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Approve(id, "dba"), types.ErrConflict))
	err = r.orc.ReportStageResult(id, "stage-x", scanop.Result{}, nil)
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestConditionRoutesStages(t *testing.T) {
	r := newRig(t)

	var auditRuns atomic.Int32
	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{Outputs: map[string]any{"count": 150}, ItemsProcessed: 150}, nil
	})
	r.register(t, "profiling", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{ItemsProcessed: 10}, nil
	})
	r.register(t, "compliance", countOp(&auditRuns, scanop.Result{}))

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{
			{Name: "discover", Type: "discovery"},
			{Name: "deep-profile", Type: "profiling", Prereqs: []string{"discover"},
				Condition: ".discover.count > 100"},
			{Name: "audit", Type: "compliance", Prereqs: []string{"discover"},
				Condition: ".discover.count > 1000"},
		},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusCompleted)

	assert.Equal(t, types.StageSucceeded, r.stage(t, id, "deep-profile").Status)
	audit := r.stage(t, id, "audit")
	assert.Equal(t, types.StageSkipped, audit.Status)
	assert.Equal(t, "condition not met", audit.LastError)
	assert.Equal(t, int32(0), auditRuns.Load())

	require.NotNil(t, o.Outcome)
	assert.Equal(t, 2, o.Outcome.StagesSucceeded)
	assert.Equal(t, 1, o.Outcome.StagesSkipped)
	assert.Equal(t, 100, o.Progress.Percent)
}

func TestMandatoryFailureCascades(t *testing.T) {
	r := newRig(t)

	var downstream atomic.Int32
	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, types.Fatal(errors.New("source unreachable"))
	})
	r.register(t, "profiling", countOp(&downstream, scanop.Result{}))

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{
			{Name: "extract", Type: "discovery"},
			{Name: "transform", Type: "profiling", Prereqs: []string{"extract"}},
			{Name: "load", Type: "profiling", Prereqs: []string{"transform"}},
		},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusFailed)

	assert.Equal(t, "stage_failed", o.StatusReason)
	assert.Contains(t, o.LastError, "extract")

	extract := r.stage(t, id, "extract")
	assert.Equal(t, types.StageFailed, extract.Status)
	assert.Equal(t, 1, extract.AttemptCount, "fatal errors must not burn retries")
	assert.Equal(t, types.StageSkipped, r.stage(t, id, "transform").Status)
	assert.Equal(t, types.StageSkipped, r.stage(t, id, "load").Status)
	assert.Equal(t, int32(0), downstream.Load())

	require.NotNil(t, o.Outcome)
	assert.Equal(t, 1, o.Outcome.StagesFailed)
	assert.Equal(t, 2, o.Outcome.StagesSkipped)
}

func TestOptionalFailureDoesNotSinkRun(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{ItemsProcessed: 5}, nil
	})
	r.register(t, "quality", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, types.Fatal(errors.New("sampler crashed"))
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{
			{Name: "discover", Type: "discovery"},
			{Name: "sample", Type: "quality", Optional: true},
			{Name: "post-sample", Type: "discovery", Prereqs: []string{"sample"}},
		},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusCompleted)

	assert.Equal(t, types.StageFailed, r.stage(t, id, "sample").Status)
	// stages behind the optional failure still cascade to skipped
	assert.Equal(t, types.StageSkipped, r.stage(t, id, "post-sample").Status)
	require.NotNil(t, o.Outcome)
	assert.Equal(t, 1, o.Outcome.StagesSucceeded)
	assert.Equal(t, 1, o.Outcome.StagesFailed)
}

func TestStageRetriesTransientFailures(t *testing.T) {
	r := newRig(t)

	retrying := r.events.Subscribe(events.Filter{Types: []events.EventType{events.EventStageRetrying}})
	defer r.events.Unsubscribe(retrying)

	r.register(t, "discovery", func(_ context.Context, req scanop.Request) (scanop.Result, error) {
		if req.Attempt < 3 {
			return scanop.Result{}, types.Retryable(errors.New("connection reset by peer"))
		}
		return scanop.Result{ItemsProcessed: 4}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 3, Base: 5 * time.Millisecond, Cap: 15 * time.Millisecond},
		}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, 3, r.stage(t, id, "discover").AttemptCount)

	for i := 0; i < 2; i++ {
		select {
		case e := <-retrying.C():
			assert.Equal(t, id, e.OrchestrationID)
		case <-time.After(waitFor):
			t.Fatalf("retry event %d never arrived", i+1)
		}
	}
}

func TestStageRetryExhaustionFailsRun(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, types.Retryable(errors.New("connection reset by peer"))
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 2, Base: 5 * time.Millisecond},
		}},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusFailed)

	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageFailed, st.Status)
	assert.Equal(t, 2, st.AttemptCount)
	assert.Contains(t, st.LastError, "connection reset")
	assert.Contains(t, o.LastError, "discover")
}

func TestStageTimeoutGetsOneSecondChance(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		<-ctx.Done()
		return scanop.Result{}, ctx.Err()
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Timeout: 25 * time.Millisecond,
			Retry:   &types.RetryPolicy{MaxAttempts: 5, Base: 5 * time.Millisecond},
		}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusFailed)

	// first timeout retries, the second is fatal regardless of budget
	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageFailed, st.Status)
	assert.Equal(t, 2, st.AttemptCount)
	assert.Contains(t, st.LastError, "deadline exceeded")
}

func TestPauseHoldsPendingStages(t *testing.T) {
	r := newRig(t)

	var second atomic.Int32
	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		select {
		case <-time.After(60 * time.Millisecond):
			return scanop.Result{ItemsProcessed: 2}, nil
		case <-ctx.Done():
			return scanop.Result{}, ctx.Err()
		}
	})
	r.register(t, "profiling", countOp(&second, scanop.Result{ItemsProcessed: 1}))

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{
			{Name: "first", Type: "discovery"},
			{Name: "second", Type: "profiling", Prereqs: []string{"first"}},
		},
	})
	require.NoError(t, err)

	r.waitStage(t, id, "first", types.StageRunning)
	require.NoError(t, r.orc.Pause(id, "maintenance window"))

	o := r.waitStatus(t, id, types.StatusPaused)
	assert.Equal(t, "maintenance window", o.StatusReason)

	// the in-flight stage drains and its result is recorded
	r.waitStage(t, id, "first", types.StageSucceeded)

	// nothing new dispatches while paused
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), second.Load())
	assert.Equal(t, types.StageReady, r.stage(t, id, "second").Status)

	require.NoError(t, r.orc.Resume(id))
	r.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, int32(1), second.Load())
}

func TestCancelDrainsInFlightWork(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		// deliberately ignores ctx: finishes inside the grace window
		time.Sleep(70 * time.Millisecond)
		return scanop.Result{Outputs: map[string]any{"tables": 4}, ItemsProcessed: 4, Cost: 1.0}, nil
	})
	r.register(t, "profiling", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{
			{Name: "extract", Type: "discovery"},
			{Name: "load", Type: "profiling", Prereqs: []string{"extract"}},
		},
	})
	require.NoError(t, err)

	r.waitStage(t, id, "extract", types.StageRunning)
	require.NoError(t, r.orc.Cancel(id, "operator request"))
	require.NoError(t, r.orc.Cancel(id, "operator request"), "cancel is idempotent mid-drain")

	o := r.waitStatus(t, id, types.StatusCancelled)
	assert.Equal(t, "operator request", o.StatusReason)

	// in-flight work drained and kept its result; idle work was withdrawn
	extract := r.stage(t, id, "extract")
	assert.Equal(t, types.StageSucceeded, extract.Status)
	assert.EqualValues(t, 4, extract.Outputs["tables"])
	assert.Equal(t, types.StageCancelled, r.stage(t, id, "load").Status)

	require.NotNil(t, o.Outcome)
	assert.Equal(t, types.StatusCancelled, o.Outcome.Status)
	assert.Equal(t, 1, o.Outcome.StagesSucceeded)
	assert.InDelta(t, 1.0, o.Outcome.Cost, 0.001)

	assert.NoError(t, r.orc.Cancel(id, "again"), "cancel after cancelled is a no-op")
}

func TestCancelForceFinalizesAfterGrace(t *testing.T) {
	r := newRig(t, func(c *Config) { c.CancellationGrace = 60 * time.Millisecond })

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		<-gate // a scanner that ignores cancellation entirely
		return scanop.Result{}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	r.waitStage(t, id, "discover", types.StageRunning)
	require.NoError(t, r.orc.Cancel(id, "stuck scanner"))

	o := r.waitStatus(t, id, types.StatusCancelled)
	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageCancelled, st.Status)
	assert.Equal(t, "cancellation grace expired", st.LastError)
	require.NotNil(t, o.Outcome)
	assert.Equal(t, 0, o.Outcome.StagesSucceeded)
}

func TestTerminateKillsImmediately(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		<-ctx.Done()
		return scanop.Result{}, ctx.Err()
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	r.waitStage(t, id, "discover", types.StageRunning)
	require.NoError(t, r.orc.Terminate(id, "security incident"))

	o := r.waitStatus(t, id, types.StatusTerminated)
	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageCancelled, st.Status)
	assert.Equal(t, "security incident", st.LastError)
	require.NotNil(t, o.Outcome)
	assert.Equal(t, types.StatusTerminated, o.Outcome.Status)

	assert.True(t, errors.Is(r.orc.Terminate(id, "again"), types.ErrConflict))
}

func TestApprovalsGateAdmission(t *testing.T) {
	r := newRig(t)

	var runs atomic.Int32
	r.register(t, "discovery", countOp(&runs, scanop.Result{ItemsProcessed: 1}))

	id, err := r.orc.Create(CreateRequest{
		Type:              types.TypeCompliance,
		Targets:           targets(),
		RequiredApprovals: []string{"dba", "secops"},
		Stages:            []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusPendingApproval)
	assert.Equal(t, int32(0), runs.Load())

	assert.True(t, errors.Is(r.orc.Approve(id, ""), types.ErrInvalidRequest))
	assert.True(t, errors.Is(r.orc.Approve(id, "intern"), types.ErrInvalidRequest))

	require.NoError(t, r.orc.Approve(id, "dba"))
	require.NoError(t, r.orc.Approve(id, "dba"), "re-approval is idempotent")
	o, err := r.orc.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingApproval, o.Status, "one of two approvals is not enough")

	require.NoError(t, r.orc.Approve(id, "secops"))
	o = r.waitStatus(t, id, types.StatusCompleted)
	assert.Len(t, o.Approvals, 2)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRejectCancelsPendingApproval(t *testing.T) {
	r := newRig(t)

	var runs atomic.Int32
	r.register(t, "discovery", countOp(&runs, scanop.Result{}))

	id, err := r.orc.Create(CreateRequest{
		Targets:           targets(),
		RequiredApprovals: []string{"dba"},
		Stages:            []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)
	r.waitStatus(t, id, types.StatusPendingApproval)

	require.NoError(t, r.orc.Reject(id, "dba", "too close to quarter end"))

	o := r.waitStatus(t, id, types.StatusCancelled)
	assert.Equal(t, "approval_rejected", o.StatusReason)
	assert.Contains(t, o.LastError, "dba")
	assert.Contains(t, o.LastError, "too close to quarter end")
	assert.Equal(t, int32(0), runs.Load())

	assert.True(t, errors.Is(r.orc.Approve(id, "dba"), types.ErrConflict))
}

func TestApprovalWindowExpires(t *testing.T) {
	r := newRig(t, func(c *Config) { c.ApprovalTimeout = 50 * time.Millisecond })

	var runs atomic.Int32
	r.register(t, "discovery", countOp(&runs, scanop.Result{}))

	id, err := r.orc.Create(CreateRequest{
		Targets:           targets(),
		RequiredApprovals: []string{"dba"},
		Stages:            []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusCancelled)
	assert.Equal(t, "approval_timeout", o.StatusReason)
	assert.Equal(t, int32(0), runs.Load())
}

func TestScheduledStartDefersAdmission(t *testing.T) {
	r := newRig(t)

	var runs atomic.Int32
	r.register(t, "discovery", countOp(&runs, scanop.Result{ItemsProcessed: 1}))

	sched := time.Now().Add(150 * time.Millisecond)
	id, err := r.orc.Create(CreateRequest{
		Targets:        targets(),
		ScheduledStart: sched,
		Stages:         []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusQueued)

	// manual start cannot jump the schedule
	err = r.orc.Start(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConflict))
	assert.Contains(t, err.Error(), "scheduled")

	o := r.waitStatus(t, id, types.StatusCompleted)
	assert.False(t, o.ActualStart.Before(sched), "must not start before the scheduled time")
	assert.Equal(t, int32(1), runs.Load())
}

func TestBudgetDeniedAtAdmissionPauses(t *testing.T) {
	r := newRig(t)

	var runs atomic.Int32
	r.register(t, "discovery", countOp(&runs, scanop.Result{}))

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Budget:  0.001, // below any reservation estimate
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusPaused)
	assert.Equal(t, "budget_exceeded", o.StatusReason)
	assert.Contains(t, o.LastError, "budget")
	assert.Empty(t, o.ReservationID)
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, types.StagePending, r.stage(t, id, "discover").Status)
}

func TestBudgetBlownMidRunPausesThenResumes(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{ItemsProcessed: 10, Cost: 5.0}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Budget:  3.0,
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusPaused)
	assert.Equal(t, "budget_exceeded", o.StatusReason)
	assert.Contains(t, o.LastError, "exceeded budget")
	assert.InDelta(t, 5.0, o.ActualCost, 0.001)
	// the stage's own result is kept; only further work is held
	assert.Equal(t, types.StageSucceeded, r.stage(t, id, "discover").Status)

	// resuming is the operator's budget override
	require.NoError(t, r.orc.Resume(id))
	o = r.waitStatus(t, id, types.StatusCompleted)
	require.NotNil(t, o.Outcome)
	assert.InDelta(t, 5.0, o.Outcome.Cost, 0.001)
}

func TestFailedRunAutoRetries(t *testing.T) {
	r := newRig(t)

	retrying := r.events.Subscribe(events.Filter{Types: []events.EventType{events.EventOrchestrationRetrying}})
	defer r.events.Unsubscribe(retrying)

	var runs atomic.Int32
	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		if runs.Add(1) == 1 {
			return scanop.Result{}, types.Fatal(errors.New("schema drift detected"))
		}
		return scanop.Result{ItemsProcessed: 6}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets:      targets(),
		MaxRetries:   1,
		RetryBackoff: 25 * time.Millisecond,
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 1},
		}},
	})
	require.NoError(t, err)

	select {
	case e := <-retrying.C():
		assert.Equal(t, id, e.OrchestrationID)
	case <-time.After(waitFor):
		t.Fatal("retry event never arrived")
	}

	o := r.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, 1, o.RetryCount)
	assert.Empty(t, o.LastError)
	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageSucceeded, st.Status)
	assert.Equal(t, 1, st.AttemptCount, "attempts reset on orchestration retry")
}

func TestManualRetrySkipsBackoff(t *testing.T) {
	r := newRig(t)

	var runs atomic.Int32
	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		if runs.Add(1) == 1 {
			return scanop.Result{}, types.Fatal(errors.New("schema drift detected"))
		}
		return scanop.Result{ItemsProcessed: 2}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Targets:      targets(),
		MaxRetries:   2,
		RetryBackoff: 10 * time.Second, // auto-retry is far away
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 1},
		}},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusFailed)
	assert.Equal(t, "stage_failed", o.StatusReason)

	require.NoError(t, r.orc.Retry(id))
	o = r.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, 1, o.RetryCount)

	assert.True(t, errors.Is(r.orc.Retry(id), types.ErrConflict))
}

func TestExhaustedRetriesAreTerminal(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, types.Fatal(errors.New("source unreachable"))
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 1},
		}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusFailed)

	// no retry budget: the owner is gone and controls conflict
	assert.True(t, errors.Is(r.orc.Retry(id), types.ErrConflict))
	assert.True(t, errors.Is(r.orc.Cancel(id, "x"), types.ErrConflict))

	stats, ok := r.orc.Stats("")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Failed)
}

func TestCancelPendingAutoRetry(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(context.Context, scanop.Request) (scanop.Result, error) {
		return scanop.Result{}, types.Fatal(errors.New("source unreachable"))
	})

	id, err := r.orc.Create(CreateRequest{
		Targets:      targets(),
		MaxRetries:   3,
		RetryBackoff: 10 * time.Second,
		Stages: []StageSpec{{
			Name: "discover", Type: "discovery",
			Retry: &types.RetryPolicy{MaxAttempts: 1},
		}},
	})
	require.NoError(t, err)

	r.waitStatus(t, id, types.StatusFailed)

	require.NoError(t, r.orc.Cancel(id, "give up"))
	o := r.waitStatus(t, id, types.StatusCancelled)
	assert.Equal(t, "give up", o.StatusReason)

	assert.NoError(t, r.orc.Cancel(id, "again"))
}

func TestPreemptedRunResumesOnCapacity(t *testing.T) {
	pools := []resource.PoolSpec{
		{Type: types.PoolWorkers, Total: 8, Unit: "workers", CostPerUnit: 0.02, NoAutoScale: true},
		{Type: types.PoolCPU, Total: 8, Unit: "cores", CostPerUnit: 0.05, NoAutoScale: true},
		{Type: types.PoolMemory, Total: 8192, Unit: "MB", CostPerUnit: 0.00001, NoAutoScale: true},
		{Type: types.PoolConnections, Total: 64, Unit: "conns", CostPerUnit: 0.001, NoAutoScale: true},
	}
	r := newRigPools(t, pools)

	var calls atomic.Int32
	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done() // first attempt is cut by preemption
			return scanop.Result{}, ctx.Err()
		}
		return scanop.Result{ItemsProcessed: 3}, nil
	})

	id, err := r.orc.Create(CreateRequest{
		Name:     "background-sweep",
		Priority: types.PriorityBackground,
		Targets:  targets(),
		Stages:   []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)
	r.waitStage(t, id, "discover", types.StageRunning)

	// a critical ask for the whole capacity can only be granted by
	// evicting the background reservation
	crit, err := r.broker.Reserve(resource.ReserveRequest{
		OrchestrationID: "orch-critical",
		Priority:        types.PriorityCritical,
		Amounts: map[types.PoolType]float64{
			types.PoolWorkers:     8,
			types.PoolCPU:         8,
			types.PoolMemory:      8192,
			types.PoolConnections: 64,
		},
	})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.StatusPaused)
	assert.Equal(t, "preempted", o.StatusReason)
	assert.Empty(t, o.ReservationID)

	// freed capacity pumps the preempted run back through admission
	r.broker.Release(crit.ID)

	r.waitStatus(t, id, types.StatusCompleted)
	st := r.stage(t, id, "discover")
	assert.Equal(t, types.StageSucceeded, st.Status)
	assert.Equal(t, 2, st.AttemptCount, "the cut attempt reruns after re-admission")
}

func TestExternallyReportedResult(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		<-ctx.Done() // the real work happens out of process
		return scanop.Result{}, ctx.Err()
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	st := r.waitStage(t, id, "discover", types.StageRunning)
	require.NoError(t, r.orc.ReportStageResult(id, st.ID, scanop.Result{
		Outputs:        map[string]any{"synced": true},
		ItemsProcessed: 7,
	}, nil))

	o := r.waitStatus(t, id, types.StatusCompleted)
	require.NotNil(t, o.Outcome)
	assert.Equal(t, 7, o.Outcome.ItemsProcessed)
	assert.Equal(t, true, r.stage(t, id, "discover").Outputs["synced"])

	err = r.orc.ReportStageResult("orch-nope", "stage-x", scanop.Result{}, nil)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRecoverResumesPersistedState(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ev := events.NewBroker()
	ev.Start()
	t.Cleanup(ev.Stop)

	registry := scanop.NewRegistry()
	var runs atomic.Int32
	require.NoError(t, registry.Register(scanop.Func{
		OpType: "discovery",
		Fn:     countOp(&runs, scanop.Result{ItemsProcessed: 9}),
	}))

	cfg := Config{
		Store:            store,
		Events:           ev,
		Broker:           resource.NewBroker(resource.Config{Events: ev}),
		Resolver:         dependency.NewResolver(dependency.Config{Store: store, Events: ev}),
		Strategy:         strategy.NewEngine(strategy.Config{}),
		Registry:         registry,
		WorkerCount:      4,
		TickInterval:     10 * time.Millisecond,
		DispatchInterval: 5 * time.Millisecond,
	}

	// first process: one run finishes, one is parked awaiting approval
	orc1 := NewOrchestrator(cfg)
	orc1.Run()

	doneID, err := orc1.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)
	waitOrch(t, orc1, doneID, types.StatusCompleted)

	heldID, err := orc1.Create(CreateRequest{
		Targets:           targets(),
		RequiredApprovals: []string{"dba"},
		Stages:            []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)
	waitOrch(t, orc1, heldID, types.StatusPendingApproval)

	orc1.Stop()

	// second process: recovery rebuilds owners from the store
	orc2 := NewOrchestrator(cfg)
	require.NoError(t, orc2.Recover())
	orc2.Run()
	t.Cleanup(orc2.Stop)

	stats, ok := orc2.Stats("")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Completed, "recovered terminal runs count into totals")

	require.NoError(t, orc2.Approve(heldID, "dba"))
	waitOrch(t, orc2, heldID, types.StatusCompleted)
	assert.Equal(t, int32(2), runs.Load())

	// terminal runs recover without an owner
	assert.True(t, errors.Is(orc2.Cancel(doneID, "x"), types.ErrConflict))
}

func waitOrch(t *testing.T, orc *Orchestrator, id string, want types.OrchestrationStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		o, err := orc.Get(id)
		return err == nil && o.Status == want
	}, waitFor, poll, "orchestration never reached %s", want)
}

func TestStatsTrackLiveRuns(t *testing.T) {
	r := newRig(t)

	gate := make(chan struct{})
	r.register(t, "discovery", func(ctx context.Context, _ scanop.Request) (scanop.Result, error) {
		select {
		case <-gate:
			return scanop.Result{ItemsProcessed: 8, Cost: 2.0}, nil
		case <-ctx.Done():
			return scanop.Result{}, ctx.Err()
		}
	})

	id, err := r.orc.Create(CreateRequest{
		Targets: targets(),
		Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
	})
	require.NoError(t, err)

	r.waitStage(t, id, "discover", types.StageRunning)

	assert.Contains(t, r.orc.ActiveIDs(), id)
	stats, ok := r.orc.Stats(id)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Active)

	agg, ok := r.orc.Stats("")
	require.True(t, ok)
	assert.Equal(t, 1, agg.Active)

	close(gate)
	r.waitStatus(t, id, types.StatusCompleted)

	require.Eventually(t, func() bool {
		agg, _ := r.orc.Stats("")
		return agg.Completed == 1 && agg.Active == 0
	}, waitFor, poll)
	_, ok = r.orc.Stats(id)
	assert.False(t, ok, "per-run stats end with the owner")
	assert.Empty(t, r.orc.ActiveIDs())
}
