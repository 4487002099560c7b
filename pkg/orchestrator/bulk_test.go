package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/types"
)

func bulkItem(name string, deps ...int) BulkItem {
	return BulkItem{
		Request: CreateRequest{
			Name:    name,
			Targets: targets(),
			Stages:  []StageSpec{{Name: "discover", Type: "discovery"}},
		},
		DependsOn: deps,
	}
}

func TestBulkCreateValidation(t *testing.T) {
	r := newRig(t, func(c *Config) { c.BulkMaxBatch = 3 })
	r.register(t, "discovery", noopOp)

	_, err := r.orc.BulkCreate(nil, BulkParallel)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "empty batch")

	_, err = r.orc.BulkCreate([]BulkItem{
		bulkItem("a"), bulkItem("b"), bulkItem("c"), bulkItem("d"),
	}, BulkParallel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch of 4 exceeds limit 3")

	_, err = r.orc.BulkCreate([]BulkItem{bulkItem("a"), bulkItem("b", 0)}, BulkParallel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends_on requires hybrid mode")

	_, err = r.orc.BulkCreate([]BulkItem{bulkItem("a")}, BulkMode("zigzag"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown bulk mode "zigzag"`)
}

func TestBulkParallelIsolatesFailures(t *testing.T) {
	r := newRig(t)
	r.register(t, "discovery", noopOp)

	bad := bulkItem("bad")
	bad.Request.Stages = nil

	res, err := r.orc.BulkCreate([]BulkItem{bulkItem("a"), bad, bulkItem("c")}, BulkParallel)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.NotEmpty(t, res.BatchID)

	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.NoError(t, res.Items[0].Err)
	assert.True(t, errors.Is(res.Items[1].Err, types.ErrInvalidRequest))
	assert.Empty(t, res.Items[1].OrchestrationID)
	assert.NoError(t, res.Items[2].Err)

	// survivors carry the batch ID and run normally
	for _, idx := range []int{0, 2} {
		id := res.Items[idx].OrchestrationID
		require.NotEmpty(t, id)
		o := r.waitStatus(t, id, types.StatusCompleted)
		assert.Equal(t, res.BatchID, o.BatchID)
	}

	members, err := r.store.ListOrchestrationsByBatch(res.BatchID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestBulkSequentialContinuesPastFailure(t *testing.T) {
	r := newRig(t)
	r.register(t, "discovery", noopOp)

	bad := bulkItem("bad")
	bad.Request.Targets = nil

	res, err := r.orc.BulkCreate([]BulkItem{bad, bulkItem("b")}, BulkSequential)
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Items[0].Err, types.ErrInvalidRequest))
	require.NoError(t, res.Items[1].Err)
	r.waitStatus(t, res.Items[1].OrchestrationID, types.StatusCompleted)
}

func TestBulkHybridRunsInDependencyOrder(t *testing.T) {
	r := newRig(t)

	var mu sync.Mutex
	var ran []string
	r.register(t, "discovery", func(_ context.Context, req scanop.Request) (scanop.Result, error) {
		mu.Lock()
		ran = append(ran, req.OrchestrationID)
		mu.Unlock()
		return scanop.Result{ItemsProcessed: 1}, nil
	})

	res, err := r.orc.BulkCreate([]BulkItem{
		bulkItem("extract"),
		bulkItem("transform", 0),
		bulkItem("load", 1),
	}, BulkHybrid)
	require.NoError(t, err)
	require.Equal(t, 3, res.Succeeded())

	for _, it := range res.Items {
		r.waitStatus(t, it.OrchestrationID, types.StatusCompleted)
	}

	// prerequisite edges hold each member queued until its dependency
	// completes, so execution follows batch order
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ran, 3)
	assert.Equal(t, res.Items[0].OrchestrationID, ran[0])
	assert.Equal(t, res.Items[1].OrchestrationID, ran[1])
	assert.Equal(t, res.Items[2].OrchestrationID, ran[2])

	edges := r.resolver.Edges()
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, types.EdgePrerequisite, e.Kind)
		assert.True(t, e.Mandatory)
	}
}

func TestBulkHybridRejectsBadIndexes(t *testing.T) {
	r := newRig(t)
	r.register(t, "discovery", noopOp)

	res, err := r.orc.BulkCreate([]BulkItem{
		bulkItem("a"),
		bulkItem("b", 5),
		bulkItem("c", 1),
	}, BulkHybrid)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded())
	require.Error(t, res.Items[1].Err)
	assert.Contains(t, res.Items[1].Err.Error(), "invalid dependency index 5")
	require.Error(t, res.Items[2].Err)
	assert.Contains(t, res.Items[2].Err.Error(), "dependency 1 was not created")

	r.waitStatus(t, res.Items[0].OrchestrationID, types.StatusCompleted)
}

func TestBulkHybridDetectsCycles(t *testing.T) {
	r := newRig(t)
	r.register(t, "discovery", noopOp)

	res, err := r.orc.BulkCreate([]BulkItem{
		bulkItem("a", 1),
		bulkItem("b", 0),
	}, BulkHybrid)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Succeeded())
	for _, it := range res.Items {
		require.Error(t, it.Err)
		assert.Contains(t, it.Err.Error(), "dependency cycle in batch")
	}
}

func TestBulkHybridDependencyFailureGates(t *testing.T) {
	r := newRig(t)

	r.register(t, "discovery", func(_ context.Context, req scanop.Request) (scanop.Result, error) {
		if req.StageName == "discover" {
			return scanop.Result{}, types.Fatal(errors.New("source exploded"))
		}
		return scanop.Result{}, nil
	})

	doomed := bulkItem("doomed")
	dependent := bulkItem("dependent", 0)
	dependent.Request.Stages = []StageSpec{{Name: "follow-up", Type: "discovery"}}

	res, err := r.orc.BulkCreate([]BulkItem{doomed, dependent}, BulkHybrid)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded())

	r.waitStatus(t, res.Items[0].OrchestrationID, types.StatusFailed)

	// the mandatory prerequisite edge can never be satisfied now
	o := r.waitStatus(t, res.Items[1].OrchestrationID, types.StatusFailed)
	assert.Equal(t, "dependency_failed", o.StatusReason)
	assert.Contains(t, o.LastError, "dependency on")
	assert.Equal(t, types.StagePending, r.stage(t, res.Items[1].OrchestrationID, "follow-up").Status)
}
