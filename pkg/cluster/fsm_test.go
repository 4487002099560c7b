package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

func newTestFSM(t *testing.T) (*FSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewFSM(store), store
}

func logEntry(t *testing.T, op string, v any) *raft.Log {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	buf, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return &raft.Log{Data: buf}
}

// applyOK runs one command and fails the test if the FSM reports an error.
func applyOK(t *testing.T, fsm *FSM, op string, v any) {
	t.Helper()
	resp := fsm.Apply(logEntry(t, op, v))
	if err, ok := resp.(error); ok {
		require.NoError(t, err)
	}
}

func TestFSMApplyPutAndDelete(t *testing.T) {
	fsm, store := newTestFSM(t)

	applyOK(t, fsm, opPutOrchestration, &types.Orchestration{
		ID:     "o-1",
		Name:   "quarterly-audit",
		Status: types.StatusRunning,
	})
	applyOK(t, fsm, opPutStage, &types.Stage{
		ID:              "s-1",
		OrchestrationID: "o-1",
		Name:            "discover",
		Status:          types.StagePending,
	})
	applyOK(t, fsm, opPutEdge, &types.DependencyEdge{
		ID:     "e-1",
		Source: "o-1",
		Target: "o-0",
		Kind:   types.EdgePrerequisite,
	})
	applyOK(t, fsm, opPutReservation, &types.Reservation{
		ID:              "r-1",
		OrchestrationID: "o-1",
	})
	applyOK(t, fsm, opPutAlert, &types.Alert{
		ID:       "a-1",
		Severity: types.SeverityWarning,
		Message:  "queue depth above threshold",
	})

	o, err := store.GetOrchestration("o-1")
	require.NoError(t, err)
	assert.Equal(t, "quarterly-audit", o.Name)
	assert.Equal(t, types.StatusRunning, o.Status)

	st, err := store.GetStage("s-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", st.OrchestrationID)

	_, err = store.GetEdge("e-1")
	require.NoError(t, err)
	_, err = store.GetReservation("r-1")
	require.NoError(t, err)
	_, err = store.GetAlert("a-1")
	require.NoError(t, err)

	// Puts are upserts: re-applying with new fields overwrites
	applyOK(t, fsm, opPutOrchestration, &types.Orchestration{
		ID:     "o-1",
		Name:   "quarterly-audit",
		Status: types.StatusCompleted,
	})
	o, err = store.GetOrchestration("o-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, o.Status)

	// Deletes remove each record
	applyOK(t, fsm, opDeleteStage, "s-1")
	applyOK(t, fsm, opDeleteOrchestration, "o-1")
	applyOK(t, fsm, opDeleteEdge, "e-1")
	applyOK(t, fsm, opDeleteReservation, "r-1")
	applyOK(t, fsm, opDeleteAlert, "a-1")

	_, err = store.GetOrchestration("o-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = store.GetStage("s-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestFSMApplyUnknownOp(t *testing.T) {
	fsm, _ := newTestFSM(t)

	resp := fsm.Apply(logEntry(t, "truncate_everything", "o-1"))
	err, ok := resp.(error)
	require.True(t, ok, "expected an error response")
	assert.Contains(t, err.Error(), "unknown command")
}

func TestFSMApplyMalformedEntry(t *testing.T) {
	fsm, _ := newTestFSM(t)

	resp := fsm.Apply(&raft.Log{Data: []byte("not json")})
	_, ok := resp.(error)
	assert.True(t, ok, "expected an error response")
}

// memSink captures a persisted snapshot in memory.
type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	source, _ := newTestFSM(t)

	// Seed the source node
	applyOK(t, source, opPutOrchestration, &types.Orchestration{ID: "o-1", Name: "audit", Status: types.StatusCompleted})
	applyOK(t, source, opPutOrchestration, &types.Orchestration{ID: "o-2", Name: "sweep", Status: types.StatusRunning})
	applyOK(t, source, opPutStage, &types.Stage{ID: "s-1", OrchestrationID: "o-1", Name: "discover", Status: types.StageSucceeded})
	applyOK(t, source, opPutStage, &types.Stage{ID: "s-2", OrchestrationID: "o-2", Name: "assess", Status: types.StageRunning})
	applyOK(t, source, opPutEdge, &types.DependencyEdge{ID: "e-1", Source: "o-2", Target: "o-1", Kind: types.EdgePrerequisite})
	applyOK(t, source, opPutReservation, &types.Reservation{ID: "r-1", OrchestrationID: "o-2"})
	applyOK(t, source, opPutAlert, &types.Alert{ID: "a-1", Severity: types.SeverityCritical})

	snap, err := source.Snapshot()
	require.NoError(t, err)

	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)
	snap.Release()

	// The restoring node holds stale state that must not survive
	target, targetStore := newTestFSM(t)
	applyOK(t, target, opPutOrchestration, &types.Orchestration{ID: "o-stale", Name: "leftover"})
	applyOK(t, target, opPutEdge, &types.DependencyEdge{ID: "e-stale"})

	require.NoError(t, target.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	orchestrations, err := targetStore.ListOrchestrations()
	require.NoError(t, err)
	assert.Len(t, orchestrations, 2)
	_, err = targetStore.GetOrchestration("o-stale")
	assert.True(t, errors.Is(err, types.ErrNotFound), "stale state should be wiped")

	o, err := targetStore.GetOrchestration("o-1")
	require.NoError(t, err)
	assert.Equal(t, "audit", o.Name)
	assert.Equal(t, types.StatusCompleted, o.Status)

	stages, err := targetStore.ListStagesByOrchestration("o-2")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "assess", stages[0].Name)

	edges, err := targetStore.ListEdges()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "e-1", edges[0].ID)

	_, err = targetStore.GetReservation("r-1")
	require.NoError(t, err)
	_, err = targetStore.GetAlert("a-1")
	require.NoError(t, err)

	// Restore replaces state wholesale, so restoring the same snapshot
	// again converges on the same contents
	require.NoError(t, target.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	orchestrations, err = targetStore.ListOrchestrations()
	require.NoError(t, err)
	assert.Len(t, orchestrations, 2)
}
