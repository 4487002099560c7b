package cluster

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/types"
)

// freePort grabs an ephemeral loopback port for the raft transport.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewNodeValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing node id", cfg: Config{BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}},
		{name: "missing bind addr", cfg: Config{NodeID: "n1", DataDir: t.TempDir()}},
		{name: "missing data dir", cfg: Config{NodeID: "n1", BindAddr: "127.0.0.1:0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(tt.cfg)
			assert.True(t, errors.Is(err, types.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestNodeBeforeRaftStarts(t *testing.T) {
	n, err := NewNode(Config{NodeID: "n1", BindAddr: freePort(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })

	assert.False(t, n.IsLeader())
	assert.Empty(t, n.LeaderAddr())
	assert.Nil(t, n.Stats())

	_, err = n.Members()
	assert.Error(t, err)

	// Writes are rejected until raft is up
	err = n.Store().CreateOrchestration(&types.Orchestration{ID: "o-1"})
	assert.Error(t, err)
}

func TestSingleNodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}

	n, err := NewNode(Config{NodeID: "n1", BindAddr: freePort(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })

	require.NoError(t, n.Bootstrap())

	leader, err := n.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, leader)
	assert.True(t, n.IsLeader())
	assert.Equal(t, leader, n.LeaderAddr())

	// Writes replicate through the log and land in the local store
	store := n.Store()
	require.NoError(t, store.CreateOrchestration(&types.Orchestration{
		ID:     "o-1",
		Name:   "nightly-sweep",
		Status: types.StatusQueued,
	}))
	require.NoError(t, store.CreateStage(&types.Stage{
		ID:              "s-1",
		OrchestrationID: "o-1",
		Name:            "discover",
		Status:          types.StagePending,
	}))

	o, err := store.GetOrchestration("o-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-sweep", o.Name)

	stages, err := store.ListStagesByOrchestration("o-1")
	require.NoError(t, err)
	assert.Len(t, stages, 1)

	// Update flows through the same put op
	o.Status = types.StatusRunning
	require.NoError(t, store.UpdateOrchestration(o))
	o, err = store.GetOrchestration("o-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, o.Status)

	require.NoError(t, store.DeleteStage("s-1"))
	require.NoError(t, store.DeleteOrchestration("o-1"))
	_, err = store.GetOrchestration("o-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	members, err := n.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "n1", members[0].ID)
	assert.True(t, members[0].Leader)

	stats := n.Stats()
	require.NotNil(t, stats)
	assert.Contains(t, stats, "last_log_index")
	assert.Contains(t, stats, "state")

	// The replicated view never owns resources
	assert.NoError(t, store.Close())

	require.NoError(t, n.Shutdown())
}

func TestRestartKeepsState(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}

	dataDir := t.TempDir()

	n1, err := NewNode(Config{NodeID: "n1", BindAddr: freePort(t), DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, n1.Bootstrap())
	_, err = n1.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	require.NoError(t, n1.Store().CreateOrchestration(&types.Orchestration{
		ID:     "o-durable",
		Name:   "survives-restart",
		Status: types.StatusCompleted,
	}))
	require.NoError(t, n1.Shutdown())

	// Same data directory, fresh process: bootstrap detects the
	// existing log and skips re-seeding
	n2, err := NewNode(Config{NodeID: "n1", BindAddr: freePort(t), DataDir: dataDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n2.Shutdown() })

	require.NoError(t, n2.Bootstrap())
	_, err = n2.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	o, err := n2.Store().GetOrchestration("o-durable")
	require.NoError(t, err)
	assert.Equal(t, "survives-restart", o.Name)

	// In-process restart is a programming error, not a retry path
	assert.Error(t, n2.Join())
}

func TestAddVoterRequiresLeadership(t *testing.T) {
	n, err := NewNode(Config{NodeID: "n1", BindAddr: freePort(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })

	// raft not started at all
	assert.Error(t, n.AddVoter("n2", "127.0.0.1:7001"))
	assert.Error(t, n.RemoveServer("n2"))
}
