package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// ErrNotLeader marks a write attempted on a follower. Callers should
// retry against LeaderAddr.
var ErrNotLeader = errors.New("not the raft leader")

const applyTimeout = 5 * time.Second

// Config holds the identity and wiring of one cluster node.
type Config struct {
	NodeID   string // stable unique name, e.g. "ferret-1"
	BindAddr string // host:port the raft transport listens on
	DataDir  string // holds the state db, raft log, and snapshots
}

// Member describes one server in the cluster.
type Member struct {
	ID      string
	Address string
	Leader  bool
}

// Node is one member of a replicated deployment. Writes go through the
// raft log so every member's store converges; reads are served from
// the node-local store.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	inner storage.Store

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	logger zerolog.Logger
}

// NewNode prepares a node: data directory, local store, FSM. The raft
// layer starts on Bootstrap or Join.
func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id required: %w", types.ErrInvalidRequest)
	}
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("bind address required: %w", types.ErrInvalidRequest)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory required: %w", types.ErrInvalidRequest)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	inner, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(inner),
		inner:    inner,
		logger:   log.WithComponent("cluster"),
	}, nil
}

// Bootstrap starts raft and seeds a new single-member cluster. Safe to
// call again on restart: an existing log wins over re-bootstrapping.
func (n *Node) Bootstrap() error {
	transport, err := n.setupRaft()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(n.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}

	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			n.logger.Debug().Msg("raft log already exists, skipping bootstrap")
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	n.logger.Info().Str("node", n.nodeID).Str("addr", string(transport.LocalAddr())).
		Msg("bootstrapped single-node cluster")
	return nil
}

// Join starts raft without bootstrapping. The node sits idle until the
// current leader adds it with AddVoter, then it pulls log and
// snapshots over the transport.
func (n *Node) Join() error {
	transport, err := n.setupRaft()
	if err != nil {
		return err
	}

	n.logger.Info().Str("node", n.nodeID).Str("addr", string(transport.LocalAddr())).
		Msg("raft transport up, waiting for the leader to add this node")
	return nil
}

// setupRaft builds the transport, snapshot store, and log stores, then
// starts the raft instance. Once per process; restart recovery goes
// through a fresh Node over the same data directory.
func (n *Node) setupRaft() (*raft.NetworkTransport, error) {
	if n.raft != nil {
		return nil, fmt.Errorf("raft already started")
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)

	// Tuned below the WAN-friendly defaults: LAN deployments detect a
	// dead leader and elect a successor in a few seconds.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}
	n.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}
	n.stableStore = stableStore

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}
	n.raft = r

	return transport, nil
}

// AddVoter adds a member to the cluster. Leader only.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, n.LeaderAddr())
	}

	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}

	n.logger.Info().Str("node", nodeID).Str("addr", address).Msg("voter added")
	return nil
}

// RemoveServer removes a member from the cluster. Leader only.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, n.LeaderAddr())
	}

	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}

	n.logger.Info().Str("node", nodeID).Msg("server removed")
	return nil
}

// Members lists the cluster servers.
func (n *Node) Members() ([]Member, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %v", err)
	}

	leader := n.raft.Leader()
	servers := future.Configuration().Servers
	members := make([]Member, 0, len(servers))
	for _, s := range servers {
		members = append(members, Member{
			ID:      string(s.ID),
			Address: string(s.Address),
			Leader:  s.Address == leader,
		})
	}
	return members, nil
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	if n.raft == nil {
		return false
	}
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, or empty
// when no leader is known.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// WaitForLeader blocks until some node wins an election or the timeout
// passes. Returns the leader address.
func (n *Node) WaitForLeader(timeout time.Duration) (string, error) {
	if n.raft == nil {
		return "", fmt.Errorf("raft not initialized")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr := n.raft.Leader(); addr != "" {
			return string(addr), nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return "", fmt.Errorf("no leader elected within %s", timeout)
}

// Stats exposes raw raft statistics (state, last_log_index,
// applied_index, num_peers, ...).
func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return nil
	}
	return n.raft.Stats()
}

// Store returns the replicated view: writes go through the raft log,
// reads come from the node-local store. Closing the view is a no-op;
// Shutdown owns the underlying resources.
func (n *Node) Store() storage.Store {
	return &replicatedStore{node: n}
}

// Shutdown stops raft and closes the stores.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %v", err)
		}
	}

	if n.logStore != nil {
		if err := n.logStore.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("failed to close raft log store")
		}
	}
	if n.stableStore != nil {
		if err := n.stableStore.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("failed to close raft stable store")
		}
	}

	if n.inner != nil {
		if err := n.inner.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}
	return nil
}

// apply marshals a command, submits it to the log, and waits for the
// FSM result.
func (n *Node) apply(op string, v interface{}) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %v", op, err)
	}

	buf, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := n.raft.Apply(buf, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w, current leader: %s", ErrNotLeader, n.LeaderAddr())
		}
		return fmt.Errorf("failed to apply %s: %v", op, err)
	}

	// The FSM returns the store error, if any.
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}
