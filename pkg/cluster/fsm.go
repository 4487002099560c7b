package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// Log operations. Creates and updates share a put op because the
// underlying stores upsert; deletes are idempotent.
const (
	opPutOrchestration    = "put_orchestration"
	opDeleteOrchestration = "delete_orchestration"
	opPutStage            = "put_stage"
	opDeleteStage         = "delete_stage"
	opPutEdge             = "put_edge"
	opDeleteEdge          = "delete_edge"
	opPutReservation      = "put_reservation"
	opDeleteReservation   = "delete_reservation"
	opPutAlert            = "put_alert"
	opDeleteAlert         = "delete_alert"
)

// Command is one replicated state change in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM applies committed log entries to the node-local store. Every
// voter holds the same sequence of commands, so every local store
// converges on the same state.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM wraps the node-local store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply is called by raft once a log entry is committed.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutOrchestration:
		var o types.Orchestration
		if err := json.Unmarshal(cmd.Data, &o); err != nil {
			return err
		}
		return f.store.UpdateOrchestration(&o)

	case opDeleteOrchestration:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteOrchestration(id)

	case opPutStage:
		var st types.Stage
		if err := json.Unmarshal(cmd.Data, &st); err != nil {
			return err
		}
		return f.store.UpdateStage(&st)

	case opDeleteStage:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteStage(id)

	case opPutEdge:
		var e types.DependencyEdge
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.UpdateEdge(&e)

	case opDeleteEdge:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteEdge(id)

	case opPutReservation:
		var r types.Reservation
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return f.store.UpdateReservation(&r)

	case opDeleteReservation:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteReservation(id)

	case opPutAlert:
		var a types.Alert
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.UpdateAlert(&a)

	case opDeleteAlert:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteAlert(id)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	orchestrations, err := f.store.ListOrchestrations()
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestrations: %v", err)
	}

	// Stages hang off their orchestration; collect per parent.
	var stages []*types.Stage
	for _, o := range orchestrations {
		ss, err := f.store.ListStagesByOrchestration(o.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list stages for %s: %v", o.ID, err)
		}
		stages = append(stages, ss...)
	}

	edges, err := f.store.ListEdges()
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %v", err)
	}

	reservations, err := f.store.ListReservations()
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %v", err)
	}

	alerts, err := f.store.ListAlerts()
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %v", err)
	}

	return &stateSnapshot{
		Orchestrations: orchestrations,
		Stages:         stages,
		Edges:          edges,
		Reservations:   reservations,
		Alerts:         alerts,
	}, nil
}

// Restore replaces local state with a snapshot. Raft calls this when a
// node falls too far behind the log and receives a full snapshot
// instead, so anything already in the store must go first.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap stateSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.wipe(); err != nil {
		return fmt.Errorf("failed to clear state before restore: %v", err)
	}

	for _, o := range snap.Orchestrations {
		if err := f.store.UpdateOrchestration(o); err != nil {
			return fmt.Errorf("failed to restore orchestration %s: %v", o.ID, err)
		}
	}
	for _, st := range snap.Stages {
		if err := f.store.UpdateStage(st); err != nil {
			return fmt.Errorf("failed to restore stage %s: %v", st.ID, err)
		}
	}
	for _, e := range snap.Edges {
		if err := f.store.UpdateEdge(e); err != nil {
			return fmt.Errorf("failed to restore edge %s: %v", e.ID, err)
		}
	}
	for _, r := range snap.Reservations {
		if err := f.store.UpdateReservation(r); err != nil {
			return fmt.Errorf("failed to restore reservation %s: %v", r.ID, err)
		}
	}
	for _, a := range snap.Alerts {
		if err := f.store.UpdateAlert(a); err != nil {
			return fmt.Errorf("failed to restore alert %s: %v", a.ID, err)
		}
	}

	return nil
}

// wipe deletes every record so a restore starts from nothing.
func (f *FSM) wipe() error {
	orchestrations, err := f.store.ListOrchestrations()
	if err != nil {
		return err
	}
	for _, o := range orchestrations {
		stages, err := f.store.ListStagesByOrchestration(o.ID)
		if err != nil {
			return err
		}
		for _, st := range stages {
			if err := f.store.DeleteStage(st.ID); err != nil {
				return err
			}
		}
		if err := f.store.DeleteOrchestration(o.ID); err != nil {
			return err
		}
	}

	edges, err := f.store.ListEdges()
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := f.store.DeleteEdge(e.ID); err != nil {
			return err
		}
	}

	reservations, err := f.store.ListReservations()
	if err != nil {
		return err
	}
	for _, r := range reservations {
		if err := f.store.DeleteReservation(r.ID); err != nil {
			return err
		}
	}

	alerts, err := f.store.ListAlerts()
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if err := f.store.DeleteAlert(a.ID); err != nil {
			return err
		}
	}

	return nil
}

// stateSnapshot is the full-state JSON written during log compaction.
type stateSnapshot struct {
	Orchestrations []*types.Orchestration
	Stages         []*types.Stage
	Edges          []*types.DependencyEdge
	Reservations   []*types.Reservation
	Alerts         []*types.Alert
}

// Persist writes the snapshot to the sink raft provides.
func (s *stateSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources. Nothing held.
func (s *stateSnapshot) Release() {}
