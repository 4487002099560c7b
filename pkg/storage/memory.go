package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// MemoryStore implements Store with JSON values held in process
// memory. It keeps BoltStore's exact semantics: creates and updates
// are both upserts, deletes are idempotent, and every value crosses a
// JSON round-trip so callers never share pointers with the store.
// Useful for tests and for embedded callers that don't need the state
// to survive the process.
type MemoryStore struct {
	orchestrations table
	stages         table
	edges          table
	reservations   table
	alerts         table

	snapMu    sync.Mutex
	snapshots []*types.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orchestrations: newTable(),
		stages:         newTable(),
		edges:          newTable(),
		reservations:   newTable(),
		alerts:         newTable(),
	}
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Orchestration operations

func (s *MemoryStore) CreateOrchestration(o *types.Orchestration) error {
	return s.orchestrations.put(o.ID, o)
}

func (s *MemoryStore) GetOrchestration(id string) (*types.Orchestration, error) {
	var o types.Orchestration
	if err := s.orchestrations.get(id, &o); err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", id, err)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrchestrations() ([]*types.Orchestration, error) {
	var orchestrations []*types.Orchestration
	err := s.orchestrations.forEach(func(data []byte) error {
		var o types.Orchestration
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		orchestrations = append(orchestrations, &o)
		return nil
	})
	return orchestrations, err
}

func (s *MemoryStore) ListOrchestrationsByStatus(status types.OrchestrationStatus) ([]*types.Orchestration, error) {
	all, err := s.ListOrchestrations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Orchestration
	for _, o := range all {
		if o.Status == status {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) ListOrchestrationsByBatch(batchID string) ([]*types.Orchestration, error) {
	all, err := s.ListOrchestrations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Orchestration
	for _, o := range all {
		if o.BatchID == batchID {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) UpdateOrchestration(o *types.Orchestration) error {
	return s.CreateOrchestration(o)
}

func (s *MemoryStore) DeleteOrchestration(id string) error {
	s.orchestrations.delete(id)
	return nil
}

// Stage operations

func (s *MemoryStore) CreateStage(st *types.Stage) error {
	return s.stages.put(st.ID, st)
}

func (s *MemoryStore) GetStage(id string) (*types.Stage, error) {
	var st types.Stage
	if err := s.stages.get(id, &st); err != nil {
		return nil, fmt.Errorf("stage %s: %w", id, err)
	}
	return &st, nil
}

func (s *MemoryStore) ListStagesByOrchestration(orchestrationID string) ([]*types.Stage, error) {
	var stages []*types.Stage
	err := s.stages.forEach(func(data []byte) error {
		var st types.Stage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		if st.OrchestrationID == orchestrationID {
			stages = append(stages, &st)
		}
		return nil
	})
	return stages, err
}

func (s *MemoryStore) UpdateStage(st *types.Stage) error {
	return s.CreateStage(st)
}

func (s *MemoryStore) DeleteStage(id string) error {
	s.stages.delete(id)
	return nil
}

// Dependency edge operations

func (s *MemoryStore) CreateEdge(e *types.DependencyEdge) error {
	return s.edges.put(e.ID, e)
}

func (s *MemoryStore) GetEdge(id string) (*types.DependencyEdge, error) {
	var e types.DependencyEdge
	if err := s.edges.get(id, &e); err != nil {
		return nil, fmt.Errorf("edge %s: %w", id, err)
	}
	return &e, nil
}

func (s *MemoryStore) ListEdges() ([]*types.DependencyEdge, error) {
	var edges []*types.DependencyEdge
	err := s.edges.forEach(func(data []byte) error {
		var e types.DependencyEdge
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		edges = append(edges, &e)
		return nil
	})
	return edges, err
}

func (s *MemoryStore) ListEdgesBySource(source string) ([]*types.DependencyEdge, error) {
	all, err := s.ListEdges()
	if err != nil {
		return nil, err
	}

	var filtered []*types.DependencyEdge
	for _, e := range all {
		if e.Source == source {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) ListEdgesByTarget(target string) ([]*types.DependencyEdge, error) {
	all, err := s.ListEdges()
	if err != nil {
		return nil, err
	}

	var filtered []*types.DependencyEdge
	for _, e := range all {
		if e.Target == target {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) UpdateEdge(e *types.DependencyEdge) error {
	return s.CreateEdge(e)
}

func (s *MemoryStore) DeleteEdge(id string) error {
	s.edges.delete(id)
	return nil
}

// Reservation operations

func (s *MemoryStore) CreateReservation(r *types.Reservation) error {
	return s.reservations.put(r.ID, r)
}

func (s *MemoryStore) GetReservation(id string) (*types.Reservation, error) {
	var r types.Reservation
	if err := s.reservations.get(id, &r); err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	return &r, nil
}

func (s *MemoryStore) ListReservations() ([]*types.Reservation, error) {
	var reservations []*types.Reservation
	err := s.reservations.forEach(func(data []byte) error {
		var r types.Reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		reservations = append(reservations, &r)
		return nil
	})
	return reservations, err
}

func (s *MemoryStore) UpdateReservation(r *types.Reservation) error {
	return s.CreateReservation(r)
}

func (s *MemoryStore) DeleteReservation(id string) error {
	s.reservations.delete(id)
	return nil
}

// Snapshot operations. The log is append-only and already arrives in
// timestamp order, so a slice stands in for Bolt's ordered bucket.

func (s *MemoryStore) AppendSnapshots(snaps []*types.Snapshot) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	for _, snap := range snaps {
		cp := *snap
		s.snapshots = append(s.snapshots, &cp)
	}
	return nil
}

func (s *MemoryStore) ListSnapshots(orchestrationID string, limit int) ([]*types.Snapshot, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	var out []*types.Snapshot
	for _, snap := range s.snapshots {
		if snap.OrchestrationID == orchestrationID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) DeleteSnapshotsBefore(cutoff time.Time) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if !snap.Timestamp.Before(cutoff) {
			kept = append(kept, snap)
		}
	}
	s.snapshots = kept
	return nil
}

// Alert operations

func (s *MemoryStore) CreateAlert(a *types.Alert) error {
	return s.alerts.put(a.ID, a)
}

func (s *MemoryStore) GetAlert(id string) (*types.Alert, error) {
	var a types.Alert
	if err := s.alerts.get(id, &a); err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *MemoryStore) ListAlerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.alerts.forEach(func(data []byte) error {
		var a types.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		alerts = append(alerts, &a)
		return nil
	})
	return alerts, err
}

func (s *MemoryStore) UpdateAlert(a *types.Alert) error {
	return s.CreateAlert(a)
}

func (s *MemoryStore) DeleteAlert(id string) error {
	s.alerts.delete(id)
	return nil
}

// table is one entity keyspace, the map equivalent of a Bolt bucket.
type table struct {
	mu   *sync.RWMutex
	rows map[string][]byte
}

func newTable() table {
	return table{mu: &sync.RWMutex{}, rows: make(map[string][]byte)}
}

func (t table) put(key string, v any) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", types.ErrInvalidRequest)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.rows[key] = data
	t.mu.Unlock()
	return nil
}

func (t table) get(key string, out any) error {
	t.mu.RLock()
	data, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return types.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (t table) forEach(fn func(data []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, data := range t.rows {
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

func (t table) delete(key string) {
	t.mu.Lock()
	delete(t.rows, key)
	t.mu.Unlock()
}
