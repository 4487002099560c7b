package cluster

import (
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// replicatedStore satisfies storage.Store on top of a Node. Every
// write becomes a raft command; reads skip the log and hit the local
// store, which trails the leader by at most the commit pipeline.
type replicatedStore struct {
	node *Node
}

func (s *replicatedStore) CreateOrchestration(o *types.Orchestration) error {
	return s.node.apply(opPutOrchestration, o)
}

func (s *replicatedStore) UpdateOrchestration(o *types.Orchestration) error {
	return s.node.apply(opPutOrchestration, o)
}

func (s *replicatedStore) DeleteOrchestration(id string) error {
	return s.node.apply(opDeleteOrchestration, id)
}

func (s *replicatedStore) GetOrchestration(id string) (*types.Orchestration, error) {
	return s.node.inner.GetOrchestration(id)
}

func (s *replicatedStore) ListOrchestrations() ([]*types.Orchestration, error) {
	return s.node.inner.ListOrchestrations()
}

func (s *replicatedStore) ListOrchestrationsByStatus(status types.OrchestrationStatus) ([]*types.Orchestration, error) {
	return s.node.inner.ListOrchestrationsByStatus(status)
}

func (s *replicatedStore) ListOrchestrationsByBatch(batchID string) ([]*types.Orchestration, error) {
	return s.node.inner.ListOrchestrationsByBatch(batchID)
}

func (s *replicatedStore) CreateStage(st *types.Stage) error {
	return s.node.apply(opPutStage, st)
}

func (s *replicatedStore) UpdateStage(st *types.Stage) error {
	return s.node.apply(opPutStage, st)
}

func (s *replicatedStore) DeleteStage(id string) error {
	return s.node.apply(opDeleteStage, id)
}

func (s *replicatedStore) GetStage(id string) (*types.Stage, error) {
	return s.node.inner.GetStage(id)
}

func (s *replicatedStore) ListStagesByOrchestration(orchestrationID string) ([]*types.Stage, error) {
	return s.node.inner.ListStagesByOrchestration(orchestrationID)
}

func (s *replicatedStore) CreateEdge(e *types.DependencyEdge) error {
	return s.node.apply(opPutEdge, e)
}

func (s *replicatedStore) UpdateEdge(e *types.DependencyEdge) error {
	return s.node.apply(opPutEdge, e)
}

func (s *replicatedStore) DeleteEdge(id string) error {
	return s.node.apply(opDeleteEdge, id)
}

func (s *replicatedStore) GetEdge(id string) (*types.DependencyEdge, error) {
	return s.node.inner.GetEdge(id)
}

func (s *replicatedStore) ListEdges() ([]*types.DependencyEdge, error) {
	return s.node.inner.ListEdges()
}

func (s *replicatedStore) ListEdgesBySource(source string) ([]*types.DependencyEdge, error) {
	return s.node.inner.ListEdgesBySource(source)
}

func (s *replicatedStore) ListEdgesByTarget(target string) ([]*types.DependencyEdge, error) {
	return s.node.inner.ListEdgesByTarget(target)
}

func (s *replicatedStore) CreateReservation(r *types.Reservation) error {
	return s.node.apply(opPutReservation, r)
}

func (s *replicatedStore) UpdateReservation(r *types.Reservation) error {
	return s.node.apply(opPutReservation, r)
}

func (s *replicatedStore) DeleteReservation(id string) error {
	return s.node.apply(opDeleteReservation, id)
}

func (s *replicatedStore) GetReservation(id string) (*types.Reservation, error) {
	return s.node.inner.GetReservation(id)
}

func (s *replicatedStore) ListReservations() ([]*types.Reservation, error) {
	return s.node.inner.ListReservations()
}

// Snapshot telemetry stays node-local. Every node samples its own
// view of the system, so replaying another node's metric history
// through the log would only interleave readings that describe
// different processes. The archive rides the local store directly.

func (s *replicatedStore) AppendSnapshots(snaps []*types.Snapshot) error {
	return s.node.inner.AppendSnapshots(snaps)
}

func (s *replicatedStore) ListSnapshots(orchestrationID string, limit int) ([]*types.Snapshot, error) {
	return s.node.inner.ListSnapshots(orchestrationID, limit)
}

func (s *replicatedStore) DeleteSnapshotsBefore(cutoff time.Time) error {
	return s.node.inner.DeleteSnapshotsBefore(cutoff)
}

func (s *replicatedStore) CreateAlert(a *types.Alert) error {
	return s.node.apply(opPutAlert, a)
}

func (s *replicatedStore) UpdateAlert(a *types.Alert) error {
	return s.node.apply(opPutAlert, a)
}

func (s *replicatedStore) DeleteAlert(id string) error {
	return s.node.apply(opDeleteAlert, id)
}

func (s *replicatedStore) GetAlert(id string) (*types.Alert, error) {
	return s.node.inner.GetAlert(id)
}

func (s *replicatedStore) ListAlerts() ([]*types.Alert, error) {
	return s.node.inner.ListAlerts()
}

// Close is a no-op: the node owns the store and the raft stores, and
// releases them in Shutdown.
func (s *replicatedStore) Close() error {
	return nil
}
