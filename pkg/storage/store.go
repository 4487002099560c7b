package storage

import (
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// Store defines the interface for orchestration state storage.
// Implemented by BoltDB-backed storage, and by the cluster layer when
// replication is enabled.
type Store interface {
	// Orchestrations
	CreateOrchestration(o *types.Orchestration) error
	GetOrchestration(id string) (*types.Orchestration, error)
	ListOrchestrations() ([]*types.Orchestration, error)
	ListOrchestrationsByStatus(status types.OrchestrationStatus) ([]*types.Orchestration, error)
	ListOrchestrationsByBatch(batchID string) ([]*types.Orchestration, error)
	UpdateOrchestration(o *types.Orchestration) error
	DeleteOrchestration(id string) error

	// Stages
	CreateStage(st *types.Stage) error
	GetStage(id string) (*types.Stage, error)
	ListStagesByOrchestration(orchestrationID string) ([]*types.Stage, error)
	UpdateStage(st *types.Stage) error
	DeleteStage(id string) error

	// Dependency edges
	CreateEdge(e *types.DependencyEdge) error
	GetEdge(id string) (*types.DependencyEdge, error)
	ListEdges() ([]*types.DependencyEdge, error)
	ListEdgesBySource(source string) ([]*types.DependencyEdge, error)
	ListEdgesByTarget(target string) ([]*types.DependencyEdge, error)
	UpdateEdge(e *types.DependencyEdge) error
	DeleteEdge(id string) error

	// Reservations
	CreateReservation(r *types.Reservation) error
	GetReservation(id string) (*types.Reservation, error)
	ListReservations() ([]*types.Reservation, error)
	UpdateReservation(r *types.Reservation) error
	DeleteReservation(id string) error

	// Snapshots. Telemetry rows are append-only and written in
	// batches; ListSnapshots returns up to limit rows for one
	// orchestration ID ("" for the system scope) in chronological
	// order, newest rows winning when limit trims.
	AppendSnapshots(snaps []*types.Snapshot) error
	ListSnapshots(orchestrationID string, limit int) ([]*types.Snapshot, error)
	DeleteSnapshotsBefore(cutoff time.Time) error

	// Alerts
	CreateAlert(a *types.Alert) error
	GetAlert(id string) (*types.Alert, error)
	ListAlerts() ([]*types.Alert, error)
	UpdateAlert(a *types.Alert) error
	DeleteAlert(id string) error

	// Utility
	Close() error
}
