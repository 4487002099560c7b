/*
Package storage provides persistent state management for Ferret using BoltDB.

The storage package defines the Store interface for orchestration state
persistence and implements it with an embedded BoltDB database. All domain
entities (orchestrations, stages, dependency edges, reservations, alerts)
are stored as JSON values in dedicated buckets.

# Architecture

	┌───────────────── STORAGE LAYER ─────────────────┐
	│                                                   │
	│  ┌─────────────────────────────────────┐        │
	│  │           Store Interface            │        │
	│  │  CRUD per entity + filtered lists    │        │
	│  └──────────────────┬──────────────────┘        │
	│                     │                             │
	│  ┌──────────────────▼──────────────────┐        │
	│  │            BoltStore                 │        │
	│  │  - Single file: <data_dir>/ferret.db │        │
	│  │  - One bucket per entity             │        │
	│  │  - JSON-encoded values               │        │
	│  │  - ACID transactions                 │        │
	│  └─────────────────────────────────────┘        │
	└──────────────────────────────────────────────────┘

Buckets:
  - orchestrations: keyed by orchestration ID
  - stages: keyed by stage ID, filtered by orchestration on list
  - edges: dependency edges keyed by edge ID
  - reservations: resource reservations keyed by reservation ID
  - alerts: monitor alerts keyed by alert ID

# Usage

Creating a store:

	store, err := storage.NewBoltStore("/var/lib/ferret")
	if err != nil {
		return err
	}
	defer store.Close()

CRUD operations:

	o := &types.Orchestration{ID: types.NewID(types.IDPrefixOrchestration), Name: "nightly"}
	if err := store.CreateOrchestration(o); err != nil {
		return err
	}

	got, err := store.GetOrchestration(o.ID)
	if errors.Is(err, types.ErrNotFound) {
		// unknown ID
	}

Missing entities are reported with types.ErrNotFound in the error chain.
Updates are upserts; the caller owns read-modify-write ordering.

# Consistency

BoltDB serializes writers, so each call is atomic on its own. Cross-call
consistency (for example stage rows matching their orchestration's
progress counters) is owned by pkg/orchestrator, which funnels every
mutation for one orchestration through a single goroutine.

When clustering is enabled, pkg/cluster wraps this package: mutations
travel through the replicated log and are applied to the local BoltStore
on every node in the same order.

# See Also

  - pkg/types for the persisted entities
  - pkg/cluster for the replicated wrapper
*/
package storage
