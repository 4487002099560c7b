/*
Package cluster replicates the orchestration store across nodes with
Raft consensus.

A single-process deployment runs straight on BoltDB. When the engine
must survive node loss, cluster wraps that same store in a Raft log:
every write becomes a command applied through an FSM on every voter,
so each node's local store converges on the same state. The rest of
the system keeps talking to a plain storage.Store and never learns
whether replication is on.

# Architecture

	┌──────────────────────── NODE ────────────────────────┐
	│                                                       │
	│  orchestrator / broker / resolver / monitor           │
	│                     │ storage.Store                   │
	│  ┌──────────────────▼───────────────────────────┐    │
	│  │            replicated store view             │    │
	│  │  writes → raft log    reads → local store    │    │
	│  └──────────────────┬───────────────────────────┘    │
	│                     │ Command{Op, Data}               │
	│  ┌──────────────────▼───────────────────────────┐    │
	│  │             Raft consensus layer              │    │
	│  │  leader election, log replication,            │    │
	│  │  snapshot + restore for lagging voters        │    │
	│  └──────────────────┬───────────────────────────┘    │
	│                     │ committed entries               │
	│  ┌──────────────────▼───────────────────────────┐    │
	│  │                    FSM                        │    │
	│  │  put_/delete_ ops applied to the local store  │    │
	│  └──────────────────┬───────────────────────────┘    │
	│                     │                                 │
	│  ┌──────────────────▼───────────────────────────┐    │
	│  │               BoltDB store                    │    │
	│  │  orchestrations, stages, edges,               │    │
	│  │  reservations, alerts                         │    │
	│  └───────────────────────────────────────────────┘    │
	└───────────────────────────────────────────────────────┘

# Commands

State changes travel the log as Command{Op, Data} with JSON payloads:

	put_orchestration      delete_orchestration
	put_stage              delete_stage
	put_edge               delete_edge
	put_reservation        delete_reservation
	put_alert              delete_alert

Creates and updates share a put op because the stores upsert; deletes
are idempotent. Both properties keep log replay after a restart safe.

# Cluster Sizes

  - 1 node: development, no failure tolerance
  - 3 nodes: tolerates 1 failure
  - 5 nodes: tolerates 2 failures

Raft timeouts are tuned for LAN deployments; a dead leader is replaced
in a few seconds.

# Usage

First node:

	n, err := cluster.NewNode(cluster.Config{
		NodeID:   "ferret-1",
		BindAddr: "10.0.0.1:7000",
		DataDir:  "/var/lib/ferret",
	})
	if err != nil {
		return err
	}
	if err := n.Bootstrap(); err != nil {
		return err
	}
	if _, err := n.WaitForLeader(10 * time.Second); err != nil {
		return err
	}

	store := n.Store() // hand to the orchestrator instead of BoltDB

Additional nodes start with Join and wait to be added from the leader:

	_ = n2.Join()                          // on ferret-2
	_ = n1.AddVoter("ferret-2", "10.0.0.2:7000") // on the leader

Writes on a follower fail with ErrNotLeader and name the leader
address to retry against. Reads always serve from the local store.

# Operational Notes

  - DataDir holds the state db (ferret.db), the raft log and stable
    stores (raft-log.db, raft-stable.db), and file snapshots
  - Bootstrap is restart-safe: an existing log wins over re-seeding
  - Stats() feeds the metrics collector (leader flag, log indexes,
    peer count)
  - Shutdown stops raft before closing the stores
*/
package cluster
