/*
Package types defines the core data structures used throughout Ferret.

This package contains all fundamental types that represent Ferret's domain
model, including orchestrations, stages, dependency edges, resource pools,
reservations, strategy plans, snapshots, and alerts. These types are used
by all other packages for state management, scheduling, and monitoring.

# Core Types

Orchestration Lifecycle:
  - Orchestration: One end-to-end scan execution with a stage DAG
  - OrchestrationType: Discovery, comprehensive, compliance, etc.
  - OrchestrationStatus: Initializing through completed/failed/cancelled
  - ExecutionMode: Synchronous, asynchronous, batch, adaptive, etc.
  - Priority: Critical down to background; drives scheduling and preemption
  - Outcome: Terminal summary exposed to dependents and callers

Stage Execution:
  - Stage: Single DAG node dispatching one scan operation
  - StageStatus: Pending, ready, running, succeeded, failed, skipped
  - RetryPolicy: Exponential backoff bounds for retryable failures

Dependencies:
  - DependencyEdge: Typed directed relation between orchestrations
  - EdgeKind: Prerequisite, blocking, conditional, parallel, sequential, optional
  - EdgeStatus: Pending, waiting, satisfied, timed out, overridden

Resources:
  - ResourcePool: Typed capacity pool (cpu, memory, workers, ...)
  - ScalePolicy: Auto-scale thresholds, step, and cool-down
  - Reservation: Atomic bundle of pool amounts held by one orchestration

Strategy:
  - StrategyPlan: Parallelism, batch size, depth, timeouts, resource ask
  - StrategyClass: Adaptive, aggressive, conservative, fallback

Monitoring:
  - Snapshot: One periodic observation (per orchestration or system-wide)
  - Alert: Classified, severity-tagged finding with an ack/resolve lifecycle
  - AlertKind, Severity: Classification and ordering for alerts

# State Machine

Orchestrations follow a state machine:

	initializing → planning → queued → running → completing → completed
	                  ↓          ↑        ↕  ↓
	          pending_approval   |      paused ↓
	                  ↓__________|            failed → retrying → queued

	running/paused/queued → cancelled (graceful) or terminated (immediate)

Valid transitions are enforced by pkg/orchestrator; no other package
mutates an orchestration's Status field.

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type StageStatus string
	  const (
	      StagePending StageStatus = "pending"
	      StageRunning StageStatus = "running"
	  )

Optional Fields:

	Optional configurations use pointers:
	  - *RetryPolicy: nil = use configured defaults
	  - *StrategyPlan: nil = not yet planned
	  - *Outcome: nil = not yet terminal

Ordering Helpers:

	Priority.Rank and Severity.Rank map string enums onto integers so
	schedulers and alert handlers can compare without switch statements.

# Thread Safety

All types in this package are designed to be:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers

The orchestrator owns each Orchestration through a single goroutine;
other packages receive copies or treat instances as read-only. The
storage layer handles synchronization for persisted state.

# Serialization

All types are JSON-serializable. The storage layer persists them as
JSON values in BoltDB buckets, and the cluster layer carries them as
JSON payloads inside replicated log commands.

# See Also

  - pkg/orchestrator for lifecycle and DAG execution
  - pkg/resource for pool accounting and scaling
  - pkg/monitor for snapshots and alerts
  - pkg/storage for persistence
*/
package types
