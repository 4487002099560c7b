/*
Package resource implements the resource broker: typed capacity pools
with atomic reservations, auto-scaling, preemption, and health tracking.

# Architecture

	┌────────────────── RESOURCE BROKER ──────────────────┐
	│                                                       │
	│  Reserve/Release/Adjust            maintenance loop   │
	│        │                                  │           │
	│        ▼                                  ▼           │
	│  ┌──────────────┐              ┌───────────────────┐ │
	│  │ pools        │              │ every tick:        │ │
	│  │  cpu memory  │◄────────────►│  - expire TTLs     │ │
	│  │  io network  │              │  - auto-scale      │ │
	│  │  workers ... │              │  - health check    │ │
	│  └──────────────┘              └───────────────────┘ │
	│        │                                              │
	│        ▼                                              │
	│  reservations (persisted, recovered on restart)       │
	└───────────────────────────────────────────────────────┘

Pools track three figures: Total capacity, Reserved (granted but not yet
running), and InUse (running). Available = Total - Reserved - InUse.

# Reservation Semantics

Reserve is all-or-nothing across pools: if any requested pool lacks
capacity the whole request is denied and nothing is held. Release is
idempotent. Activate moves a reservation's amounts from Reserved to
InUse when the orchestration starts executing.

A denied critical-priority request first evicts background-priority
reservations (newest first) and retries; the evicted orchestrations are
notified through the OnPreempt callback and a reservation.preempted
event. No other priority preempts.

Reservations optionally carry a TTL; the maintenance loop releases
expired ones so abandoned grants cannot leak capacity.

# Budget Guard

A reserve request may carry the orchestration's budget and cost to date.
When the new reservation's estimate would cross the budget the broker
denies with types.ErrBudgetExceeded and holds nothing.

# Auto-Scaling

Each tick, pools above their up-threshold grow by Step (fraction of
current total) toward Max; pools below their down-threshold shrink
toward Min, never below committed capacity. A per-pool cool-down spaces
resizes; a broker-wide rate limiter caps resize frequency under churn.

# Health

Pool health degrades automatically at sustained saturation and recovers
when utilization falls. SetHealth lets an external probe or operator
force a pool unhealthy; unhealthy pools deny all new reservations and
only an explicit SetHealth clears the mark.
*/
package resource
