/*
Package scheduler provides the priority admission queue between
orchestration owners and the worker pool.

Owners submit stages as they become dispatchable; the dispatcher pulls
batches sized to the free worker capacity. The queue decides WHICH
ready stage runs next, never WHETHER a stage is ready - readiness
(prereqs, conditions, reservations) is the orchestrator's call, made
before Submit and re-checked through guards at batch time.

# Architecture

	┌──────────────────────┐   Submit(Item)   ┌──────────────────┐
	│ orchestration owners │ ───────────────► │      Queue       │
	└──────────────────────┘                  │  (bounded heap)  │
	                                          └────────┬─────────┘
	┌──────────────────────┐  NextBatch(cap)           │
	│      dispatcher      │ ◄─────────────────────────┘
	└──────────┬───────────┘
	           ▼
	     worker pool

The queue is bounded (scheduler_queue_capacity). Submit fails with
QueueFull at the limit, which is the back-pressure signal creators
feel: owners stop declaring stages ready until the queue drains.

# Ordering Policy

Batches come out ordered by:

 1. Effective priority class, highest first.
 2. Deadline slack (deadline - now - expected_remaining), smallest
    first. Items without a deadline sort last within their class.
 3. Round-robin across submitters within the class, resuming after
    the submitter served last.
 4. Submission order (FIFO) as the final tie-break.

Effective priority equals the orchestration priority, except that
background items waiting longer than the aging threshold are treated
as low-priority for scheduling. The promotion is never persisted; it
exists only inside the queue.

Rankings move with the clock, so the queue re-ranks every entry once
per NextBatch and rebuilds the heap before popping. Entries cache
their rank between rebuilds, keeping the heap comparator pure.

# Guards

Dispatch-time vetoes are injected as functions so the queue never
imports orchestrator state:

	q := scheduler.NewQueue(scheduler.Config{
		Capacity: cfg.SchedulerQueueCapacity,
		Guards: scheduler.Guards{
			Runnable:  core.orchestrationRunnable,
			Resourced: core.reservationCovers,
			Unblocked: core.dependenciesSatisfied,
		},
	})

A vetoed item is parked, not dropped: it keeps its place and is
reconsidered on the next batch. Pausing an orchestration therefore
freezes its queued stages in place; cancelling calls Remove, which
drops them.

# Usage

	err := q.Submit(scheduler.Item{
		OrchestrationID: orch.ID,
		StageID:         stage.ID,
		Priority:        orch.Priority,
		SubmittedBy:     orch.SubmittedBy,
		Deadline:        orch.Deadline,
		ReadySince:      stage.ReadySince,
	})
	if errors.Is(err, types.ErrQueueFull) {
		// leave the stage ready; resubmit on the next tick
	}

	for _, it := range q.NextBatch(freeWorkers) {
		dispatch(it)
	}

# Guarantees

  - Within one orchestration, stages dispatch consistent with the DAG,
    because owners only submit stages whose prereqs succeeded.
  - FIFO within the same effective priority class and submitter.
  - No ordering guarantee across priority classes.
  - A submitted stage is returned exactly once unless removed.

# See Also

  - pkg/orchestrator - owners that submit, dispatcher that drains
  - pkg/resource - reservations backing the Resourced guard
  - pkg/dependency - cross-orchestration gates behind Unblocked
*/
package scheduler
