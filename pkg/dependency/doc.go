/*
Package dependency manages the inter-orchestration dependency graph:
typed edges, cycle rejection, wait evaluation, and manual overrides.

An edge states that a source orchestration waits on a target
orchestration. The kind decides what "waits on" means:

	prerequisite  target must complete successfully
	blocking      target must not be actively executing
	conditional   target must complete and its outcome must satisfy
	              a jq predicate
	parallel      co-scheduling affinity, never blocks
	sequential    target must reach any terminal state
	optional      like sequential, but never mandatory

# Cycle Rejection

AddEdge refuses any edge that would close a cycle among the
completion-wait kinds (prerequisite, conditional, sequential,
optional). Detection runs Tarjan's strongly connected components over
the current graph plus the candidate; a component larger than one node
means deadlock. Blocking and parallel edges are exempt: blocking waits
on activity rather than completion, and parallel never waits, so
neither can wedge the graph.

# Evaluation

Evaluate(source) classifies every outbound edge of one orchestration:

	satisfied  the wait is over; the status is persisted and an event
	           is published
	waiting    the edge may still resolve; a wait clock starts on the
	           first unsatisfied evaluation
	failed     the edge can never be satisfied: a mandatory
	           prerequisite failed, a condition came up false, or a
	           mandatory wait timed out

The source is ready when nothing is waiting and nothing has failed.
Non-mandatory edges degrade instead of failing: a best-effort
prerequisite on a failed target, a false condition, or an expired wait
all let the source proceed.

Evaluation is pull-based; NotifyCompleted adds a push. When an
orchestration exits the orchestrator notifies the resolver, which
settles the inbound edges that exit satisfied. Scheduling still
re-checks through Evaluate, so a missed notification costs latency,
never correctness, and failure classification stays with Evaluate
alone. Satisfied is a convenience wrapper that reduces a full
evaluation to the ready bit.

Conditional edges see the target through a fixed document shape:
status, items_processed, stages_succeeded, stages_failed,
stages_skipped, cost, last_error, outputs. Predicates are jq programs
evaluated by pkg/condition.

Edges registered as overridable can be force-satisfied by an operator
through Override, which records who and why.

# Usage

	r := dependency.NewResolver(dependency.Config{
		Store:       store,
		Events:      broker,
		DefaultWait: 10 * time.Minute,
	})

	err := r.AddEdge(&types.DependencyEdge{
		Source:    discovery.ID,
		Target:    inventory.ID,
		Kind:      types.EdgePrerequisite,
		Mandatory: true,
	})

	d, err := r.Evaluate(discovery.ID)
	if d.Ready {
		// safe to start
	}

# See Also

  - pkg/condition for predicate evaluation
  - pkg/orchestrator for where readiness gates scheduling
  - pkg/types for edge kinds and statuses
*/
package dependency
