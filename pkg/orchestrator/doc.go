/*
Package orchestrator is the control plane for scan orchestrations: the
lifecycle state machine, stage DAG execution, resource admission,
approvals, retries, cancellation and bulk submission.

# Architecture

Every orchestration is owned by exactly one goroutine. Control calls
(Pause, Cancel, Approve, ...) and stage results become messages on the
owner's mailbox, so lifecycle logic runs single-threaded per
orchestration and never takes a lock:

	        Create ──► owner goroutine ──────────────┐
	                     │  plan → approvals →        │ submit ready
	                     │  admission → DAG walk      ▼
	   control API ────► │  mailbox            ┌─────────────┐
	   (reply chans)     │                     │  scheduler  │
	                     │      results        └──────┬──────┘
	                     ◄──────────────┐             │ NextBatch
	                                    │             ▼
	                              ┌─────┴──────────────────┐
	                              │ dispatcher + N workers │──► scanop.Registry
	                              └────────────────────────┘

The dispatcher sizes batches to free workers and runs stage attempts
through the operation registry. Results are delivered back to the
owning mailbox, which decides success, retry with backoff, or failure
with skip-cascade.

# Lifecycle

	initializing → planning → (pending_approval) → queued → running
	running ↔ paused, running → completing → completed
	any active → failed | cancelled | terminated
	failed → retrying → queued   (automatic, while retries remain)

Admission (queued → running) is two gates in order: the dependency
resolver must report Ready, then the resource broker must grant the
plan's reservation. Denials leave the orchestration queued; the owner
retries on its tick and whenever capacity-release events fire.

# Stage DAG

Stages reference prerequisites by name. A stage becomes ready when all
its prereqs succeeded and its optional jq condition evaluates true
against their outputs; a failed, skipped or cancelled prereq cascades
the stage to skipped. A mandatory stage that exhausts its retry policy
fails the whole orchestration - after in-flight siblings finish.
Optional stage failures only cascade.

Retries back off exponentially per the stage's policy (or the
configured default). A timed-out attempt is retried once; a second
timeout is treated as fatal for that stage.

# Preemption and budget

When the broker preempts a reservation the owner cuts in-flight
attempts, parks the orchestration as paused("preempted") and re-admits
automatically once capacity frees, deadline permitting. Crossing the
cost budget parks it as paused("budget_exceeded") instead; that one
waits for an operator.

# Usage

	core := orchestrator.NewOrchestrator(orchestrator.Config{
		Store:    store,
		Events:   broker,
		Broker:   resources,
		Resolver: resolver,
		Strategy: engine,
		Registry: registry,
	})
	if err := core.Recover(); err != nil {
		return err
	}
	core.Run()
	defer core.Stop()

	id, err := core.Create(orchestrator.CreateRequest{
		Type:     types.TypeDiscovery,
		Priority: types.PriorityHigh,
		Targets:  &types.ScanTargets{DataSources: []string{"warehouse"}},
		Stages: []orchestrator.StageSpec{
			{Name: "discover", Type: "discovery"},
			{Name: "profile", Type: "profiling", Prereqs: []string{"discover"}},
			{Name: "classify", Type: "classification", Prereqs: []string{"profile"},
				Condition: ".profile.rows > 0"},
		},
	})

# See Also

  - pkg/scheduler - the priority queue between owners and workers
  - pkg/resource - reservations, preemption, budget guard
  - pkg/dependency - cross-orchestration gates
  - pkg/strategy - plan selection and adaptation
  - pkg/scanop - the operation registry stages execute against
*/
package orchestrator
