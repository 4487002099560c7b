/*
Package strategy decides how an orchestration should run: how many
workers, how big the batches, how deep the scan, and what timeouts
bound it.

# Planning

Plan builds three candidate plans from deterministic formulas:

	adaptive      sized to the workload estimate and history
	aggressive    sized to whatever headroom exists right now
	conservative  small, patient, hard to break

Each candidate is scored as a weighted sum of performance potential
(parallelism x batch, counting only workers that exist), resource fit
against live headroom, risk posture, and the candidate's own
confidence. Critical and high priority work compresses the risk term
so performance dominates the pick. Ties go to the smaller footprint.
The winner is clamped so it never asks for more than the broker has
available.

Identical scan contexts within the memo TTL return the same plan; the
memo key is a structural hash of the context. Baselines - per-type
running averages of duration, throughput, success rate, and cost -
live in a TTL cache fed by RecordOutcome as orchestrations complete.

Any panic inside planning degrades to FallbackPlan (parallelism 2,
batch 50, depth 3, one hour, confidence 0.6) instead of failing the
orchestration.

# Adaptation

Adapt revises a plan between stages:

  - success below 50% or a detected bottleneck halves the remaining
    parallelism and stretches timeouts by half again
  - success at 98%+ with free workers adds one worker, never more
    than are actually available

Plans are immutable; Adapt returns a replacement and leaves the input
untouched.

# Usage

	eng := strategy.NewEngine(strategy.Config{Headroom: broker.Headroom})

	plan := eng.Plan(strategy.ScanContext{
		Type:       types.TypeComprehensive,
		Priority:   orch.Priority,
		AssetCount: len(orch.Targets.Assets),
	})

	// after each stage
	if revised, changed := eng.Adapt(plan, feedback); changed {
		plan = revised
	}

	// on completion
	eng.RecordOutcome(orch.Type, sample)

# See Also

  - pkg/resource for the headroom the clamp honors
  - pkg/orchestrator for where plans attach and adapt
*/
package strategy
