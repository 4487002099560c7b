package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/scheduler"
	"github.com/cuemby/ferret/pkg/types"
)

type prereqState int

const (
	prereqsWaiting prereqState = iota
	prereqsMet
	prereqsDoomed
)

// advanceDAG runs the stage graph to a fixpoint: pending stages whose
// prerequisites all succeeded become ready (or skip when their condition
// comes up false), stages behind a failed prerequisite cascade to
// skipped. Ready stages then go to the scheduler and completion is
// re-checked.
func (ow *owner) advanceDAG() {
	if ow.exited || ow.cancelling {
		return
	}
	progressed := true
	for progressed {
		progressed = false
		for _, st := range ow.orderedStages() {
			if st.Status != types.StagePending {
				continue
			}
			switch ow.prereqState(st) {
			case prereqsMet:
				if ow.conditionHolds(st) {
					st.Status = types.StageReady
					st.ReadySince = time.Now()
					ow.persistStage(st)
				} else {
					ow.skipStage(st, "condition not met")
				}
				progressed = true
			case prereqsDoomed:
				ow.skipStage(st, "prerequisite did not succeed")
				progressed = true
			}
		}
	}
	ow.refreshProgress()
	ow.persist()
	ow.submitReady()
	ow.checkComplete()
	ow.syncStats()
}

// prereqState folds the states of a stage's prerequisites: met when all
// succeeded, doomed when any can no longer succeed, waiting otherwise.
func (ow *owner) prereqState(st *types.Stage) prereqState {
	state := prereqsMet
	for _, name := range st.Prereqs {
		dep := ow.byName[name]
		if dep == nil {
			return prereqsDoomed
		}
		switch dep.Status {
		case types.StageSucceeded:
		case types.StageFailed, types.StageSkipped, types.StageCancelled:
			return prereqsDoomed
		default:
			state = prereqsWaiting
		}
	}
	return state
}

// conditionHolds evaluates a stage's gating predicate against the
// outputs of every succeeded stage, keyed by stage name. An evaluation
// error gates the stage off rather than running it on bad data.
func (ow *owner) conditionHolds(st *types.Stage) bool {
	if st.Condition == "" {
		return true
	}
	ok, err := ow.orch.eval.Eval(st.Condition, ow.outputsDoc())
	if err != nil {
		ow.logger.Warn().
			Str("stage", st.Name).
			Str("condition", st.Condition).
			Err(err).
			Msg("condition evaluation failed, treating as false")
		return false
	}
	return ok
}

func (ow *owner) outputsDoc() map[string]any {
	doc := make(map[string]any)
	for _, st := range ow.stages {
		if st.Status != types.StageSucceeded {
			continue
		}
		outs := make(map[string]any, len(st.Outputs))
		for k, v := range st.Outputs {
			outs[k] = v
		}
		doc[st.Name] = outs
	}
	return doc
}

func (ow *owner) skipStage(st *types.Stage, why string) {
	st.Status = types.StageSkipped
	st.FinishedAt = time.Now()
	st.LastError = why
	ow.persistStage(st)
	ow.publishStage(events.EventStageSkipped, st, why)
	ow.logger.Debug().Str("stage", st.Name).Str("why", why).Msg("stage skipped")
}

// submitReady pushes due ready stages into the scheduler. Stages whose
// ReadySince lies ahead are in retry backoff and picked up by a later
// pass.
func (ow *owner) submitReady() {
	if ow.exited || ow.cancelling || ow.o.Status != types.StatusRunning {
		return
	}
	now := time.Now()
	for _, st := range ow.orderedStages() {
		if st.Status != types.StageReady || ow.queuedStages[st.ID] {
			continue
		}
		if st.ReadySince.After(now) {
			continue
		}
		ex := &execution{
			ow:      ow,
			opType:  st.Type,
			timeout: ow.stageTimeout(st),
			req:     ow.stageRequest(st),
			epoch:   ow.epoch,
		}
		ow.orch.putExec(st.ID, ex)
		err := ow.orch.queue.Submit(scheduler.Item{
			OrchestrationID:   ow.o.ID,
			StageID:           st.ID,
			Priority:          ow.o.Priority,
			SubmittedBy:       ow.o.SubmittedBy,
			Deadline:          ow.o.Deadline,
			ExpectedRemaining: ex.timeout,
			ReadySince:        st.ReadySince,
		})
		switch {
		case err == nil:
			ow.queuedStages[st.ID] = true
		case errors.Is(err, types.ErrConflict):
			// already scheduled; keep the refreshed execution
			ow.queuedStages[st.ID] = true
		case errors.Is(err, types.ErrQueueFull):
			ow.orch.dropExec(st.ID)
			ow.logger.Debug().Str("stage", st.Name).Msg("scheduler queue full, retrying on next tick")
			return
		default:
			ow.orch.dropExec(st.ID)
			ow.logger.Error().Err(err).Str("stage", st.Name).Msg("stage submission failed")
		}
	}
}

// stageRequest assembles the operation request for one attempt. Outputs
// of direct prerequisites ride along under the "upstream" input key.
func (ow *owner) stageRequest(st *types.Stage) scanop.Request {
	req := scanop.Request{
		OrchestrationID: ow.o.ID,
		StageID:         st.ID,
		StageName:       st.Name,
		Attempt:         st.AttemptCount + 1,
		Targets:         ow.o.Targets,
		Inputs:          st.Inputs,
	}
	if p := ow.o.Plan; p != nil {
		req.BatchSize = p.BatchSize
		req.Parallelism = p.Parallelism
		req.Depth = p.ScanDepth
	}
	if len(st.Prereqs) > 0 {
		upstream := make(map[string]any, len(st.Prereqs))
		for _, name := range st.Prereqs {
			if dep := ow.byName[name]; dep != nil && dep.Status == types.StageSucceeded && len(dep.Outputs) > 0 {
				upstream[name] = dep.Outputs
			}
		}
		if len(upstream) > 0 {
			merged := make(map[string]any, len(st.Inputs)+1)
			for k, v := range st.Inputs {
				merged[k] = v
			}
			merged["upstream"] = upstream
			req.Inputs = merged
		}
	}
	return req
}

// checkComplete finalizes the orchestration once every stage is
// terminal: failed when a mandatory stage did not succeed, completed
// otherwise.
func (ow *owner) checkComplete() {
	if ow.exited || ow.cancelling || ow.o.Status != types.StatusRunning {
		return
	}
	var brokeIt *types.Stage
	for _, st := range ow.orderedStages() {
		if !st.Status.Terminal() {
			return
		}
		if brokeIt != nil || st.Optional {
			continue
		}
		switch st.Status {
		case types.StageFailed, types.StageCancelled:
			brokeIt = st
		}
	}
	if brokeIt != nil {
		if ow.o.LastError == "" {
			ow.o.LastError = fmt.Sprintf("stage %s: %s", brokeIt.Name, brokeIt.LastError)
		}
		ow.fail("stage_failed")
		return
	}
	if !ow.transition(types.StatusCompleting, "") {
		return
	}
	ow.finalize(types.StatusCompleted, "")
}

func (ow *owner) orderedStages() []*types.Stage {
	out := make([]*types.Stage, 0, len(ow.stages))
	for _, st := range ow.stages {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (ow *owner) refreshProgress() {
	var done int
	for _, st := range ow.stages {
		switch st.Status {
		case types.StageSucceeded, types.StageSkipped:
			done++
		}
	}
	ow.o.Progress.StagesTotal = len(ow.stages)
	ow.o.Progress.StagesDone = done
	ow.o.Progress.Percent = ow.o.Progress.ComputePercent()
}
