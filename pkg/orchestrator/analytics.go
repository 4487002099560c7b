package orchestrator

import (
	"fmt"
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// Summary aggregates execution history across all orchestrations.
type Summary struct {
	Total    int
	ByStatus map[types.OrchestrationStatus]int
	ByType   map[types.OrchestrationType]int

	// SuccessRate is completed over all terminal runs.
	SuccessRate float64
	// AvgDuration averages ActualStart to Completion over completed runs.
	AvgDuration time.Duration

	ItemsProcessed int
	EstimatedCost  float64
	ActualCost     float64
}

// Summary computes the aggregate from persisted state; live
// orchestrations count into the status breakdown but not the rates.
func (o *Orchestrator) Summary() (*Summary, error) {
	all, err := o.store.ListOrchestrations()
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %v", err)
	}
	s := &Summary{
		Total:    len(all),
		ByStatus: make(map[types.OrchestrationStatus]int),
		ByType:   make(map[types.OrchestrationType]int),
	}
	var terminal, completed int
	var durSum time.Duration
	var durN int
	for _, orch := range all {
		s.ByStatus[orch.Status]++
		s.ByType[orch.Type]++
		s.EstimatedCost += orch.EstimatedCost
		s.ActualCost += orch.ActualCost
		s.ItemsProcessed += orch.Progress.ItemsDone
		if !orch.Status.Terminal() {
			continue
		}
		terminal++
		if orch.Status == types.StatusCompleted {
			completed++
			if !orch.ActualStart.IsZero() && !orch.Completion.IsZero() {
				durSum += orch.Completion.Sub(orch.ActualStart)
				durN++
			}
		}
	}
	if terminal > 0 {
		s.SuccessRate = float64(completed) / float64(terminal)
	}
	if durN > 0 {
		s.AvgDuration = durSum / time.Duration(durN)
	}
	return s, nil
}

// BatchSummary rolls up one bulk submission.
type BatchSummary struct {
	BatchID  string
	Total    int
	ByStatus map[types.OrchestrationStatus]int
	Cost     float64
	Items    int
	// Done is true once every orchestration in the batch is terminal.
	Done bool
}

// BatchSummary reports the state of a bulk submission's orchestrations.
func (o *Orchestrator) BatchSummary(batchID string) (*BatchSummary, error) {
	members, err := o.store.ListOrchestrationsByBatch(batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch %s: %v", batchID, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, types.ErrNotFound)
	}
	s := &BatchSummary{
		BatchID:  batchID,
		Total:    len(members),
		ByStatus: make(map[types.OrchestrationStatus]int),
		Done:     true,
	}
	for _, orch := range members {
		s.ByStatus[orch.Status]++
		s.Cost += orch.ActualCost
		s.Items += orch.Progress.ItemsDone
		if !orch.Status.Terminal() {
			s.Done = false
		}
	}
	return s, nil
}
