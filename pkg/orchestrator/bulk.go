package orchestrator

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/types"
)

// BulkMode selects how a batch of orchestrations is brought up.
type BulkMode string

const (
	// BulkParallel creates every request concurrently.
	BulkParallel BulkMode = "parallel"
	// BulkSequential creates requests in order, continuing past failures.
	BulkSequential BulkMode = "sequential"
	// BulkHybrid creates requests in dependency waves and registers
	// mandatory prerequisite edges between them.
	BulkHybrid BulkMode = "hybrid"
)

// BulkItem is one request of a batch. DependsOn lists batch indexes this
// request must wait for; only hybrid mode accepts it.
type BulkItem struct {
	Request   CreateRequest
	DependsOn []int
}

// BulkItemResult reports one request's fate. Failures are per-item: one
// bad request never sinks the rest of the batch.
type BulkItemResult struct {
	Index           int
	OrchestrationID string
	Err             error
}

// BulkResult is the outcome of a batch submission.
type BulkResult struct {
	BatchID string
	Items   []BulkItemResult
}

// Succeeded counts items that produced an orchestration.
func (r *BulkResult) Succeeded() int {
	var n int
	for _, it := range r.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts items that did not.
func (r *BulkResult) Failed() int {
	return len(r.Items) - r.Succeeded()
}

// BulkCreate submits up to BulkMaxBatch orchestrations as one batch.
// All created orchestrations share a batch ID for later rollup.
func (o *Orchestrator) BulkCreate(items []BulkItem, mode BulkMode) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty batch: %w", types.ErrInvalidRequest)
	}
	if len(items) > o.cfg.BulkMaxBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit %d: %w",
			len(items), o.cfg.BulkMaxBatch, types.ErrInvalidRequest)
	}
	if mode == "" {
		mode = BulkParallel
	}
	if mode != BulkHybrid {
		for i, it := range items {
			if len(it.DependsOn) > 0 {
				return nil, fmt.Errorf("item %d: depends_on requires hybrid mode: %w",
					i, types.ErrInvalidRequest)
			}
		}
	}

	batchID := types.NewID(types.IDPrefixBatch)
	res := &BulkResult{
		BatchID: batchID,
		Items:   make([]BulkItemResult, len(items)),
	}
	for i := range res.Items {
		res.Items[i].Index = i
	}

	switch mode {
	case BulkParallel:
		o.bulkParallel(items, batchID, res)
	case BulkSequential:
		for i := range items {
			id, err := o.create(items[i].Request, batchID)
			res.Items[i].OrchestrationID = id
			res.Items[i].Err = err
		}
	case BulkHybrid:
		o.bulkHybrid(items, batchID, res)
	default:
		return nil, fmt.Errorf("unknown bulk mode %q: %w", mode, types.ErrInvalidRequest)
	}

	if o.events != nil {
		o.events.Publish(&events.Event{
			Type:    events.EventBatchSubmitted,
			Message: batchID,
			Metadata: map[string]string{
				"batch_id":  batchID,
				"mode":      string(mode),
				"requested": fmt.Sprintf("%d", len(items)),
				"created":   fmt.Sprintf("%d", res.Succeeded()),
			},
		})
	}
	o.logger.Info().
		Str("batch_id", batchID).
		Str("mode", string(mode)).
		Int("requested", len(items)).
		Int("created", res.Succeeded()).
		Msg("batch submitted")
	return res, nil
}

func (o *Orchestrator) bulkParallel(items []BulkItem, batchID string, res *BulkResult) {
	var g errgroup.Group
	g.SetLimit(o.cfg.WorkerCount)
	for i := range items {
		i := i
		g.Go(func() error {
			id, err := o.create(items[i].Request, batchID)
			res.Items[i].OrchestrationID = id
			res.Items[i].Err = err
			return nil
		})
	}
	g.Wait()
}

// bulkHybrid creates the batch in topological waves over DependsOn and
// links each orchestration to its batch dependencies with mandatory
// prerequisite edges, so the resolver gates admission in batch order.
func (o *Orchestrator) bulkHybrid(items []BulkItem, batchID string, res *BulkResult) {
	n := len(items)
	failed := make([]bool, n)
	created := make([]bool, n)
	prepped := make([]*types.Orchestration, n)
	stageSets := make([][]*types.Stage, n)

	for i, it := range items {
		for _, dep := range it.DependsOn {
			if dep < 0 || dep >= n || dep == i {
				res.Items[i].Err = fmt.Errorf("item %d: invalid dependency index %d: %w",
					i, dep, types.ErrInvalidRequest)
				failed[i] = true
				break
			}
		}
	}

	for {
		var wave []int
	next:
		for i := range items {
			if created[i] || failed[i] {
				continue
			}
			for _, dep := range items[i].DependsOn {
				if failed[dep] {
					res.Items[i].Err = fmt.Errorf("item %d: dependency %d was not created: %w",
						i, dep, types.ErrInvalidRequest)
					failed[i] = true
					continue next
				}
				if !created[dep] {
					continue next
				}
			}
			wave = append(wave, i)
		}
		if len(wave) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(o.cfg.WorkerCount)
		for _, i := range wave {
			i := i
			g.Go(func() error {
				orch, stages, err := o.prepare(items[i].Request, batchID)
				if err != nil {
					res.Items[i].Err = err
					failed[i] = true
					return nil
				}
				prepped[i] = orch
				stageSets[i] = stages
				res.Items[i].OrchestrationID = orch.ID
				created[i] = true
				return nil
			})
		}
		g.Wait()

		// edges first, then owners: admission must see its gates
		for _, i := range wave {
			if !created[i] {
				continue
			}
			for _, dep := range items[i].DependsOn {
				edge := &types.DependencyEdge{
					Source:    prepped[i].ID,
					Target:    prepped[dep].ID,
					Kind:      types.EdgePrerequisite,
					Mandatory: true,
				}
				if err := o.resolver.AddEdge(edge); err != nil {
					o.logger.Error().Err(err).
						Str("source", prepped[i].ID).
						Str("target", prepped[dep].ID).
						Msg("failed to register batch edge")
				}
			}
			o.spawn(prepped[i], stageSets[i])
		}
	}

	for i := range items {
		if !created[i] && !failed[i] {
			res.Items[i].Err = fmt.Errorf("item %d: dependency cycle in batch: %w",
				i, types.ErrInvalidRequest)
		}
	}
}
