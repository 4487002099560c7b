package resource

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// OptimizeScope selects what an optimization pass looks at.
type OptimizeScope string

const (
	OptimizeGlobal        OptimizeScope = "global"
	OptimizeOrchestration OptimizeScope = "orchestration"
	OptimizePool          OptimizeScope = "pool"
)

// OptimizeRequest asks the broker for right-sizing recommendations.
type OptimizeRequest struct {
	Scope OptimizeScope

	// OrchestrationID narrows the pass to one orchestration's
	// reservations. Required for OptimizeOrchestration.
	OrchestrationID string

	// Pool narrows the pass to one pool. Required for OptimizePool.
	Pool types.PoolType
}

// Recommendation is one advisory finding. The broker never applies its
// own recommendations; Resize and Adjust are the levers.
type Recommendation struct {
	Pool            types.PoolType `json:"pool,omitempty"`
	OrchestrationID string         `json:"orchestration_id,omitempty"`
	ReservationID   string         `json:"reservation_id,omitempty"`
	Action          string         `json:"action"`
	Current         float64        `json:"current"`
	Suggested       float64        `json:"suggested"`
	Saving          float64        `json:"saving"`
	Reason          string         `json:"reason"`
}

// OptimizeReport is the outcome of one optimization pass.
type OptimizeReport struct {
	Scope           OptimizeScope    `json:"scope"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Recommendations []Recommendation `json:"recommendations"`
	ProjectedSaving float64          `json:"projected_saving"`
}

const (
	actionScaleDown   = "scale_down"
	actionScaleUp     = "scale_up"
	actionReleaseIdle = "release_idle"
)

// staleReservationAge marks how long an unactivated reservation may sit
// before it counts as idle capacity.
const staleReservationAge = 5 * time.Minute

// Optimize analyzes current pool and reservation state and returns
// right-sizing recommendations for the requested scope.
func (b *Broker) Optimize(req OptimizeRequest) (*OptimizeReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := &OptimizeReport{
		Scope:       req.Scope,
		GeneratedAt: time.Now(),
	}

	switch req.Scope {
	case OptimizeGlobal:
		for pt := range b.pools {
			report.add(b.analyzePoolLocked(pt))
		}
		for _, res := range b.reservations {
			report.add(b.analyzeReservationLocked(res))
		}

	case OptimizePool:
		if _, ok := b.pools[req.Pool]; !ok {
			return nil, fmt.Errorf("pool %s: %w", req.Pool, types.ErrNotFound)
		}
		report.add(b.analyzePoolLocked(req.Pool))

	case OptimizeOrchestration:
		if req.OrchestrationID == "" {
			return nil, fmt.Errorf("orchestration scope needs an id: %w", types.ErrInvalidRequest)
		}
		for _, res := range b.reservations {
			if res.OrchestrationID == req.OrchestrationID {
				report.add(b.analyzeReservationLocked(res))
			}
		}

	default:
		return nil, fmt.Errorf("unknown optimization scope %q: %w", req.Scope, types.ErrInvalidRequest)
	}

	sort.Slice(report.Recommendations, func(i, j int) bool {
		return report.Recommendations[i].Saving > report.Recommendations[j].Saving
	})
	return report, nil
}

func (r *OptimizeReport) add(recs []Recommendation) {
	for _, rec := range recs {
		r.Recommendations = append(r.Recommendations, rec)
		if rec.Saving > 0 {
			r.ProjectedSaving += rec.Saving
		}
	}
}

// analyzePoolLocked flags pools sitting outside their scale thresholds.
func (b *Broker) analyzePoolLocked(pt types.PoolType) []Recommendation {
	pool := b.pools[pt]
	if pool.Total <= 0 {
		return nil
	}
	util := pool.Utilization()

	switch {
	case util < pool.Scale.DownThreshold && pool.Total > pool.Scale.Min:
		target := pool.Total * (1 - pool.Scale.Step)
		if target < pool.Scale.Min {
			target = pool.Scale.Min
		}
		if committed := pool.Reserved + pool.InUse; target < committed {
			target = committed
		}
		if target >= pool.Total {
			return nil
		}
		return []Recommendation{{
			Pool:      pt,
			Action:    actionScaleDown,
			Current:   pool.Total,
			Suggested: target,
			Saving:    (pool.Total - target) * pool.CostPerUnit,
			Reason:    fmt.Sprintf("utilization %.0f%% below the %.0f%% floor", util*100, pool.Scale.DownThreshold*100),
		}}

	case util > pool.Scale.UpThreshold && pool.Total < pool.Scale.Max:
		target := pool.Total * (1 + pool.Scale.Step)
		if target > pool.Scale.Max {
			target = pool.Scale.Max
		}
		return []Recommendation{{
			Pool:      pt,
			Action:    actionScaleUp,
			Current:   pool.Total,
			Suggested: target,
			Reason:    fmt.Sprintf("utilization %.0f%% above the %.0f%% ceiling", util*100, pool.Scale.UpThreshold*100),
		}}
	}
	return nil
}

// analyzeReservationLocked flags reservations holding capacity that was
// never put to work.
func (b *Broker) analyzeReservationLocked(res *types.Reservation) []Recommendation {
	if res.Activated || time.Since(res.CreatedAt) < staleReservationAge {
		return nil
	}
	return []Recommendation{{
		OrchestrationID: res.OrchestrationID,
		ReservationID:   res.ID,
		Action:          actionReleaseIdle,
		Current:         res.CostEstimate,
		Saving:          res.CostEstimate,
		Reason: fmt.Sprintf("reserved %s ago and never activated",
			time.Since(res.CreatedAt).Round(time.Second)),
	}}
}
