package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/ferret/pkg/orchestrator"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/schedule"
	"github.com/cuemby/ferret/pkg/types"
)

// registerSimOps installs scan operations that fake the work: each one
// sleeps a jittered interval and reports plausible outputs. Useful for
// exercising the engine end to end without real data sources.
func registerSimOps(reg *scanop.Registry) {
	sims := []scanop.Operation{
		simOp("discover", 300*time.Millisecond, 0.002, func(items int, out map[string]any) {
			out["assets_found"] = items
			out["sources_scanned"] = 1 + rand.Intn(3)
		}),
		simOp("profile", 500*time.Millisecond, 0.004, func(items int, out map[string]any) {
			out["profiled"] = items
			out["columns_sampled"] = items * (4 + rand.Intn(12))
		}),
		simOp("classify", 400*time.Millisecond, 0.003, func(items int, out map[string]any) {
			out["classified"] = items
			out["pii_hits"] = rand.Intn(items + 1)
		}),
		simOp("validate", 350*time.Millisecond, 0.003, func(items int, out map[string]any) {
			out["rules_evaluated"] = items * 3
			out["violations"] = rand.Intn(5)
		}),
		simOp("report", 200*time.Millisecond, 0.001, func(items int, out map[string]any) {
			out["reports_written"] = 1
		}),
	}
	for _, op := range sims {
		// Registry starts empty here, so registration cannot conflict.
		_ = reg.Register(op)
	}
}

// simOp builds one simulated operation. baseDelay is doubled at most by
// jitter; fill populates the outputs from the simulated item count.
func simOp(opType string, baseDelay time.Duration, costPerItem float64, fill func(items int, out map[string]any)) scanop.Operation {
	return scanop.Func{
		OpType: opType,
		Fn: func(ctx context.Context, req scanop.Request) (scanop.Result, error) {
			items := req.BatchSize
			if items <= 0 {
				items = 25
			}
			delay := baseDelay + time.Duration(rand.Int63n(int64(baseDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return scanop.Result{}, ctx.Err()
			}
			out := make(map[string]any)
			fill(items, out)
			return scanop.Result{
				Outputs:        out,
				ItemsProcessed: items,
				Cost:           float64(items) * costPerItem,
			}, nil
		},
	}
}

// submitDemo creates one comprehensive run through the simulated
// pipeline and schedules a recurring background discovery sweep.
func submitDemo(orc *orchestrator.Orchestrator, sched *schedule.Scheduler) error {
	id, err := orc.Create(orchestrator.CreateRequest{
		Name:     "demo-baseline",
		Type:     types.TypeComprehensive,
		Mode:     types.ModeAsynchronous,
		Priority: types.PriorityMedium,
		Targets: &types.ScanTargets{
			DataSources: []string{"sim://warehouse", "sim://lake"},
		},
		Stages: []orchestrator.StageSpec{
			{Name: "discover", Type: "discover"},
			{Name: "profile", Type: "profile", Prereqs: []string{"discover"}},
			{
				Name:      "classify",
				Type:      "classify",
				Prereqs:   []string{"profile"},
				Condition: ".discover.assets_found > 0",
			},
			{Name: "report", Type: "report", Prereqs: []string{"classify"}},
		},
		SubmittedBy: "demo",
	})
	if err != nil {
		return fmt.Errorf("create demo orchestration: %v", err)
	}
	fmt.Printf("  demo orchestration: %s\n", id)

	return sched.AddCron("demo-sweep", "0 */5 * * * *", orchestrator.CreateRequest{
		Name:     "demo-sweep",
		Type:     types.TypeDiscovery,
		Mode:     types.ModeAsynchronous,
		Priority: types.PriorityBackground,
		Targets: &types.ScanTargets{
			DataSources: []string{"sim://warehouse"},
		},
		Stages: []orchestrator.StageSpec{
			{Name: "discover", Type: "discover"},
		},
		SubmittedBy: "demo-cron",
	})
}
