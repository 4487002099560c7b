package scanop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/metrics"
	"github.com/cuemby/ferret/pkg/types"
)

// Request carries everything an operation needs for one stage attempt.
type Request struct {
	OrchestrationID string
	StageID         string
	StageName       string
	Attempt         int

	Targets *types.ScanTargets
	Inputs  map[string]any

	// Plan knobs
	BatchSize   int
	Parallelism int
	Depth       int
}

// Result is what an operation reports back on success.
type Result struct {
	Outputs        map[string]any
	ItemsProcessed int
	ItemsFailed    int
	Cost           float64
}

// Operation is one registered scan operation type. Implementations do
// the actual scanning work; the core only dispatches and accounts.
// Execute must honor ctx cancellation and classify its failures with
// types.Retryable / types.Fatal where the default (retryable) is wrong.
type Operation interface {
	Type() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Operation interface.
type Func struct {
	OpType string
	Fn     func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Type() string { return f.OpType }

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}

type entry struct {
	op Operation
	cb *gobreaker.CircuitBreaker
}

// Registry holds scan operations keyed by type. Every operation is
// wrapped in a circuit breaker so a misbehaving scanner sheds load
// instead of burning retries across every orchestration that uses it.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]*entry
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		ops:    make(map[string]*entry),
		logger: log.WithComponent("scanop"),
	}
}

// Register adds an operation. Registering a duplicate type is a conflict.
func (r *Registry) Register(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := op.Type()
	if typ == "" {
		return fmt.Errorf("operation type must not be empty: %w", types.ErrInvalidRequest)
	}
	if _, exists := r.ops[typ]; exists {
		return fmt.Errorf("operation %s already registered: %w", typ, types.ErrConflict)
	}

	logger := r.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        typ,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about operation health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("operation", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	r.ops[typ] = &entry{op: op, cb: cb}
	return nil
}

// Unregister removes an operation type. Running stages keep their
// in-flight invocation.
func (r *Registry) Unregister(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, typ)
}

// Has reports whether an operation type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[typ]
	return ok
}

// Types returns all registered operation types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.ops))
	for typ := range r.ops {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Execute dispatches one stage attempt through the operation's circuit
// breaker. An open breaker reports a retryable failure so the stage
// backs off instead of failing fatally. Every invocation is timed into
// the operation duration histogram, labeled ok, error, or shed.
func (r *Registry) Execute(ctx context.Context, typ string, req Request) (Result, error) {
	r.mu.RLock()
	e, ok := r.ops[typ]
	r.mu.RUnlock()

	if !ok {
		return Result{}, types.Fatal(fmt.Errorf("unknown operation %s: %w", typ, types.ErrNotFound))
	}

	start := time.Now()
	out, err := e.cb.Execute(func() (interface{}, error) {
		return e.op.Execute(ctx, req)
	})
	elapsed := time.Since(start)

	shed := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
	outcome := "ok"
	switch {
	case shed:
		outcome = "shed"
	case err != nil:
		outcome = "error"
	}
	metrics.OperationDuration.WithLabelValues(typ, outcome).Observe(elapsed.Seconds())
	r.logger.Debug().
		Str("operation", typ).
		Str("orchestration_id", req.OrchestrationID).
		Str("stage_id", req.StageID).
		Int("attempt", req.Attempt).
		Dur("elapsed", elapsed).
		Str("outcome", outcome).
		Msg("operation invoked")

	if err != nil {
		if shed {
			return Result{}, types.Retryable(fmt.Errorf("operation %s shedding load: %w", typ, err))
		}
		return Result{}, err
	}

	res, _ := out.(Result)
	return res, nil
}

// BreakerState returns the circuit breaker state for an operation type,
// for health surfaces.
func (r *Registry) BreakerState(typ string) (gobreaker.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[typ]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return e.cb.State(), true
}
