package dependency

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/condition"
	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// Config wires a Resolver.
type Config struct {
	Store  storage.Store
	Events *events.Broker

	// DefaultWait bounds edges that carry no WaitTimeout of their own.
	// Zero means wait forever.
	DefaultWait time.Duration
}

// Decision is the outcome of evaluating one orchestration's outbound
// edges.
type Decision struct {
	// Ready is true when every edge is satisfied or overridden.
	Ready bool
	// Waiting lists unsatisfied edges that may still resolve.
	Waiting []*types.DependencyEdge
	// Failed lists edges that can never be satisfied: a mandatory
	// prerequisite failed, a condition came up false, or a mandatory
	// wait timed out.
	Failed []*types.DependencyEdge
}

// Resolver owns the inter-orchestration dependency graph: typed edges,
// cycle rejection, wait evaluation, timeouts, and manual overrides.
type Resolver struct {
	mu       sync.Mutex
	edges    map[string]*types.DependencyEdge
	bySource map[string]map[string]bool // source -> edge IDs
	byTarget map[string]map[string]bool

	waitStart map[string]time.Time // edge ID -> first unsatisfied evaluation

	store       storage.Store
	events      *events.Broker
	eval        *condition.Evaluator
	defaultWait time.Duration
	logger      zerolog.Logger
}

// NewResolver creates an empty resolver.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		edges:       make(map[string]*types.DependencyEdge),
		bySource:    make(map[string]map[string]bool),
		byTarget:    make(map[string]map[string]bool),
		waitStart:   make(map[string]time.Time),
		store:       cfg.Store,
		events:      cfg.Events,
		eval:        condition.NewEvaluator(),
		defaultWait: cfg.DefaultWait,
		logger:      log.WithComponent("dependency-resolver"),
	}
}

// Recover reloads persisted edges. Called once before use when resuming
// from a store.
func (r *Resolver) Recover() error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.ListEdges()
	if err != nil {
		return fmt.Errorf("failed to list edges: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range persisted {
		r.indexLocked(e)
	}
	r.logger.Info().Int("edges", len(r.edges)).Msg("recovered dependency graph")
	return nil
}

func (r *Resolver) indexLocked(e *types.DependencyEdge) {
	r.edges[e.ID] = e
	if r.bySource[e.Source] == nil {
		r.bySource[e.Source] = make(map[string]bool)
	}
	r.bySource[e.Source][e.ID] = true
	if r.byTarget[e.Target] == nil {
		r.byTarget[e.Target] = make(map[string]bool)
	}
	r.byTarget[e.Target][e.ID] = true
}

func (r *Resolver) unindexLocked(e *types.DependencyEdge) {
	delete(r.edges, e.ID)
	delete(r.bySource[e.Source], e.ID)
	delete(r.byTarget[e.Target], e.ID)
	delete(r.waitStart, e.ID)
}

// validKinds guards against typo'd edge kinds at registration.
var validKinds = map[types.EdgeKind]bool{
	types.EdgePrerequisite: true,
	types.EdgeBlocking:     true,
	types.EdgeConditional:  true,
	types.EdgeParallel:     true,
	types.EdgeSequential:   true,
	types.EdgeOptional:     true,
}

// orderingKind reports whether the edge kind waits on the target's
// completion. Only these kinds can deadlock in a cycle: blocking waits
// on activity (not completion) and parallel never waits, so both stay
// out of cycle detection.
func orderingKind(k types.EdgeKind) bool {
	switch k {
	case types.EdgePrerequisite, types.EdgeConditional, types.EdgeSequential, types.EdgeOptional:
		return true
	}
	return false
}

// AddEdge registers a dependency: source waits on target according to
// the edge kind. Rejects self-references, duplicate relations, unknown
// kinds, and any edge that would close a completion-wait cycle.
func (r *Resolver) AddEdge(e *types.DependencyEdge) error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge needs source and target: %w", types.ErrInvalidRequest)
	}
	if e.Source == e.Target {
		return fmt.Errorf("orchestration %s cannot depend on itself: %w", e.Source, types.ErrInvalidRequest)
	}
	if !validKinds[e.Kind] {
		return fmt.Errorf("unknown edge kind %q: %w", e.Kind, types.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.bySource[e.Source] {
		ex := r.edges[id]
		if ex.Target == e.Target && ex.Kind == e.Kind {
			return fmt.Errorf("edge %s -> %s (%s) already registered: %w",
				e.Source, e.Target, e.Kind, types.ErrConflict)
		}
	}

	if orderingKind(e.Kind) && r.wouldCycleLocked(e) {
		return fmt.Errorf("edge %s -> %s closes a cycle: %w", e.Source, e.Target, types.ErrDependencyCycle)
	}

	if e.ID == "" {
		e.ID = types.NewID(types.IDPrefixEdge)
	}
	if e.Status == "" {
		e.Status = types.EdgePending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Optional-kind edges never bind.
	if e.Kind == types.EdgeOptional {
		e.Mandatory = false
	}

	r.indexLocked(e)
	if r.store != nil {
		if err := r.store.CreateEdge(e); err != nil {
			r.logger.Error().Err(err).Str("edge_id", e.ID).Msg("failed to persist edge")
		}
	}
	return nil
}

// RemoveEdge deletes an edge by ID.
func (r *Resolver) RemoveEdge(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[id]
	if !ok {
		return fmt.Errorf("edge %s: %w", id, types.ErrNotFound)
	}
	r.unindexLocked(e)
	if r.store != nil {
		if err := r.store.DeleteEdge(id); err != nil {
			r.logger.Error().Err(err).Str("edge_id", id).Msg("failed to delete edge")
		}
	}
	return nil
}

// Override marks an edge satisfied by operator decision. Only edges
// registered as overridable accept it.
func (r *Resolver) Override(id, by, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[id]
	if !ok {
		return fmt.Errorf("edge %s: %w", id, types.ErrNotFound)
	}
	if !e.Overridable {
		return fmt.Errorf("edge %s is not overridable: %w", id, types.ErrConflict)
	}
	if e.Status == types.EdgeSatisfied || e.Status == types.EdgeOverridden {
		return nil
	}

	e.Status = types.EdgeOverridden
	e.OverriddenBy = by
	e.OverrideReason = reason
	r.persistLocked(e)
	r.publish(events.EventDependencyOverride, e)

	r.logger.Info().
		Str("edge_id", e.ID).
		Str("source", e.Source).
		Str("target", e.Target).
		Str("by", by).
		Msg("dependency overridden")
	return nil
}

// Edges returns copies of all edges, sorted by creation time.
func (r *Resolver) Edges() []*types.DependencyEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.DependencyEdge, 0, len(r.edges))
	for _, e := range r.edges {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Dependencies returns the edges where id is the source (what id waits on).
func (r *Resolver) Dependencies(id string) []*types.DependencyEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.DependencyEdge
	for eid := range r.bySource[id] {
		cp := *r.edges[eid]
		out = append(out, &cp)
	}
	return out
}

// Dependents returns the edges where id is the target (who waits on id).
func (r *Resolver) Dependents(id string) []*types.DependencyEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.DependencyEdge
	for eid := range r.byTarget[id] {
		cp := *r.edges[eid]
		out = append(out, &cp)
	}
	return out
}

// Satisfied reports whether every dependency of the orchestration is
// settled. Edge statuses are evaluated and persisted as a side effect,
// exactly as Evaluate does.
func (r *Resolver) Satisfied(id string) (bool, error) {
	d, err := r.Evaluate(id)
	if err != nil {
		return false, err
	}
	return d.Ready, nil
}

// NotifyCompleted settles the inbound edges of an orchestration that
// reached a terminal state, so waiting dependents see their edge rows
// flip without waiting for the next dispatch-time Evaluate. Scheduling
// still re-checks through Evaluate; a missed notification costs
// latency, never correctness. Failures are not classified here, only
// Evaluate produces them.
func (r *Resolver) NotifyCompleted(id string) {
	// Collect the unsettled inbound edges first; the store read happens
	// with the lock released.
	r.mu.Lock()
	pending := make([]string, 0, len(r.byTarget[id]))
	for eid := range r.byTarget[id] {
		switch r.edges[eid].Status {
		case types.EdgeSatisfied, types.EdgeOverridden, types.EdgeTimedOut:
		default:
			pending = append(pending, eid)
		}
	}
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	target, err := r.store.GetOrchestration(id)
	if err != nil {
		r.logger.Warn().Err(err).Str("orchestration_id", id).Msg("completion notification could not load target")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, eid := range pending {
		e, ok := r.edges[eid]
		if !ok {
			// Removed while the lock was released.
			continue
		}
		switch e.Status {
		case types.EdgeSatisfied, types.EdgeOverridden, types.EdgeTimedOut:
			continue
		}
		if r.classifyLocked(e, target) == edgeSatisfied {
			e.Status = types.EdgeSatisfied
			delete(r.waitStart, e.ID)
			r.persistLocked(e)
			r.publish(events.EventDependencySatisfied, e)
		}
	}
}

// Evaluate inspects every outbound edge of source and classifies it as
// satisfied, still waiting, or failed. Edge statuses are updated and
// persisted as they settle. The caller supplies current orchestration
// state through the store configured at construction.
func (r *Resolver) Evaluate(source string) (Decision, error) {
	// Snapshot the outbound edges under the lock, then load target
	// state with it released: store reads are I/O and must not stall
	// every other resolver caller. Settled statuses never revert, so
	// the snapshot's unsettled set covers every edge the second pass
	// can still need.
	r.mu.Lock()
	ids := make([]string, 0, len(r.bySource[source]))
	wanted := make(map[string]bool)
	for id := range r.bySource[source] {
		ids = append(ids, id)
		e := r.edges[id]
		switch e.Status {
		case types.EdgeSatisfied, types.EdgeOverridden, types.EdgeTimedOut:
		default:
			wanted[e.Target] = true
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)

	targets := make(map[string]*types.Orchestration, len(wanted))
	for tid := range wanted {
		o, err := r.store.GetOrchestration(tid)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load target %s: %v", tid, err)
		}
		targets[tid] = o
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var d Decision
	now := time.Now()

	for _, id := range ids {
		e, ok := r.edges[id]
		if !ok {
			// Removed while the lock was released.
			continue
		}
		switch e.Status {
		case types.EdgeSatisfied, types.EdgeOverridden:
			continue
		case types.EdgeTimedOut:
			if e.Mandatory {
				d.Failed = append(d.Failed, e)
			}
			continue
		}

		target, ok := targets[e.Target]
		if !ok {
			continue
		}

		state := r.classifyLocked(e, target)
		switch state {
		case edgeSatisfied:
			e.Status = types.EdgeSatisfied
			delete(r.waitStart, e.ID)
			r.persistLocked(e)
			r.publish(events.EventDependencySatisfied, e)
		case edgeFailed:
			d.Failed = append(d.Failed, e)
		case edgeWaiting:
			if e.Status == types.EdgePending {
				e.Status = types.EdgeWaiting
				r.persistLocked(e)
			}
			if _, ok := r.waitStart[e.ID]; !ok {
				r.waitStart[e.ID] = now
			}
			wait := e.WaitTimeout
			if wait == 0 {
				wait = r.defaultWait
			}
			if wait > 0 && now.Sub(r.waitStart[e.ID]) >= wait {
				if e.Overridable {
					// An overridable wait does not outlive its window:
					// the edge settles with a recorded override.
					e.Status = types.EdgeOverridden
					e.OverriddenBy = "system"
					e.OverrideReason = "wait timeout"
					delete(r.waitStart, e.ID)
					r.persistLocked(e)
					r.publish(events.EventDependencyOverride, e)
					continue
				}
				e.Status = types.EdgeTimedOut
				r.persistLocked(e)
				r.publish(events.EventDependencyTimeout, e)
				if e.Mandatory {
					d.Failed = append(d.Failed, e)
				}
				continue
			}
			d.Waiting = append(d.Waiting, e)
		}
	}

	d.Ready = len(d.Waiting) == 0 && len(d.Failed) == 0
	return d, nil
}

type edgeState int

const (
	edgeWaiting edgeState = iota
	edgeSatisfied
	edgeFailed
)

// classifyLocked applies the kind-specific satisfaction rule.
func (r *Resolver) classifyLocked(e *types.DependencyEdge, target *types.Orchestration) edgeState {
	switch e.Kind {
	case types.EdgeParallel:
		// Co-scheduling affinity, never an ordering constraint.
		return edgeSatisfied

	case types.EdgeBlocking:
		// Source may not start while the target is actively executing.
		switch target.Status {
		case types.StatusRunning, types.StatusPaused, types.StatusCompleting:
			return edgeWaiting
		}
		return edgeSatisfied

	case types.EdgeSequential:
		// Order only; the target's outcome is irrelevant.
		if target.Status.Terminal() {
			return edgeSatisfied
		}
		return edgeWaiting

	case types.EdgeOptional:
		if target.Status.Terminal() {
			return edgeSatisfied
		}
		return edgeWaiting

	case types.EdgeConditional:
		if !target.Status.Terminal() {
			return edgeWaiting
		}
		ok, err := r.eval.Eval(e.Condition, outcomeDoc(target))
		if err != nil {
			r.logger.Warn().Err(err).Str("edge_id", e.ID).Msg("condition evaluation failed")
			ok = false
		}
		if ok {
			return edgeSatisfied
		}
		if e.Mandatory {
			return edgeFailed
		}
		return edgeSatisfied

	default: // prerequisite
		if !target.Status.Terminal() {
			return edgeWaiting
		}
		if target.Status == types.StatusCompleted {
			return edgeSatisfied
		}
		if e.Mandatory {
			return edgeFailed
		}
		return edgeSatisfied
	}
}

// outcomeDoc shapes a terminal orchestration for condition predicates.
// The schema is part of the public contract: status, items_processed,
// stages_succeeded, stages_failed, stages_skipped, cost, last_error,
// outputs.
func outcomeDoc(o *types.Orchestration) map[string]any {
	doc := map[string]any{
		"status": string(o.Status),
	}
	if oc := o.Outcome; oc != nil {
		doc["items_processed"] = oc.ItemsProcessed
		doc["stages_succeeded"] = oc.StagesSucceeded
		doc["stages_failed"] = oc.StagesFailed
		doc["stages_skipped"] = oc.StagesSkipped
		doc["cost"] = oc.Cost
		doc["last_error"] = oc.LastError
		doc["outputs"] = oc.Outputs
	}
	return doc
}

// wouldCycleLocked runs Tarjan's strongly connected components over the
// completion-wait subgraph plus the candidate edge. Any component with
// more than one member means the candidate closes a cycle.
func (r *Resolver) wouldCycleLocked(candidate *types.DependencyEdge) bool {
	adj := make(map[string][]string)
	nodes := make(map[string]bool)

	add := func(src, dst string) {
		adj[src] = append(adj[src], dst)
		nodes[src] = true
		nodes[dst] = true
	}
	for _, e := range r.edges {
		if orderingKind(e.Kind) {
			add(e.Source, e.Target)
		}
	}
	add(candidate.Source, candidate.Target)

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	cyclic := false

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			size := 0
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				size++
				if w == v {
					break
				}
			}
			if size > 1 {
				cyclic = true
			}
		}
	}

	for v := range nodes {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return cyclic
}

func (r *Resolver) persistLocked(e *types.DependencyEdge) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateEdge(e); err != nil {
		r.logger.Error().Err(err).Str("edge_id", e.ID).Msg("failed to persist edge update")
	}
}

func (r *Resolver) publish(t events.EventType, e *types.DependencyEdge) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{
		Type:            t,
		OrchestrationID: e.Source,
		Message:         fmt.Sprintf("%s -> %s (%s)", e.Source, e.Target, e.Kind),
		Metadata: map[string]string{
			"edge_id": e.ID,
			"target":  e.Target,
			"kind":    string(e.Kind),
		},
	})
}
