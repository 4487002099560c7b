package orchestrator

import (
	"fmt"
	"time"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/types"
)

// StageSpec describes one stage of a new orchestration. Prereqs refer
// to sibling stages by name.
type StageSpec struct {
	Name          string
	Type          string
	Order         int
	Inputs        map[string]any
	Prereqs       []string
	Condition     string
	Optional      bool
	Timeout       time.Duration
	Retry         *types.RetryPolicy
	QualityChecks bool
}

// CreateRequest carries everything needed to submit an orchestration.
type CreateRequest struct {
	Name     string
	Type     types.OrchestrationType
	Mode     types.ExecutionMode
	Priority types.Priority
	Targets  *types.ScanTargets
	Stages   []StageSpec

	ScheduledStart time.Time
	Deadline       time.Time
	MaxRuntime     time.Duration
	Budget         float64 // 0 = unlimited

	MaxRetries   int
	RetryBackoff time.Duration

	RequiredApprovals []string
	SubmittedBy       string
}

// Create validates and persists a new orchestration, then hands it to
// its owner goroutine. Planning starts immediately; the returned ID can
// be used to watch or control the run.
func (o *Orchestrator) Create(req CreateRequest) (string, error) {
	return o.create(req, "")
}

func (o *Orchestrator) create(req CreateRequest, batchID string) (string, error) {
	orch, stages, err := o.prepare(req, batchID)
	if err != nil {
		return "", err
	}
	o.spawn(orch, stages)
	return orch.ID, nil
}

// prepare validates and persists a new orchestration without starting
// its owner. Bulk submission uses the gap to register dependency edges
// before planning can race past them.
func (o *Orchestrator) prepare(req CreateRequest, batchID string) (*types.Orchestration, []*types.Stage, error) {
	orch, stages, err := o.buildOrchestration(req)
	if err != nil {
		return nil, nil, err
	}
	orch.BatchID = batchID
	if err := o.store.CreateOrchestration(orch); err != nil {
		return nil, nil, fmt.Errorf("persist orchestration: %v", err)
	}
	for _, st := range stages {
		if err := o.store.CreateStage(st); err != nil {
			return nil, nil, fmt.Errorf("persist stage %s: %v", st.Name, err)
		}
	}
	if o.events != nil {
		o.events.Publish(&events.Event{
			Type:            events.EventOrchestrationCreated,
			OrchestrationID: orch.ID,
			Message:         orch.Name,
			Metadata: map[string]string{
				"type":     string(orch.Type),
				"priority": string(orch.Priority),
				"stages":   fmt.Sprintf("%d", len(stages)),
			},
		})
	}
	o.logger.Info().
		Str("orchestration_id", orch.ID).
		Str("type", string(orch.Type)).
		Str("priority", string(orch.Priority)).
		Int("stages", len(stages)).
		Msg("orchestration created")
	return orch, stages, nil
}

func (o *Orchestrator) buildOrchestration(req CreateRequest) (*types.Orchestration, []*types.Stage, error) {
	if req.Targets.Empty() {
		return nil, nil, fmt.Errorf("targets must reference at least one data source, asset, rule or classification: %w",
			types.ErrInvalidRequest)
	}
	if len(req.Stages) == 0 {
		return nil, nil, fmt.Errorf("at least one stage required: %w", types.ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = types.TypeCustom
	}
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("unknown orchestration type %q: %w", req.Type, types.ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = types.ModeAsynchronous
	}
	if !req.Mode.Valid() {
		return nil, nil, fmt.Errorf("unknown execution mode %q: %w", req.Mode, types.ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, nil, fmt.Errorf("unknown priority %q: %w", req.Priority, types.ErrInvalidRequest)
	}
	if req.Budget < 0 {
		return nil, nil, fmt.Errorf("budget cannot be negative: %w", types.ErrInvalidRequest)
	}
	if req.MaxRetries < 0 {
		return nil, nil, fmt.Errorf("max retries cannot be negative: %w", types.ErrInvalidRequest)
	}
	if err := o.validateStages(req.Stages); err != nil {
		return nil, nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-scan", req.Type)
	}
	now := time.Now()
	orch := &types.Orchestration{
		ID:                types.NewID(types.IDPrefixOrchestration),
		Name:              name,
		Type:              req.Type,
		Mode:              req.Mode,
		Priority:          req.Priority,
		Status:            types.StatusInitializing,
		ScheduledStart:    req.ScheduledStart,
		Deadline:          req.Deadline,
		MaxRuntime:        req.MaxRuntime,
		Budget:            req.Budget,
		Targets:           req.Targets,
		MaxRetries:        req.MaxRetries,
		RetryBackoff:      req.RetryBackoff,
		RequiredApprovals: req.RequiredApprovals,
		SubmittedBy:       req.SubmittedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	orch.Progress.StagesTotal = len(req.Stages)

	// assign submission order when the caller left Order unset everywhere
	assignOrder := true
	for _, spec := range req.Stages {
		if spec.Order != 0 {
			assignOrder = false
			break
		}
	}
	stages := make([]*types.Stage, 0, len(req.Stages))
	for i, spec := range req.Stages {
		order := spec.Order
		if assignOrder {
			order = i
		}
		stages = append(stages, &types.Stage{
			ID:              types.NewID(types.IDPrefixStage),
			OrchestrationID: orch.ID,
			Name:            spec.Name,
			Order:           order,
			Type:            spec.Type,
			Status:          types.StagePending,
			Inputs:          spec.Inputs,
			Prereqs:         spec.Prereqs,
			Condition:       spec.Condition,
			Optional:        spec.Optional,
			Timeout:         spec.Timeout,
			Retry:           spec.Retry,
			QualityChecks:   spec.QualityChecks,
		})
	}
	return orch, stages, nil
}

// validateStages rejects unnamed, duplicate, unregistered or cyclic
// stage specs before anything is persisted.
func (o *Orchestrator) validateStages(specs []StageSpec) error {
	byName := make(map[string]StageSpec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("stage name required: %w", types.ErrInvalidRequest)
		}
		if _, dup := byName[spec.Name]; dup {
			return fmt.Errorf("duplicate stage name %q: %w", spec.Name, types.ErrInvalidRequest)
		}
		if spec.Type == "" {
			return fmt.Errorf("stage %s: operation type required: %w", spec.Name, types.ErrInvalidRequest)
		}
		if !o.registry.Has(spec.Type) {
			return fmt.Errorf("stage %s: no operation registered for type %q: %w",
				spec.Name, spec.Type, types.ErrInvalidRequest)
		}
		if spec.Retry != nil && spec.Retry.MaxAttempts < 1 {
			return fmt.Errorf("stage %s: retry policy needs at least one attempt: %w",
				spec.Name, types.ErrInvalidRequest)
		}
		byName[spec.Name] = spec
	}
	for _, spec := range specs {
		for _, pre := range spec.Prereqs {
			if pre == spec.Name {
				return fmt.Errorf("stage %s cannot depend on itself: %w", spec.Name, types.ErrInvalidRequest)
			}
			if _, ok := byName[pre]; !ok {
				return fmt.Errorf("stage %s: unknown prerequisite %q: %w", spec.Name, pre, types.ErrInvalidRequest)
			}
		}
	}
	return validateAcyclic(specs)
}

func validateAcyclic(specs []StageSpec) error {
	const (
		white = iota
		grey
		black
	)
	adj := make(map[string][]string, len(specs))
	for _, spec := range specs {
		adj[spec.Name] = spec.Prereqs
	}
	color := make(map[string]int, len(specs))
	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		for _, pre := range adj[name] {
			switch color[pre] {
			case grey:
				return false
			case white:
				if !visit(pre) {
					return false
				}
			}
		}
		color[name] = black
		return true
	}
	for _, spec := range specs {
		if color[spec.Name] == white && !visit(spec.Name) {
			return fmt.Errorf("stage prerequisites form a cycle through %q: %w",
				spec.Name, types.ErrInvalidRequest)
		}
	}
	return nil
}
