package types

import (
	"time"
)

// Orchestration is the unit of work: one end-to-end scan execution that
// owns a DAG of stages and a bundle of resource reservations.
type Orchestration struct {
	ID       string
	Name     string
	Type     OrchestrationType
	Mode     ExecutionMode
	Priority Priority
	Status   OrchestrationStatus

	// Timing
	ScheduledStart time.Time
	ActualStart    time.Time
	Deadline       time.Time
	Completion     time.Time
	MaxRuntime     time.Duration

	// Cost
	Budget        float64 // 0 = unlimited
	EstimatedCost float64
	ActualCost    float64

	Targets  *ScanTargets
	Plan     *StrategyPlan // immutable once planning completes
	Progress Progress

	RetryCount   int
	MaxRetries   int
	RetryBackoff time.Duration

	ReservationID string

	RequiredApprovals []string
	Approvals         map[string]time.Time

	StatusReason string
	LastError    string
	Outcome      *Outcome

	BatchID     string
	SubmittedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrchestrationType classifies what kind of scan run this is
type OrchestrationType string

const (
	TypeDiscovery      OrchestrationType = "discovery"
	TypeComprehensive  OrchestrationType = "comprehensive"
	TypeQuality        OrchestrationType = "quality"
	TypeCompliance     OrchestrationType = "compliance"
	TypeClassification OrchestrationType = "classification"
	TypeLineage        OrchestrationType = "lineage"
	TypeIncremental    OrchestrationType = "incremental"
	TypeEmergency      OrchestrationType = "emergency"
	TypeMaintenance    OrchestrationType = "maintenance"
	TypeCustom         OrchestrationType = "custom"
)

// Valid reports whether t is a known orchestration type.
func (t OrchestrationType) Valid() bool {
	switch t {
	case TypeDiscovery, TypeComprehensive, TypeQuality, TypeCompliance,
		TypeClassification, TypeLineage, TypeIncremental, TypeEmergency,
		TypeMaintenance, TypeCustom:
		return true
	}
	return false
}

// ExecutionMode defines how an orchestration is driven
type ExecutionMode string

const (
	ModeSynchronous  ExecutionMode = "synchronous"
	ModeAsynchronous ExecutionMode = "asynchronous"
	ModeStreaming    ExecutionMode = "streaming"
	ModeBatch        ExecutionMode = "batch"
	ModeHybrid       ExecutionMode = "hybrid"
	ModeAdaptive     ExecutionMode = "adaptive"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSynchronous, ModeAsynchronous, ModeStreaming,
		ModeBatch, ModeHybrid, ModeAdaptive:
		return true
	}
	return false
}

// Priority orders orchestrations for scheduling and preemption
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium,
		PriorityLow, PriorityBackground:
		return true
	}
	return false
}

// Rank maps a priority to an integer; higher means more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	case PriorityBackground:
		return 0
	default:
		return 2
	}
}

// OrchestrationStatus represents the lifecycle state of an orchestration
type OrchestrationStatus string

const (
	StatusInitializing    OrchestrationStatus = "initializing"
	StatusPlanning        OrchestrationStatus = "planning"
	StatusPendingApproval OrchestrationStatus = "pending_approval"
	StatusQueued          OrchestrationStatus = "queued"
	StatusRunning         OrchestrationStatus = "running"
	StatusPaused          OrchestrationStatus = "paused"
	StatusCompleting      OrchestrationStatus = "completing"
	StatusCompleted       OrchestrationStatus = "completed"
	StatusFailed          OrchestrationStatus = "failed"
	StatusCancelled       OrchestrationStatus = "cancelled"
	StatusTerminated      OrchestrationStatus = "terminated"
	StatusRetrying        OrchestrationStatus = "retrying"
)

// Terminal reports whether the status admits no further transitions.
func (s OrchestrationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated:
		return true
	}
	return false
}

// ScanTargets names what an orchestration scans. The core never resolves
// these references itself; they are opaque to everything except the
// registered scan operations.
type ScanTargets struct {
	DataSources     []string
	Assets          []string
	Rules           []string
	Classifications []string
}

// Empty reports whether the target set references nothing at all.
func (t *ScanTargets) Empty() bool {
	if t == nil {
		return true
	}
	return len(t.DataSources) == 0 && len(t.Assets) == 0 &&
		len(t.Rules) == 0 && len(t.Classifications) == 0
}

// Progress tracks completion counts for an orchestration
type Progress struct {
	StagesDone  int
	StagesTotal int
	ItemsDone   int
	ItemsTotal  int
	Percent     int
}

// ComputePercent derives the rounded stage completion percentage.
func (p *Progress) ComputePercent() int {
	if p.StagesTotal == 0 {
		return 0
	}
	return int(float64(p.StagesDone)/float64(p.StagesTotal)*100 + 0.5)
}

// Stage is one node of an orchestration's DAG. Each stage dispatches a
// single scan operation invocation.
type Stage struct {
	ID              string
	OrchestrationID string
	Name            string
	Order           int // unique within the orchestration; tie-breaker only
	Type            string
	Status          StageStatus

	Inputs  map[string]any
	Outputs map[string]any

	Prereqs   []string
	Condition string // predicate over prior stage outputs; empty = always run
	Optional  bool

	Timeout       time.Duration
	Retry         *RetryPolicy
	QualityChecks bool

	AttemptCount int
	LastError    string

	ReadySince time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// StageStatus represents the state of a stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageReady     StageStatus = "ready"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// Terminal reports whether the stage can no longer change state.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// RetryPolicy bounds automatic retry of a failed stage
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction of the computed delay, 0..1
}

// DependencyEdge is a typed, directed relation between two orchestrations.
// Source depends on Target.
type DependencyEdge struct {
	ID     string
	Source string
	Target string
	Kind   EdgeKind

	Mandatory   bool
	Overridable bool
	Condition   string // predicate over the target's outcome; empty = unconditional
	WaitTimeout time.Duration

	Status         EdgeStatus
	OverriddenBy   string
	OverrideReason string

	CreatedAt time.Time
}

// EdgeKind classifies inter-orchestration relations
type EdgeKind string

const (
	EdgePrerequisite EdgeKind = "prerequisite"
	EdgeBlocking     EdgeKind = "blocking"
	EdgeConditional  EdgeKind = "conditional"
	EdgeParallel     EdgeKind = "parallel"
	EdgeSequential   EdgeKind = "sequential"
	EdgeOptional     EdgeKind = "optional"
)

// EdgeStatus tracks the wait state of a dependency edge
type EdgeStatus string

const (
	EdgePending    EdgeStatus = "pending"
	EdgeWaiting    EdgeStatus = "waiting"
	EdgeSatisfied  EdgeStatus = "satisfied"
	EdgeTimedOut   EdgeStatus = "timed_out"
	EdgeOverridden EdgeStatus = "overridden"
)

// PoolType identifies a typed resource pool
type PoolType string

const (
	PoolCPU                 PoolType = "cpu"
	PoolMemory              PoolType = "memory"
	PoolIO                  PoolType = "io"
	PoolNetwork             PoolType = "network"
	PoolConnections         PoolType = "connections"
	PoolWorkers             PoolType = "workers"
	PoolAPICalls            PoolType = "api-calls"
	PoolComputeInstances    PoolType = "compute-instances"
	PoolClassifierInstances PoolType = "classifier-instances"
	PoolMLModels            PoolType = "ml-models"
	PoolStorage             PoolType = "storage"
)

// AllPoolTypes lists every pool the broker provisions by default.
var AllPoolTypes = []PoolType{
	PoolCPU, PoolMemory, PoolIO, PoolNetwork, PoolConnections,
	PoolWorkers, PoolAPICalls, PoolComputeInstances,
	PoolClassifierInstances, PoolMLModels, PoolStorage,
}

// PoolHealth represents a pool's health state
type PoolHealth string

const (
	PoolHealthy   PoolHealth = "healthy"
	PoolDegraded  PoolHealth = "degraded"
	PoolUnhealthy PoolHealth = "unhealthy"
)

// ScalePolicy bounds automatic pool scaling
type ScalePolicy struct {
	Min              float64
	Max              float64
	Step             float64
	UpThreshold      float64 // utilization ratio that triggers scale-up
	DownThreshold    float64
	CoolDown         time.Duration
	DisableAutoScale bool
}

// ResourcePool is a typed capacity pool owned by the broker
type ResourcePool struct {
	Type        PoolType
	Total       float64
	Reserved    float64
	InUse       float64
	Unit        string
	CostPerUnit float64
	Scale       ScalePolicy
	Health      PoolHealth
	LastScaled  time.Time
}

// Available returns the capacity neither reserved nor in use.
func (p *ResourcePool) Available() float64 {
	return p.Total - p.Reserved - p.InUse
}

// Utilization returns (Reserved+InUse)/Total, or 0 for an empty pool.
func (p *ResourcePool) Utilization() float64 {
	if p.Total <= 0 {
		return 0
	}
	return (p.Reserved + p.InUse) / p.Total
}

// ReservationEntry is one pool's share of a reservation
type ReservationEntry struct {
	Pool      PoolType
	Amount    float64
	ExpiresAt time.Time
}

// Reservation is a bundle of pool amounts held by one orchestration.
// Reservations release atomically: all entries or none. Activated means
// the amounts moved from reserved to in-use when execution started.
type Reservation struct {
	ID              string
	OrchestrationID string
	Entries         []ReservationEntry
	CostEstimate    float64
	Priority        Priority
	CreatedAt       time.Time
	Activated       bool
	Released        bool
}

// StrategyClass names the overall posture of a strategy plan
type StrategyClass string

const (
	StrategyAdaptive     StrategyClass = "adaptive"
	StrategyAggressive   StrategyClass = "aggressive"
	StrategyConservative StrategyClass = "conservative"
	StrategyFallback     StrategyClass = "fallback"
)

// StrategyPlan is the strategy engine's output: the knobs used to run
// one orchestration. Attached plans are never mutated; adaptation
// produces a replacement.
type StrategyPlan struct {
	Class            StrategyClass
	ResourceRequest  map[PoolType]float64
	Parallelism      int
	BatchSize        int
	ScanDepth        int
	StageTimeout     time.Duration
	OverallTimeout   time.Duration
	ExpectedDuration time.Duration
	Confidence       float64 // 0..1
}

// Snapshot is one periodic monitor observation, scoped to an
// orchestration, or system-wide when OrchestrationID is empty.
type Snapshot struct {
	Timestamp       time.Time
	OrchestrationID string
	Seq             uint64

	CPUPercent    float64
	MemPercent    float64
	DiskIO        float64
	NetIO         float64
	Throughput    float64 // items/sec
	LatencyMS     float64
	ErrorRate     float64 // 0..1
	SuccessRate   float64 // 0..1
	SLACompliance float64 // 0..1
	CostToDate    float64

	Active    int
	Queued    int
	Completed int
	Failed    int

	SampleSize int // items observed in the window
}

// AlertKind classifies monitor alerts
type AlertKind string

const (
	AlertPerformanceDegradation AlertKind = "performance-degradation"
	AlertResourceExhaustion     AlertKind = "resource-exhaustion"
	AlertScanFailure            AlertKind = "scan-failure"
	AlertTimeout                AlertKind = "timeout"
	AlertAnomaly                AlertKind = "anomaly"
	AlertSystemOverload         AlertKind = "system-overload"
)

// Severity orders alerts by urgency
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to an integer; higher means more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert is a classified, severity-tagged finding raised by the monitor.
// Scope is an orchestration ID, or "system" for system-wide alerts.
type Alert struct {
	ID        string
	Kind      AlertKind
	Severity  Severity
	Scope     string
	Metric    string
	Value     float64
	Threshold float64
	Message   string

	CreatedAt      time.Time
	AcknowledgedBy string
	AcknowledgedAt time.Time
	ResolvedBy     string
	ResolvedAt     time.Time
	ResolutionNote string
}

// Acknowledged reports whether the alert has been acknowledged.
func (a *Alert) Acknowledged() bool { return !a.AcknowledgedAt.IsZero() }

// Resolved reports whether the alert has been resolved.
func (a *Alert) Resolved() bool { return !a.ResolvedAt.IsZero() }

// Outcome summarizes a terminal orchestration for dependents and callers
type Outcome struct {
	Status          OrchestrationStatus
	CompletedAt     time.Time
	Cost            float64
	ItemsProcessed  int
	StagesSucceeded int
	StagesFailed    int
	StagesSkipped   int
	LastError       string
	Outputs         map[string]any
}

// StageEvent reports a single stage transition to observers
type StageEvent struct {
	Timestamp       time.Time
	OrchestrationID string
	StageID         string
	StageName       string
	From            StageStatus
	To              StageStatus
	Attempt         int
	Error           string
}

// StatusEvent reports an orchestration status transition to observers
type StatusEvent struct {
	Timestamp       time.Time
	OrchestrationID string
	From            OrchestrationStatus
	To              OrchestrationStatus
	Reason          string
}
