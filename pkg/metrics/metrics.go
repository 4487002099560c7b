package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestration metrics
	OrchestrationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_orchestrations_total",
			Help: "Orchestrations currently known to the store, by lifecycle status",
		},
		[]string{"status"},
	)

	StagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_stages_total",
			Help: "Stages currently known to the store, by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_queue_depth",
			Help: "Ready stages waiting in the admission queue",
		},
	)

	OrchestrationsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_orchestrations_submitted_total",
			Help: "Total orchestrations accepted by Create",
		},
	)

	OrchestrationsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_orchestrations_completed_total",
			Help: "Total orchestrations that reached completed",
		},
	)

	OrchestrationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_orchestrations_failed_total",
			Help: "Total orchestrations that failed with retries exhausted",
		},
	)

	OrchestrationsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_orchestrations_cancelled_total",
			Help: "Total orchestrations cancelled or terminated",
		},
	)

	OrchestrationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_orchestration_retries_total",
			Help: "Total whole-orchestration retry attempts",
		},
	)

	AdmissionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferret_admission_wait_seconds",
			Help:    "Time from submission to first running, observed at completion",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 7200},
		},
	)

	OrchestrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferret_orchestration_duration_seconds",
			Help:    "Wall time from first running to completion",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	// Stage metrics
	StagesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_stages_started_total",
			Help: "Total stage attempts dispatched to scan operations",
		},
	)

	StagesSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_stages_succeeded_total",
			Help: "Total stages that succeeded",
		},
	)

	StagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_stages_failed_total",
			Help: "Total stages that failed after their retry budget",
		},
	)

	StagesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_stages_skipped_total",
			Help: "Total stages skipped by conditions or failed prerequisites",
		},
	)

	StageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_stage_retries_total",
			Help: "Total stage retry attempts",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferret_stage_duration_seconds",
			Help:    "Stage execution duration by operation type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferret_operation_invocation_seconds",
			Help:    "Scan operation invocation duration by type and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "outcome"},
	)

	// Resource pool metrics
	PoolCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_pool_capacity_units",
			Help: "Total capacity per resource pool",
		},
		[]string{"pool"},
	)

	PoolReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_pool_reserved_units",
			Help: "Reserved capacity per resource pool",
		},
		[]string{"pool"},
	)

	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_pool_in_use_units",
			Help: "Activated capacity per resource pool",
		},
		[]string{"pool"},
	)

	Preemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferret_preemptions_total",
			Help: "Total reservations preempted for critical work",
		},
	)

	PoolScaleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferret_pool_scale_events_total",
			Help: "Total auto-scale adjustments per pool",
		},
		[]string{"pool"},
	)

	// Alert metrics
	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferret_alerts_active",
			Help: "Unresolved alerts by severity",
		},
		[]string{"severity"},
	)

	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferret_alerts_fired_total",
			Help: "Total alerts raised by severity",
		},
		[]string{"severity"},
	)

	// Raft metrics (zero unless clustering is enabled)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Exporter self-metrics
	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferret_metrics_events_dropped",
			Help: "Events the metrics subscription discarded because it fell behind",
		},
	)

	CollectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferret_metrics_collection_duration_seconds",
			Help:    "Time spent in one collection sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OrchestrationsTotal)
	prometheus.MustRegister(StagesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(OrchestrationsSubmitted)
	prometheus.MustRegister(OrchestrationsCompleted)
	prometheus.MustRegister(OrchestrationsFailed)
	prometheus.MustRegister(OrchestrationsCancelled)
	prometheus.MustRegister(OrchestrationRetries)
	prometheus.MustRegister(AdmissionWait)
	prometheus.MustRegister(OrchestrationDuration)
	prometheus.MustRegister(StagesStarted)
	prometheus.MustRegister(StagesSucceeded)
	prometheus.MustRegister(StagesFailed)
	prometheus.MustRegister(StagesSkipped)
	prometheus.MustRegister(StageRetries)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(PoolCapacity)
	prometheus.MustRegister(PoolReserved)
	prometheus.MustRegister(PoolInUse)
	prometheus.MustRegister(Preemptions)
	prometheus.MustRegister(PoolScaleEvents)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(AlertsFired)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(CollectionDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
