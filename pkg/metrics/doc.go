/*
Package metrics provides Prometheus metrics collection and exposition for Ferret.

The metrics package defines and registers all Ferret metrics using the
Prometheus client library, providing observability into orchestration
throughput, stage execution, resource pool utilization, alerting and
cluster state. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Architecture

Gauges are refreshed by a Collector sweep; counters and duration
histograms are driven by the event stream:

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Collector                     │           │
	│  │                                            │           │
	│  │  Sweep (every 15s):                        │           │
	│  │    store     → orchestration/stage gauges  │           │
	│  │    broker    → pool gauges                 │           │
	│  │    monitor   → active alert gauges         │           │
	│  │    engine    → queue depth                 │           │
	│  │    cluster   → raft gauges                 │           │
	│  │                                            │           │
	│  │  Event stream:                             │           │
	│  │    lifecycle → submitted/completed/failed  │           │
	│  │    stages    → started/succeeded/retried   │           │
	│  │    broker    → preemptions, scale events   │           │
	│  │    monitor   → alerts fired                │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

Orchestration metrics:

ferret_orchestrations_total{status}:
  - Type: Gauge
  - Description: Orchestrations in the store by lifecycle status
  - Example: ferret_orchestrations_total{status="running"} 12

ferret_orchestrations_submitted_total / _completed_total / _failed_total /
_cancelled_total:
  - Type: Counter
  - Description: Lifecycle outcomes observed on the event stream

ferret_orchestration_retries_total:
  - Type: Counter
  - Description: Whole-orchestration retry attempts

ferret_admission_wait_seconds:
  - Type: Histogram
  - Description: Submission-to-running latency, observed at completion

ferret_orchestration_duration_seconds:
  - Type: Histogram
  - Description: Running-to-completion wall time

Stage metrics:

ferret_stages_total{status}:
  - Type: Gauge
  - Description: Stages in the store by status

ferret_stages_started_total / _succeeded_total / _failed_total /
_skipped_total / ferret_stage_retries_total:
  - Type: Counter
  - Description: Stage attempt outcomes observed on the event stream

ferret_stage_duration_seconds{type}:
  - Type: Histogram
  - Description: Stage execution duration by operation type

ferret_queue_depth:
  - Type: Gauge
  - Description: Ready stages waiting for a worker

Resource pool metrics:

ferret_pool_capacity_units{pool} / ferret_pool_reserved_units{pool} /
ferret_pool_in_use_units{pool}:
  - Type: Gauge
  - Description: Capacity accounting per pool (workers, cpu, memory, ...)

ferret_preemptions_total:
  - Type: Counter
  - Description: Reservations preempted for critical work

ferret_pool_scale_events_total{pool}:
  - Type: Counter
  - Description: Auto-scale adjustments per pool

Alert metrics:

ferret_alerts_active{severity}:
  - Type: Gauge
  - Description: Unresolved alerts by severity

ferret_alerts_fired_total{severity}:
  - Type: Counter
  - Description: Alerts raised since process start

Raft metrics (zero unless clustering is enabled):

ferret_raft_is_leader, ferret_raft_peers_total, ferret_raft_log_index,
ferret_raft_applied_index:
  - Type: Gauge
  - Description: Same shape as any hashicorp/raft deployment

# Usage

Wiring the collector:

	collector := metrics.NewCollector(metrics.Config{
		Store:   store,
		Events:  broker,
		Broker:  resourceBroker,
		Monitor: mon,
		Engine:  core, // QueueDepth()
	})
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())

Timing an operation by hand:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.StageDuration, "discovery")

# Integration Points

This package integrates with:

  - pkg/storage: status gauges from ListOrchestrations/ListStages
  - pkg/events: counters from the published event stream
  - pkg/resource: pool gauges from Utilization()
  - pkg/monitor: active alert gauges from Alerts()
  - pkg/orchestrator: queue depth from QueueDepth()
  - pkg/cluster: raft gauges from IsLeader()/Stats()
  - Prometheus: scrapes /metrics endpoint

# Label Discipline

  - status, severity, pool and operation type are bounded sets
  - Orchestration and stage ids never appear as labels
  - Unknown label sources degrade to "unknown", not to the raw value

# Monitoring

Prometheus queries (PromQL):

Throughput and failure:
  - Completion rate: rate(ferret_orchestrations_completed_total[5m])
  - Failure ratio: rate(ferret_orchestrations_failed_total[5m]) /
    rate(ferret_orchestrations_submitted_total[5m])
  - Stage retry rate: rate(ferret_stage_retries_total[5m])

Latency:
  - p95 stage duration: histogram_quantile(0.95,
    rate(ferret_stage_duration_seconds_bucket[5m]))
  - p95 admission wait: histogram_quantile(0.95,
    rate(ferret_admission_wait_seconds_bucket[15m]))

Capacity:
  - Pool saturation: ferret_pool_reserved_units / ferret_pool_capacity_units
  - Queue backlog: ferret_queue_depth
  - Preemption rate: rate(ferret_preemptions_total[15m])

Cluster:
  - Has leader: max(ferret_raft_is_leader) > 0
  - Log lag: ferret_raft_log_index - ferret_raft_applied_index
*/
package metrics
