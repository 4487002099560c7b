// Package monitor watches running orchestrations and the system as a
// whole, keeps a bounded history of utilization snapshots, and raises
// alerts when threshold rules or anomaly detection say something is
// wrong.
//
// # Architecture
//
//	              ┌────────────┐   Active()/Stats()   ┌──────────────┐
//	              │ orchestrator├─────────────────────▶│              │
//	              └────────────┘                       │              │
//	              ┌────────────┐   Sample()            │   Monitor    │
//	              │ probe      ├─────────────────────▶ │              │
//	              └────────────┘                       └──────┬───────┘
//	                                                          │
//	                 ┌────────────────┬───────────────────────┼─────────────┐
//	                 ▼                ▼                       ▼             ▼
//	           snapshot rings    threshold rules      anomaly detector  subscribers
//	           (per scope)       (single-fire)        (z-score)         (best-effort)
//	                                  │                       │
//	                                  └──────────┬────────────┘
//	                                             ▼
//	                                      alerts (persisted,
//	                                      ack / resolve / purge)
//
// Two sampling loops run on independent cadences: every active
// orchestration is sampled on Interval (default 5s), and one
// system-wide snapshot is taken on SystemInterval (default 30s).
// Each snapshot lands in a fixed-size ring keyed by scope (the
// orchestration ID, or SystemScope for system-wide readings), so
// memory stays bounded no matter how long the process runs.
//
// # Threshold Rules
//
// A Rule lists conditions that must all hold on the same snapshot,
// continuously for MinDuration, before it fires. Once fired, the rule
// stays silent for that scope until its conditions clear; it can then
// fire again. MinSamples keeps thin snapshots from either firing or
// clearing a rule. A rule's scope selects which snapshots it sees:
// host-level rules (CPU, memory, overload) evaluate only the
// system-wide snapshot, so fifty busy orchestrations produce one
// exhaustion alert, not fifty.
//
// DefaultRules covers degraded throughput, low scan success rate, CPU
// and memory exhaustion, and combined system overload.
//
// # Anomaly Detection
//
// The AnomalyDetector seam scores each snapshot against the history
// retained for its scope. ZScoreDetector flags throughput or CPU
// readings more than Z standard deviations from the mean once enough
// history exists. Anomaly alerts are single-fire per scope, exactly
// like rules. NullDetector disables detection.
//
// # Alert Lifecycle
//
// Alerts are persisted on creation and updated through Acknowledge and
// Resolve. Acknowledging is idempotent; acknowledging a resolved alert
// is a conflict. Housekeeping auto-resolves info-severity alerts after
// InfoAutoResolve and drops resolved alerts from the live set after
// PurgeAfter; the store keeps the resolved row as the archive.
// Recover reloads live alerts after a restart.
//
// # Subscriptions
//
// Subscribe returns a channel of Messages, each carrying a snapshot or
// an alert. Filters narrow by scope, severity, or alerts-only. A late
// subscriber receives the newest matching snapshot first, then the
// live stream. Delivery never blocks the monitor: each subscriber has
// a bounded backlog, and messages beyond it are counted on Dropped.
// Sequence numbers advance per subscriber even for dropped messages,
// so a reader can detect its own gaps.
//
// # Usage
//
//	mon := monitor.NewMonitor(monitor.Config{
//		Probe:  probe.NewRuntimeProbe(8 << 30),
//		Store:  store,
//		Events: broker,
//		Active: orch.ActiveIDs,
//		Stats:  orch.ExecStats,
//	})
//	if err := mon.Recover(); err != nil {
//		return err
//	}
//	mon.Start()
//	defer mon.Stop()
//
//	sub := mon.Subscribe(monitor.Filter{MinSeverity: types.SeverityError, AlertsOnly: true})
//	for msg := range sub.C() {
//		page(msg.Alert)
//	}
//
// # See Also
//
//   - pkg/probe: utilization readings feeding the snapshots
//   - pkg/resource: the broker consuming the same probe
//   - pkg/events: lifecycle events for raised and resolved alerts
package monitor
