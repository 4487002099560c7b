package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ferret/pkg/probe"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	cfg.Store = store
	return NewMonitor(cfg), store
}

// failRule fires whenever error_rate exceeds 0.5 on an orchestration
// snapshot, with no hold duration.
func failRule(sev types.Severity) Rule {
	return Rule{
		Name:       "failing-scans",
		Conditions: []Condition{{Metric: "error_rate", Compare: CompareGreater, Threshold: 0.5}},
		Scope:      ScopeOrchestration,
		Severity:   sev,
		Kind:       types.AlertScanFailure,
	}
}

func drain(sub *Subscription) []Message {
	var out []Message
	for {
		select {
		case msg := <-sub.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestLowThroughputRuleLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	t0 := time.Now()

	slow := func(ts time.Time, tp float64) types.Snapshot {
		return types.Snapshot{
			OrchestrationID: "orch-1",
			Timestamp:       ts,
			Throughput:      tp,
			SuccessRate:     1,
			SampleSize:      10,
		}
	}

	// Below threshold, but not yet for five minutes.
	m.ingest(slow(t0, 5))
	assert.Empty(t, m.Alerts())

	// Held long enough: fires once.
	m.ingest(slow(t0.Add(6*time.Minute), 5))
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertPerformanceDegradation, alerts[0].Kind)
	assert.Equal(t, types.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "orch-1", alerts[0].Scope)
	assert.Equal(t, "throughput", alerts[0].Metric)
	assert.Equal(t, 5.0, alerts[0].Value)
	assert.Equal(t, 10.0, alerts[0].Threshold)

	// Still holding: single-fire keeps it quiet.
	m.ingest(slow(t0.Add(7*time.Minute), 5))
	assert.Len(t, m.Alerts(), 1)

	// Recovered throughput clears and re-arms the rule.
	m.ingest(slow(t0.Add(8*time.Minute), 50))
	m.ingest(slow(t0.Add(9*time.Minute), 5))
	assert.Len(t, m.Alerts(), 1, "hold window restarts after clearing")

	m.ingest(slow(t0.Add(15*time.Minute), 5))
	assert.Len(t, m.Alerts(), 2)
}

func TestSystemRulesIgnoreOrchestrationSnapshots(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	// Hot CPU on an orchestration snapshot: system-scoped rules skip it.
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", CPUPercent: 99})
	assert.Empty(t, m.Alerts())

	// The same reading system-wide trips cpu-exhaustion immediately.
	m.ingest(types.Snapshot{CPUPercent: 99})
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertResourceExhaustion, alerts[0].Kind)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, SystemScope, alerts[0].Scope)
}

func TestCompositeRuleNeedsAllConditions(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	t0 := time.Now()

	sys := func(ts time.Time, cpu, mem float64) types.Snapshot {
		return types.Snapshot{Timestamp: ts, CPUPercent: cpu, MemPercent: mem}
	}

	// Both hot, but the one-minute hold has not elapsed.
	m.ingest(sys(t0, 92, 86))
	assert.Empty(t, m.Alerts())

	// Memory falls back: the hold window resets.
	m.ingest(sys(t0.Add(30*time.Second), 92, 80))
	m.ingest(sys(t0.Add(61*time.Second), 92, 86))
	assert.Empty(t, m.Alerts())

	// Held for a full minute since the reset: fires.
	m.ingest(sys(t0.Add(122*time.Second), 92, 86))
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertSystemOverload, alerts[0].Kind)
	assert.Equal(t, 92.0, alerts[0].Value)
}

func TestMinSamplesSkipsWithoutClearing(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		Rules: []Rule{{
			Name:        "low-success",
			Conditions:  []Condition{{Metric: "success_rate", Compare: CompareLess, Threshold: 0.9}},
			MinDuration: 10 * time.Minute,
			MinSamples:  100,
			Scope:       ScopeOrchestration,
			Severity:    types.SeverityError,
			Kind:        types.AlertScanFailure,
		}},
	})
	t0 := time.Now()

	orch := func(ts time.Time, rate float64, samples int) types.Snapshot {
		return types.Snapshot{
			OrchestrationID: "orch-1",
			Timestamp:       ts,
			SuccessRate:     rate,
			SampleSize:      samples,
		}
	}

	m.ingest(orch(t0, 0.5, 150))
	// A thin sample mid-window neither fires nor resets the rule.
	m.ingest(orch(t0.Add(5*time.Minute), 0.99, 10))
	m.ingest(orch(t0.Add(11*time.Minute), 0.5, 150))

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "success_rate", alerts[0].Metric)
}

func TestRuleStateIsPerScope(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Rules: []Rule{failRule(types.SeverityError)}})

	bad := func(id string) types.Snapshot {
		return types.Snapshot{OrchestrationID: id, ErrorRate: 0.9}
	}

	m.ingest(bad("orch-1"))
	m.ingest(bad("orch-2"))
	m.ingest(bad("orch-1")) // already fired for orch-1

	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	scopes := []string{alerts[0].Scope, alerts[1].Scope}
	assert.ElementsMatch(t, []string{"orch-1", "orch-2"}, scopes)
}

func TestAlertLifecycle(t *testing.T) {
	m, store := newTestMonitor(t, Config{Rules: []Rule{failRule(types.SeverityError)}})
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", ErrorRate: 0.9})

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	require.NoError(t, m.Acknowledge(id, "operator"))
	a, err := m.Alert(id)
	require.NoError(t, err)
	assert.Equal(t, "operator", a.AcknowledgedBy)
	assert.False(t, a.AcknowledgedAt.IsZero())

	// Second acknowledgement is a no-op.
	require.NoError(t, m.Acknowledge(id, "someone-else"))
	a, err = m.Alert(id)
	require.NoError(t, err)
	assert.Equal(t, "operator", a.AcknowledgedBy)

	require.NoError(t, m.Resolve(id, "operator", "scaled workers"))
	a, err = m.Alert(id)
	require.NoError(t, err)
	assert.True(t, a.Resolved())
	assert.Equal(t, "scaled workers", a.ResolutionNote)

	// Resolving twice is idempotent; acknowledging a resolved alert is not.
	require.NoError(t, m.Resolve(id, "other", "different note"))
	a, _ = m.Alert(id)
	assert.Equal(t, "scaled workers", a.ResolutionNote)
	assert.ErrorIs(t, m.Acknowledge(id, "late"), types.ErrConflict)

	// Unknown IDs.
	assert.ErrorIs(t, m.Acknowledge("alert-missing", "x"), types.ErrNotFound)
	assert.ErrorIs(t, m.Resolve("alert-missing", "x", ""), types.ErrNotFound)

	// The resolution reached the store.
	persisted, err := store.GetAlert(id)
	require.NoError(t, err)
	assert.True(t, persisted.Resolved())
}

func TestAlertCopiesAreIsolated(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Rules: []Rule{failRule(types.SeverityError)}})
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", ErrorRate: 0.9})

	a, err := m.Alert(m.Alerts()[0].ID)
	require.NoError(t, err)
	a.ResolutionNote = "mutated by caller"

	fresh, err := m.Alert(a.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.ResolutionNote)
}

// scriptDetector replays a fixed anomalous/normal sequence.
type scriptDetector struct {
	flags []bool
	calls int
}

func (d *scriptDetector) Score([]types.Snapshot, types.Snapshot) (float64, bool) {
	anomalous := d.calls < len(d.flags) && d.flags[d.calls]
	d.calls++
	if anomalous {
		return 9.9, true
	}
	return 0.1, false
}

func TestAnomalySingleFireUntilClear(t *testing.T) {
	det := &scriptDetector{flags: []bool{false, true, true, false, true}}
	m, _ := newTestMonitor(t, Config{Rules: []Rule{}, Detector: det})

	for i := 0; i < 5; i++ {
		m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 20})
	}

	alerts := m.Alerts()
	require.Len(t, alerts, 2, "consecutive anomalies collapse into one alert")
	for _, a := range alerts {
		assert.Equal(t, types.AlertAnomaly, a.Kind)
		assert.Equal(t, types.SeverityWarning, a.Severity)
		assert.Equal(t, "orch-1", a.Scope)
		assert.Equal(t, 9.9, a.Value)
	}
}

func TestZScoreDetector(t *testing.T) {
	det := ZScoreDetector{}

	// Alternating 19/21 gives mean 20, stddev 1.
	history := make([]types.Snapshot, 30)
	for i := range history {
		history[i] = types.Snapshot{Throughput: 19 + float64(2*(i%2))}
	}

	score, anomalous := det.Score(history, types.Snapshot{Throughput: 100})
	assert.True(t, anomalous)
	assert.InDelta(t, 80.0, score, 0.001)

	_, anomalous = det.Score(history, types.Snapshot{Throughput: 22})
	assert.False(t, anomalous, "two sigmas is within tolerance")

	_, anomalous = det.Score(history[:10], types.Snapshot{Throughput: 100})
	assert.False(t, anomalous, "too little history to judge")

	// Zero variance never divides by zero.
	flat := make([]types.Snapshot, 30)
	score, anomalous = det.Score(flat, types.Snapshot{Throughput: 100})
	assert.False(t, anomalous)
	assert.Equal(t, 0.0, score)
}

func TestSubscriberFiltersAndSequence(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	all := m.Subscribe(Filter{})
	alertsOnly := m.Subscribe(Filter{AlertsOnly: true})
	critOnly := m.Subscribe(Filter{AlertsOnly: true, MinSeverity: types.SeverityCritical})
	orchOnly := m.Subscribe(Filter{Scope: "orch-1"})

	m.ingest(types.Snapshot{CPUPercent: 99}) // fires cpu-exhaustion (critical)
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 500})
	m.ingest(types.Snapshot{OrchestrationID: "orch-2", Throughput: 500})

	got := drain(all)
	require.Len(t, got, 4) // system snap, alert, orch-1 snap, orch-2 snap
	for i, msg := range got {
		assert.Equal(t, uint64(i+1), msg.Seq)
	}
	assert.NotNil(t, got[1].Alert)

	got = drain(alertsOnly)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, types.AlertResourceExhaustion, got[0].Alert.Kind)

	got = drain(critOnly)
	require.Len(t, got, 1)

	got = drain(orchOnly)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Snapshot)
	assert.Equal(t, "orch-1", got[0].Snapshot.OrchestrationID)

	m.Unsubscribe(all)
	_, open := <-all.ch
	assert.False(t, open)
}

func TestLateSubscriberCatchUp(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Rules: []Rule{}})

	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 10})
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 20})
	m.ingest(types.Snapshot{Throughput: 5})

	// An unscoped late subscriber starts from the newest snapshot overall.
	late := m.Subscribe(Filter{})
	got := drain(late)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Snapshot)
	assert.Equal(t, "", got[0].Snapshot.OrchestrationID)
	assert.Equal(t, 5.0, got[0].Snapshot.Throughput)
	assert.Equal(t, uint64(1), got[0].Seq)

	// A scoped one starts from that scope's newest.
	scoped := m.Subscribe(Filter{Scope: "orch-1"})
	got = drain(scoped)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Snapshot)
	assert.Equal(t, 20.0, got[0].Snapshot.Throughput)

	// The live stream continues the sequence after catch-up.
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 30})
	got = drain(scoped)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, 30.0, got[0].Snapshot.Throughput)

	// Alerts-only subscribers skip snapshot catch-up.
	alertsOnly := m.Subscribe(Filter{AlertsOnly: true})
	assert.Empty(t, drain(alertsOnly))

	// Nothing to catch up on before the first sample.
	fresh, _ := newTestMonitor(t, Config{Rules: []Rule{}})
	assert.Empty(t, drain(fresh.Subscribe(Filter{})))
}

func TestSubscriberBacklogDrops(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Rules: []Rule{}})
	sub := m.Subscribe(Filter{})

	for i := 0; i < subscriberBacklog+6; i++ {
		m.ingest(types.Snapshot{Throughput: float64(i)})
	}

	got := drain(sub)
	assert.Len(t, got, subscriberBacklog)
	assert.Equal(t, uint64(6), sub.Dropped())
	// Sequence numbers cover dropped messages, so the gap is visible.
	assert.Equal(t, uint64(subscriberBacklog), got[len(got)-1].Seq)
}

func TestSnapshotRetention(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Rules: []Rule{}, RingSize: 3})

	for i := 1; i <= 5; i++ {
		m.ingest(types.Snapshot{Throughput: float64(i)})
	}

	kept := m.Snapshots(SystemScope, 0)
	require.Len(t, kept, 3)
	assert.Equal(t, 3.0, kept[0].Throughput)
	assert.Equal(t, 5.0, kept[2].Throughput)
	assert.Less(t, kept[0].Seq, kept[2].Seq)

	last := m.Snapshots(SystemScope, 2)
	require.Len(t, last, 2)
	assert.Equal(t, 4.0, last[0].Throughput)

	assert.Empty(t, m.Snapshots("orch-unknown", 0))
}

func TestSamplingBuildsSnapshots(t *testing.T) {
	stats := map[string]ExecStats{
		"orch-1": {Throughput: 42, SuccessRate: 0.97, Active: 3, SampleSize: 200},
		"":       {Queued: 7, Completed: 12},
	}
	m, _ := newTestMonitor(t, Config{
		Rules:  []Rule{},
		Probe:  probe.NewStaticProbe(probe.Reading{CPUPercent: 33, MemPercent: 44}),
		Active: func() []string { return []string{"orch-1", "orch-2"} },
		Stats: func(id string) (ExecStats, bool) {
			st, ok := stats[id]
			return st, ok
		},
	})

	m.sampleOrchestrations()
	m.sampleSystem()

	orch := m.Snapshots("orch-1", 0)
	require.Len(t, orch, 1)
	assert.Equal(t, 33.0, orch[0].CPUPercent)
	assert.Equal(t, 44.0, orch[0].MemPercent)
	assert.Equal(t, 42.0, orch[0].Throughput)
	assert.Equal(t, 3, orch[0].Active)
	assert.False(t, orch[0].Timestamp.IsZero())

	// orch-2 had no stats, so no snapshot was produced.
	assert.Empty(t, m.Snapshots("orch-2", 0))

	sys := m.Snapshots(SystemScope, 0)
	require.Len(t, sys, 1)
	assert.Equal(t, 7, sys[0].Queued)
	assert.Equal(t, 12, sys[0].Completed)
}

func TestSnapshotArchiveFlushing(t *testing.T) {
	m, store := newTestMonitor(t, Config{Rules: []Rule{}, RingSize: 2})

	// Below the batch threshold nothing reaches the store yet.
	for i := 0; i < 3; i++ {
		m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: float64(i)})
	}
	persisted, err := store.ListSnapshots("orch-1", 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// History flushes the pending batch first and reaches past ring
	// retention.
	assert.Len(t, m.Snapshots("orch-1", 0), 2)
	hist, err := m.History("orch-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 0.0, hist[0].Throughput)
	assert.Equal(t, 2.0, hist[2].Throughput)

	// The system scope maps to the empty orchestration ID.
	m.ingest(types.Snapshot{Throughput: 99})
	sys, err := m.History(SystemScope, 0)
	require.NoError(t, err)
	require.Len(t, sys, 1)
	assert.Equal(t, 99.0, sys[0].Throughput)

	// A full batch flushes inline during ingest.
	for i := 0; i < snapshotFlushBatch; i++ {
		m.ingest(types.Snapshot{OrchestrationID: "orch-2", Throughput: float64(i)})
	}
	persisted, err = store.ListSnapshots("orch-2", 0)
	require.NoError(t, err)
	assert.Len(t, persisted, snapshotFlushBatch)
}

func TestHousekeepingFlushesAndPrunesSnapshots(t *testing.T) {
	m, store := newTestMonitor(t, Config{Rules: []Rule{}, PurgeAfter: time.Hour})

	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Timestamp: time.Now().Add(-2 * time.Hour), Throughput: 1})
	m.ingest(types.Snapshot{OrchestrationID: "orch-1", Throughput: 7})

	m.housekeeping()

	kept, err := store.ListSnapshots("orch-1", 0)
	require.NoError(t, err)
	require.Len(t, kept, 1, "rows past retention are pruned")
	assert.Equal(t, 7.0, kept[0].Throughput)
}

func TestHousekeepingAutoResolvesAndPurges(t *testing.T) {
	m, store := newTestMonitor(t, Config{
		Rules:           []Rule{failRule(types.SeverityInfo)},
		InfoAutoResolve: 10 * time.Millisecond,
		PurgeAfter:      20 * time.Millisecond,
	})

	m.ingest(types.Snapshot{OrchestrationID: "orch-1", ErrorRate: 0.9})
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	time.Sleep(15 * time.Millisecond)
	m.housekeeping()

	a, err := m.Alert(id)
	require.NoError(t, err)
	assert.True(t, a.Resolved())
	assert.Equal(t, "monitor", a.ResolvedBy)

	time.Sleep(25 * time.Millisecond)
	m.housekeeping()

	_, err = m.Alert(id)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The persisted row survives as the archive.
	persisted, err := store.GetAlert(id)
	require.NoError(t, err)
	assert.True(t, persisted.Resolved())
}

func TestRecoverReloadsLiveAlerts(t *testing.T) {
	m1, store := newTestMonitor(t, Config{Rules: []Rule{failRule(types.SeverityError)}})
	m1.ingest(types.Snapshot{OrchestrationID: "orch-1", ErrorRate: 0.9})
	m1.ingest(types.Snapshot{OrchestrationID: "orch-2", ErrorRate: 0.9})

	alerts := m1.Alerts()
	require.Len(t, alerts, 2)
	byScope := map[string]*types.Alert{alerts[0].Scope: alerts[0], alerts[1].Scope: alerts[1]}

	// Resolve one and back-date it past the purge horizon.
	stale := byScope["orch-1"]
	require.NotNil(t, stale)
	require.NoError(t, m1.Resolve(stale.ID, "operator", "done"))
	aged, err := store.GetAlert(stale.ID)
	require.NoError(t, err)
	aged.ResolvedAt = time.Now().Add(-25 * time.Hour)
	require.NoError(t, store.UpdateAlert(aged))

	m2 := NewMonitor(Config{Store: store})
	require.NoError(t, m2.Recover())

	recovered := m2.Alerts()
	require.Len(t, recovered, 1)
	assert.Equal(t, byScope["orch-2"].ID, recovered[0].ID)
}
