package monitor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/probe"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// SystemScope is the ring and alert scope for system-wide snapshots.
const SystemScope = "system"

// subscriberBacklog bounds each subscriber channel. A subscriber that
// falls further behind loses messages, never slows the monitor.
const subscriberBacklog = 64

// snapshotFlushBatch is how many snapshots accumulate before the
// pending batch is written to the store ahead of the housekeeping
// flush.
const snapshotFlushBatch = 64

// ExecStats is the execution-side slice of a snapshot, supplied by the
// orchestrator. An empty orchestration ID asks for global counters.
type ExecStats struct {
	Throughput    float64
	LatencyMS     float64
	ErrorRate     float64
	SuccessRate   float64
	SLACompliance float64
	CostToDate    float64

	Active    int
	Queued    int
	Completed int
	Failed    int

	SampleSize int
}

// Filter selects which messages a subscriber receives.
type Filter struct {
	// Scope limits delivery to one orchestration ID or SystemScope.
	// Empty receives everything.
	Scope string
	// MinSeverity drops alerts below this severity. Empty keeps all.
	MinSeverity types.Severity
	// AlertsOnly skips snapshot messages.
	AlertsOnly bool
}

func (f Filter) matchSnapshot(s *types.Snapshot) bool {
	if f.AlertsOnly {
		return false
	}
	return f.Scope == "" || f.Scope == scopeOf(s.OrchestrationID)
}

func (f Filter) matchAlert(a *types.Alert) bool {
	if f.Scope != "" && f.Scope != a.Scope {
		return false
	}
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	return true
}

// Message is one monitor delivery: exactly one of Snapshot or Alert is
// set. Seq increases per subscriber and counts dropped messages too,
// so gaps in Seq reveal what the backlog lost. Payloads are shared and
// must be treated as immutable.
type Message struct {
	Seq      uint64
	Snapshot *types.Snapshot
	Alert    *types.Alert
}

// Subscription is one subscriber's handle.
type Subscription struct {
	ch      chan Message
	filter  Filter
	seq     uint64
	dropped atomic.Uint64
}

// C returns the receive channel. Closed on Unsubscribe.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped reports how many messages this subscriber lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Config wires a Monitor.
type Config struct {
	Probe  probe.Probe
	Store  storage.Store
	Events *events.Broker

	// Active lists the orchestration IDs to sample each tick.
	Active func() []string
	// Stats supplies execution metrics for one orchestration, or
	// global counters for the empty ID. ok=false skips the sample.
	Stats func(orchestrationID string) (ExecStats, bool)

	Interval       time.Duration // per-orchestration cadence, default 5s
	SystemInterval time.Duration // system cadence, default 30s
	RingSize       int           // snapshots retained per scope, default 1000

	Rules    []Rule          // nil selects DefaultRules
	Detector AnomalyDetector // nil selects NullDetector

	InfoAutoResolve time.Duration // default 1h
	PurgeAfter      time.Duration // default 24h
}

// Monitor samples active orchestrations and the system, retains
// snapshot history in bounded rings, fires threshold and anomaly
// alerts, and fans messages out to subscribers.
type Monitor struct {
	mu        sync.Mutex
	rings     map[string]*ring
	ruleState map[string]*ruleState
	anomalyOn map[string]bool
	alerts    map[string]*types.Alert
	subs      map[*Subscription]bool
	snapSeq   uint64
	pending   []*types.Snapshot

	probe    probe.Probe
	store    storage.Store
	events   *events.Broker
	detector AnomalyDetector
	active   func() []string
	stats    func(string) (ExecStats, bool)
	rules    []Rule

	interval        time.Duration
	sysInterval     time.Duration
	ringSize        int
	infoAutoResolve time.Duration
	purgeAfter      time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// ruleState tracks continuous satisfaction for one rule in one scope.
type ruleState struct {
	since time.Time // zero while the conditions do not hold
	fired bool
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SystemInterval <= 0 {
		cfg.SystemInterval = 30 * time.Second
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1000
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Detector == nil {
		cfg.Detector = NullDetector{}
	}
	if cfg.InfoAutoResolve <= 0 {
		cfg.InfoAutoResolve = time.Hour
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 24 * time.Hour
	}

	return &Monitor{
		rings:           make(map[string]*ring),
		ruleState:       make(map[string]*ruleState),
		anomalyOn:       make(map[string]bool),
		alerts:          make(map[string]*types.Alert),
		subs:            make(map[*Subscription]bool),
		probe:           cfg.Probe,
		store:           cfg.Store,
		events:          cfg.Events,
		detector:        cfg.Detector,
		active:          cfg.Active,
		stats:           cfg.Stats,
		rules:           cfg.Rules,
		interval:        cfg.Interval,
		sysInterval:     cfg.SystemInterval,
		ringSize:        cfg.RingSize,
		infoAutoResolve: cfg.InfoAutoResolve,
		purgeAfter:      cfg.PurgeAfter,
		logger:          log.WithComponent("monitor"),
		stopCh:          make(chan struct{}),
	}
}

// Recover reloads persisted alerts that were still live at shutdown.
func (m *Monitor) Recover() error {
	if m.store == nil {
		return nil
	}
	persisted, err := m.store.ListAlerts()
	if err != nil {
		return fmt.Errorf("failed to list alerts: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, a := range persisted {
		if a.Resolved() && now.Sub(a.ResolvedAt) >= m.purgeAfter {
			continue
		}
		m.alerts[a.ID] = a
	}
	m.logger.Info().Int("alerts", len(m.alerts)).Msg("recovered alert set")
	return nil
}

// Start begins the sampling loops.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts sampling. Subscriptions stay open until unsubscribed.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	orchTicker := time.NewTicker(m.interval)
	defer orchTicker.Stop()
	sysTicker := time.NewTicker(m.sysInterval)
	defer sysTicker.Stop()
	houseTicker := time.NewTicker(time.Minute)
	defer houseTicker.Stop()

	for {
		select {
		case <-orchTicker.C:
			m.sampleOrchestrations()
		case <-sysTicker.C:
			m.sampleSystem()
		case <-houseTicker.C:
			m.housekeeping()
		case <-m.stopCh:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a subscriber. The newest retained snapshot the
// filter accepts is delivered first, so a late subscriber starts from
// current state before the live stream. Delivery is best-effort: when
// the backlog is full, messages are counted as dropped instead of
// blocking the monitor.
func (m *Monitor) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		ch:     make(chan Message, subscriberBacklog),
		filter: f,
	}
	m.mu.Lock()
	m.subs[sub] = true
	if s := m.lastSnapshotLocked(f); s != nil {
		sub.seq++
		sub.ch <- Message{Seq: sub.seq, Snapshot: s}
	}
	m.mu.Unlock()
	return sub
}

// lastSnapshotLocked returns the newest retained snapshot the filter
// accepts, or nil before the first sample.
func (m *Monitor) lastSnapshotLocked(f Filter) *types.Snapshot {
	if f.AlertsOnly {
		return nil
	}
	var last *types.Snapshot
	for _, rg := range m.rings {
		s, ok := rg.latest()
		if !ok || !f.matchSnapshot(&s) {
			continue
		}
		if last == nil || s.Seq > last.Seq {
			last = &s
		}
	}
	return last
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Monitor) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub] {
		delete(m.subs, sub)
		close(sub.ch)
	}
}

// Acknowledge marks an alert as seen.
func (m *Monitor) Acknowledge(id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}
	if a.Resolved() {
		return fmt.Errorf("alert %s already resolved: %w", id, types.ErrConflict)
	}
	if a.Acknowledged() {
		return nil
	}

	a.AcknowledgedBy = by
	a.AcknowledgedAt = time.Now()
	m.persistLocked(a)
	m.publishEvent(events.EventAlertAcknowledged, a)
	return nil
}

// Resolve closes an alert. Resolving twice is a no-op.
func (m *Monitor) Resolve(id, by, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(id, by, note)
}

func (m *Monitor) resolveLocked(id, by, note string) error {
	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}
	if a.Resolved() {
		return nil
	}

	a.ResolvedBy = by
	a.ResolvedAt = time.Now()
	a.ResolutionNote = note
	m.persistLocked(a)
	m.publishEvent(events.EventAlertResolved, a)

	m.logger.Info().
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("by", by).
		Msg("alert resolved")
	return nil
}

// Alert returns a copy of one alert.
func (m *Monitor) Alert(id string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// Alerts returns copies of the live alert set (resolved alerts linger
// until purged), oldest first.
func (m *Monitor) Alerts() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Snapshots returns up to limit retained snapshots for one
// orchestration (or SystemScope), oldest first. limit <= 0 returns
// everything retained.
func (m *Monitor) Snapshots(scope string, limit int) []types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg, ok := m.rings[scope]
	if !ok {
		return nil
	}
	all := rg.list()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// History returns persisted snapshots for one scope, oldest first,
// reaching past ring retention. Pending rows are flushed first so the
// archive includes everything sampled so far.
func (m *Monitor) History(scope string, limit int) ([]*types.Snapshot, error) {
	if m.store == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()

	id := scope
	if scope == SystemScope {
		id = ""
	}
	return m.store.ListSnapshots(id, limit)
}

// sampleOrchestrations produces one snapshot per active orchestration.
func (m *Monitor) sampleOrchestrations() {
	if m.active == nil || m.stats == nil {
		return
	}
	ids := m.active()
	if len(ids) == 0 {
		return
	}
	reading := m.sampleProbe()
	for _, id := range ids {
		st, ok := m.stats(id)
		if !ok {
			continue
		}
		m.ingest(buildSnapshot(id, reading, st))
	}
}

// sampleSystem produces the system-wide snapshot.
func (m *Monitor) sampleSystem() {
	var st ExecStats
	if m.stats != nil {
		st, _ = m.stats("")
	}
	m.ingest(buildSnapshot("", m.sampleProbe(), st))
}

func (m *Monitor) sampleProbe() probe.Reading {
	if m.probe == nil {
		return probe.Reading{}
	}
	return m.probe.Sample()
}

func buildSnapshot(id string, r probe.Reading, st ExecStats) types.Snapshot {
	return types.Snapshot{
		Timestamp:       time.Now(),
		OrchestrationID: id,
		CPUPercent:      r.CPUPercent,
		MemPercent:      r.MemPercent,
		DiskIO:          r.DiskIO,
		NetIO:           r.NetIO,
		Throughput:      st.Throughput,
		LatencyMS:       st.LatencyMS,
		ErrorRate:       st.ErrorRate,
		SuccessRate:     st.SuccessRate,
		SLACompliance:   st.SLACompliance,
		CostToDate:      st.CostToDate,
		Active:          st.Active,
		Queued:          st.Queued,
		Completed:       st.Completed,
		Failed:          st.Failed,
		SampleSize:      st.SampleSize,
	}
}

// ingest runs one snapshot through retention, rules, anomaly
// detection, and fan-out.
func (m *Monitor) ingest(s types.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapSeq++
	s.Seq = m.snapSeq
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	scope := scopeOf(s.OrchestrationID)
	rg, ok := m.rings[scope]
	if !ok {
		rg = newRing(m.ringSize)
		m.rings[scope] = rg
	}
	history := rg.list()
	rg.add(s)

	if m.store != nil {
		cp := s
		m.pending = append(m.pending, &cp)
		if len(m.pending) >= snapshotFlushBatch {
			m.flushLocked()
		}
	}

	m.fanOutLocked(Message{Snapshot: &s})
	m.evaluateRulesLocked(&s)
	m.detectLocked(history, s)
}

func (m *Monitor) evaluateRulesLocked(s *types.Snapshot) {
	scope := scopeOf(s.OrchestrationID)
	now := s.Timestamp

	for _, r := range m.rules {
		if !r.appliesTo(s) {
			continue
		}
		if r.MinSamples > 0 && s.SampleSize < r.MinSamples {
			// Too thin to judge either way.
			continue
		}
		key := r.Name + "|" + scope
		st, ok := m.ruleState[key]
		if !ok {
			st = &ruleState{}
			m.ruleState[key] = st
		}

		v, holding := r.holdsOn(s)
		if !holding {
			// Clearing re-arms the rule.
			st.since = time.Time{}
			st.fired = false
			continue
		}
		if st.since.IsZero() {
			st.since = now
		}
		if st.fired || now.Sub(st.since) < r.MinDuration {
			continue
		}
		st.fired = true

		c := r.Conditions[0]
		m.raiseLocked(&types.Alert{
			ID:        types.NewID(types.IDPrefixAlert),
			Kind:      r.Kind,
			Severity:  r.Severity,
			Scope:     scope,
			Metric:    c.Metric,
			Value:     v,
			Threshold: c.Threshold,
			Message:   fmt.Sprintf("%s: %s %s %.2f for %s", r.Name, c.Metric, c.Compare, c.Threshold, r.MinDuration),
			CreatedAt: now,
		})
	}
}

func (m *Monitor) detectLocked(history []types.Snapshot, s types.Snapshot) {
	score, anomalous := m.detector.Score(history, s)
	scope := scopeOf(s.OrchestrationID)

	if !anomalous {
		m.anomalyOn[scope] = false
		return
	}
	if m.anomalyOn[scope] {
		return
	}
	m.anomalyOn[scope] = true

	m.raiseLocked(&types.Alert{
		ID:        types.NewID(types.IDPrefixAlert),
		Kind:      types.AlertAnomaly,
		Severity:  types.SeverityWarning,
		Scope:     scope,
		Metric:    "anomaly_score",
		Value:     score,
		Message:   fmt.Sprintf("snapshot deviates from baseline (score %.2f)", score),
		CreatedAt: s.Timestamp,
	})
}

func (m *Monitor) raiseLocked(a *types.Alert) {
	m.alerts[a.ID] = a
	if m.store != nil {
		if err := m.store.CreateAlert(a); err != nil {
			m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist alert")
		}
	}
	m.publishEvent(events.EventAlertRaised, a)
	m.fanOutLocked(Message{Alert: a})

	m.logger.Warn().
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Str("scope", a.Scope).
		Float64("value", a.Value).
		Msg("alert raised")
}

func (m *Monitor) fanOutLocked(msg Message) {
	for sub := range m.subs {
		if msg.Snapshot != nil && !sub.filter.matchSnapshot(msg.Snapshot) {
			continue
		}
		if msg.Alert != nil && !sub.filter.matchAlert(msg.Alert) {
			continue
		}
		sub.seq++
		out := msg
		out.Seq = sub.seq
		select {
		case sub.ch <- out:
		default:
			sub.dropped.Add(1)
		}
	}
}

// housekeeping flushes pending snapshots, auto-resolves stale info
// alerts, and purges resolved alerts and archived snapshots past
// their retention.
func (m *Monitor) housekeeping() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.flushLocked()
	if m.store != nil {
		if err := m.store.DeleteSnapshotsBefore(now.Add(-m.purgeAfter)); err != nil {
			m.logger.Error().Err(err).Msg("snapshot prune failed")
		}
	}
	for id, a := range m.alerts {
		if !a.Resolved() && a.Severity == types.SeverityInfo && now.Sub(a.CreatedAt) >= m.infoAutoResolve {
			if err := m.resolveLocked(id, "monitor", "auto-resolved"); err != nil {
				m.logger.Error().Err(err).Str("alert_id", id).Msg("auto-resolve failed")
			}
			continue
		}
		if a.Resolved() && now.Sub(a.ResolvedAt) >= m.purgeAfter {
			// The store keeps the resolved row as the archive.
			delete(m.alerts, id)
		}
	}
}

// flushLocked writes the pending snapshot batch to the store. A
// failed batch is dropped rather than retried: the rings remain the
// live view, and the archive is best-effort.
func (m *Monitor) flushLocked() {
	if m.store == nil || len(m.pending) == 0 {
		return
	}
	batch := m.pending
	m.pending = nil
	if err := m.store.AppendSnapshots(batch); err != nil {
		m.logger.Error().Err(err).Int("batch", len(batch)).Msg("snapshot flush failed")
	}
}

func (m *Monitor) persistLocked(a *types.Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateAlert(a); err != nil {
		m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist alert")
	}
}

func (m *Monitor) publishEvent(t events.EventType, a *types.Alert) {
	if m.events == nil {
		return
	}
	orchID := a.Scope
	if orchID == SystemScope {
		orchID = ""
	}
	m.events.Publish(&events.Event{
		Type:            t,
		OrchestrationID: orchID,
		Message:         a.Message,
		Metadata: map[string]string{
			"alert_id": a.ID,
			"kind":     string(a.Kind),
			"severity": string(a.Severity),
		},
	})
}

func scopeOf(orchestrationID string) string {
	if orchestrationID == "" {
		return SystemScope
	}
	return orchestrationID
}

// ring is a fixed-size snapshot buffer. Oldest entries are overwritten
// once full.
type ring struct {
	buf  []types.Snapshot
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]types.Snapshot, n)}
}

func (r *ring) add(s types.Snapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// latest returns the newest retained snapshot.
func (r *ring) latest() (types.Snapshot, bool) {
	if r.next == 0 && !r.full {
		return types.Snapshot{}, false
	}
	i := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}

// list returns retained snapshots in chronological order.
func (r *ring) list() []types.Snapshot {
	if !r.full {
		out := make([]types.Snapshot, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]types.Snapshot, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
