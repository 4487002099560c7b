package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/monitor"
	"github.com/cuemby/ferret/pkg/resource"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// EngineInfo exposes the live admission queue depth.
// *orchestrator.Orchestrator satisfies it.
type EngineInfo interface {
	QueueDepth() int
}

// ClusterInfo exposes Raft standing when clustering is enabled.
type ClusterInfo interface {
	IsLeader() bool
	Stats() map[string]string
}

// Config wires a Collector. Store is required for the status gauges;
// everything else degrades to a no-op when absent.
type Config struct {
	Store  storage.Store
	Events *events.Broker

	Broker  *resource.Broker
	Monitor *monitor.Monitor
	Engine  EngineInfo
	Cluster ClusterInfo

	// Interval between collection sweeps. Defaults to 15s.
	Interval time.Duration
}

// Collector keeps the exported metrics current: gauges come from
// periodic sweeps over the store, broker and monitor; counters and
// duration histograms come from the event stream.
type Collector struct {
	cfg    Config
	sub    *events.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a stopped collector.
func NewCollector(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Collector{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	if c.cfg.Events != nil {
		c.sub = c.cfg.Events.Subscribe(events.Filter{})
		c.wg.Add(1)
		go c.consume()
	}
	c.wg.Add(1)
	go c.sweep()
}

// Stop stops the collector and waits for its goroutines.
func (c *Collector) Stop() {
	close(c.stopCh)
	if c.sub != nil {
		c.cfg.Events.Unsubscribe(c.sub)
	}
	c.wg.Wait()
}

func (c *Collector) sweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	timer := NewTimer()

	c.collectOrchestrations()
	c.collectPools()
	c.collectAlerts()
	c.collectQueue()
	c.collectRaft()

	if c.sub != nil {
		EventsDropped.Set(float64(c.sub.Dropped()))
	}
	timer.ObserveDuration(CollectionDuration)
}

var orchestrationStatuses = []types.OrchestrationStatus{
	types.StatusInitializing,
	types.StatusPlanning,
	types.StatusPendingApproval,
	types.StatusQueued,
	types.StatusRunning,
	types.StatusPaused,
	types.StatusCompleting,
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusCancelled,
	types.StatusTerminated,
	types.StatusRetrying,
}

var stageStatuses = []types.StageStatus{
	types.StagePending,
	types.StageReady,
	types.StageRunning,
	types.StageSucceeded,
	types.StageFailed,
	types.StageSkipped,
	types.StageCancelled,
}

var severities = []types.Severity{
	types.SeverityInfo,
	types.SeverityWarning,
	types.SeverityError,
	types.SeverityCritical,
}

func (c *Collector) collectOrchestrations() {
	if c.cfg.Store == nil {
		return
	}
	orcs, err := c.cfg.Store.ListOrchestrations()
	if err != nil {
		return
	}

	statusCounts := make(map[types.OrchestrationStatus]int)
	stageCounts := make(map[types.StageStatus]int)

	for _, o := range orcs {
		statusCounts[o.Status]++

		stages, err := c.cfg.Store.ListStagesByOrchestration(o.ID)
		if err != nil {
			continue
		}
		for _, st := range stages {
			stageCounts[st.Status]++
		}
	}

	// Every known status gets a sample so absent states read as zero.
	for _, s := range orchestrationStatuses {
		OrchestrationsTotal.WithLabelValues(string(s)).Set(float64(statusCounts[s]))
	}
	for _, s := range stageStatuses {
		StagesTotal.WithLabelValues(string(s)).Set(float64(stageCounts[s]))
	}
}

func (c *Collector) collectPools() {
	if c.cfg.Broker == nil {
		return
	}

	var degraded, unhealthy []string
	for pt, pool := range c.cfg.Broker.Utilization() {
		PoolCapacity.WithLabelValues(string(pt)).Set(pool.Total)
		PoolReserved.WithLabelValues(string(pt)).Set(pool.Reserved)
		PoolInUse.WithLabelValues(string(pt)).Set(pool.InUse)

		switch pool.Health {
		case types.PoolDegraded:
			degraded = append(degraded, string(pt))
		case types.PoolUnhealthy:
			unhealthy = append(unhealthy, string(pt))
		}
	}

	// The sweep keeps the resource-broker health component current, so
	// /health tracks pool condition instead of the boot-time snapshot.
	switch {
	case len(unhealthy) > 0:
		sort.Strings(unhealthy)
		RegisterComponent("resource-broker", false, "pools unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		sort.Strings(degraded)
		RegisterComponent("resource-broker", true, "pools degraded: "+strings.Join(degraded, ", "))
	default:
		RegisterComponent("resource-broker", true, "")
	}
}

func (c *Collector) collectAlerts() {
	if c.cfg.Monitor == nil {
		return
	}

	counts := make(map[types.Severity]int)
	for _, a := range c.cfg.Monitor.Alerts() {
		if a.Resolved() {
			continue
		}
		counts[a.Severity]++
	}
	for _, s := range severities {
		AlertsActive.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) collectQueue() {
	if c.cfg.Engine == nil {
		return
	}
	QueueDepth.Set(float64(c.cfg.Engine.QueueDepth()))
}

func (c *Collector) collectRaft() {
	if c.cfg.Cluster == nil {
		return
	}

	if c.cfg.Cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.cfg.Cluster.Stats()
	if stats == nil {
		return
	}
	if v, err := strconv.ParseFloat(stats["last_log_index"], 64); err == nil {
		RaftLogIndex.Set(v)
	}
	if v, err := strconv.ParseFloat(stats["applied_index"], 64); err == nil {
		RaftAppliedIndex.Set(v)
	}
	// num_peers excludes this node.
	if v, err := strconv.ParseFloat(stats["num_peers"], 64); err == nil {
		RaftPeers.Set(v + 1)
	}
}

func (c *Collector) consume() {
	defer c.wg.Done()

	for {
		select {
		case e, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.apply(e)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) apply(e *events.Event) {
	switch e.Type {
	case events.EventOrchestrationCreated:
		OrchestrationsSubmitted.Inc()
	case events.EventOrchestrationCompleted:
		OrchestrationsCompleted.Inc()
		c.observeCompletion(e.OrchestrationID)
	case events.EventOrchestrationFailed:
		OrchestrationsFailed.Inc()
	case events.EventOrchestrationCancelled:
		OrchestrationsCancelled.Inc()
	case events.EventOrchestrationRetrying:
		OrchestrationRetries.Inc()
	case events.EventStageStarted:
		StagesStarted.Inc()
	case events.EventStageSucceeded:
		StagesSucceeded.Inc()
		c.observeStage(e.StageID)
	case events.EventStageFailed:
		StagesFailed.Inc()
		c.observeStage(e.StageID)
	case events.EventStageSkipped:
		StagesSkipped.Inc()
	case events.EventStageRetrying:
		StageRetries.Inc()
	case events.EventReservationPreempt:
		Preemptions.Inc()
	case events.EventPoolScaled:
		pool := e.Message
		if pool == "" {
			pool = "unknown"
		}
		PoolScaleEvents.WithLabelValues(pool).Inc()
	case events.EventAlertRaised:
		sev := e.Metadata["severity"]
		if sev == "" {
			sev = "unknown"
		}
		AlertsFired.WithLabelValues(sev).Inc()
	}
}

// observeCompletion records admission wait and run duration once an
// orchestration completes. Both need the persisted timestamps.
func (c *Collector) observeCompletion(id string) {
	if c.cfg.Store == nil || id == "" {
		return
	}
	o, err := c.cfg.Store.GetOrchestration(id)
	if err != nil || o.ActualStart.IsZero() || o.Completion.IsZero() {
		return
	}
	AdmissionWait.Observe(o.ActualStart.Sub(o.CreatedAt).Seconds())
	OrchestrationDuration.Observe(o.Completion.Sub(o.ActualStart).Seconds())
}

func (c *Collector) observeStage(id string) {
	if c.cfg.Store == nil || id == "" {
		return
	}
	st, err := c.cfg.Store.GetStage(id)
	if err != nil || st.StartedAt.IsZero() || st.FinishedAt.IsZero() {
		return
	}
	StageDuration.WithLabelValues(st.Type).Observe(st.FinishedAt.Sub(st.StartedAt).Seconds())
}
