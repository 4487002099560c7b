package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/condition"
	"github.com/cuemby/ferret/pkg/dependency"
	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/resource"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/scheduler"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/strategy"
	"github.com/cuemby/ferret/pkg/types"
)

const (
	defaultWorkerCount       = 8
	defaultQueueCapacity     = 256
	defaultCancellationGrace = 30 * time.Second
	defaultApprovalTimeout   = 24 * time.Hour
	defaultBulkMaxBatch      = 100
	defaultTickInterval      = 250 * time.Millisecond
	defaultDispatchInterval  = 100 * time.Millisecond
	defaultMailboxSize       = 128
)

// Config wires the orchestrator to its collaborators. Store, Events,
// Broker, Resolver, Strategy and Registry are required.
type Config struct {
	Store    storage.Store
	Events   *events.Broker
	Broker   *resource.Broker
	Resolver *dependency.Resolver
	Strategy *strategy.Engine
	Registry *scanop.Registry

	// WorkerCount bounds concurrent stage executions across all
	// orchestrations.
	WorkerCount int
	// QueueCapacity bounds the scheduler queue; submissions beyond it
	// are rejected and retried on the owner tick.
	QueueCapacity int
	// AgingAfter promotes starved queue entries one priority class.
	AgingAfter time.Duration

	// DefaultRetry applies to stages that carry no retry policy.
	DefaultRetry *types.RetryPolicy
	// CancellationGrace bounds how long a cancel waits for in-flight
	// stages before force-finalizing.
	CancellationGrace time.Duration
	// ApprovalTimeout cancels orchestrations stuck in pending_approval.
	ApprovalTimeout time.Duration
	// BulkMaxBatch caps the number of requests in one bulk submission.
	BulkMaxBatch int

	// TickInterval drives per-orchestration housekeeping: admission
	// retries, timeout checks, backoff expiry.
	TickInterval time.Duration
	// DispatchInterval drives the scheduler drain loop.
	DispatchInterval time.Duration
	// MailboxSize bounds each orchestration owner's message queue.
	MailboxSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WorkerCount <= 0 {
		out.WorkerCount = defaultWorkerCount
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = defaultQueueCapacity
	}
	if out.CancellationGrace <= 0 {
		out.CancellationGrace = defaultCancellationGrace
	}
	if out.ApprovalTimeout <= 0 {
		out.ApprovalTimeout = defaultApprovalTimeout
	}
	if out.BulkMaxBatch <= 0 {
		out.BulkMaxBatch = defaultBulkMaxBatch
	}
	if out.TickInterval <= 0 {
		out.TickInterval = defaultTickInterval
	}
	if out.DispatchInterval <= 0 {
		out.DispatchInterval = defaultDispatchInterval
	}
	if out.MailboxSize <= 0 {
		out.MailboxSize = defaultMailboxSize
	}
	if out.DefaultRetry == nil {
		out.DefaultRetry = &types.RetryPolicy{
			MaxAttempts: 3,
			Base:        500 * time.Millisecond,
			Cap:         30 * time.Second,
			Jitter:      0.2,
		}
	}
	return out
}

// execution carries everything a worker needs to run one stage attempt.
// Entries live in the exec table from submission until dispatch; removal
// withdraws the stage (pause, cancel, preemption).
type execution struct {
	ow      *owner
	opType  string
	timeout time.Duration
	req     scanop.Request
	epoch   int
}

// Orchestrator is the control plane: it owns the lifecycle state machine,
// the per-orchestration owner goroutines, the stage scheduler and the
// worker pool that executes stage operations.
type Orchestrator struct {
	cfg      Config
	store    storage.Store
	events   *events.Broker
	broker   *resource.Broker
	resolver *dependency.Resolver
	strategy *strategy.Engine
	registry *scanop.Registry
	queue    *scheduler.Queue
	eval     *condition.Evaluator

	mu     sync.Mutex
	owners map[string]*owner

	execMu sync.Mutex
	execs  map[string]*execution // stage ID -> pending execution

	dispatchCh chan scheduler.Item
	busy       atomic.Int64

	completedTotal atomic.Int64
	failedTotal    atomic.Int64

	capSub *events.Subscription

	logger  zerolog.Logger
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewOrchestrator builds an orchestrator. The scheduler queue is owned
// internally so its admission guards can read live orchestration state.
func NewOrchestrator(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		store:      cfg.Store,
		events:     cfg.Events,
		broker:     cfg.Broker,
		resolver:   cfg.Resolver,
		strategy:   cfg.Strategy,
		registry:   cfg.Registry,
		eval:       condition.NewEvaluator(),
		owners:     make(map[string]*owner),
		execs:      make(map[string]*execution),
		dispatchCh: make(chan scheduler.Item, cfg.WorkerCount),
		logger:     log.WithComponent("orchestrator"),
		stopCh:     make(chan struct{}),
	}
	o.queue = scheduler.NewQueue(scheduler.Config{
		Capacity:   cfg.QueueCapacity,
		AgingAfter: cfg.AgingAfter,
		Guards: scheduler.Guards{
			Runnable:  o.guardRunnable,
			Resourced: o.guardResourced,
			Unblocked: o.guardUnblocked,
		},
	})
	if o.broker != nil {
		o.broker.SetOnPreempt(o.handlePreempt)
	}
	return o
}

// Recover reloads persisted orchestrations and resumes the non-terminal
// ones. Call after broker and resolver recovery, before Start.
func (o *Orchestrator) Recover() error {
	all, err := o.store.ListOrchestrations()
	if err != nil {
		return fmt.Errorf("recover orchestrations: %v", err)
	}
	var resumed int
	for _, orch := range all {
		switch {
		case orch.Status == types.StatusCompleted:
			o.completedTotal.Add(1)
			continue
		case orch.Status.Terminal():
			if orch.Status == types.StatusFailed && orch.RetryCount < orch.MaxRetries {
				// retry budget left: resume so the pending retry fires
				break
			}
			if orch.Status == types.StatusFailed {
				o.failedTotal.Add(1)
			}
			continue
		}
		stages, err := o.store.ListStagesByOrchestration(orch.ID)
		if err != nil {
			return fmt.Errorf("recover stages for %s: %v", orch.ID, err)
		}
		o.spawn(orch, stages)
		resumed++
	}
	o.logger.Info().Int("resumed", resumed).Int("total", len(all)).Msg("recovery complete")
	return nil
}

// Run launches the dispatcher, the worker pool and the capacity pump,
// then returns. Stop halts them.
func (o *Orchestrator) Run() {
	o.wg.Add(1)
	go o.dispatch()
	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	if o.events != nil {
		o.capSub = o.events.Subscribe(events.Filter{
			Types: []events.EventType{events.EventReservationReleased, events.EventPoolScaled},
		})
		o.wg.Add(1)
		go o.capacityPump()
	}
	o.logger.Info().Int("workers", o.cfg.WorkerCount).Msg("orchestrator started")
}

// Stop halts dispatching and owner goroutines. Orchestration state is
// persisted at every transition, so a later Recover picks up where this
// left off.
func (o *Orchestrator) Stop() {
	if !o.stopped.CompareAndSwap(false, true) {
		return
	}
	// cut in-flight stage attempts so workers drain; recovery re-runs them
	for _, ow := range o.snapshotOwners() {
		ow.cancelContext()
	}
	close(o.stopCh)
	if o.capSub != nil && o.events != nil {
		o.events.Unsubscribe(o.capSub)
	}
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}

// ---- owner registry -------------------------------------------------

func (o *Orchestrator) spawn(orch *types.Orchestration, stages []*types.Stage) *owner {
	ow := newOwner(o, orch, stages)
	o.mu.Lock()
	o.owners[orch.ID] = ow
	o.mu.Unlock()
	o.wg.Add(1)
	go ow.run()
	return ow
}

func (o *Orchestrator) ownerOf(id string) *owner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owners[id]
}

func (o *Orchestrator) removeOwner(id string) {
	o.mu.Lock()
	delete(o.owners, id)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotOwners() []*owner {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*owner, 0, len(o.owners))
	for _, ow := range o.owners {
		out = append(out, ow)
	}
	return out
}

// send routes a control message to the orchestration's owner and waits
// for the reply. Orchestrations without an owner are terminal (or
// unknown); the store decides which.
func (o *Orchestrator) send(id string, msg ownerMsg) error {
	msg.reply = make(chan error, 1)
	for {
		ow := o.ownerOf(id)
		if ow == nil {
			return o.noOwnerErr(id)
		}
		if !ow.deliver(msg) {
			// owner exited between lookup and delivery
			o.mu.Lock()
			if o.owners[id] == ow {
				delete(o.owners, id)
			}
			o.mu.Unlock()
			continue
		}
		return <-msg.reply
	}
}

func (o *Orchestrator) noOwnerErr(id string) error {
	orch, err := o.store.GetOrchestration(id)
	if err != nil {
		return fmt.Errorf("orchestration %s: %w", id, types.ErrNotFound)
	}
	return fmt.Errorf("orchestration %s is %s: %w", id, orch.Status, types.ErrConflict)
}

// ---- scheduler guards ------------------------------------------------

func (o *Orchestrator) guardRunnable(orchestrationID string) bool {
	ow := o.ownerOf(orchestrationID)
	if ow == nil {
		return false
	}
	return ow.view().status == types.StatusRunning
}

func (o *Orchestrator) guardResourced(it scheduler.Item) bool {
	ow := o.ownerOf(it.OrchestrationID)
	if ow == nil {
		return false
	}
	return ow.view().reserved
}

func (o *Orchestrator) guardUnblocked(orchestrationID string) bool {
	ow := o.ownerOf(orchestrationID)
	if ow == nil {
		return false
	}
	return !ow.view().blocked
}

// ---- exec table -------------------------------------------------------

func (o *Orchestrator) putExec(stageID string, ex *execution) {
	o.execMu.Lock()
	o.execs[stageID] = ex
	o.execMu.Unlock()
}

func (o *Orchestrator) takeExec(stageID string) *execution {
	o.execMu.Lock()
	defer o.execMu.Unlock()
	ex := o.execs[stageID]
	delete(o.execs, stageID)
	return ex
}

func (o *Orchestrator) dropExec(stageID string) {
	o.execMu.Lock()
	delete(o.execs, stageID)
	o.execMu.Unlock()
}

// clearExecs withdraws every pending execution for one orchestration.
func (o *Orchestrator) clearExecs(orchestrationID string) {
	o.execMu.Lock()
	for id, ex := range o.execs {
		if ex.req.OrchestrationID == orchestrationID {
			delete(o.execs, id)
		}
	}
	o.execMu.Unlock()
}

// ---- dispatch and workers ---------------------------------------------

func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			free := o.cfg.WorkerCount - int(o.busy.Load())
			if free <= 0 {
				continue
			}
			for _, it := range o.queue.NextBatch(free) {
				o.busy.Add(1)
				select {
				case o.dispatchCh <- it:
				case <-o.stopCh:
					o.busy.Add(-1)
					return
				}
			}
		}
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case it := <-o.dispatchCh:
			o.execute(it)
			o.busy.Add(-1)
		}
	}
}

// execute runs one stage attempt. A missing exec entry means the stage
// was withdrawn between scheduling and dispatch.
func (o *Orchestrator) execute(it scheduler.Item) {
	ex := o.takeExec(it.StageID)
	if ex == nil {
		return
	}
	if !ex.ow.deliver(ownerMsg{kind: msgStageStarted, stageID: it.StageID, epoch: ex.epoch}) {
		return
	}
	ctx := ex.ow.runContext()
	cancel := func() {}
	if ex.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, ex.timeout)
	}
	start := time.Now()
	res, err := o.registry.Execute(ctx, ex.opType, ex.req)
	cancel()
	ex.ow.deliver(ownerMsg{
		kind:    msgStageResult,
		stageID: it.StageID,
		result:  res,
		err:     err,
		elapsed: time.Since(start),
		epoch:   ex.epoch,
	})
}

// capacityPump wakes waiting orchestrations when capacity frees up:
// queued owners retry admission, preempted ones resume.
func (o *Orchestrator) capacityPump() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case _, ok := <-o.capSub.C():
			if !ok {
				return
			}
			for _, ow := range o.snapshotOwners() {
				v := ow.view()
				switch {
				case v.status == types.StatusQueued:
					ow.tryDeliver(ownerMsg{kind: msgAdmit})
				case v.status == types.StatusPaused && v.preempted:
					ow.tryDeliver(ownerMsg{kind: msgResume, actor: actorSystem})
				}
			}
		}
	}
}

// handlePreempt is invoked by the resource broker when it revokes a
// background reservation to make room for a critical one.
func (o *Orchestrator) handlePreempt(orchestrationID, reservationID string) {
	ow := o.ownerOf(orchestrationID)
	if ow == nil {
		return
	}
	ow.deliver(ownerMsg{kind: msgPreempted, reason: reservationID})
}

// ---- public control API -----------------------------------------------

// Get returns one orchestration by ID.
func (o *Orchestrator) Get(id string) (*types.Orchestration, error) {
	orch, err := o.store.GetOrchestration(id)
	if err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", id, types.ErrNotFound)
	}
	return orch, nil
}

// Stages returns an orchestration's stages ordered by Order.
func (o *Orchestrator) Stages(id string) ([]*types.Stage, error) {
	if _, err := o.store.GetOrchestration(id); err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", id, types.ErrNotFound)
	}
	stages, err := o.store.ListStagesByOrchestration(id)
	if err != nil {
		return nil, fmt.Errorf("stages for %s: %v", id, err)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	return stages, nil
}

// List returns all orchestrations, newest first.
func (o *Orchestrator) List() ([]*types.Orchestration, error) {
	all, err := o.store.ListOrchestrations()
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %v", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

// ListByStatus returns orchestrations in one lifecycle status.
func (o *Orchestrator) ListByStatus(status types.OrchestrationStatus) ([]*types.Orchestration, error) {
	return o.store.ListOrchestrationsByStatus(status)
}

// Start attempts immediate admission of a queued orchestration, or
// resumes a paused one. The admission outcome is returned synchronously:
// a denial leaves the orchestration queued.
func (o *Orchestrator) Start(id string) error {
	return o.send(id, ownerMsg{kind: msgStart})
}

// Pause suspends a running orchestration. Queued stages are withdrawn;
// in-flight stage attempts run to completion and their results are
// recorded.
func (o *Orchestrator) Pause(id, reason string) error {
	return o.send(id, ownerMsg{kind: msgPause, reason: reason})
}

// Resume moves a paused orchestration back to running, or back through
// admission when its reservation was lost to preemption.
func (o *Orchestrator) Resume(id string) error {
	return o.send(id, ownerMsg{kind: msgResume})
}

// Cancel stops an orchestration gracefully: queued stages are withdrawn
// immediately, in-flight stages get CancellationGrace to finish, then
// the orchestration finalizes as cancelled. Cancelling an already
// cancelled orchestration is a no-op.
func (o *Orchestrator) Cancel(id, reason string) error {
	err := o.send(id, ownerMsg{kind: msgCancel, reason: reason})
	if err != nil && errors.Is(err, types.ErrConflict) {
		if orch, gerr := o.store.GetOrchestration(id); gerr == nil && orch.Status == types.StatusCancelled {
			return nil
		}
	}
	return err
}

// Terminate kills an orchestration immediately: no grace, no retries.
func (o *Orchestrator) Terminate(id, reason string) error {
	return o.send(id, ownerMsg{kind: msgTerminate, reason: reason})
}

// Retry re-runs a failed orchestration right away, skipping any pending
// auto-retry backoff. Succeeded stages keep their outputs; failed and
// skipped ones are reset.
func (o *Orchestrator) Retry(id string) error {
	return o.send(id, ownerMsg{kind: msgRetry})
}

// Approve records one approval. When every required approver has
// signed off the orchestration moves to queued.
func (o *Orchestrator) Approve(id, approver string) error {
	if approver == "" {
		return fmt.Errorf("approver required: %w", types.ErrInvalidRequest)
	}
	return o.send(id, ownerMsg{kind: msgApprove, actor: approver})
}

// Reject declines a pending approval and cancels the orchestration.
func (o *Orchestrator) Reject(id, approver, reason string) error {
	if approver == "" {
		return fmt.Errorf("approver required: %w", types.ErrInvalidRequest)
	}
	return o.send(id, ownerMsg{kind: msgReject, actor: approver, reason: reason})
}

// ReportStageResult records the outcome of a stage attempt executed
// outside the built-in worker pool.
func (o *Orchestrator) ReportStageResult(orchestrationID, stageID string, res scanop.Result, opErr error) error {
	ow := o.ownerOf(orchestrationID)
	if ow == nil {
		return o.noOwnerErr(orchestrationID)
	}
	if !ow.deliver(ownerMsg{kind: msgStageResult, stageID: stageID, result: res, err: opErr, epoch: -1}) {
		return o.noOwnerErr(orchestrationID)
	}
	return nil
}

// QueueDepth reports how many stages sit in the scheduler queue.
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}

// ---- monitor feed ------------------------------------------------------

// ExecStats summarizes one orchestration's execution for the monitor.
// The empty ID aggregates across all live orchestrations.
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

// ActiveIDs lists orchestrations currently running, for monitor sampling.
func (o *Orchestrator) ActiveIDs() []string {
	var out []string
	for _, ow := range o.snapshotOwners() {
		if ow.view().status == types.StatusRunning {
			out = append(out, ow.id())
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns execution statistics for one orchestration, or the
// global aggregate when id is empty.
func (o *Orchestrator) Stats(id string) (ExecStats, bool) {
	if id != "" {
		ow := o.ownerOf(id)
		if ow == nil {
			return ExecStats{}, false
		}
		return ow.execStats(), true
	}
	agg := ExecStats{
		Completed:     int(o.completedTotal.Load()),
		Failed:        int(o.failedTotal.Load()),
		Queued:        o.queue.Len(),
		SLACompliance: 1,
	}
	var latSum float64
	var latN int
	for _, ow := range o.snapshotOwners() {
		if ow.view().status != types.StatusRunning {
			continue
		}
		s := ow.execStats()
		agg.Active++
		agg.Throughput += s.Throughput
		agg.CostToDate += s.CostToDate
		agg.SampleSize += s.SampleSize
		if s.SampleSize > 0 {
			latSum += s.LatencyMS * float64(s.SampleSize)
			latN += s.SampleSize
			agg.ErrorRate += s.ErrorRate * float64(s.SampleSize)
		}
		if s.SLACompliance < agg.SLACompliance {
			agg.SLACompliance = s.SLACompliance
		}
	}
	if latN > 0 {
		agg.LatencyMS = latSum / float64(latN)
		agg.ErrorRate /= float64(latN)
	}
	agg.SuccessRate = 1 - agg.ErrorRate
	return agg, true
}
