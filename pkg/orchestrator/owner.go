package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/resource"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/strategy"
	"github.com/cuemby/ferret/pkg/types"
)

// actorSystem marks control messages the orchestrator sends to itself,
// as opposed to operator-initiated ones.
const actorSystem = "system"

type msgKind int

const (
	msgStart msgKind = iota
	msgAdmit
	msgApprove
	msgReject
	msgPause
	msgResume
	msgCancel
	msgTerminate
	msgRetry
	msgStageStarted
	msgStageResult
	msgStageDue
	msgPreempted
)

type ownerMsg struct {
	kind    msgKind
	actor   string
	reason  string
	stageID string
	result  scanop.Result
	err     error
	elapsed time.Duration
	// epoch stamps which run produced a stage message; -1 skips the
	// staleness check (externally reported results)
	epoch int
	reply chan error
}

func reply(m ownerMsg, err error) {
	if m.reply != nil {
		m.reply <- err
	}
}

// ownerView is the externally readable slice of owner state. The
// scheduler guards and the monitor read it without touching the owner
// goroutine.
type ownerView struct {
	status    types.OrchestrationStatus
	reserved  bool
	blocked   bool
	preempted bool
}

// owner is the single goroutine that mutates one orchestration. All
// control operations and stage results funnel through its mailbox, so
// lifecycle logic runs free of locks.
type owner struct {
	orch *Orchestrator
	o    *types.Orchestration

	stages map[string]*types.Stage // by stage ID
	byName map[string]*types.Stage

	mailbox chan ownerMsg
	done    chan struct{}

	ctxMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc

	viewMu sync.Mutex
	v      ownerView

	// owner-goroutine state, untouched by anyone else
	cancelling       bool
	cancelReason     string
	graceDeadline    time.Time
	preempted        bool
	overallDeadline  time.Time
	approvalDeadline time.Time
	retryAt          time.Time
	timeoutSeen      map[string]bool // stage ID -> a timeout already burned
	queuedStages     map[string]bool
	epoch            int // bumped on retry so stale attempt results drop
	exited           bool

	stats ownerStats

	logger zerolog.Logger
}

func newOwner(orc *Orchestrator, o *types.Orchestration, stages []*types.Stage) *owner {
	ow := &owner{
		orch:         orc,
		o:            o,
		stages:       make(map[string]*types.Stage, len(stages)),
		byName:       make(map[string]*types.Stage, len(stages)),
		mailbox:      make(chan ownerMsg, orc.cfg.MailboxSize),
		done:         make(chan struct{}),
		timeoutSeen:  make(map[string]bool),
		queuedStages: make(map[string]bool),
		logger:       log.WithOrchestration(o.ID),
	}
	for _, st := range stages {
		ow.stages[st.ID] = st
		ow.byName[st.Name] = st
	}
	ow.v = ownerView{status: o.Status, reserved: o.ReservationID != ""}
	ow.stats.begin(o.ActualStart, o.Deadline)
	return ow
}

func (ow *owner) id() string { return ow.o.ID }

// deliver queues a message, failing only once the owner has exited.
func (ow *owner) deliver(m ownerMsg) bool {
	select {
	case ow.mailbox <- m:
		return true
	case <-ow.done:
		return false
	}
}

// tryDeliver is the non-blocking variant used for best-effort pokes;
// the owner tick covers anything it drops.
func (ow *owner) tryDeliver(m ownerMsg) bool {
	select {
	case ow.mailbox <- m:
		return true
	default:
		return false
	}
}

func (ow *owner) view() ownerView {
	ow.viewMu.Lock()
	defer ow.viewMu.Unlock()
	return ow.v
}

func (ow *owner) setView(fn func(*ownerView)) {
	ow.viewMu.Lock()
	fn(&ow.v)
	ow.viewMu.Unlock()
}

func (ow *owner) run() {
	defer ow.orch.wg.Done()
	defer ow.orch.removeOwner(ow.o.ID)
	defer close(ow.done)
	ow.bootstrap()
	ticker := time.NewTicker(ow.orch.cfg.TickInterval)
	defer ticker.Stop()
	for !ow.exited {
		select {
		case m := <-ow.mailbox:
			ow.handle(m)
		case <-ticker.C:
			ow.tick()
		case <-ow.orch.stopCh:
			return
		}
	}
}

// bootstrap resumes from whatever status is persisted. Fresh
// orchestrations arrive as initializing; everything else is recovery.
func (ow *owner) bootstrap() {
	switch ow.o.Status {
	case types.StatusInitializing, types.StatusPlanning:
		ow.plan()
	case types.StatusPendingApproval:
		ow.approvalDeadline = ow.o.UpdatedAt.Add(ow.orch.cfg.ApprovalTimeout)
	case types.StatusQueued:
		ow.tryAdmit(nil)
	case types.StatusRetrying:
		if ow.transition(types.StatusQueued, "") {
			ow.tryAdmit(nil)
		}
	case types.StatusRunning:
		ow.resumeRunning()
	case types.StatusPaused:
		// wait for Resume
	case types.StatusFailed:
		// recovered mid-retry-backoff
		ow.scheduleAutoRetry()
	default:
		ow.exited = true
	}
}

// resumeRunning rebuilds a running orchestration after a restart.
// Attempts that were in flight when the process died are re-executed;
// operations observe the attempt number and deduplicate on their side.
func (ow *owner) resumeRunning() {
	ow.refreshContext()
	ow.computeOverallDeadline()
	ow.stats.begin(ow.o.ActualStart, ow.o.Deadline)
	now := time.Now()
	for _, st := range ow.stages {
		if st.Status == types.StageRunning {
			st.Status = types.StageReady
			st.ReadySince = now
			ow.persistStage(st)
		}
	}
	ow.advanceDAG()
}

func (ow *owner) handle(m ownerMsg) {
	if ow.exited {
		reply(m, fmt.Errorf("orchestration %s is %s: %w", ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	switch m.kind {
	case msgStart:
		switch ow.o.Status {
		case types.StatusQueued:
			ow.tryAdmit(m.reply)
		case types.StatusPaused:
			ow.resume(m)
		default:
			reply(m, fmt.Errorf("orchestration %s is %s, not queued or paused: %w",
				ow.o.ID, ow.o.Status, types.ErrConflict))
		}
	case msgAdmit:
		if ow.o.Status == types.StatusQueued {
			ow.tryAdmit(nil)
		}
	case msgApprove:
		ow.approve(m)
	case msgReject:
		ow.reject(m)
	case msgPause:
		ow.pause(m)
	case msgResume:
		ow.resume(m)
	case msgCancel:
		ow.cancel(m)
	case msgTerminate:
		ow.terminate(m)
	case msgRetry:
		ow.manualRetry(m)
	case msgStageStarted:
		ow.stageStarted(m)
	case msgStageResult:
		ow.stageResult(m)
	case msgStageDue:
		ow.submitReady()
	case msgPreempted:
		ow.preempt()
	}
}

func (ow *owner) tick() {
	if ow.exited {
		return
	}
	now := time.Now()
	if ow.cancelling {
		if now.After(ow.graceDeadline) {
			ow.forceCancel()
		}
		return
	}
	switch ow.o.Status {
	case types.StatusPendingApproval:
		if !ow.approvalDeadline.IsZero() && now.After(ow.approvalDeadline) {
			ow.logger.Warn().Msg("approval window expired")
			ow.finalize(types.StatusCancelled, "approval_timeout")
		}
	case types.StatusQueued:
		ow.tryAdmit(nil)
	case types.StatusRunning:
		if !ow.overallDeadline.IsZero() && now.After(ow.overallDeadline) {
			ow.timeoutFail()
			return
		}
		ow.submitReady()
	case types.StatusFailed:
		if !ow.retryAt.IsZero() && now.After(ow.retryAt) {
			ow.retryNow()
		}
	}
}

// ---- planning and admission -------------------------------------------

func (ow *owner) plan() {
	if ow.o.Status == types.StatusInitializing {
		if !ow.transition(types.StatusPlanning, "") {
			return
		}
	}
	plan := ow.orch.strategy.Plan(scanContextOf(ow.o))
	ow.o.Plan = plan
	ow.o.EstimatedCost = ow.orch.broker.EstimateCost(plan.ResourceRequest)
	ow.persist()
	ow.publish(events.EventPlanAttached,
		fmt.Sprintf("class=%s parallelism=%d batch=%d", plan.Class, plan.Parallelism, plan.BatchSize), nil)
	ow.logger.Info().
		Str("class", string(plan.Class)).
		Int("parallelism", plan.Parallelism).
		Float64("estimated_cost", ow.o.EstimatedCost).
		Msg("plan attached")

	if len(ow.o.RequiredApprovals) > 0 && !ow.approvalsComplete() {
		ow.approvalDeadline = time.Now().Add(ow.orch.cfg.ApprovalTimeout)
		if ow.transition(types.StatusPendingApproval, "") {
			ow.publish(events.EventApprovalRequested,
				fmt.Sprintf("awaiting %d approvals", len(ow.o.RequiredApprovals)), nil)
		}
		return
	}
	if ow.transition(types.StatusQueued, "") {
		ow.tryAdmit(nil)
	}
}

// tryAdmit drives queued → running: dependencies first, then resources.
// A nil outcome channel makes every denial silent; the tick retries.
func (ow *owner) tryAdmit(outcome chan error) {
	fail := func(err error) {
		if outcome != nil {
			outcome <- err
		}
	}
	if ow.o.Status != types.StatusQueued {
		fail(transitionErr(ow.o.ID, ow.o.Status, types.StatusRunning))
		return
	}
	now := time.Now()
	if !ow.o.ScheduledStart.IsZero() && now.Before(ow.o.ScheduledStart) {
		fail(fmt.Errorf("orchestration %s scheduled for %s: %w",
			ow.o.ID, ow.o.ScheduledStart.Format(time.RFC3339), types.ErrConflict))
		return
	}

	decision, err := ow.orch.resolver.Evaluate(ow.o.ID)
	if err != nil {
		ow.logger.Error().Err(err).Msg("dependency evaluation failed")
		fail(fmt.Errorf("dependency evaluation: %w", types.ErrInternal))
		return
	}
	if len(decision.Failed) > 0 {
		edge := decision.Failed[0]
		reason := "dependency_failed"
		if edge.Status == types.EdgeTimedOut {
			reason = "dependency_timeout"
		}
		ow.o.LastError = fmt.Sprintf("dependency on %s: %s", edge.Target, edge.Status)
		ow.fail(reason)
		fail(fmt.Errorf("dependency on %s: %w", edge.Target, types.ErrDependencyTimeout))
		return
	}
	if !decision.Ready {
		ow.setView(func(v *ownerView) { v.blocked = true })
		fail(fmt.Errorf("orchestration %s waiting on %d dependencies: %w",
			ow.o.ID, len(decision.Waiting), types.ErrConflict))
		return
	}
	ow.setView(func(v *ownerView) { v.blocked = false })

	if ow.o.Plan == nil {
		ow.o.Plan = ow.orch.strategy.Plan(scanContextOf(ow.o))
		ow.persist()
	}
	res, err := ow.orch.broker.Reserve(resource.ReserveRequest{
		OrchestrationID: ow.o.ID,
		Priority:        ow.o.Priority,
		Amounts:         ow.o.Plan.ResourceRequest,
		Budget:          ow.o.Budget,
		CostSoFar:       ow.o.ActualCost,
	})
	switch {
	case errors.Is(err, types.ErrBudgetExceeded):
		ow.o.LastError = err.Error()
		ow.transition(types.StatusPaused, "budget_exceeded")
		fail(err)
	case errors.Is(err, types.ErrResourceDenied):
		ow.logger.Debug().Err(err).Msg("admission denied, staying queued")
		fail(err)
	case err != nil:
		ow.logger.Error().Err(err).Msg("reservation failed")
		fail(err)
	default:
		ow.o.ReservationID = res.ID
		ow.setView(func(v *ownerView) { v.reserved = true })
		if aerr := ow.orch.broker.Activate(res.ID); aerr != nil {
			// reservation was preempted between grant and activation
			ow.o.ReservationID = ""
			ow.setView(func(v *ownerView) { v.reserved = false })
			fail(fmt.Errorf("reservation lost before activation: %w", types.ErrResourceDenied))
			return
		}
		ow.startRunning()
		fail(nil)
	}
}

func (ow *owner) startRunning() {
	if ow.o.ActualStart.IsZero() {
		ow.o.ActualStart = time.Now()
	}
	ow.preempted = false
	ow.setView(func(v *ownerView) { v.preempted = false })
	ow.refreshContext()
	ow.computeOverallDeadline()
	ow.stats.begin(ow.o.ActualStart, ow.o.Deadline)
	ow.transition(types.StatusRunning, "")
	ow.advanceDAG()
}

// ---- approvals ----------------------------------------------------------

func (ow *owner) approvalsComplete() bool {
	for _, a := range ow.o.RequiredApprovals {
		if _, ok := ow.o.Approvals[a]; !ok {
			return false
		}
	}
	return true
}

func approverRequired(o *types.Orchestration, actor string) bool {
	for _, a := range o.RequiredApprovals {
		if a == actor {
			return true
		}
	}
	return false
}

func (ow *owner) approve(m ownerMsg) {
	if ow.o.Status != types.StatusPendingApproval {
		reply(m, fmt.Errorf("orchestration %s is %s, not pending approval: %w",
			ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	if !approverRequired(ow.o, m.actor) {
		reply(m, fmt.Errorf("approver %s not required for orchestration %s: %w",
			m.actor, ow.o.ID, types.ErrInvalidRequest))
		return
	}
	if ow.o.Approvals == nil {
		ow.o.Approvals = make(map[string]time.Time)
	}
	if _, dup := ow.o.Approvals[m.actor]; !dup {
		ow.o.Approvals[m.actor] = time.Now()
		ow.persist()
		ow.publish(events.EventApprovalGranted, m.actor,
			map[string]string{"approver": m.actor})
		ow.logger.Info().Str("approver", m.actor).Msg("approval granted")
	}
	if ow.approvalsComplete() {
		if ow.transition(types.StatusQueued, "") {
			ow.tryAdmit(nil)
		}
	}
	reply(m, nil)
}

func (ow *owner) reject(m ownerMsg) {
	if ow.o.Status != types.StatusPendingApproval {
		reply(m, fmt.Errorf("orchestration %s is %s, not pending approval: %w",
			ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	if !approverRequired(ow.o, m.actor) {
		reply(m, fmt.Errorf("approver %s not required for orchestration %s: %w",
			m.actor, ow.o.ID, types.ErrInvalidRequest))
		return
	}
	ow.o.LastError = fmt.Sprintf("rejected by %s: %s", m.actor, m.reason)
	ow.finalize(types.StatusCancelled, "approval_rejected")
	reply(m, nil)
}

// ---- pause / resume / preemption ----------------------------------------

// withdraw pulls every queued-but-not-started stage back from the
// scheduler. In-flight attempts are untouched.
func (ow *owner) withdraw() {
	ow.orch.queue.Remove(ow.o.ID)
	ow.orch.clearExecs(ow.o.ID)
	ow.queuedStages = make(map[string]bool)
}

func (ow *owner) pause(m ownerMsg) {
	if ow.o.Status != types.StatusRunning {
		reply(m, fmt.Errorf("orchestration %s is %s, not running: %w",
			ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	ow.withdraw()
	ow.transition(types.StatusPaused, m.reason)
	reply(m, nil)
}

func (ow *owner) resume(m ownerMsg) {
	if ow.o.Status != types.StatusPaused {
		reply(m, fmt.Errorf("orchestration %s is %s, not paused: %w",
			ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	if m.actor == actorSystem {
		// capacity-driven auto-resume only applies to preempted work,
		// and only while the deadline still allows it
		if !ow.preempted {
			reply(m, nil)
			return
		}
		if !ow.o.Deadline.IsZero() && time.Now().After(ow.o.Deadline) {
			reply(m, nil)
			return
		}
	}
	if ow.o.ReservationID == "" {
		// reservation was lost (preemption): go back through admission
		if ow.transition(types.StatusQueued, "") {
			ow.tryAdmit(nil)
			reply(m, nil)
			return
		}
		reply(m, transitionErr(ow.o.ID, ow.o.Status, types.StatusQueued))
		return
	}
	ow.refreshContext()
	ow.transition(types.StatusRunning, "")
	reply(m, nil)
	ow.advanceDAG()
}

// preempt handles the broker reclaiming this orchestration's reservation
// for higher-priority work. In-flight attempts are cut; their stages go
// back to ready and rerun after re-admission.
func (ow *owner) preempt() {
	ow.o.ReservationID = ""
	ow.setView(func(v *ownerView) { v.reserved = false })
	if ow.o.Status != types.StatusRunning || ow.cancelling {
		ow.persist()
		return
	}
	ow.preempted = true
	ow.setView(func(v *ownerView) { v.preempted = true })
	ow.withdraw()
	ow.cancelContext()
	ow.transition(types.StatusPaused, "preempted")
	ow.logger.Info().Msg("preempted, awaiting capacity")
}

// ---- cancel / terminate ---------------------------------------------------

func (ow *owner) cancel(m ownerMsg) {
	reason := m.reason
	if reason == "" {
		reason = "cancelled"
	}
	switch {
	case ow.o.Status == types.StatusCancelled:
		reply(m, nil)
		return
	case ow.o.Status == types.StatusFailed:
		// cancels the pending auto-retry
		ow.finalize(types.StatusCancelled, reason)
		reply(m, nil)
		return
	case ow.o.Status.Terminal():
		reply(m, fmt.Errorf("orchestration %s is %s: %w", ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	case ow.cancelling:
		reply(m, nil)
		return
	}
	ow.withdraw()
	ow.cancelIdleStages(reason)
	if ow.runningStageCount() == 0 {
		ow.finalize(types.StatusCancelled, reason)
		reply(m, nil)
		return
	}
	ow.cancelling = true
	ow.cancelReason = reason
	ow.graceDeadline = time.Now().Add(ow.orch.cfg.CancellationGrace)
	ow.cancelContext()
	ow.logger.Info().
		Str("reason", reason).
		Int("in_flight", ow.runningStageCount()).
		Msg("cancelling, draining in-flight stages")
	reply(m, nil)
}

func (ow *owner) terminate(m ownerMsg) {
	if ow.o.Status.Terminal() {
		reply(m, fmt.Errorf("orchestration %s is %s: %w", ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	reason := m.reason
	if reason == "" {
		reason = "terminated"
	}
	ow.withdraw()
	ow.cancelContext()
	now := time.Now()
	for _, st := range ow.stages {
		if !st.Status.Terminal() {
			st.Status = types.StageCancelled
			st.FinishedAt = now
			st.LastError = reason
			ow.persistStage(st)
		}
	}
	ow.finalize(types.StatusTerminated, reason)
	reply(m, nil)
}

// cancelIdleStages marks everything not yet executing as cancelled.
func (ow *owner) cancelIdleStages(reason string) {
	now := time.Now()
	for _, st := range ow.stages {
		switch st.Status {
		case types.StagePending, types.StageReady:
			st.Status = types.StageCancelled
			st.FinishedAt = now
			st.LastError = reason
			ow.persistStage(st)
		}
	}
}

func (ow *owner) runningStageCount() int {
	var n int
	for _, st := range ow.stages {
		if st.Status == types.StageRunning {
			n++
		}
	}
	return n
}

func (ow *owner) checkCancelDrained() {
	if ow.runningStageCount() > 0 {
		return
	}
	ow.finalize(types.StatusCancelled, ow.cancelReason)
}

// forceCancel fires when in-flight stages outlive the grace window.
func (ow *owner) forceCancel() {
	now := time.Now()
	for _, st := range ow.stages {
		if !st.Status.Terminal() {
			st.Status = types.StageCancelled
			st.FinishedAt = now
			if st.LastError == "" {
				st.LastError = "cancellation grace expired"
			}
			ow.persistStage(st)
		}
	}
	ow.logger.Warn().Msg("cancellation grace expired, force-finalizing")
	ow.finalize(types.StatusCancelled, ow.cancelReason)
}

// ---- retries ---------------------------------------------------------------

func (ow *owner) manualRetry(m ownerMsg) {
	if ow.o.Status != types.StatusFailed {
		reply(m, fmt.Errorf("orchestration %s is %s, not failed: %w",
			ow.o.ID, ow.o.Status, types.ErrConflict))
		return
	}
	if ow.o.RetryCount >= ow.o.MaxRetries {
		reply(m, fmt.Errorf("orchestration %s exhausted %d retries: %w",
			ow.o.ID, ow.o.MaxRetries, types.ErrConflict))
		return
	}
	ow.retryNow()
	reply(m, nil)
}

func (ow *owner) scheduleAutoRetry() {
	delay := orchestrationBackoff(ow.o.RetryBackoff, ow.o.RetryCount)
	ow.retryAt = time.Now().Add(delay)
	ow.logger.Info().
		Dur("delay", delay).
		Int("retry", ow.o.RetryCount+1).
		Int("max_retries", ow.o.MaxRetries).
		Msg("auto-retry scheduled")
}

// retryNow resets failed, skipped and cancelled stages and sends the
// orchestration back through admission. Succeeded stages keep their
// outputs and are not re-executed.
func (ow *owner) retryNow() {
	ow.retryAt = time.Time{}
	ow.epoch++
	next := ow.o.RetryCount + 1
	if !ow.transition(types.StatusRetrying, fmt.Sprintf("retry %d of %d", next, ow.o.MaxRetries)) {
		return
	}
	ow.publish(events.EventOrchestrationRetrying,
		fmt.Sprintf("retry %d of %d", next, ow.o.MaxRetries),
		map[string]string{"retry": fmt.Sprintf("%d", next)})
	ow.o.RetryCount = next
	for _, st := range ow.stages {
		switch st.Status {
		case types.StageFailed, types.StageSkipped, types.StageCancelled:
			st.Status = types.StagePending
			st.AttemptCount = 0
			st.LastError = ""
			st.Outputs = nil
			st.StartedAt = time.Time{}
			st.FinishedAt = time.Time{}
			st.ReadySince = time.Time{}
			ow.persistStage(st)
		}
	}
	ow.timeoutSeen = make(map[string]bool)
	ow.o.Outcome = nil
	ow.o.Completion = time.Time{}
	ow.o.LastError = ""
	ow.refreshProgress()
	ow.persist()
	if ow.transition(types.StatusQueued, "") {
		ow.tryAdmit(nil)
	}
}

// ---- stage execution --------------------------------------------------------

func (ow *owner) stageStarted(m ownerMsg) {
	if m.epoch >= 0 && m.epoch != ow.epoch {
		return
	}
	st := ow.stages[m.stageID]
	if st == nil || st.Status.Terminal() {
		return
	}
	delete(ow.queuedStages, m.stageID)
	st.Status = types.StageRunning
	st.AttemptCount++
	st.StartedAt = time.Now()
	ow.persistStage(st)
	ow.publishStage(events.EventStageStarted, st, fmt.Sprintf("attempt %d", st.AttemptCount))
	ow.syncStats()
}

func (ow *owner) stageResult(m ownerMsg) {
	if m.epoch >= 0 && m.epoch != ow.epoch {
		// an attempt from before a retry reset; its stage was re-issued
		return
	}
	st := ow.stages[m.stageID]
	if st == nil || st.Status.Terminal() {
		// late result after a force-finalize; drop it
		return
	}
	if st.Status != types.StageRunning {
		// reported externally without a start marker
		st.AttemptCount++
	}
	if m.elapsed > 0 {
		ow.stats.observeLatency(m.elapsed)
	}
	if m.err == nil {
		ow.stageSucceeded(st, m.result, m.elapsed)
	} else {
		ow.stageFailed(st, m.err)
	}
	ow.syncStats()
}

func (ow *owner) stageSucceeded(st *types.Stage, res scanop.Result, elapsed time.Duration) {
	st.Status = types.StageSucceeded
	st.Outputs = res.Outputs
	st.FinishedAt = time.Now()
	st.LastError = ""
	ow.persistStage(st)

	ow.o.ActualCost += res.Cost
	ow.o.Progress.ItemsDone += res.ItemsProcessed
	ow.stats.recordItems(res.ItemsProcessed, res.ItemsFailed, res.Cost)
	ow.stats.recordAttempt(true)
	ow.refreshProgress()
	ow.persist()
	ow.publishStage(events.EventStageSucceeded, st,
		fmt.Sprintf("%d items, cost %.2f", res.ItemsProcessed, res.Cost))
	ow.adaptPlan(st, res, elapsed)

	if ow.cancelling {
		ow.checkCancelDrained()
		return
	}
	if ow.o.Budget > 0 && ow.o.ActualCost > ow.o.Budget && ow.o.Status == types.StatusRunning {
		ow.logger.Warn().
			Float64("cost", ow.o.ActualCost).
			Float64("budget", ow.o.Budget).
			Msg("budget exceeded")
		ow.o.LastError = fmt.Sprintf("cost %.2f exceeded budget %.2f", ow.o.ActualCost, ow.o.Budget)
		ow.withdraw()
		ow.transition(types.StatusPaused, "budget_exceeded")
		return
	}
	ow.advanceDAG()
}

func (ow *owner) stageFailed(st *types.Stage, opErr error) {
	now := time.Now()

	cancelled := errors.Is(opErr, context.Canceled) || errors.Is(opErr, types.ErrCancelled)
	if cancelled && ow.preempted {
		// capacity was reclaimed mid-attempt; rerun after re-admission
		st.Status = types.StageReady
		st.ReadySince = now
		ow.persistStage(st)
		return
	}
	if cancelled || ow.cancelling {
		st.Status = types.StageCancelled
		st.FinishedAt = now
		st.LastError = opErr.Error()
		ow.persistStage(st)
		ow.publishStage(events.EventStageFailed, st, opErr.Error())
		ow.stats.recordAttempt(false)
		if ow.cancelling {
			ow.checkCancelDrained()
			return
		}
		ow.advanceDAG()
		return
	}

	timeout := errors.Is(opErr, context.DeadlineExceeded)
	retryable := types.IsRetryable(opErr)
	if timeout {
		// one timeout gets a second chance; a second one is fatal
		if ow.timeoutSeen[st.ID] {
			retryable = false
		}
		ow.timeoutSeen[st.ID] = true
	}
	ow.stats.recordAttempt(false)

	policy := ow.retryPolicy(st)
	if retryable && st.AttemptCount < policy.MaxAttempts {
		delay := stageBackoff(policy, st.AttemptCount)
		st.Status = types.StageReady
		st.ReadySince = now.Add(delay)
		st.LastError = opErr.Error()
		ow.persistStage(st)
		ow.publishStage(events.EventStageRetrying, st,
			fmt.Sprintf("attempt %d in %s: %v", st.AttemptCount+1, delay.Round(time.Millisecond), opErr))
		ow.logger.Warn().
			Str("stage", st.Name).
			Int("attempt", st.AttemptCount).
			Dur("delay", delay).
			Err(opErr).
			Msg("stage retrying")
		ow.scheduleStageDue(st.ID, delay)
		return
	}

	st.Status = types.StageFailed
	st.FinishedAt = now
	st.LastError = opErr.Error()
	ow.persistStage(st)
	ow.publishStage(events.EventStageFailed, st, opErr.Error())
	ow.logger.Error().
		Str("stage", st.Name).
		Int("attempts", st.AttemptCount).
		Err(opErr).
		Msg("stage failed")
	if !st.Optional && ow.o.LastError == "" {
		ow.o.LastError = fmt.Sprintf("stage %s: %v", st.Name, opErr)
	}
	ow.advanceDAG()
}

func (ow *owner) scheduleStageDue(stageID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ow.deliver(ownerMsg{kind: msgStageDue, stageID: stageID})
	})
}

func (ow *owner) adaptPlan(st *types.Stage, res scanop.Result, elapsed time.Duration) {
	if ow.o.Plan == nil || elapsed <= 0 {
		return
	}
	total := res.ItemsProcessed + res.ItemsFailed
	if total == 0 {
		return
	}
	timeout := ow.stageTimeout(st)
	fb := strategy.StageFeedback{
		SuccessRate:    float64(res.ItemsProcessed) / float64(total),
		Throughput:     float64(res.ItemsProcessed) / elapsed.Seconds(),
		Bottleneck:     timeout > 0 && elapsed >= timeout*8/10,
		WorkerHeadroom: float64(ow.orch.cfg.WorkerCount) - float64(ow.orch.busy.Load()),
	}
	newPlan, changed := ow.orch.strategy.Adapt(ow.o.Plan, fb)
	if !changed {
		return
	}

	// A revised parallelism resizes the held reservation with it. A
	// denied grow means the capacity is not there: the plan stands.
	if delta := float64(newPlan.Parallelism - ow.o.Plan.Parallelism); delta != 0 && ow.o.ReservationID != "" {
		adjusted, err := ow.orch.broker.Adjust(resource.AdjustRequest{
			ReservationID: ow.o.ReservationID,
			Deltas: map[types.PoolType]float64{
				types.PoolWorkers: delta,
				types.PoolCPU:     delta,
			},
			Budget:    ow.o.Budget,
			CostSoFar: ow.o.ActualCost,
		})
		if err != nil {
			ow.logger.Debug().Err(err).Msg("reservation adjustment rejected, keeping current plan")
			return
		}
		if newPlan.ResourceRequest != nil {
			for _, entry := range adjusted.Entries {
				if _, ok := newPlan.ResourceRequest[entry.Pool]; ok {
					newPlan.ResourceRequest[entry.Pool] = entry.Amount
				}
			}
		}
		ow.o.EstimatedCost = adjusted.CostEstimate
	}

	ow.o.Plan = newPlan
	ow.persist()
	ow.publish(events.EventPlanAdapted,
		fmt.Sprintf("parallelism=%d batch=%d", newPlan.Parallelism, newPlan.BatchSize), nil)
	ow.logger.Info().
		Str("stage", st.Name).
		Int("parallelism", newPlan.Parallelism).
		Msg("plan adapted")
}

// ---- timeouts and failure ----------------------------------------------------

// timeoutFail fires when the orchestration outlives its overall window:
// everything still active is cut and the run fails as timeout.
func (ow *owner) timeoutFail() {
	ow.withdraw()
	ow.cancelContext()
	now := time.Now()
	for _, st := range ow.stages {
		if !st.Status.Terminal() {
			st.Status = types.StageCancelled
			st.FinishedAt = now
			st.LastError = "orchestration timeout"
			ow.persistStage(st)
		}
	}
	ow.o.LastError = "orchestration exceeded maximum runtime"
	ow.logger.Error().Time("deadline", ow.overallDeadline).Msg("overall timeout exceeded")
	ow.fail("timeout")
}

// fail ends the current run. When retry budget remains the owner stays
// alive and re-runs after backoff; otherwise it exits for good.
func (ow *owner) fail(reason string) {
	ow.withdraw()
	ow.cancelContext()
	outcome := ow.buildOutcome(types.StatusFailed)
	ow.o.Outcome = outcome
	ow.o.Completion = outcome.CompletedAt
	ow.releaseReservation()
	ow.transition(types.StatusFailed, reason)
	ow.publish(events.EventOrchestrationFailed, ow.o.LastError, map[string]string{"reason": reason})
	ow.syncStats()
	if ow.o.RetryCount < ow.o.MaxRetries {
		// A pending retry means the run is not settled; dependents
		// keep waiting.
		ow.scheduleAutoRetry()
		return
	}
	ow.orch.failedTotal.Add(1)
	ow.orch.resolver.NotifyCompleted(ow.o.ID)
	ow.exitOwner()
}

// finalize ends the orchestration in a terminal status other than
// retryable failure: completed, cancelled or terminated.
func (ow *owner) finalize(status types.OrchestrationStatus, reason string) {
	ow.withdraw()
	outcome := ow.buildOutcome(status)
	ow.o.Outcome = outcome
	ow.o.Completion = outcome.CompletedAt
	ow.releaseReservation()
	ow.transition(status, reason)
	switch status {
	case types.StatusCompleted:
		ow.publish(events.EventOrchestrationCompleted,
			fmt.Sprintf("%d items, cost %.2f", outcome.ItemsProcessed, outcome.Cost), nil)
		ow.orch.completedTotal.Add(1)
		ow.recordOutcomeSample(outcome)
	case types.StatusCancelled:
		ow.publish(events.EventOrchestrationCancelled, reason, nil)
	}
	ow.cancelContext()
	ow.syncStats()
	ow.orch.resolver.NotifyCompleted(ow.o.ID)
	ow.exitOwner()
}

func (ow *owner) recordOutcomeSample(outcome *types.Outcome) {
	if ow.o.ActualStart.IsZero() {
		return
	}
	dur := outcome.CompletedAt.Sub(ow.o.ActualStart)
	if dur <= 0 {
		return
	}
	sample := strategy.OutcomeSample{
		Duration: dur,
		Cost:     outcome.Cost,
	}
	total := ow.stats.itemTotals()
	if total > 0 {
		sample.Throughput = float64(outcome.ItemsProcessed) / dur.Seconds()
		sample.SuccessRate = float64(outcome.ItemsProcessed) / float64(total)
	}
	ow.orch.strategy.RecordOutcome(ow.o.Type, sample)
}

func (ow *owner) buildOutcome(status types.OrchestrationStatus) *types.Outcome {
	out := &types.Outcome{
		Status:         status,
		CompletedAt:    time.Now(),
		Cost:           ow.o.ActualCost,
		ItemsProcessed: ow.o.Progress.ItemsDone,
		LastError:      ow.o.LastError,
		Outputs:        make(map[string]any),
	}
	for _, st := range ow.stages {
		switch st.Status {
		case types.StageSucceeded:
			out.StagesSucceeded++
			if len(st.Outputs) > 0 {
				out.Outputs[st.Name] = st.Outputs
			}
		case types.StageFailed:
			out.StagesFailed++
		case types.StageSkipped:
			out.StagesSkipped++
		}
	}
	return out
}

func (ow *owner) releaseReservation() {
	if ow.o.ReservationID == "" {
		return
	}
	ow.orch.broker.Release(ow.o.ReservationID)
	ow.o.ReservationID = ""
	ow.setView(func(v *ownerView) { v.reserved = false })
}

func (ow *owner) exitOwner() {
	ow.exited = true
	ow.setView(func(v *ownerView) {
		v.status = ow.o.Status
		v.reserved = false
	})
}

// ---- plumbing -------------------------------------------------------------

func (ow *owner) transition(to types.OrchestrationStatus, reason string) bool {
	from := ow.o.Status
	if !canTransition(from, to) {
		ow.logger.Error().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("illegal lifecycle transition")
		return false
	}
	ow.o.Status = to
	ow.o.StatusReason = reason
	ow.o.UpdatedAt = time.Now()
	ow.persist()
	ow.setView(func(v *ownerView) { v.status = to })
	meta := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		meta["reason"] = reason
	}
	ow.publish(events.EventOrchestrationStatus, fmt.Sprintf("%s -> %s", from, to), meta)
	ow.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("status changed")
	return true
}

func (ow *owner) persist() {
	if err := ow.orch.store.UpdateOrchestration(ow.o); err != nil {
		ow.logger.Error().Err(err).Msg("failed to persist orchestration")
	}
}

func (ow *owner) persistStage(st *types.Stage) {
	if err := ow.orch.store.UpdateStage(st); err != nil {
		ow.logger.Error().Err(err).Str("stage", st.Name).Msg("failed to persist stage")
	}
}

func (ow *owner) publish(t events.EventType, msg string, meta map[string]string) {
	if ow.orch.events == nil {
		return
	}
	ow.orch.events.Publish(&events.Event{
		Type:            t,
		OrchestrationID: ow.o.ID,
		Message:         msg,
		Metadata:        meta,
	})
}

func (ow *owner) publishStage(t events.EventType, st *types.Stage, msg string) {
	if ow.orch.events == nil {
		return
	}
	ow.orch.events.Publish(&events.Event{
		Type:            t,
		OrchestrationID: ow.o.ID,
		StageID:         st.ID,
		Message:         msg,
		Metadata:        map[string]string{"stage": st.Name, "attempt": fmt.Sprintf("%d", st.AttemptCount)},
	})
}

func (ow *owner) refreshContext() {
	ow.ctxMu.Lock()
	defer ow.ctxMu.Unlock()
	if ow.runCtx != nil && ow.runCtx.Err() == nil {
		return
	}
	ow.runCtx, ow.runCancel = context.WithCancel(context.Background())
}

func (ow *owner) runContext() context.Context {
	ow.ctxMu.Lock()
	defer ow.ctxMu.Unlock()
	if ow.runCtx == nil {
		return context.Background()
	}
	return ow.runCtx
}

func (ow *owner) cancelContext() {
	ow.ctxMu.Lock()
	if ow.runCancel != nil {
		ow.runCancel()
	}
	ow.ctxMu.Unlock()
}

func (ow *owner) computeOverallDeadline() {
	var window time.Duration
	if ow.o.MaxRuntime > 0 {
		window = ow.o.MaxRuntime
	}
	if ow.o.Plan != nil && ow.o.Plan.OverallTimeout > 0 {
		if window == 0 || ow.o.Plan.OverallTimeout < window {
			window = ow.o.Plan.OverallTimeout
		}
	}
	if window > 0 {
		ow.overallDeadline = ow.o.ActualStart.Add(window)
	} else {
		ow.overallDeadline = time.Time{}
	}
}

func (ow *owner) retryPolicy(st *types.Stage) *types.RetryPolicy {
	if st.Retry != nil {
		return st.Retry
	}
	return ow.orch.cfg.DefaultRetry
}

func (ow *owner) stageTimeout(st *types.Stage) time.Duration {
	if st.Timeout > 0 {
		return st.Timeout
	}
	if ow.o.Plan != nil && ow.o.Plan.StageTimeout > 0 {
		return ow.o.Plan.StageTimeout
	}
	return 0
}

// stageBackoff computes the delay before a stage's next attempt.
// attempt is the number already burned, so the first retry sees 1.
func stageBackoff(p *types.RetryPolicy, attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	d := base << uint(shift)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d <= 0 {
		d = base
	}
	if p.Jitter > 0 {
		d += time.Duration(p.Jitter * rand.Float64() * float64(d))
	}
	return d
}

// orchestrationBackoff spaces out whole-orchestration retries.
func orchestrationBackoff(base time.Duration, retries int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	shift := retries
	if shift > 3 {
		shift = 3
	}
	d := base << uint(shift)
	return d + time.Duration(0.2*rand.Float64()*float64(d))
}

// scanContextOf derives planning inputs from the target set. Targets are
// opaque references, so sizing is heuristic: asset count drives volume,
// rule count drives complexity.
func scanContextOf(o *types.Orchestration) strategy.ScanContext {
	sc := strategy.ScanContext{Type: o.Type, Priority: o.Priority}
	t := o.Targets
	if t == nil {
		sc.AssetCount = 1
		return sc
	}
	assets := len(t.Assets)
	if assets == 0 {
		assets = 25 * len(t.DataSources)
	}
	if assets == 0 {
		assets = 1
	}
	sc.AssetCount = assets
	sc.DataVolumeGB = float64(assets) * 0.5
	complexity := float64(len(t.Rules)) / 20
	if complexity > 1 {
		complexity = 1
	}
	sc.SchemaComplexity = complexity
	if o.Type == types.TypeCompliance {
		sc.Compliance = t.Classifications
	}
	return sc
}

// ---- stats ------------------------------------------------------------------

// ownerStats is the only owner state written by the owner goroutine and
// read concurrently by the monitor feed.
type ownerStats struct {
	mu           sync.Mutex
	startedAt    time.Time
	deadline     time.Time
	itemsDone    int
	itemsFailed  int
	attemptsOK   int
	attemptsFail int
	latencySumMS float64
	latencyN     int
	cost         float64
	active       int
	queuedReady  int
	succeeded    int
	failed       int
}

func (s *ownerStats) begin(start, deadline time.Time) {
	s.mu.Lock()
	s.startedAt = start
	s.deadline = deadline
	s.mu.Unlock()
}

func (s *ownerStats) observeLatency(d time.Duration) {
	s.mu.Lock()
	s.latencySumMS += float64(d.Milliseconds())
	s.latencyN++
	s.mu.Unlock()
}

func (s *ownerStats) recordItems(done, failed int, cost float64) {
	s.mu.Lock()
	s.itemsDone += done
	s.itemsFailed += failed
	s.cost += cost
	s.mu.Unlock()
}

func (s *ownerStats) recordAttempt(ok bool) {
	s.mu.Lock()
	if ok {
		s.attemptsOK++
	} else {
		s.attemptsFail++
	}
	s.mu.Unlock()
}

func (s *ownerStats) setCounts(active, queued, succeeded, failed int) {
	s.mu.Lock()
	s.active = active
	s.queuedReady = queued
	s.succeeded = succeeded
	s.failed = failed
	s.mu.Unlock()
}

func (s *ownerStats) itemTotals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsDone + s.itemsFailed
}

// syncStats recounts stage states into the concurrently readable stats.
func (ow *owner) syncStats() {
	var active, queued, succeeded, failed int
	for _, st := range ow.stages {
		switch st.Status {
		case types.StageRunning:
			active++
		case types.StageReady:
			queued++
		case types.StageSucceeded:
			succeeded++
		case types.StageFailed:
			failed++
		}
	}
	ow.stats.setCounts(active, queued, succeeded, failed)
}

func (ow *owner) execStats() ExecStats {
	s := &ow.stats
	s.mu.Lock()
	defer s.mu.Unlock()
	es := ExecStats{
		CostToDate:    s.cost,
		Active:        s.active,
		Queued:        s.queuedReady,
		Completed:     s.succeeded,
		Failed:        s.failed,
		SLACompliance: 1,
		SuccessRate:   1,
	}
	total := s.itemsDone + s.itemsFailed
	es.SampleSize = total
	if total > 0 {
		es.SuccessRate = float64(s.itemsDone) / float64(total)
		es.ErrorRate = 1 - es.SuccessRate
	}
	if s.latencyN > 0 {
		es.LatencyMS = s.latencySumMS / float64(s.latencyN)
	}
	if !s.startedAt.IsZero() {
		if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 {
			es.Throughput = float64(s.itemsDone) / elapsed
		}
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		es.SLACompliance = 0
	}
	return es
}
