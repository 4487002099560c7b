package resource

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/types"
)

// PreemptFunc is invoked after a reservation has been preempted and its
// capacity returned to the pools. Implementations must not call back
// into the broker synchronously.
type PreemptFunc func(orchestrationID, reservationID string)

// Config wires a Broker.
type Config struct {
	// Pools lists initial capacities. Empty falls back to DefaultSpecs.
	Pools []PoolSpec

	UpThreshold   float64
	DownThreshold float64
	Step          float64
	CoolDown      time.Duration

	// TickInterval drives auto-scaling, expiry, and health checks.
	TickInterval time.Duration

	// ScaleOpsPerSec caps how fast auto-scaling may resize pools
	// across the whole broker. Zero means 1 op/sec.
	ScaleOpsPerSec float64

	Store  storage.Store
	Events *events.Broker

	// OnPreempt is notified after a preemption. Optional.
	OnPreempt PreemptFunc
}

// PoolSpec sizes one pool at startup.
type PoolSpec struct {
	Type        types.PoolType
	Total       float64
	Unit        string
	CostPerUnit float64
	Min         float64
	Max         float64
	NoAutoScale bool
}

// DefaultSpecs returns the built-in pool sizing used when the
// configuration names no pools.
func DefaultSpecs() []PoolSpec {
	return []PoolSpec{
		{Type: types.PoolCPU, Total: 100, Unit: "cores", CostPerUnit: 0.05, Min: 10, Max: 400},
		{Type: types.PoolMemory, Total: 524288, Unit: "MB", CostPerUnit: 0.00001, Min: 1024, Max: 4194304},
		{Type: types.PoolIO, Total: 10000, Unit: "IOPS", CostPerUnit: 0.0001, Min: 1000, Max: 100000},
		{Type: types.PoolNetwork, Total: 10000, Unit: "Mbps", CostPerUnit: 0.0001, Min: 100, Max: 40000},
		{Type: types.PoolConnections, Total: 1000, Unit: "conns", CostPerUnit: 0.001, Min: 100, Max: 10000},
		{Type: types.PoolWorkers, Total: 64, Unit: "workers", CostPerUnit: 0.02, Min: 4, Max: 1024},
		{Type: types.PoolAPICalls, Total: 10000, Unit: "calls/min", CostPerUnit: 0.00005, Min: 1000, Max: 1000000},
		{Type: types.PoolComputeInstances, Total: 16, Unit: "instances", CostPerUnit: 0.5, Min: 1, Max: 256},
		{Type: types.PoolClassifierInstances, Total: 8, Unit: "instances", CostPerUnit: 0.8, Min: 1, Max: 64},
		{Type: types.PoolMLModels, Total: 4, Unit: "models", CostPerUnit: 1.5, Min: 1, Max: 32},
		{Type: types.PoolStorage, Total: 1048576, Unit: "GB", CostPerUnit: 0.0002, Min: 100, Max: 10485760},
	}
}

// ReserveRequest asks for capacity across one or more pools.
type ReserveRequest struct {
	OrchestrationID string
	Priority        types.Priority
	Amounts         map[types.PoolType]float64
	TTL             time.Duration // 0 = no expiry

	// Budget guard: deny with ErrBudgetExceeded when CostSoFar plus
	// this reservation's estimate would cross Budget. Budget 0 means
	// unlimited.
	Budget    float64
	CostSoFar float64
}

// Broker owns the typed resource pools: reservations, releases, manual
// adjustment, auto-scaling, preemption, and health.
type Broker struct {
	mu           sync.Mutex
	pools        map[types.PoolType]*types.ResourcePool
	reservations map[string]*types.Reservation
	holds        map[types.PoolType]*scaleHold

	upThreshold   float64
	downThreshold float64
	step          float64
	coolDown      time.Duration
	tickInterval  time.Duration

	scaleLimiter *rate.Limiter

	store     storage.Store
	events    *events.Broker
	onPreempt PreemptFunc

	logger zerolog.Logger
	stopCh chan struct{}
}

// NewBroker creates a broker and provisions its pools.
func NewBroker(cfg Config) *Broker {
	specs := cfg.Pools
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}

	opsPerSec := cfg.ScaleOpsPerSec
	if opsPerSec <= 0 {
		opsPerSec = 1
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}

	b := &Broker{
		pools:         make(map[types.PoolType]*types.ResourcePool),
		reservations:  make(map[string]*types.Reservation),
		holds:         make(map[types.PoolType]*scaleHold),
		upThreshold:   cfg.UpThreshold,
		downThreshold: cfg.DownThreshold,
		step:          cfg.Step,
		coolDown:      cfg.CoolDown,
		tickInterval:  tick,
		scaleLimiter:  rate.NewLimiter(rate.Limit(opsPerSec), 2),
		store:         cfg.Store,
		events:        cfg.Events,
		onPreempt:     cfg.OnPreempt,
		logger:        log.WithComponent("resource-broker"),
		stopCh:        make(chan struct{}),
	}

	for _, spec := range specs {
		b.pools[spec.Type] = &types.ResourcePool{
			Type:        spec.Type,
			Total:       spec.Total,
			Unit:        spec.Unit,
			CostPerUnit: spec.CostPerUnit,
			Health:      types.PoolHealthy,
			Scale: types.ScalePolicy{
				Min:              spec.Min,
				Max:              spec.Max,
				Step:             cfg.Step,
				UpThreshold:      cfg.UpThreshold,
				DownThreshold:    cfg.DownThreshold,
				CoolDown:         cfg.CoolDown,
				DisableAutoScale: spec.NoAutoScale,
			},
		}
	}

	return b
}

// SetOnPreempt installs the preemption callback. The orchestrator is
// constructed after the broker, so it wires itself in here.
func (b *Broker) SetOnPreempt(fn PreemptFunc) {
	b.mu.Lock()
	b.onPreempt = fn
	b.mu.Unlock()
}

// Recover replays unreleased reservations from the store into the pools.
// Called once before Start when resuming from persisted state.
func (b *Broker) Recover() error {
	if b.store == nil {
		return nil
	}
	persisted, err := b.store.ListReservations()
	if err != nil {
		return fmt.Errorf("failed to list reservations: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range persisted {
		if r.Released {
			continue
		}
		for _, entry := range r.Entries {
			if pool, ok := b.pools[entry.Pool]; ok {
				if r.Activated {
					pool.InUse += entry.Amount
				} else {
					pool.Reserved += entry.Amount
				}
			}
		}
		b.reservations[r.ID] = r
	}

	b.logger.Info().Int("reservations", len(b.reservations)).Msg("recovered reservations")
	return nil
}

// Start begins the broker's maintenance loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) run() {
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.expireReservations()
			b.autoScale()
			b.checkHealth()
		case <-b.stopCh:
			return
		}
	}
}

// Reserve grants capacity across all requested pools atomically: either
// every amount is reserved or none is. A critical-priority request that
// cannot be satisfied may preempt background-priority reservations.
func (b *Broker) Reserve(req ReserveRequest) (*types.Reservation, error) {
	if len(req.Amounts) == 0 {
		return nil, fmt.Errorf("reservation needs at least one pool amount: %w", types.ErrInvalidRequest)
	}
	for pt, amount := range req.Amounts {
		if amount <= 0 {
			return nil, fmt.Errorf("amount for pool %s must be > 0: %w", pt, types.ErrInvalidRequest)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	estimate := b.estimateLocked(req.Amounts)
	if req.Budget > 0 && req.CostSoFar+estimate > req.Budget {
		return nil, fmt.Errorf("estimated cost %.4f would cross budget %.4f: %w",
			req.CostSoFar+estimate, req.Budget, types.ErrBudgetExceeded)
	}

	if denied := b.deniedPoolLocked(req.Amounts); denied != "" {
		// Demand-driven scaling first, then critical work may evict
		// background reservations.
		b.scaleToFitLocked(req.Amounts)
		if denied = b.deniedPoolLocked(req.Amounts); denied != "" && req.Priority == types.PriorityCritical {
			b.preemptBackgroundLocked(req.Amounts)
			denied = b.deniedPoolLocked(req.Amounts)
		}
		if denied != "" {
			pool, ok := b.pools[types.PoolType(denied)]
			if !ok {
				return nil, fmt.Errorf("pool %s: %w", denied, types.ErrNotFound)
			}
			return nil, fmt.Errorf("pool %s cannot grant %.2f (available %.2f): %w",
				denied, req.Amounts[types.PoolType(denied)], pool.Available(), types.ErrResourceDenied)
		}
	}

	now := time.Now()
	res := &types.Reservation{
		ID:              types.NewID(types.IDPrefixReservation),
		OrchestrationID: req.OrchestrationID,
		CostEstimate:    estimate,
		Priority:        req.Priority,
		CreatedAt:       now,
	}
	var expires time.Time
	if req.TTL > 0 {
		expires = now.Add(req.TTL)
	}
	for pt, amount := range req.Amounts {
		b.pools[pt].Reserved += amount
		res.Entries = append(res.Entries, types.ReservationEntry{
			Pool:      pt,
			Amount:    amount,
			ExpiresAt: expires,
		})
	}
	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Pool < res.Entries[j].Pool
	})
	b.reservations[res.ID] = res

	if b.store != nil {
		if err := b.store.CreateReservation(res); err != nil {
			b.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("failed to persist reservation")
		}
	}
	b.publish(events.EventReservationGranted, req.OrchestrationID, res.ID)

	return res, nil
}

// deniedPoolLocked returns the first pool that cannot grant its amount,
// or "" when all can. Anything short of healthy denies new capacity.
func (b *Broker) deniedPoolLocked(amounts map[types.PoolType]float64) string {
	for pt, amount := range amounts {
		pool, ok := b.pools[pt]
		if !ok {
			return string(pt)
		}
		if pool.Health != types.PoolHealthy {
			return string(pt)
		}
		if pool.Available() < amount {
			return string(pt)
		}
	}
	return ""
}

// scaleToFitLocked grows pools that cannot cover their asked amounts,
// bounded by each pool's scale policy and the global rate limiter.
// Tried once per denied reservation before preemption or denial.
func (b *Broker) scaleToFitLocked(amounts map[types.PoolType]float64) {
	for pt, amount := range amounts {
		pool, ok := b.pools[pt]
		if !ok || pool.Scale.DisableAutoScale || pool.Health != types.PoolHealthy {
			continue
		}
		short := amount - pool.Available()
		if short <= 0 {
			continue
		}
		target := pool.Total + short
		if target > pool.Scale.Max {
			continue
		}
		if !b.scaleLimiter.Allow() {
			return
		}

		old := pool.Total
		pool.Total = target
		pool.LastScaled = time.Now()

		b.logger.Info().
			Str("pool", string(pt)).
			Float64("from", old).
			Float64("to", target).
			Msg("pool scaled up to fit reservation")
		b.publish(events.EventPoolScaled, "", string(pt))
	}
}

// preemptBackgroundLocked releases background-priority reservations,
// oldest first, until the requested amounts fit or none remain.
func (b *Broker) preemptBackgroundLocked(amounts map[types.PoolType]float64) {
	var victims []*types.Reservation
	for _, r := range b.reservations {
		if r.Priority == types.PriorityBackground {
			victims = append(victims, r)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})

	for _, victim := range victims {
		if b.deniedPoolLocked(amounts) == "" {
			return
		}
		b.releaseLocked(victim, true)
	}
}

// Activate moves a reservation's amounts from reserved to in-use. The
// orchestrator calls it when execution starts.
func (b *Broker) Activate(reservationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", reservationID, types.ErrNotFound)
	}
	if res.Activated {
		return nil
	}
	for _, entry := range res.Entries {
		if pool, ok := b.pools[entry.Pool]; ok {
			pool.Reserved -= entry.Amount
			pool.InUse += entry.Amount
		}
	}
	res.Activated = true

	if b.store != nil {
		if err := b.store.UpdateReservation(res); err != nil {
			b.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("failed to persist activation")
		}
	}
	return nil
}

// Release returns a reservation's capacity to its pools. Idempotent:
// releasing an unknown or already-released ID is a no-op.
func (b *Broker) Release(reservationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[reservationID]
	if !ok {
		return
	}
	b.releaseLocked(res, false)
}

func (b *Broker) releaseLocked(res *types.Reservation, preempted bool) {
	for _, entry := range res.Entries {
		pool, ok := b.pools[entry.Pool]
		if !ok {
			continue
		}
		// The whole bundle sits in exactly one bucket.
		if res.Activated {
			pool.InUse -= entry.Amount
			if pool.InUse < 0 {
				pool.InUse = 0
			}
		} else {
			pool.Reserved -= entry.Amount
			if pool.Reserved < 0 {
				pool.Reserved = 0
			}
		}
	}
	res.Released = true
	delete(b.reservations, res.ID)

	if b.store != nil {
		if err := b.store.UpdateReservation(res); err != nil {
			b.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("failed to persist release")
		}
	}

	if preempted {
		b.logger.Warn().
			Str("reservation_id", res.ID).
			Str("orchestration_id", res.OrchestrationID).
			Msg("reservation preempted by critical work")
		b.publish(events.EventReservationPreempt, res.OrchestrationID, res.ID)
		if b.onPreempt != nil {
			go b.onPreempt(res.OrchestrationID, res.ID)
		}
	} else {
		b.publish(events.EventReservationReleased, res.OrchestrationID, res.ID)
	}
}

// Resize manually resizes a pool. The new total must cover what is
// currently reserved and in use.
func (b *Broker) Resize(pt types.PoolType, newTotal float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool, ok := b.pools[pt]
	if !ok {
		return fmt.Errorf("pool %s: %w", pt, types.ErrNotFound)
	}
	committed := pool.Reserved + pool.InUse
	if newTotal < committed {
		return fmt.Errorf("pool %s holds %.2f committed, cannot shrink to %.2f: %w",
			pt, committed, newTotal, types.ErrConflict)
	}

	old := pool.Total
	pool.Total = newTotal
	pool.LastScaled = time.Now()

	b.logger.Info().
		Str("pool", string(pt)).
		Float64("from", old).
		Float64("to", newTotal).
		Msg("pool resized")
	return nil
}

// AdjustRequest grows or shrinks a live reservation. Positive deltas
// take more capacity, negative deltas hand it back.
type AdjustRequest struct {
	ReservationID string
	Deltas        map[types.PoolType]float64

	// Budget guard, as in ReserveRequest. Budget 0 means unlimited.
	Budget    float64
	CostSoFar float64
}

// Adjust resizes a live reservation mid-run. Shrinks always succeed;
// grows are denied when a pool lacks headroom even after a scale
// attempt, is not healthy, or the new estimate would cross the budget.
// Applied atomically: either every delta lands or none does.
func (b *Broker) Adjust(req AdjustRequest) (*types.Reservation, error) {
	if len(req.Deltas) == 0 {
		return nil, fmt.Errorf("adjustment needs at least one delta: %w", types.ErrInvalidRequest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[req.ReservationID]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", req.ReservationID, types.ErrNotFound)
	}

	held := make(map[types.PoolType]float64, len(res.Entries))
	for _, e := range res.Entries {
		held[e.Pool] = e.Amount
	}

	grows := make(map[types.PoolType]float64)
	after := make(map[types.PoolType]float64, len(held))
	for pt, amount := range held {
		after[pt] = amount
	}
	for pt, delta := range req.Deltas {
		if delta == 0 {
			continue
		}
		if _, ok := b.pools[pt]; !ok {
			return nil, fmt.Errorf("pool %s: %w", pt, types.ErrNotFound)
		}
		next := held[pt] + delta
		if next < 0 {
			return nil, fmt.Errorf("reservation holds %.2f of pool %s, cannot release %.2f: %w",
				held[pt], pt, -delta, types.ErrInvalidRequest)
		}
		after[pt] = next
		if delta > 0 {
			grows[pt] = delta
		}
	}

	if len(grows) > 0 {
		if denied := b.deniedPoolLocked(grows); denied != "" {
			b.scaleToFitLocked(grows)
		}
		if denied := b.deniedPoolLocked(grows); denied != "" {
			pool := b.pools[types.PoolType(denied)]
			return nil, fmt.Errorf("pool %s cannot grant %.2f more (available %.2f): %w",
				denied, grows[types.PoolType(denied)], pool.Available(), types.ErrResourceDenied)
		}
	}

	estimate := b.estimateLocked(after)
	if req.Budget > 0 && req.CostSoFar+estimate > req.Budget {
		return nil, fmt.Errorf("adjusted cost %.4f would cross budget %.4f: %w",
			req.CostSoFar+estimate, req.Budget, types.ErrBudgetExceeded)
	}

	// New entries inherit the expiry of the existing bundle.
	var expires time.Time
	for _, e := range res.Entries {
		if e.ExpiresAt.After(expires) {
			expires = e.ExpiresAt
		}
	}

	for pt, delta := range req.Deltas {
		if delta == 0 {
			continue
		}
		pool := b.pools[pt]
		if res.Activated {
			pool.InUse += delta
			if pool.InUse < 0 {
				pool.InUse = 0
			}
		} else {
			pool.Reserved += delta
			if pool.Reserved < 0 {
				pool.Reserved = 0
			}
		}
	}

	entries := res.Entries[:0]
	for _, e := range res.Entries {
		if amount := after[e.Pool]; amount > 0 {
			e.Amount = amount
			entries = append(entries, e)
		}
		delete(after, e.Pool)
	}
	for pt, amount := range after {
		if amount > 0 {
			entries = append(entries, types.ReservationEntry{
				Pool:      pt,
				Amount:    amount,
				ExpiresAt: expires,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Pool < entries[j].Pool
	})
	res.Entries = entries
	res.CostEstimate = estimate

	if b.store != nil {
		if err := b.store.UpdateReservation(res); err != nil {
			b.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("failed to persist adjustment")
		}
	}
	b.publish(events.EventReservationAdjusted, res.OrchestrationID, res.ID)

	cp := *res
	cp.Entries = append([]types.ReservationEntry(nil), res.Entries...)
	return &cp, nil
}

// SetHealth overrides a pool's health. Unhealthy pools deny all new
// reservations until marked healthy again.
func (b *Broker) SetHealth(pt types.PoolType, health types.PoolHealth) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool, ok := b.pools[pt]
	if !ok {
		return fmt.Errorf("pool %s: %w", pt, types.ErrNotFound)
	}
	if pool.Health != health {
		pool.Health = health
		if health == types.PoolUnhealthy {
			b.publish(events.EventPoolUnhealthy, "", string(pt))
		}
	}
	return nil
}

// Utilization returns a copy of every pool's current state.
func (b *Broker) Utilization() map[types.PoolType]types.ResourcePool {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[types.PoolType]types.ResourcePool, len(b.pools))
	for pt, pool := range b.pools {
		out[pt] = *pool
	}
	return out
}

// Reservations returns copies of all live reservations.
func (b *Broker) Reservations() []*types.Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*types.Reservation, 0, len(b.reservations))
	for _, r := range b.reservations {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// EstimateCost prices a set of pool amounts without reserving.
func (b *Broker) EstimateCost(amounts map[types.PoolType]float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimateLocked(amounts)
}

func (b *Broker) estimateLocked(amounts map[types.PoolType]float64) float64 {
	var cost float64
	for pt, amount := range amounts {
		if pool, ok := b.pools[pt]; ok {
			cost += amount * pool.CostPerUnit
		}
	}
	return cost
}

// Headroom returns each pool's available capacity. The strategy engine
// clamps its resource asks to this.
func (b *Broker) Headroom() map[types.PoolType]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[types.PoolType]float64, len(b.pools))
	for pt, pool := range b.pools {
		out[pt] = pool.Available()
	}
	return out
}

// expireReservations releases reservations whose TTL has passed.
func (b *Broker) expireReservations() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, res := range b.reservations {
		for _, entry := range res.Entries {
			if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
				b.logger.Warn().
					Str("reservation_id", res.ID).
					Str("orchestration_id", res.OrchestrationID).
					Msg("reservation expired")
				b.releaseLocked(res, false)
				break
			}
		}
	}
}

// scaleHold tracks how long one pool's utilization has stayed past a
// scaling threshold.
type scaleHold struct {
	aboveSince time.Time
	belowSince time.Time
}

// autoScale grows hot pools and shrinks idle ones. A threshold has to
// hold continuously for the pool's cool-down before it fires; a single
// hot or idle tick proves nothing. Resizes are bounded by each pool's
// scale policy and the global rate limiter.
func (b *Broker) autoScale() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for pt, pool := range b.pools {
		if pool.Scale.DisableAutoScale || pool.Total <= 0 {
			continue
		}
		hold, ok := b.holds[pt]
		if !ok {
			hold = &scaleHold{}
			b.holds[pt] = hold
		}

		util := pool.Utilization()
		var target float64
		switch {
		case util > pool.Scale.UpThreshold && pool.Total < pool.Scale.Max:
			hold.belowSince = time.Time{}
			if hold.aboveSince.IsZero() {
				hold.aboveSince = now
			}
			if now.Sub(hold.aboveSince) < pool.Scale.CoolDown {
				continue
			}
			target = pool.Total * (1 + pool.Scale.Step)
			if target > pool.Scale.Max {
				target = pool.Scale.Max
			}
		case util < pool.Scale.DownThreshold && pool.Total > pool.Scale.Min:
			hold.aboveSince = time.Time{}
			if hold.belowSince.IsZero() {
				hold.belowSince = now
			}
			if now.Sub(hold.belowSince) < pool.Scale.CoolDown {
				continue
			}
			target = pool.Total * (1 - pool.Scale.Step)
			if target < pool.Scale.Min {
				target = pool.Scale.Min
			}
			if committed := pool.Reserved + pool.InUse; target < committed {
				target = committed
			}
		default:
			// Back inside the band: both windows restart from scratch.
			hold.aboveSince, hold.belowSince = time.Time{}, time.Time{}
			continue
		}
		if target == pool.Total {
			continue
		}
		if !b.scaleLimiter.Allow() {
			return
		}

		old := pool.Total
		pool.Total = target
		pool.LastScaled = now
		// The next resize needs a fresh sustained window.
		hold.aboveSince, hold.belowSince = time.Time{}, time.Time{}

		b.logger.Info().
			Str("pool", string(pt)).
			Float64("utilization", util).
			Float64("from", old).
			Float64("to", target).
			Msg("pool auto-scaled")
		b.publish(events.EventPoolScaled, "", string(pt))
	}
}

// checkHealth derives pool health from utilization. Saturated pools
// degrade; SetHealth overrides survive until the next transition.
func (b *Broker) checkHealth() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pt, pool := range b.pools {
		if pool.Health == types.PoolUnhealthy {
			// Operator or probe marked it; only they clear it.
			continue
		}
		util := pool.Utilization()
		next := types.PoolHealthy
		if util >= 0.95 {
			next = types.PoolDegraded
		}
		if pool.Health != next {
			b.logger.Warn().
				Str("pool", string(pt)).
				Float64("utilization", util).
				Str("health", string(next)).
				Msg("pool health changed")
			pool.Health = next
		}
	}
}

func (b *Broker) publish(t events.EventType, orchestrationID, detail string) {
	if b.events == nil {
		return
	}
	b.events.Publish(&events.Event{
		Type:            t,
		OrchestrationID: orchestrationID,
		Message:         detail,
	})
}
