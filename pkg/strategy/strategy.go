package strategy

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/types"
)

// ScanContext describes the work a plan must cover. It is the
// hashable planning key: two identical contexts get the same plan
// while the memo entry lives.
type ScanContext struct {
	Type             types.OrchestrationType
	Priority         types.Priority
	AssetCount       int
	DataVolumeGB     float64
	SchemaComplexity float64 // 0..1
	Compliance       []string
}

// Baseline aggregates history for one orchestration type.
type Baseline struct {
	Runs          int
	AvgDuration   time.Duration
	AvgThroughput float64 // items/sec
	SuccessRate   float64 // 0..1
	AvgCost       float64
}

// OutcomeSample is one completed orchestration's contribution to the
// baseline for its type.
type OutcomeSample struct {
	Duration    time.Duration
	Throughput  float64
	SuccessRate float64
	Cost        float64
}

// StageFeedback summarizes one finished stage for plan adaptation.
type StageFeedback struct {
	SuccessRate    float64
	Throughput     float64
	Bottleneck     bool
	WorkerHeadroom float64 // free workers right now
}

// HeadroomFunc reports each pool's available capacity. Plans are
// clamped so they never ask for more than this.
type HeadroomFunc func() map[types.PoolType]float64

// Config wires an Engine.
type Config struct {
	Headroom HeadroomFunc

	// BaselineTTL evicts stale history; defaults to 24h.
	BaselineTTL time.Duration
	// MemoTTL bounds how long a computed plan is reused for an
	// identical scan context; defaults to 1m. Short on purpose:
	// a memoized plan carries the headroom clamp from when it was
	// computed.
	MemoTTL time.Duration
}

// Engine produces and revises strategy plans. Planning is
// deterministic: the same context, headroom, and baselines always
// yield the same plan.
type Engine struct {
	headroom  HeadroomFunc
	baselines *cache.Cache
	memo      *cache.Cache
	logger    zerolog.Logger
}

// NewEngine creates a strategy engine.
func NewEngine(cfg Config) *Engine {
	if cfg.BaselineTTL <= 0 {
		cfg.BaselineTTL = 24 * time.Hour
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = time.Minute
	}
	return &Engine{
		headroom:  cfg.Headroom,
		baselines: cache.New(cfg.BaselineTTL, 2*cfg.BaselineTTL),
		memo:      cache.New(cfg.MemoTTL, 2*cfg.MemoTTL),
		logger:    log.WithComponent("strategy"),
	}
}

// Plan generates three candidate plans, scores them, and returns the
// winner clamped to live headroom. Any panic inside candidate math
// degrades to the fixed fallback plan rather than failing the
// orchestration.
func (e *Engine) Plan(sc ScanContext) (plan *types.StrategyPlan) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("planning panicked, using fallback")
			plan = FallbackPlan()
		}
	}()

	key, keyErr := hashstructure.Hash(sc, hashstructure.FormatV2, nil)
	if keyErr == nil {
		if hit, ok := e.memo.Get(memoKey(key)); ok {
			return clonePlan(hit.(*types.StrategyPlan))
		}
	}

	head := e.liveHeadroom()
	base := e.Baseline(sc.Type)

	candidates := []*types.StrategyPlan{
		e.adaptive(sc, head, base),
		e.aggressive(sc, head, base),
		e.conservative(sc, base),
	}

	best := pickBest(sc, candidates, head)
	clampToHeadroom(best, head)

	if keyErr == nil {
		e.memo.SetDefault(memoKey(key), clonePlan(best))
	}

	e.logger.Info().
		Str("class", string(best.Class)).
		Int("parallelism", best.Parallelism).
		Int("batch_size", best.BatchSize).
		Float64("confidence", best.Confidence).
		Msg("plan selected")
	return best
}

// Adapt revises a plan after a stage finishes. Returns the revised
// plan and whether anything changed; the input plan is never mutated.
func (e *Engine) Adapt(plan *types.StrategyPlan, fb StageFeedback) (*types.StrategyPlan, bool) {
	if plan == nil {
		return FallbackPlan(), true
	}
	next := *clonePlan(plan)

	switch {
	case fb.SuccessRate < 0.5 || fb.Bottleneck:
		next.Parallelism = maxInt(1, plan.Parallelism/2)
		next.StageTimeout = time.Duration(float64(plan.StageTimeout) * 1.5)
		next.OverallTimeout = plan.OverallTimeout + next.StageTimeout
		next.Confidence = plan.Confidence * 0.9

	case fb.SuccessRate >= 0.98 && fb.WorkerHeadroom >= 1:
		next.Parallelism = plan.Parallelism + 1
		if limit := plan.Parallelism + int(fb.WorkerHeadroom); next.Parallelism > limit {
			next.Parallelism = limit
		}

	default:
		return plan, false
	}

	e.logger.Debug().
		Int("parallelism", next.Parallelism).
		Float64("success_rate", fb.SuccessRate).
		Bool("bottleneck", fb.Bottleneck).
		Msg("plan adapted")
	return &next, true
}

// RecordOutcome folds one completed orchestration into the baseline
// for its type.
func (e *Engine) RecordOutcome(t types.OrchestrationType, s OutcomeSample) {
	key := string(t)
	b := &Baseline{}
	if hit, ok := e.baselines.Get(key); ok {
		cp := *hit.(*Baseline)
		b = &cp
	}

	b.Runs++
	n := float64(b.Runs)
	b.AvgDuration += time.Duration((float64(s.Duration) - float64(b.AvgDuration)) / n)
	b.AvgThroughput += (s.Throughput - b.AvgThroughput) / n
	b.SuccessRate += (s.SuccessRate - b.SuccessRate) / n
	b.AvgCost += (s.Cost - b.AvgCost) / n

	e.baselines.SetDefault(key, b)
}

// Baseline returns the recorded history for a type, or nil.
func (e *Engine) Baseline(t types.OrchestrationType) *Baseline {
	if hit, ok := e.baselines.Get(string(t)); ok {
		cp := *hit.(*Baseline)
		return &cp
	}
	return nil
}

// FallbackPlan is the plan of last resort: safe on any workload.
func FallbackPlan() *types.StrategyPlan {
	return &types.StrategyPlan{
		Class:       types.StrategyFallback,
		Parallelism: 2,
		BatchSize:   50,
		ScanDepth:   3,
		ResourceRequest: map[types.PoolType]float64{
			types.PoolWorkers: 2,
			types.PoolCPU:     2,
			types.PoolMemory:  1024,
		},
		StageTimeout:     15 * time.Minute,
		OverallTimeout:   time.Hour,
		ExpectedDuration: time.Hour,
		Confidence:       0.6,
	}
}

func (e *Engine) liveHeadroom() map[types.PoolType]float64 {
	if e.headroom == nil {
		return map[types.PoolType]float64{}
	}
	h := e.headroom()
	if h == nil {
		return map[types.PoolType]float64{}
	}
	return h
}

// items estimates the unit count a scan will touch.
func items(sc ScanContext) float64 {
	n := float64(sc.AssetCount) + sc.DataVolumeGB*10
	if n < 1 {
		n = 1
	}
	return n
}

// throughputOf picks the per-worker items/sec estimate: history when
// available, a flat guess otherwise.
func throughputOf(b *Baseline) float64 {
	if b != nil && b.AvgThroughput > 0 {
		return b.AvgThroughput
	}
	return 20
}

func (e *Engine) adaptive(sc ScanContext, head map[types.PoolType]float64, b *Baseline) *types.StrategyPlan {
	n := items(sc)
	tput := throughputOf(b)

	par := int(math.Ceil(n / 5000))
	par = clampInt(par, 2, maxInt(2, int(head[types.PoolWorkers]/2)))

	batch := clampInt(int(tput*10), 50, 1000)
	depth := depthFloor(sc, 3+int(math.Round(sc.SchemaComplexity*4)))

	expected := time.Duration(n / (tput * float64(par)) * float64(time.Second))
	stageTimeout := time.Duration(float64(30*time.Minute) * (1 + sc.SchemaComplexity))

	conf := 0.75
	if b != nil {
		conf = 0.6 + 0.3*b.SuccessRate
		if b.Runs >= 5 {
			conf += 0.05
		}
	}

	return &types.StrategyPlan{
		Class:            types.StrategyAdaptive,
		Parallelism:      par,
		BatchSize:        batch,
		ScanDepth:        depth,
		ResourceRequest:  requestFor(par, sc.SchemaComplexity),
		StageTimeout:     stageTimeout,
		OverallTimeout:   maxDuration(2*time.Hour, 3*expected),
		ExpectedDuration: expected,
		Confidence:       clampFloat(conf, 0, 1),
	}
}

func (e *Engine) aggressive(sc ScanContext, head map[types.PoolType]float64, b *Baseline) *types.StrategyPlan {
	n := items(sc)
	tput := throughputOf(b)

	par := maxInt(4, int(head[types.PoolWorkers]*0.75))
	expected := time.Duration(n / (tput * float64(par)) * float64(time.Second))

	conf := 0.55
	if b != nil {
		conf = 0.5 + 0.3*b.SuccessRate
	}

	return &types.StrategyPlan{
		Class:            types.StrategyAggressive,
		Parallelism:      par,
		BatchSize:        500,
		ScanDepth:        depthFloor(sc, 5),
		ResourceRequest:  requestFor(par, sc.SchemaComplexity),
		StageTimeout:     15 * time.Minute,
		OverallTimeout:   maxDuration(time.Hour, 2*expected),
		ExpectedDuration: expected,
		Confidence:       clampFloat(conf, 0, 1),
	}
}

func (e *Engine) conservative(sc ScanContext, b *Baseline) *types.StrategyPlan {
	n := items(sc)
	tput := throughputOf(b)

	par := 2
	expected := time.Duration(n / (tput * float64(par)) * float64(time.Second))

	conf := 0.6
	if b != nil && b.SuccessRate >= 0.95 {
		conf = 0.8
	}

	return &types.StrategyPlan{
		Class:            types.StrategyConservative,
		Parallelism:      par,
		BatchSize:        50,
		ScanDepth:        depthFloor(sc, 3),
		ResourceRequest:  requestFor(par, sc.SchemaComplexity),
		StageTimeout:     45 * time.Minute,
		OverallTimeout:   maxDuration(time.Hour, 4*expected),
		ExpectedDuration: expected,
		Confidence:       conf,
	}
}

// depthFloor keeps compliance-bound scans thorough regardless of what
// the candidate formula computed.
func depthFloor(sc ScanContext, depth int) int {
	if len(sc.Compliance) > 0 {
		return maxInt(depth, 5)
	}
	return depth
}

// clonePlan copies a plan including its resource map, so callers can
// hold plans without aliasing the memo or each other.
func clonePlan(p *types.StrategyPlan) *types.StrategyPlan {
	cp := *p
	if p.ResourceRequest != nil {
		cp.ResourceRequest = make(map[types.PoolType]float64, len(p.ResourceRequest))
		for k, v := range p.ResourceRequest {
			cp.ResourceRequest[k] = v
		}
	}
	return &cp
}

// requestFor sizes the reservation for a parallelism level. Memory is
// in MB to match the broker's memory pool unit.
func requestFor(par int, complexity float64) map[types.PoolType]float64 {
	p := float64(par)
	return map[types.PoolType]float64{
		types.PoolWorkers:     p,
		types.PoolCPU:         p,
		types.PoolMemory:      math.Ceil(p * 512 * (1 + complexity)),
		types.PoolConnections: p * 4,
	}
}

// pickBest scores candidates and returns the winner. Score is a
// weighted sum of performance potential, resource fit, risk posture,
// and the candidate's own confidence; ties go to the smaller
// footprint.
func pickBest(sc ScanContext, candidates []*types.StrategyPlan, head map[types.PoolType]float64) *types.StrategyPlan {
	// Performance potential counts only workers that exist: asking for
	// 64 when 4 are free is not 16x faster.
	potential := func(c *types.StrategyPlan) float64 {
		par := c.Parallelism
		if hw, ok := head[types.PoolWorkers]; ok && par > int(hw) {
			par = maxInt(1, int(hw))
		}
		return float64(par * c.BatchSize)
	}

	maxPotential := 0.0
	for _, c := range candidates {
		if p := potential(c); p > maxPotential {
			maxPotential = p
		}
	}

	type scored struct {
		plan      *types.StrategyPlan
		score     float64
		footprint float64
	}
	ranked := make([]scored, 0, len(candidates))

	for _, c := range candidates {
		perf := 0.0
		if maxPotential > 0 {
			perf = potential(c) / maxPotential
		}
		fit := fitness(c.ResourceRequest, head)
		risk := riskPosture(c.Class)
		if sc.Priority == types.PriorityCritical || sc.Priority == types.PriorityHigh {
			// Urgent work tolerates risk; compress the spread so
			// performance dominates the pick.
			risk = 0.5 + risk/2
		}

		score := 0.35*perf + 0.25*fit + 0.25*risk + 0.15*c.Confidence
		ranked = append(ranked, scored{c, score, footprint(c.ResourceRequest, head)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].footprint < ranked[j].footprint
	})
	return ranked[0].plan
}

// fitness is 1.0 when every ask fits inside headroom and decays with
// the worst overshoot.
func fitness(req, head map[types.PoolType]float64) float64 {
	fit := 1.0
	for pt, r := range req {
		h, ok := head[pt]
		if !ok || r <= 0 {
			continue
		}
		if r > h {
			ratio := h / r
			if ratio < fit {
				fit = ratio
			}
		}
	}
	return fit
}

// riskPosture orders classes by blast radius: conservative plans are
// the safest bet, aggressive ones the riskiest.
func riskPosture(c types.StrategyClass) float64 {
	switch c {
	case types.StrategyConservative:
		return 0.9
	case types.StrategyAdaptive:
		return 0.7
	case types.StrategyAggressive:
		return 0.4
	default:
		return 0.9
	}
}

func footprint(req, head map[types.PoolType]float64) float64 {
	var f float64
	for pt, r := range req {
		f += r / (head[pt] + 1)
	}
	return f
}

// clampToHeadroom shrinks the winning plan so it never asks for more
// than is available right now.
func clampToHeadroom(p *types.StrategyPlan, head map[types.PoolType]float64) {
	if w, ok := head[types.PoolWorkers]; ok {
		if limit := int(w); p.Parallelism > limit {
			p.Parallelism = maxInt(1, limit)
		}
	}
	if p.Parallelism < 1 {
		p.Parallelism = 1
	}
	for pt, r := range p.ResourceRequest {
		if h, ok := head[pt]; ok && r > h {
			p.ResourceRequest[pt] = h
		}
	}
	if w := p.ResourceRequest[types.PoolWorkers]; w < float64(p.Parallelism) && w > 0 {
		p.Parallelism = maxInt(1, int(w))
	}
}

func memoKey(h uint64) string {
	return "plan-" + strconv.FormatUint(h, 16)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
