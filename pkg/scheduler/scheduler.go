package scheduler

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/types"
)

// DefaultAgingAfter is how long a background item waits before it is
// promoted one priority class for scheduling purposes.
const DefaultAgingAfter = 5 * time.Minute

// Item is one ready stage awaiting dispatch.
type Item struct {
	OrchestrationID string
	StageID         string
	Priority        types.Priority
	SubmittedBy     string

	// Deadline and ExpectedRemaining drive the slack ordering inside a
	// priority class. A zero deadline sorts last.
	Deadline          time.Time
	ExpectedRemaining time.Duration

	// ReadySince is when the stage became dispatchable. Zero means the
	// submission time.
	ReadySince time.Time
}

// Guards let the owner veto dispatch without coupling the queue to
// orchestration state. A nil guard always passes. Vetoed items stay
// queued and are reconsidered on the next batch.
type Guards struct {
	// Runnable reports whether the orchestration may execute stages
	// right now (false while paused).
	Runnable func(orchestrationID string) bool
	// Resourced reports whether the item's reservation covers it.
	Resourced func(it Item) bool
	// Unblocked reports whether cross-orchestration mandatory
	// dependencies are satisfied.
	Unblocked func(orchestrationID string) bool
}

// Config wires a Queue.
type Config struct {
	// Capacity bounds the ready queue; Submit beyond it fails so
	// callers feel back-pressure. Defaults to 256.
	Capacity int
	// AgingAfter promotes background items one class after this wait.
	AgingAfter time.Duration
	Guards     Guards
}

// Queue is the priority admission queue between orchestration owners
// and the worker pool. Owners submit stages as they become ready; the
// dispatcher drains them in batches.
//
// Ordering within a batch: higher effective priority first, then
// smaller deadline slack, then round-robin across submitters inside
// the same class, then submission order.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	byStage map[string]*entry
	byOrch  map[string]map[string]bool

	capacity   int
	agingAfter time.Duration
	guards     Guards

	seq    uint64
	cursor map[int]string // effective class -> last submitter served

	logger zerolog.Logger
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.AgingAfter <= 0 {
		cfg.AgingAfter = DefaultAgingAfter
	}
	return &Queue{
		byStage:    make(map[string]*entry),
		byOrch:     make(map[string]map[string]bool),
		capacity:   cfg.Capacity,
		agingAfter: cfg.AgingAfter,
		guards:     cfg.Guards,
		cursor:     make(map[int]string),
		logger:     log.WithComponent("scheduler"),
	}
}

// Submit enqueues a ready stage. Fails with QueueFull at capacity and
// Conflict if the stage is already queued.
func (q *Queue) Submit(it Item) error {
	if it.OrchestrationID == "" || it.StageID == "" {
		return fmt.Errorf("item needs orchestration and stage IDs: %w", types.ErrInvalidRequest)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byStage) >= q.capacity {
		return fmt.Errorf("ready queue at capacity %d: %w", q.capacity, types.ErrQueueFull)
	}
	if _, ok := q.byStage[it.StageID]; ok {
		return fmt.Errorf("stage %s already queued: %w", it.StageID, types.ErrConflict)
	}

	now := time.Now()
	if it.ReadySince.IsZero() {
		it.ReadySince = now
	}

	q.seq++
	e := &entry{item: it, seq: q.seq}
	e.refresh(now, q.agingAfter)
	heap.Push(&q.entries, e)

	q.byStage[it.StageID] = e
	if q.byOrch[it.OrchestrationID] == nil {
		q.byOrch[it.OrchestrationID] = make(map[string]bool)
	}
	q.byOrch[it.OrchestrationID][it.StageID] = true
	return nil
}

// NextBatch removes and returns up to capacity dispatchable items.
// Items vetoed by a guard keep their place for the next call.
func (q *Queue) NextBatch(capacity int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if capacity <= 0 || len(q.entries) == 0 {
		return nil
	}

	// Aging credit and deadline slack move with the clock, so re-rank
	// everything once per batch.
	now := time.Now()
	for _, e := range q.entries {
		e.refresh(now, q.agingAfter)
	}
	heap.Init(&q.entries)

	var batch []Item
	var parked []*entry

	for len(batch) < capacity && len(q.entries) > 0 {
		// Drain the whole top class so round-robin can pick across
		// submitters instead of rewarding whoever queued first.
		class := q.entries[0].eff
		var candidates []*entry
		for len(q.entries) > 0 && q.entries[0].eff == class {
			e := heap.Pop(&q.entries).(*entry)
			if q.vetoed(e.item) {
				parked = append(parked, e)
				continue
			}
			candidates = append(candidates, e)
		}
		if len(candidates) == 0 {
			continue
		}

		selected, leftover := q.fairSelect(class, candidates, capacity-len(batch))
		for _, e := range selected {
			batch = append(batch, e.item)
			q.dropLocked(e.item)
		}
		parked = append(parked, leftover...)
	}

	for _, e := range parked {
		heap.Push(&q.entries, e)
	}
	return batch
}

// Remove drops every queued stage of one orchestration, returning how
// many were dropped. Used on pause, cancel, and completion.
func (q *Queue) Remove(orchestrationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stages := q.byOrch[orchestrationID]
	if len(stages) == 0 {
		return 0
	}

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.item.OrchestrationID == orchestrationID {
			delete(q.byStage, e.item.StageID)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	heap.Init(&q.entries)

	removed := len(stages)
	delete(q.byOrch, orchestrationID)
	q.logger.Debug().
		Str("orchestration_id", orchestrationID).
		Int("removed", removed).
		Msg("dropped queued stages")
	return removed
}

// Len reports how many stages are queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byStage)
}

// Contains reports whether a stage is queued.
func (q *Queue) Contains(stageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byStage[stageID]
	return ok
}

func (q *Queue) vetoed(it Item) bool {
	if q.guards.Runnable != nil && !q.guards.Runnable(it.OrchestrationID) {
		return true
	}
	if q.guards.Resourced != nil && !q.guards.Resourced(it) {
		return true
	}
	if q.guards.Unblocked != nil && !q.guards.Unblocked(it.OrchestrationID) {
		return true
	}
	return false
}

func (q *Queue) dropLocked(it Item) {
	delete(q.byStage, it.StageID)
	if m := q.byOrch[it.OrchestrationID]; m != nil {
		delete(m, it.StageID)
		if len(m) == 0 {
			delete(q.byOrch, it.OrchestrationID)
		}
	}
}

// fairSelect picks up to n entries from one effective class,
// round-robin across submitters, resuming after the submitter served
// last time. Entries arrive in heap order, so each submitter's own
// items keep their slack/FIFO order.
func (q *Queue) fairSelect(class int, candidates []*entry, n int) (selected, leftover []*entry) {
	if len(candidates) <= n {
		if len(candidates) > 0 {
			q.cursor[class] = candidates[len(candidates)-1].item.SubmittedBy
		}
		return candidates, nil
	}

	var order []string
	groups := make(map[string][]*entry)
	for _, e := range candidates {
		by := e.item.SubmittedBy
		if _, ok := groups[by]; !ok {
			order = append(order, by)
		}
		groups[by] = append(groups[by], e)
	}

	start := 0
	if last, ok := q.cursor[class]; ok {
		for i, by := range order {
			if by == last {
				start = i + 1
				break
			}
		}
	}

	for len(selected) < n {
		took := false
		for i := 0; i < len(order) && len(selected) < n; i++ {
			by := order[(start+i)%len(order)]
			g := groups[by]
			if len(g) == 0 {
				continue
			}
			selected = append(selected, g[0])
			groups[by] = g[1:]
			q.cursor[class] = by
			took = true
		}
		if !took {
			break
		}
	}

	for _, by := range order {
		leftover = append(leftover, groups[by]...)
	}
	return selected, leftover
}

// entry is a queued item plus its cached ranking. eff and slack are
// recomputed before each batch; the heap comparator only reads the
// cache so ordering stays consistent while the heap rebalances.
type entry struct {
	item  Item
	seq   uint64
	eff   int
	slack time.Duration
}

func (e *entry) refresh(now time.Time, agingAfter time.Duration) {
	e.eff = e.item.Priority.Rank()
	if e.eff == types.PriorityBackground.Rank() && now.Sub(e.item.ReadySince) >= agingAfter {
		e.eff++
	}
	if e.item.Deadline.IsZero() {
		e.slack = time.Duration(math.MaxInt64)
	} else {
		e.slack = e.item.Deadline.Sub(now) - e.item.ExpectedRemaining
	}
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].eff != h[j].eff {
		return h[i].eff > h[j].eff
	}
	if h[i].slack != h[j].slack {
		return h[i].slack < h[j].slack
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
