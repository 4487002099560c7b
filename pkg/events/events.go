package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventOrchestrationCreated   EventType = "orchestration.created"
	EventOrchestrationStatus    EventType = "orchestration.status"
	EventOrchestrationCompleted EventType = "orchestration.completed"
	EventOrchestrationFailed    EventType = "orchestration.failed"
	EventOrchestrationCancelled EventType = "orchestration.cancelled"
	EventOrchestrationRetrying  EventType = "orchestration.retrying"
	EventApprovalRequested      EventType = "approval.requested"
	EventApprovalGranted        EventType = "approval.granted"
	EventBatchSubmitted         EventType = "batch.submitted"

	EventStageStarted   EventType = "stage.started"
	EventStageSucceeded EventType = "stage.succeeded"
	EventStageFailed    EventType = "stage.failed"
	EventStageRetrying  EventType = "stage.retrying"
	EventStageSkipped   EventType = "stage.skipped"

	EventReservationGranted  EventType = "reservation.granted"
	EventReservationAdjusted EventType = "reservation.adjusted"
	EventReservationReleased EventType = "reservation.released"
	EventReservationPreempt  EventType = "reservation.preempted"
	EventPoolScaled          EventType = "pool.scaled"
	EventPoolUnhealthy       EventType = "pool.unhealthy"

	EventPlanAttached EventType = "plan.attached"
	EventPlanAdapted  EventType = "plan.adapted"

	EventDependencySatisfied EventType = "dependency.satisfied"
	EventDependencyTimeout   EventType = "dependency.timeout"
	EventDependencyOverride  EventType = "dependency.overridden"

	EventAlertRaised       EventType = "alert.raised"
	EventAlertAcknowledged EventType = "alert.acknowledged"
	EventAlertResolved     EventType = "alert.resolved"
)

// Event represents an orchestration core event. Seq is a broker-global
// sequence number assigned at publish; subscribers detect dropped
// deliveries by gaps in the sequence.
type Event struct {
	Seq             uint64
	Type            EventType
	Timestamp       time.Time
	OrchestrationID string
	StageID         string
	Message         string
	Metadata        map[string]string
}

// Filter selects which events a subscription receives. Zero value
// matches everything.
type Filter struct {
	Types           []EventType
	OrchestrationID string
}

// Matches reports whether the filter admits the event.
func (f Filter) Matches(e *Event) bool {
	if f.OrchestrationID != "" && f.OrchestrationID != e.OrchestrationID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's view of the event stream
type Subscription struct {
	ch      chan *Event
	filter  Filter
	dropped atomic.Uint64
}

// C returns the delivery channel. Closed on Unsubscribe.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped returns how many matching events were discarded because the
// subscriber was too slow to drain its buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	seq         uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription matching the given filter
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ch:     make(chan *Event, 50), // Buffer per subscriber
		filter: filter,
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.seq++
	event.Seq = b.seq

	for sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop rather than block the loop
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Sink accepts events for onward delivery outside the core: logging,
// analytics, a websocket bridge. Consume shares its subscription's
// backlog, so a stalled sink loses events rather than stalling the
// broker.
type Sink interface {
	Consume(e *Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(e *Event)

// Consume calls f.
func (f SinkFunc) Consume(e *Event) { f(e) }

// AttachSink subscribes the sink and drains matching events into it
// on a dedicated goroutine. The returned stop function detaches the
// sink and waits for in-flight deliveries to finish.
func (b *Broker) AttachSink(s Sink, filter Filter) (stop func()) {
	sub := b.Subscribe(filter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C() {
			s.Consume(e)
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
