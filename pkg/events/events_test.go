package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []*Event {
	t.Helper()
	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-sub.C():
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe(Filter{})
	sub2 := broker.Subscribe(Filter{})
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventStageStarted, OrchestrationID: "orch-1"})

	e1 := collect(t, sub1, 1)[0]
	e2 := collect(t, sub2, 1)[0]
	assert.Equal(t, EventStageStarted, e1.Type)
	assert.Equal(t, e1.Seq, e2.Seq)
	assert.False(t, e1.Timestamp.IsZero())
}

func TestSequenceIsMonotonic(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(Filter{})
	for i := 0; i < 5; i++ {
		broker.Publish(&Event{Type: EventOrchestrationStatus})
	}

	got := collect(t, sub, 5)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
}

func TestFilterByTypeAndOrchestration(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(Filter{
		Types:           []EventType{EventStageFailed},
		OrchestrationID: "orch-1",
	})

	broker.Publish(&Event{Type: EventStageFailed, OrchestrationID: "orch-2"})
	broker.Publish(&Event{Type: EventStageSucceeded, OrchestrationID: "orch-1"})
	broker.Publish(&Event{Type: EventStageFailed, OrchestrationID: "orch-1"})

	got := collect(t, sub, 1)
	assert.Equal(t, EventStageFailed, got[0].Type)
	assert.Equal(t, "orch-1", got[0].OrchestrationID)

	select {
	case e := <-sub.C():
		t.Fatalf("unexpected extra event: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained; per-subscriber buffer is 50.
	slow := broker.Subscribe(Filter{})

	const total = 80
	for i := 0; i < total; i++ {
		broker.Publish(&Event{Type: EventOrchestrationStatus})
	}

	// Overflow is dropped and counted, not blocked on.
	require.Eventually(t, func() bool {
		return slow.Dropped() == total-50
	}, 2*time.Second, 10*time.Millisecond)

	// The loop is still live for later subscribers.
	late := broker.Subscribe(Filter{})
	broker.Publish(&Event{Type: EventAlertRaised})
	got := collect(t, late, 1)
	assert.Equal(t, EventAlertRaised, got[0].Type)
}

func TestSinkReceivesMatchingEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	var mu sync.Mutex
	var seen []EventType
	stop := broker.AttachSink(SinkFunc(func(e *Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}), Filter{Types: []EventType{EventAlertRaised}})

	broker.Publish(&Event{Type: EventStageStarted})
	broker.Publish(&Event{Type: EventAlertRaised})
	broker.Publish(&Event{Type: EventAlertRaised})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Detaching waits for the drain goroutine, so no delivery races
	// past it.
	stop()
	broker.Publish(&Event{Type: EventAlertRaised})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventAlertRaised, EventAlertRaised}, seen)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(Filter{})
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)

	// Double unsubscribe is a no-op.
	broker.Unsubscribe(sub)
}
