/*
Package events provides an in-memory event broker for Ferret's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
orchestration core events to interested subscribers. It supports filtered
subscriptions with asynchronous delivery, enabling loose coupling between
the orchestrator, broker, monitor, and external consumers.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publishers                     Subscribers                │
	│  (orchestrator, resource        (monitor feed, audit       │
	│   broker, monitor, resolver)     sinks, API streams)       │
	│        │                              ▲                    │
	│        ▼                              │                    │
	│  ┌───────────┐    ┌──────────┐   ┌───┴────────┐          │
	│  │ Publish() ├───►│ eventCh  ├──►│ broadcast  │          │
	│  │ non-block │    │ buf: 100 │   │ seq++, fan │          │
	│  └───────────┘    └──────────┘   │ out w/drop │          │
	│                                   └────────────┘          │
	└────────────────────────────────────────────────────────────┘

Delivery rules:
  - Every published event gets a broker-global sequence number.
  - Each subscription buffers 50 events; a full buffer drops the event
    for that subscriber only and increments its drop counter.
  - Subscribers detect losses by gaps in Event.Seq.
  - Publish never blocks on a slow subscriber.

# Usage

Creating and starting a broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Publishing:

	broker.Publish(&events.Event{
		Type:            events.EventStageFailed,
		OrchestrationID: "orch-123",
		StageID:         "stage-456",
		Message:         "connection refused",
	})

Subscribing with a filter:

	sub := broker.Subscribe(events.Filter{
		Types:           []events.EventType{events.EventAlertRaised},
		OrchestrationID: "orch-123",
	})
	defer broker.Unsubscribe(sub)

	for e := range sub.C() {
		fmt.Println(e.Seq, e.Type, e.Message)
	}

Attaching a callback sink (the broker owns the drain goroutine):

	stop := broker.AttachSink(events.SinkFunc(func(e *events.Event) {
		audit.Record(e)
	}), events.Filter{})
	defer stop()

# Delivery Semantics

At-most-once per subscriber. Events are fire-and-forget: the core never
waits for consumers, and consumers that need durability must persist on
receipt. Ordering is total per broker (Seq) and preserved per subscriber.

# See Also

  - pkg/orchestrator for the main publisher
  - pkg/monitor for the alerting consumer
*/
package events
