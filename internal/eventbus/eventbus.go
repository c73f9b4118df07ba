// Package eventbus is a small in-process publish/subscribe bus that
// decouples the error handler, circuit breaker, and recovery components
// (spec.md §9 "Cyclic / back-references"), scoped down from the teacher's
// internal/stream Kafka/Pulsar-capable bus to in-process delivery only —
// persistence and cross-process coordination are stated non-goals here.
package eventbus

import "sync"

// Event is a published notification. Payload is the event-specific data
// (e.g. a recovery.FailoverEvent or a sourceRecovered record).
type Event struct {
	Topic   string
	Payload any
}

// Handler receives published events on a subscribed topic.
type Handler func(Event)

// Bus is a topic-keyed, many-publisher/many-subscriber event bus.
// Subscribers are invoked synchronously on the publishing goroutine, one
// at a time per topic's snapshot, the same way the teacher's stream bus
// delivers to local subscribers before handing off to the broker tier.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers handler to be invoked for every event published on
// topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := len(b.subs[topic])
	b.subs[topic] = append(b.subs[topic], handler)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[topic]
		if id < len(handlers) {
			handlers[id] = nil
		}
	}
}

// Publish delivers payload to every current subscriber of topic. A nil
// handler (left behind by Unsubscribe) is skipped.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[topic]...)
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, h := range handlers {
		if h != nil {
			h(evt)
		}
	}
}

// Topic names used across components, defined centrally so publishers and
// subscribers never drift.
const (
	TopicRetrySuccess               = "retrySuccessful"
	TopicRetryFailed                = "retryFailed"
	TopicSourceRecovered            = "sourceRecovered"
	TopicFailoverCompleted          = "failoverCompleted"
	TopicConnectionRestored         = "connectionRestored"
	TopicPartialServiceDegradation  = "partialServiceDegradation"
	TopicCompleteServiceDegradation = "completeServiceDegradation"
)
