package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	var got []any
	b.Subscribe("topic", func(e Event) { got = append(got, e.Payload) })
	b.Subscribe("topic", func(e Event) { got = append(got, e.Payload) })

	b.Publish("topic", "hello")

	assert.Equal(t, []any{"hello", "hello"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("topic", func(e Event) { calls++ })

	b.Publish("topic", 1)
	unsub()
	b.Publish("topic", 2)

	assert.Equal(t, 1, calls)
}

func TestPublishToUnknownTopicIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Publish("nothing-subscribed", 1) })
}
