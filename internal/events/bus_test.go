package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()

	a, cancelA := bus.Subscribe(8)
	defer cancelA()
	b, cancelB := bus.Subscribe(8)
	defer cancelB()

	bus.Status("mining")

	evA := <-a
	evB := <-b
	assert.Equal(t, TypeStatusUpdate, evA.Type)
	assert.Equal(t, TypeStatusUpdate, evB.Type)
	assert.Equal(t, "mining", bus.LastStatus())
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()

	sub, cancel := bus.Subscribe(2)
	defer cancel()

	// Far more events than the buffer holds; Publish must not stall.
	for i := 0; i < 100; i++ {
		bus.Console("line")
	}

	// The queue kept the most recent events rather than blocking.
	require.Len(t, sub, 2)
}

func TestCancelClosesSubscription(t *testing.T) {
	bus := NewBus()

	sub, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-sub
	assert.False(t, open)

	// Publishing after cancellation must not panic.
	bus.Status("still alive")
}

func TestMarshalFrame(t *testing.T) {
	ev := Event{Type: TypeChannelWatching, Data: ChannelWatchingPayload{ID: "42"}}
	frame, err := ev.MarshalFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"channel_watching","data":{"id":"42"}}`, string(frame))
}
