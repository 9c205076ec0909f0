package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	ch, cancel := bus.Subscribe("u1")
	defer cancel()

	bus.Publish("u1", Update{Event: EventTokenUpdate, Data: "payload"})

	select {
	case u := <-ch:
		assert.Equal(t, EventTokenUpdate, u.Event)
		assert.Equal(t, "payload", u.Data)
	default:
		t.Fatal("buffered update not delivered")
	}
}

func TestPublish_OnlyReachesOwnUser(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	ch1, cancel1 := bus.Subscribe("u1")
	defer cancel1()

	ch2, cancel2 := bus.Subscribe("u2")
	defer cancel2()

	bus.Publish("u1", Update{Event: EventTimerUpdate})

	require.Len(t, ch1, 1)
	assert.Empty(t, ch2)
}

func TestPublish_FanOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	ch1, cancel1 := bus.Subscribe("u1")
	defer cancel1()

	ch2, cancel2 := bus.Subscribe("u1")
	defer cancel2()

	assert.Equal(t, 2, bus.Subscribers("u1"))

	bus.Publish("u1", Update{Event: EventTokenUpdate})

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
}

func TestCancel_ClosesChannelAndUnregisters(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	ch, cancel := bus.Subscribe("u1")
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")
	assert.Zero(t, bus.Subscribers("u1"))

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish("u1", Update{Event: EventTokenUpdate})

	// Cancel is idempotent.
	cancel()
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	ch, cancel := bus.Subscribe("u1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish("u1", Update{Event: EventHeartbeat, Data: i})
	}

	assert.Len(t, ch, subscriberBuffer, "overflow is dropped, never blocks the publisher")
}

func TestPublish_NoSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	// Fire-and-forget with nobody listening.
	bus.Publish("ghost", Update{Event: EventTokenUpdate})
	assert.Zero(t, bus.Subscribers("ghost"))
}
