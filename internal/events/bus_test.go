package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/model"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(ConfigUpdated{
		ConnectionID: "conn-1",
		Webhook:      model.WebhookConfig{URL: "https://hooks.example/x"},
	})

	select {
	case e := <-ch:
		assert.Equal(t, "conn-1", e.ConnectionID)
		assert.Equal(t, "https://hooks.example/x", e.Webhook.URL)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Nobody drains the channel; extra events must be dropped.
		for i := 0; i < 50; i++ {
			bus.Publish(ConfigUpdated{ConnectionID: "conn-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4)
	unsub()
	unsub() // idempotent

	bus.Publish(ConfigUpdated{ConnectionID: "conn-1"})

	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event after unsubscribe: %+v", e)
		}
	default:
	}
}

func TestMultipleSubscribersEachGetTheEvent(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(1)
	b, unsubB := bus.Subscribe(1)
	defer unsubA()
	defer unsubB()

	bus.Publish(ConfigUpdated{ConnectionID: "conn-1"})

	for _, ch := range []<-chan ConfigUpdated{a, b} {
		select {
		case e := <-ch:
			require.Equal(t, "conn-1", e.ConnectionID)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}
