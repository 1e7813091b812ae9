package limiter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventListenerFunc(func(e Event) {
		received <- e
	}))

	bus.Publish(&AllowedEvent{
		BaseEvent: NewBaseEvent(EventAllowed, "client-1"),
		Policy:    "api",
		Remaining: 4,
		Limit:     5,
	})

	select {
	case e := <-received:
		assert.Equal(t, EventAllowed, e.Type())
		assert.Equal(t, "client-1", e.Scope())
		assert.WithinDuration(t, time.Now(), e.Timestamp(), time.Second)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestEventBus_MultipleListeners(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	var count int32
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventListenerFunc(func(e Event) {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
		}))
	}

	bus.Publish(&FallbackEvent{BaseEvent: NewBaseEvent(EventFallback, "s"), Reason: "down"})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("listener did not fire")
		}
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestEventBus_ListenerPanicIsolated(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	received := make(chan struct{}, 1)
	bus.Subscribe(EventListenerFunc(func(e Event) {
		panic("listener bug")
	}))
	bus.Subscribe(EventListenerFunc(func(e Event) {
		received <- struct{}{}
	}))

	bus.Publish(&FallbackEvent{BaseEvent: NewBaseEvent(EventFallback, "s"), Reason: "down"})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("panicking listener must not take down the others")
	}
}

func TestEventBus_PublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(1)
	defer bus.Close()

	// Slow listener, tiny buffer: excess events drop instead of
	// stalling the publisher.
	bus.Subscribe(EventListenerFunc(func(e Event) {
		time.Sleep(50 * time.Millisecond)
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(&FallbackEvent{BaseEvent: NewBaseEvent(EventFallback, "s"), Reason: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}

func TestEventBus_CloseIdempotent(t *testing.T) {
	bus := NewEventBus(10)

	bus.Close()
	assert.NotPanics(t, func() { bus.Close() })

	// Publishing after close is a no-op.
	assert.NotPanics(t, func() {
		bus.Publish(&FallbackEvent{BaseEvent: NewBaseEvent(EventFallback, "s"), Reason: "x"})
	})
}
