package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got interface{}
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		got = payload
		return nil
	})

	b.Publish("task:ready", "payload-1")
	assert.Equal(t, "payload-1", got)
}

func TestMemoryBus_MultipleSubscribersRunInRegistrationOrder(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var order []int
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		order = append(order, 1)
		return nil
	})
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		order = append(order, 2)
		return nil
	})
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		order = append(order, 3)
		return nil
	})

	b.Publish("task:ready", nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestMemoryBus_UnrelatedEventNotDelivered(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	called := false
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		called = true
		return nil
	})

	b.Publish("task:complete", nil)
	assert.False(t, called)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	count := 0
	sub := b.Subscribe("task:ready", func(event string, payload interface{}) error {
		count++
		return nil
	})

	b.Publish("task:ready", nil)
	sub.Unsubscribe()
	b.Publish("task:ready", nil)

	assert.Equal(t, 1, count)
}

func TestMemoryBus_HandlerErrorDoesNotAbortOtherSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	secondCalled := false
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		return errors.New("boom")
	})
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		secondCalled = true
		return nil
	})

	require.NotPanics(t, func() { b.Publish("task:ready", nil) })
	assert.True(t, secondCalled)
}

// TestMemoryBus_ReentrantPublishPreservesFIFOOrder is a regression test
// for the reentrant-queue drain design: a handler that publishes a second
// event must not have that event delivered out of order relative to
// events published by sibling handlers of the outer event.
func TestMemoryBus_ReentrantPublishPreservesFIFOOrder(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var order []string
	b.Subscribe("outer", func(event string, payload interface{}) error {
		order = append(order, "outer-1")
		b.Publish("inner", nil)
		order = append(order, "outer-1-after-publish")
		return nil
	})
	b.Subscribe("outer", func(event string, payload interface{}) error {
		order = append(order, "outer-2")
		return nil
	})
	b.Subscribe("inner", func(event string, payload interface{}) error {
		order = append(order, "inner")
		return nil
	})

	b.Publish("outer", nil)

	// The reentrant Publish("inner", ...) is queued and drained only once
	// every subscriber of the outermost "outer" publish has run, so
	// "outer-2" runs before "inner" even though "inner" was published
	// from within the first "outer" handler.
	assert.Equal(t, []string{"outer-1", "outer-1-after-publish", "outer-2", "inner"}, order)
}

func TestMemoryBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewMemoryBus(nil)

	called := false
	b.Subscribe("task:ready", func(event string, payload interface{}) error {
		called = true
		return nil
	})

	b.Close()
	b.Publish("task:ready", nil)

	assert.False(t, called)
}

func TestMemoryBus_CloseClearsSubscriptions(t *testing.T) {
	b := NewMemoryBus(nil)

	sub := b.Subscribe("task:ready", func(event string, payload interface{}) error {
		return nil
	})
	b.Close()

	// Unsubscribing after Close must not panic even though the
	// subscription map was reset.
	require.NotPanics(t, func() { sub.Unsubscribe() })
}
