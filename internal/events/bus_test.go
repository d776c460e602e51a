package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONShape(t *testing.T) {
	data, err := json.Marshal(Progress(3, 20))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"PROGRESS","done":3,"total":20}`, string(data))

	data, err = json.Marshal(Complete(19, 20))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"COMPLETE","done":19,"total":20}`, string(data))
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	got := map[string][]Event{}
	record := func(name string) Handler {
		return func(_ context.Context, e Event) {
			mu.Lock()
			got[name] = append(got[name], e)
			mu.Unlock()
		}
	}
	bus.Subscribe(record("a"))
	bus.Subscribe(record("b"))
	require.Equal(t, 2, bus.Subscribers())

	bus.Publish(context.Background(), Progress(1, 2))
	bus.Publish(context.Background(), Complete(2, 2))

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"a", "b"} {
		assert.Equal(t, []Event{Progress(1, 2), Complete(2, 2)}, got[name], name)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var count int
	var mu sync.Mutex
	h := bus.Subscribe(func(context.Context, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(context.Background(), Progress(1, 1))
	bus.Unsubscribe(h)
	bus.Unsubscribe(h)
	bus.Publish(context.Background(), Progress(1, 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBusWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Publish(context.Background(), Complete(0, 0))

	var nilBus *Bus
	nilBus.Publish(context.Background(), Complete(0, 0))
}

func TestChannelDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, h := bus.Channel(1)
	defer bus.Unsubscribe(h)

	bus.Publish(context.Background(), Progress(1, 3))
	bus.Publish(context.Background(), Progress(2, 3))

	require.Len(t, ch, 1)
	assert.Equal(t, Progress(1, 3), <-ch)
}
