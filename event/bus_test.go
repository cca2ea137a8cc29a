package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/racewire/racecontrol/event"
	"github.com/racewire/racecontrol/store"
)

func TestRegistryHasEveryCatalogEntry(t *testing.T) {
	r := event.NewRegistry()
	for _, id := range []event.ID{
		event.Heartbeat, event.PermissionsUpdate,
		event.PilotAdd, event.PilotAlter, event.PilotDelete,
		event.RaceStage, event.RaceStart, event.RaceFinish, event.RaceStop,
	} {
		d, ok := r.Descriptor(id)
		assert.True(t, ok, "missing descriptor for %s", id)
		assert.Equal(t, id, d.ID)
	}
}

func TestSubscribeOnlyReceivesAuthorizedEvents(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := event.NewBus(log, nil)
	defer bus.Close()

	registry := event.NewRegistry()
	raceStart, _ := registry.Descriptor(event.RaceStart)
	pilotAdd, _ := registry.Descriptor(event.PilotAdd)

	var mu sync.Mutex
	var got []event.ID

	h := bus.Subscribe(func(_ context.Context, d event.Descriptor, _ any) error {
		mu.Lock()
		got = append(got, d.ID)
		mu.Unlock()
		return nil
	}, map[store.Permission]struct{}{event.PermRaceEvents: {}})
	defer bus.Unsubscribe(h)

	bus.Publish(context.Background(), raceStart, "payload")
	bus.Publish(context.Background(), pilotAdd, "payload")

	// RACE_START is INSTANT: by the time Publish returns the handler
	// goroutine has begun. PILOT_ADD is MEDIUM (queued); give the
	// dispatcher a moment to drain it — it must never arrive since this
	// subscriber isn't authorized for READ_PILOTS.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, event.RaceStart)
	assert.NotContains(t, got, event.PilotAdd)
}

func TestQueuedEventsDispatchInPriorityThenFIFOOrder(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := event.NewBus(log, nil)
	defer bus.Close()

	registry := event.NewRegistry()
	pilotAdd, _ := registry.Descriptor(event.PilotAdd)       // MEDIUM
	heartbeat, _ := registry.Descriptor(event.Heartbeat)     // LOW
	permUpdate, _ := registry.Descriptor(event.PermissionsUpdate) // HIGH

	var mu sync.Mutex
	var order []event.ID
	done := make(chan struct{})

	h := bus.Subscribe(func(_ context.Context, d event.Descriptor, _ any) error {
		mu.Lock()
		order = append(order, d.ID)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	}, map[store.Permission]struct{}{event.PermEventWebsocket: {}, event.PermReadPilots: {}})
	defer bus.Unsubscribe(h)

	// Published in low-to-high priority order; dispatch should still
	// drain HIGH before MEDIUM before LOW.
	bus.Publish(context.Background(), heartbeat, nil)
	bus.Publish(context.Background(), pilotAdd, nil)
	bus.Publish(context.Background(), permUpdate, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all three events to dispatch")
	}

	require.Len(t, order, 3)
	assert.Equal(t, event.PermissionsUpdate, order[0])
	assert.Equal(t, event.PilotAdd, order[1])
	assert.Equal(t, event.Heartbeat, order[2])
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := event.NewBus(log, nil)
	defer bus.Close()

	registry := event.NewRegistry()
	d, _ := registry.Descriptor(event.RaceStop)

	var mu sync.Mutex
	count := 0
	h := bus.Subscribe(func(_ context.Context, _ event.Descriptor, _ any) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, map[store.Permission]struct{}{event.PermRaceEvents: {}})

	bus.Publish(context.Background(), d, nil)
	time.Sleep(10 * time.Millisecond)
	bus.Unsubscribe(h)
	bus.Publish(context.Background(), d, nil)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestHandlerPanicIsRecoveredNotPropagated(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := event.NewBus(log, nil)
	defer bus.Close()

	registry := event.NewRegistry()
	d, _ := registry.Descriptor(event.RaceStart)

	h := bus.Subscribe(func(_ context.Context, _ event.Descriptor, _ any) error {
		panic("boom")
	}, map[store.Permission]struct{}{event.PermRaceEvents: {}})
	defer bus.Unsubscribe(h)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), d, nil)
		time.Sleep(10 * time.Millisecond)
	})
}
