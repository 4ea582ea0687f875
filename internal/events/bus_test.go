package events

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) OnEvent(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func TestBusRelaysBrokerEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := broker.NewWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), broker.Options{})
	defer b.Close()

	bus := NewBus(b, Options{})
	defer bus.Close()
	require.NoError(t, bus.Watch(ctx, "posts"))
	require.NoError(t, bus.Watch(ctx, "posts"))
	require.NoError(t, bus.Watch(ctx, "media"))

	all := &recorder{}
	onlyMedia := &recorder{}
	bus.Subscribe(all)
	bus.Subscribe(onlyMedia, ForQueues("media"))

	require.NoError(t, b.Publish(ctx, models.Event{Queue: "posts", Kind: models.EventAdded, JobID: "a"}))
	require.NoError(t, b.Publish(ctx, models.Event{Queue: "media", Kind: models.EventCompleted, JobID: "b"}))
	require.NoError(t, b.Publish(ctx, models.Event{Queue: "analytics", Kind: models.EventAdded, JobID: "c"}))

	require.Eventually(t, func() bool { return len(all.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(onlyMedia.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", all.snapshot()[0].JobID)
	assert.Equal(t, "b", onlyMedia.snapshot()[0].JobID)
}

func TestSlowObserverDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil, Options{Buffer: 1})
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(ObserverFunc(func(models.Event) { <-release }))
	fast := &recorder{}
	bus.Subscribe(fast, ForKinds(models.EventFailed))

	for i := 0; i < 10; i++ {
		bus.Dispatch(models.Event{Queue: "posts", Kind: models.EventFailed})
	}
	close(release)

	require.Eventually(t, func() bool { return len(fast.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, bus.Dropped())
}

func TestPanickingObserverKeepsReceiving(t *testing.T) {
	bus := NewBus(nil, Options{})
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(ObserverFunc(func(models.Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("observer bug")
	}))
	other := &recorder{}
	bus.Subscribe(other)

	for i := 0; i < 3; i++ {
		bus.Dispatch(models.Event{Queue: "posts", Kind: models.EventStarted})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(other.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeDrains(t *testing.T) {
	bus := NewBus(nil, Options{})
	defer bus.Close()

	rec := &recorder{}
	unsubscribe := bus.Subscribe(rec)
	bus.Dispatch(models.Event{Queue: "posts", Kind: models.EventAdded})
	unsubscribe()
	unsubscribe()
	bus.Dispatch(models.Event{Queue: "posts", Kind: models.EventAdded})

	assert.Len(t, rec.snapshot(), 1)
}

func TestWatchAfterClose(t *testing.T) {
	bus := NewBus(nil, Options{})
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Watch(context.Background(), "posts"))
	assert.NoError(t, bus.Close())
}
