package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/models"
)

// Observer receives lifecycle events. Implementations run on their own
// goroutine and may block without slowing down other observers.
type Observer interface {
	OnEvent(ev models.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev models.Event)

func (f ObserverFunc) OnEvent(ev models.Event) { f(ev) }

// Filter selects which events an observer sees.
type Filter func(ev models.Event) bool

// ForQueues passes events of the named queues.
func ForQueues(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(ev models.Event) bool {
		_, ok := set[ev.Queue]
		return ok
	}
}

// ForKinds passes events of the given kinds.
func ForKinds(kinds ...models.EventKind) Filter {
	set := make(map[models.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(ev models.Event) bool {
		_, ok := set[ev.Kind]
		return ok
	}
}

// Source is where the bus reads events from.
type Source interface {
	Subscribe(ctx context.Context, queues ...string) *redis.PubSub
	AddSubscription(ctx context.Context, ps *redis.PubSub, queues ...string) error
}

type Options struct {
	// Buffer is the per-observer backlog; events beyond it are dropped.
	Buffer int
	Logger *slog.Logger
}

// Bus fans events published on the broker out to local observers.
type Bus struct {
	src    Source
	buffer int
	log    *slog.Logger

	mu      sync.Mutex
	ps      *redis.PubSub
	watched map[string]struct{}
	pumping sync.WaitGroup
	closed  bool

	subsMu  sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
}

func NewBus(src Source, opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		src:     src,
		buffer:  opts.Buffer,
		log:     opts.Logger.With("component", "events"),
		watched: make(map[string]struct{}),
		subs:    make(map[uint64]*subscriber),
	}
}

// Watch starts relaying events of queue. Watching a queue twice is a no-op.
func (b *Bus) Watch(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus closed")
	}
	if _, ok := b.watched[queue]; ok {
		return nil
	}
	if b.ps == nil {
		ps := b.src.Subscribe(ctx, queue)
		// Receive confirms the subscription before any event can be missed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe to %s events: %w", queue, err)
		}
		b.ps = ps
		b.pumping.Add(1)
		go b.pump(ps)
	} else if err := b.src.AddSubscription(ctx, b.ps, queue); err != nil {
		return fmt.Errorf("subscribe to %s events: %w", queue, err)
	}
	b.watched[queue] = struct{}{}
	b.log.Debug("watching queue events", "queue", queue)
	return nil
}

func (b *Bus) pump(ps *redis.PubSub) {
	defer b.pumping.Done()
	for msg := range ps.Channel() {
		ev, err := broker.DecodeEvent(msg)
		if err != nil {
			b.log.Warn("discarding malformed event", "error", err)
			continue
		}
		b.Dispatch(ev)
	}
}

// Subscribe registers obs for events passing every filter and returns a
// function that removes it. Events are delivered in publication order.
func (b *Bus) Subscribe(obs Observer, filters ...Filter) (unsubscribe func()) {
	s := &subscriber{
		obs:     obs,
		filters: filters,
		ch:      make(chan models.Event, b.buffer),
		done:    make(chan struct{}),
		log:     b.log.With("observer", fmt.Sprintf("%T", obs)),
	}
	b.subsMu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.subsMu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.subsMu.Unlock()
			<-s.done
		})
	}
}

// Dispatch delivers ev to every matching observer without blocking.
func (b *Bus) Dispatch(ev models.Event) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, s := range b.subs {
		if !s.accepts(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			s.drop(ev)
		}
	}
}

// Dropped counts events discarded because an observer fell behind.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops relaying, then drains and detaches every observer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.ps
	b.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.pumping.Wait()

	b.subsMu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	for _, s := range subs {
		close(s.ch)
	}
	b.subsMu.Unlock()
	for _, s := range subs {
		<-s.done
	}
	return err
}

type subscriber struct {
	obs     Observer
	filters []Filter
	ch      chan models.Event
	done    chan struct{}
	log     *slog.Logger

	warnedDrop  atomic.Bool
	warnedPanic atomic.Bool
}

func (s *subscriber) accepts(ev models.Event) bool {
	for _, f := range s.filters {
		if f != nil && !f(ev) {
			return false
		}
	}
	return true
}

func (s *subscriber) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev models.Event) {
	defer func() {
		if r := recover(); r != nil && s.warnedPanic.CompareAndSwap(false, true) {
			s.log.Error("observer panicked; further panics are not logged", "panic", r, "kind", ev.Kind, "queue", ev.Queue)
		}
	}()
	s.obs.OnEvent(ev)
}

func (s *subscriber) drop(ev models.Event) {
	if s.warnedDrop.CompareAndSwap(false, true) {
		s.log.Warn("observer is falling behind, dropping events", "kind", ev.Kind, "queue", ev.Queue)
	}
}
