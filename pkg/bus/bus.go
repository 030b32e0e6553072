package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatgate/pkg/failure"
)

const DefaultQueueSize = 10000

var (
	ErrClosed    = errors.New("event bus closed")
	ErrQueueFull = errors.New("event queue full")
)

// Listener handles one event. The first non-nil value returned by any
// listener becomes the event result.
type Listener func(ctx context.Context, ev *Event) (any, error)

type subscription struct {
	id       uint64
	priority int
	listener Listener
}

type Stats struct {
	Published        uint64         `json:"published"`
	Dispatched       uint64         `json:"dispatched"`
	Dropped          uint64         `json:"dropped"`
	ListenerFailures uint64         `json:"listener_failures"`
	Queued           int            `json:"queued"`
	Listeners        map[string]int `json:"listeners"`
}

// EventBus delivers events to priority-ordered listeners from a single
// dispatch loop fed by a bounded queue.
type EventBus struct {
	queue     chan *Event
	listeners map[string][]subscription
	nextID    uint64

	log *slog.Logger

	published        atomic.Uint64
	dispatched       atomic.Uint64
	dropped          atomic.Uint64
	listenerFailures atomic.Uint64

	started   atomic.Bool
	loopDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewEventBus(queueSize int, logger *slog.Logger) *EventBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &EventBus{
		queue:     make(chan *Event, queueSize),
		listeners: make(map[string][]subscription),
		log:       logger.With("component", "bus.events"),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Subscribe registers listener for eventType. Higher priority runs first;
// equal priorities run in registration order.
func (b *EventBus) Subscribe(eventType string, listener Listener, priority int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	subs := append(b.listeners[eventType], subscription{id: id, priority: priority, listener: listener})
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].priority > subs[j].priority
	})
	b.listeners[eventType] = subs

	return id
}

func (b *EventBus) Unsubscribe(eventType string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, eventType)
		} else {
			b.listeners[eventType] = next
		}
		return true
	}

	return false
}

// ClearListeners removes every listener for eventType, or all listeners when
// eventType is empty.
func (b *EventBus) ClearListeners(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.listeners = make(map[string][]subscription)
		return
	}
	delete(b.listeners, eventType)
}

// Start launches the dispatch loop. Calling it more than once is a no-op.
func (b *EventBus) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.started.CompareAndSwap(false, true) {
		return
	}

	go b.loop(ctx)
}

// Publish enqueues ev without blocking. It returns false when the bus is
// closed or the queue is full; full-queue events are dropped and counted.
func (b *EventBus) Publish(ctx context.Context, ev *Event) bool {
	return b.enqueue(ctx, ev) == nil
}

// PublishSync publishes ev and waits until its dispatch ends, either because a
// listener stopped it or every listener ran, returning the event result.
func (b *EventBus) PublishSync(ctx context.Context, ev *Event) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.enqueue(ctx, ev); err != nil {
		return nil, err
	}

	select {
	case <-ev.Done():
		return ev.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return ev.Result(), ErrClosed
	}
}

func (b *EventBus) enqueue(ctx context.Context, ev *Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev == nil || ev.doneCh == nil {
		return errors.New("event must be created with NewEvent")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.queue <- ev:
		b.published.Add(1)
		return nil
	default:
		// Drop instead of blocking the publisher when the queue is saturated.
		b.dropped.Add(1)
		b.log.Warn("Event dropped, queue full", "type", ev.Type, "capacity", cap(b.queue))
		return ErrQueueFull
	}
}

func (b *EventBus) loop(ctx context.Context) {
	defer close(b.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		}
	}
}

func (b *EventBus) dispatch(ctx context.Context, ev *Event) {
	defer ev.finish()
	b.dispatched.Add(1)

	b.mu.RLock()
	subs := append([]subscription(nil), b.listeners[ev.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if ev.Stopped() {
			return
		}
		result, err := b.invoke(ctx, ev, sub)
		if err != nil {
			b.listenerFailures.Add(1)
			b.log.Error("Listener failed", "type", ev.Type, "listener_id", sub.id, "error", err)
			continue
		}
		if result != nil {
			ev.SetResult(result)
		}
	}
}

func (b *EventBus) invoke(ctx context.Context, ev *Event, sub subscription) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = failure.Recovered(failure.ListenerFailure, ev.Type, r)
		}
	}()

	result, err = sub.listener(ctx, ev)
	if err != nil {
		return nil, failure.Wrap(failure.ListenerFailure, ev.Type, err)
	}
	return result, nil
}

func (b *EventBus) Stats() Stats {
	b.mu.RLock()
	listeners := make(map[string]int, len(b.listeners))
	for eventType, subs := range b.listeners {
		listeners[eventType] = len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		Published:        b.published.Load(),
		Dispatched:       b.dispatched.Load(),
		Dropped:          b.dropped.Load(),
		ListenerFailures: b.listenerFailures.Load(),
		Queued:           len(b.queue),
		Listeners:        listeners,
	}
}

// Close stops the dispatch loop. Events still queued are discarded.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.started.Load() {
			<-b.loopDone
		}
	})
}
