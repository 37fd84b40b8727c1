package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber backlog before Emit starts
// dropping events for that subscriber.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is the in-process publish-subscribe hub. Session, participant
// and settings changes flow through it to the audit log and the MQTT
// publisher.
//
// Every subscriber name owns one queue and one worker goroutine, so a
// subscriber sees events in the order they were emitted. Emit never blocks
// the caller: when a subscriber's queue is full the event is dropped for
// that subscriber only.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]handlerEntry
	workers   map[string]*worker
	queueSize int
	stopped   bool

	pending sync.WaitGroup
	running sync.WaitGroup
	dropped atomic.Uint64
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

type delivery struct {
	ctx   context.Context
	event Event
	entry handlerEntry
}

type worker struct {
	name  string
	refs  int
	queue chan delivery
}

// NewEventBus creates an EventBus with DefaultQueueSize queues.
func NewEventBus() *EventBus {
	return NewEventBusSize(DefaultQueueSize)
}

// NewEventBusSize creates an EventBus whose subscriber queues hold size
// events.
func NewEventBusSize(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		handlers:  make(map[EventType][]handlerEntry),
		workers:   make(map[string]*worker),
		queueSize: size,
	}
}

// Subscribe registers handler for eventType under name. Handlers sharing a
// name share one ordered queue.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	w, ok := eb.workers[name]
	if !ok {
		w = &worker{name: name, queue: make(chan delivery, eb.queueSize)}
		eb.workers[name] = w
		eb.running.Add(1)
		go eb.run(w)
	}
	w.refs++

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeMany registers one handler under the same name for several
// event types.
func (eb *EventBus) SubscribeMany(eventTypes []EventType, name string, handler HandlerFunc) {
	for _, t := range eventTypes {
		eb.Subscribe(t, name, handler)
	}
}

// Unsubscribe removes the named handler from eventType. The subscriber's
// worker exits after its backlog once nothing else is registered under
// the name.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers := eb.handlers[eventType]
	filtered := handlers[:0:0]
	removed := 0
	for _, h := range handlers {
		if h.name == name {
			removed++
			continue
		}
		filtered = append(filtered, h)
	}
	if removed == 0 {
		return
	}
	eb.handlers[eventType] = filtered

	if w, ok := eb.workers[name]; ok {
		w.refs -= removed
		if w.refs <= 0 {
			delete(eb.workers, name)
			close(w.queue)
		}
	}

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues event for every subscriber of its type and returns at once.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		w := eb.workers[h.name]
		eb.pending.Add(1)
		select {
		case w.queue <- delivery{ctx: ctx, event: event, entry: h}:
		default:
			eb.pending.Done()
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync runs every handler of the event's type concurrently, outside the
// subscriber queues, and waits for them. Returns the first error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	handlers := append([]handlerEntry(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var (
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := invoke(ctx, event, h); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (eb *EventBus) run(w *worker) {
	defer eb.running.Done()
	for d := range w.queue {
		invoke(d.ctx, d.event, d.entry)
		eb.pending.Done()
	}
}

// invoke calls one handler, logging its error or panic.
func invoke(ctx context.Context, event Event, h handlerEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop refuses further events, lets every worker finish its backlog and
// waits for them. Stopping twice is a no-op.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for name, w := range eb.workers {
		close(w.queue)
		delete(eb.workers, name)
	}
	eb.mu.Unlock()

	eb.running.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// Drain waits until every event queued so far has been handled.
func (eb *EventBus) Drain() {
	eb.pending.Wait()
}

// Dropped returns how many deliveries were discarded because a subscriber
// queue was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
