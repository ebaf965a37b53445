package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber backlog before events are dropped.
const DefaultQueueSize = 512

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans feed events out to consumers (console, API stream, MQTT,
// audit store, metrics). Every subscriber owns an ordered queue drained by
// its own goroutine, so a slow consumer never stalls the relay read path and
// chat lines reach each consumer in arrival order.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]*subscriber
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
	queue   chan queued
	done    chan struct{}
	dropped atomic.Uint64
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates an EventBus whose subscribers buffer up to
// size pending events.
func NewEventBusWithQueue(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		handlers:  make(map[EventType][]*subscriber),
		queueSize: size,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name identifies the handler in logs and in Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub := &subscriber{
		name:    name,
		handler: handler,
		queue:   make(chan queued, eb.queueSize),
		done:    make(chan struct{}),
	}
	eb.handlers[eventType] = append(eb.handlers[eventType], sub)

	eb.wg.Add(1)
	go eb.drain(eventType, sub)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type. Events
// already queued for it are discarded.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		if s.name == name {
			close(s.done)
			continue
		}
		filtered = append(filtered, s)
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues an event for every subscriber without blocking. A subscriber
// whose queue is full loses the event and the drop is counted.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for _, s := range eb.handlers[event.Type] {
		select {
		case s.queue <- queued{ctx: ctx, event: event}:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().
					Str("event", string(event.Type)).
					Str("handler", s.name).
					Uint64("dropped", n).
					Msg("subscriber queue full, dropping event")
			}
		}
	}
}

// EmitSync runs every handler for the event inline and returns the first
// error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := make([]*subscriber, len(eb.handlers[event.Type]))
	copy(subs, eb.handlers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := invoke(ctx, event, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) drain(eventType EventType, s *subscriber) {
	defer eb.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-eb.stopCh:
			// Flush what is already queued, then exit.
			for {
				select {
				case q := <-s.queue:
					invoke(q.ctx, q.event, s)
				default:
					return
				}
			}
		case q := <-s.queue:
			invoke(q.ctx, q.event, s)
		}
	}
}

func invoke(ctx context.Context, event Event, s *subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Stop signals the EventBus to stop accepting new events and waits for the
// subscriber queues to drain.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Dropped returns how many events the named handler has lost to a full queue.
func (eb *EventBus) Dropped(eventType EventType, name string) uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, s := range eb.handlers[eventType] {
		if s.name == name {
			return s.dropped.Load()
		}
	}
	return 0
}
