package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Handlers run on their
// own goroutines; a panicking handler is logged and does not affect others.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates an EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe registers handler for eventType. name identifies it in logs and
// for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes every handler registered under name for eventType.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.handlers[eventType][:0:0]
	for _, h := range eb.handlers[eventType] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	eb.handlers[eventType] = kept
}

// snapshot copies the handler list so handlers can subscribe or
// unsubscribe while an event is in flight. When track is set the copied
// handlers are added to the bus wait group before Stop can observe it.
func (eb *EventBus) snapshot(eventType EventType, track bool) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	handlers := eb.handlers[eventType]
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)
	if track {
		eb.wg.Add(len(out))
	}
	return out
}

func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
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

// Emit publishes event without waiting for handlers.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers := eb.snapshot(event.Type, true)
	if len(handlers) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		go func(h handlerEntry) {
			defer eb.wg.Done()
			eb.invoke(ctx, h, event)
		}(h)
	}
}

// EmitSync publishes event and waits for every handler. It returns the
// first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers := eb.snapshot(event.Type, false)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h handlerEntry) {
			defer wg.Done()
			if err := eb.invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(h)
	}
	wg.Wait()
	return firstErr
}

// Wait blocks until every handler started by Emit has returned.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// Stop rejects further events and waits for in-flight handlers. Safe to
// call more than once.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Debug().Msg("event bus stopped")
}
