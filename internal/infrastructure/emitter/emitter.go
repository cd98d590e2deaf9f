package emitter

import (
	"context"
	"sync"

	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
)

// Handler reacts to one committed event.
type Handler func(ctx context.Context, event store.Event) error

// Emitter fans committed events out to in-process subscribers. Handlers
// run synchronously in registration order; type handlers before OnAny
// handlers. A failing handler is logged and does not stop the others.
type Emitter struct {
	mu     sync.RWMutex
	byType map[string][]Handler
	any    []Handler
	log    *logger.Logger
}

func New(log *logger.Logger) *Emitter {
	return &Emitter{
		byType: make(map[string][]Handler),
		log:    log.With("component", "Emitter"),
	}
}

// On subscribes h to one event type.
func (e *Emitter) On(eventType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byType[eventType] = append(e.byType[eventType], h)
}

// OnAny subscribes h to every event.
func (e *Emitter) OnAny(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.any = append(e.any, h)
}

// Emit delivers event to its subscribers and returns the number of
// handlers that failed.
func (e *Emitter) Emit(ctx context.Context, event store.Event) int {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.byType[event.EventType])+len(e.any))
	handlers = append(handlers, e.byType[event.EventType]...)
	handlers = append(handlers, e.any...)
	e.mu.RUnlock()

	failed := 0
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			failed++
			e.log.Error("event handler failed",
				"event_id", event.ID,
				"event_type", event.EventType,
				"aggregate_id", event.AggregateID,
				"error", err,
			)
		}
	}
	return failed
}

// Publish implements store.Publisher. It never fails.
func (e *Emitter) Publish(ctx context.Context, event store.Event) error {
	e.Emit(ctx, event)
	return nil
}

// Tee publishes to every publisher in order and returns the first error.
type Tee []store.Publisher

func (t Tee) Publish(ctx context.Context, event store.Event) error {
	var first error
	for _, p := range t {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ store.Publisher = (*Emitter)(nil)
	_ store.Publisher = Tee(nil)
)
