package store

import (
	"context"
	"sync"

	"github.com/example/codehost/internal/platform/logger"
)

// MemoryEventStore stores events in process memory and hands committed
// events to an optional publisher.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event // aggregateID -> events
	seq    *Sequencer
	outbox *publishQueue
	log    *logger.Logger
}

func NewMemoryEventStore(log *logger.Logger, publisher Publisher) *MemoryEventStore {
	log = log.With("component", "MemoryEventStore")
	return &MemoryEventStore{
		events: make(map[string][]Event),
		seq:    NewSequencer(),
		outbox: newPublishQueue(publisher, log),
		log:    log,
	}
}

// Append stores an event and publishes it
func (es *MemoryEventStore) Append(ctx context.Context, event *Event, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("append", err)
	}

	es.mu.Lock()
	current := len(es.events[event.AggregateID])
	if current != expectedVersion {
		es.mu.Unlock()
		return conflictErr(event.AggregateID, expectedVersion, current)
	}
	event.Version = current + 1
	event.Sequence = es.seq.Next()
	es.events[event.AggregateID] = append(es.events[event.AggregateID], *event)
	es.outbox.push(*event)
	es.mu.Unlock()

	es.outbox.drain(ctx, event.AggregateID)
	return nil
}

// LoadForAggregate returns the events of one aggregate
func (es *MemoryEventStore) LoadForAggregate(ctx context.Context, aggregateID string, opts LoadOptions) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var out []Event
	for _, e := range es.events[aggregateID] {
		if opts.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (es *MemoryEventStore) LoadAllOfType(ctx context.Context, eventType string) ([]Event, error) {
	return es.filter(func(e Event) bool { return e.EventType == eventType }), nil
}

func (es *MemoryEventStore) QueryByPayload(ctx context.Context, q PayloadQuery) ([]Event, error) {
	return es.filter(q.Matches), nil
}

// LoadAll returns all events
func (es *MemoryEventStore) LoadAll(ctx context.Context) ([]Event, error) {
	return es.filter(func(Event) bool { return true }), nil
}

// Purge drops every event of the aggregate.
func (es *MemoryEventStore) Purge(ctx context.Context, aggregateID string) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	delete(es.events, aggregateID)
	es.log.Warn("aggregate purged", "aggregate_id", aggregateID)
	return nil
}

func (es *MemoryEventStore) filter(keep func(Event) bool) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var all []Event
	for _, events := range es.events {
		for _, e := range events {
			if keep(e) {
				all = append(all, e)
			}
		}
	}
	SortEvents(all)
	return all
}

var (
	_ EventStoreInterface = (*MemoryEventStore)(nil)
	_ Purger              = (*MemoryEventStore)(nil)
)
