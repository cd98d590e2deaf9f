package store

import "context"

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	// Append persists one record. The store assigns Version and Sequence.
	Append(ctx context.Context, event *Event, expectedVersion int) error
	// LoadForAggregate returns the aggregate's records in log order.
	// An empty result means the aggregate does not exist.
	LoadForAggregate(ctx context.Context, aggregateID string, opts LoadOptions) ([]Event, error)
	LoadAllOfType(ctx context.Context, eventType string) ([]Event, error)
	QueryByPayload(ctx context.Context, q PayloadQuery) ([]Event, error)
	// LoadAll returns the entire log in order.
	LoadAll(ctx context.Context) ([]Event, error)
}

// Purger removes every record of an aggregate. Administrative use only.
type Purger interface {
	Purge(ctx context.Context, aggregateID string) error
}

// Publisher receives committed events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// DurabilityNotifier is implemented by stores whose Append only queues the
// event. fn runs once the event is written and never runs for an event that
// is dead-lettered.
type DurabilityNotifier interface {
	OnDurable(event Event, fn func())
}
