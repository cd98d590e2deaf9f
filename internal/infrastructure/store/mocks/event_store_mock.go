package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockEventStore is a mock implementation of EventStoreInterface for testing
type MockEventStore struct {
	mu     sync.RWMutex
	events map[string][]store.Event
	order  []store.Event
	seq    int64

	// For tracking calls in tests
	AppendCalls    []AppendCall
	LoadCalls      []LoadCall
	AppendErr      error
	LoadErr        error
	AppendCallback func(ctx context.Context, event *store.Event, expectedVersion int) error
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateID     string
	AggregateType   string
	EventType       string
	Data            json.RawMessage
	ExpectedVersion int
}

// LoadCall records parameters passed to LoadForAggregate
type LoadCall struct {
	AggregateID string
	Options     store.LoadOptions
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		events:      make(map[string][]store.Event),
		AppendCalls: make([]AppendCall, 0),
	}
}

// Append checks the expected version and stores the event in memory
func (m *MockEventStore) Append(ctx context.Context, event *store.Event, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendCalls = append(m.AppendCalls, AppendCall{
		AggregateID:     event.AggregateID,
		AggregateType:   event.AggregateType,
		EventType:       event.EventType,
		Data:            event.Data,
		ExpectedVersion: expectedVersion,
	})

	if m.AppendCallback != nil {
		return m.AppendCallback(ctx, event, expectedVersion)
	}
	if m.AppendErr != nil {
		return m.AppendErr
	}

	current := len(m.events[event.AggregateID])
	if current != expectedVersion {
		return store.ErrVersionConflict
	}
	m.seq++
	event.Version = current + 1
	event.Sequence = m.seq
	m.events[event.AggregateID] = append(m.events[event.AggregateID], *event)
	m.order = append(m.order, *event)
	return nil
}

func (m *MockEventStore) LoadForAggregate(ctx context.Context, aggregateID string, opts store.LoadOptions) ([]store.Event, error) {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, LoadCall{AggregateID: aggregateID, Options: opts})
	m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Event
	for _, e := range m.events[aggregateID] {
		if e.Version <= opts.AfterVersion {
			continue
		}
		if !opts.Since.IsZero() && !e.Timestamp.After(opts.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MockEventStore) LoadAllOfType(ctx context.Context, eventType string) ([]store.Event, error) {
	return m.filter(func(e store.Event) bool { return e.EventType == eventType })
}

func (m *MockEventStore) QueryByPayload(ctx context.Context, q store.PayloadQuery) ([]store.Event, error) {
	return m.filter(q.Matches)
}

func (m *MockEventStore) LoadAll(ctx context.Context) ([]store.Event, error) {
	return m.filter(func(store.Event) bool { return true })
}

func (m *MockEventStore) filter(keep func(store.Event) bool) ([]store.Event, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Event
	for _, e := range m.order {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetEvents returns events for an aggregate
func (m *MockEventStore) GetEvents(aggregateID string) []store.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[aggregateID]
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string][]store.Event)
	m.order = nil
	m.AppendCalls = make([]AppendCall, 0)
	m.LoadCalls = nil
	m.AppendErr = nil
	m.LoadErr = nil
	m.AppendCallback = nil
}

// AddEvent adds a single event for testing, bypassing the version check
func (m *MockEventStore) AddEvent(aggregateID, aggregateType, eventType string, data any) (store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return store.Event{}, err
	}

	m.seq++
	event := store.Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       len(m.events[aggregateID]) + 1,
		Sequence:      m.seq,
	}

	m.events[aggregateID] = append(m.events[aggregateID], event)
	m.order = append(m.order, event)
	return event, nil
}

var _ store.EventStoreInterface = (*MockEventStore)(nil)
