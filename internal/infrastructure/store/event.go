package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event record
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Sequence      int64           `json:"sequence"`
}

// NewEvent builds a record with a fresh id and the current time.
// Version and Sequence are assigned by the store on append.
func NewEvent(aggregateID, aggregateType, eventType string, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Before reports whether e sorts before o in log order.
func (e Event) Before(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Sequence < o.Sequence
}

// SortEvents orders events by (Timestamp, Sequence).
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
}

// LoadOptions narrows LoadForAggregate. Zero values mean "from the start".
type LoadOptions struct {
	// Since keeps events created strictly after this instant.
	Since time.Time
	// AfterVersion keeps events with a version strictly greater than this.
	AfterVersion int
}

func (o LoadOptions) matches(e Event) bool {
	if !o.Since.IsZero() && !e.Timestamp.After(o.Since) {
		return false
	}
	return e.Version > o.AfterVersion
}

// PayloadQuery matches events of one type whose top-level JSON field equals Value.
type PayloadQuery struct {
	EventType string
	Field     string
	Value     string
}

// Matches decodes the payload and compares the field.
func (q PayloadQuery) Matches(e Event) bool {
	if e.EventType != q.EventType {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return false
	}
	v, ok := fields[q.Field]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == q.Value
}

// Sequencer hands out strictly increasing sequence numbers. Values track wall
// clock nanoseconds so numbers from different processes interleave roughly in
// time order, but within one process they never repeat or go backwards.
type Sequencer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}
