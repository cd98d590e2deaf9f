package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/example/codehost/internal/infrastructure/snapshot"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
)

// Base is the bookkeeping every aggregate embeds.
type Base struct {
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	LatestEventID string    `json:"latest_event_id"`
	LatestEventAt time.Time `json:"latest_event_at"`
	Deleted       bool      `json:"deleted"`

	HasSnapshot bool `json:"-"`
}

func (b *Base) Root() *Base { return b }

func (b *Base) SnapshotMeta() snapshot.Meta {
	return snapshot.Meta{
		ID:             b.ID,
		Version:        b.Version,
		EventID:        b.LatestEventID,
		EventTimestamp: b.LatestEventAt,
	}
}

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	snapshot.Subject
	Root() *Base
	// SnapshotEvery is the snapshot cadence in events; zero disables it.
	SnapshotEvery() int
	// ApplyEvent folds one record into the state. It must not do I/O.
	ApplyEvent(store.Event) error
}

// EnsureLive fails with a *DeletedError once the aggregate was deleted.
func EnsureLive(agg Aggregate) error {
	if root := agg.Root(); root.Deleted {
		return &DeletedError{AggregateType: agg.AggregateType(), ID: root.ID}
	}
	return nil
}

// Snapshots is the part of the snapshot manager the store needs.
type Snapshots interface {
	GetSnapshot(ctx context.Context, aggregateType, id string) (*snapshot.Snapshot, error)
	Schedule(ctx context.Context, s snapshot.Subject)
}

// Store loads and commits one aggregate type.
type Store[T Aggregate] struct {
	events    store.EventStoreInterface
	snapshots Snapshots
	newAgg    func() T
	log       *logger.Logger
}

// NewStore works without snapshots when snapshots is nil.
func NewStore[T Aggregate](events store.EventStoreInterface, snapshots Snapshots, newAgg func() T, log *logger.Logger) *Store[T] {
	return &Store[T]{
		events:    events,
		snapshots: snapshots,
		newAgg:    newAgg,
		log:       log.With("component", "AggregateStore", "aggregate_type", newAgg().AggregateType()),
	}
}

// New returns a fresh, uninitialized aggregate with the given id.
func (s *Store[T]) New(id string) T {
	agg := s.newAgg()
	agg.Root().ID = id
	return agg
}

// Events exposes the underlying log for precondition queries.
func (s *Store[T]) Events() store.EventStoreInterface { return s.events }

// Apply folds one record into agg. Outside replay it also advances the
// version and may schedule a snapshot.
func (s *Store[T]) Apply(ctx context.Context, agg T, event store.Event, replay bool) error {
	if err := agg.ApplyEvent(event); err != nil {
		if !errors.Is(err, ErrUnknownEventType) {
			return err
		}
		s.log.Warn("no handler for event type, skipping",
			"event_type", event.EventType,
			"event_id", event.ID,
			"aggregate_id", event.AggregateID,
		)
	}
	if replay {
		return nil
	}

	root := agg.Root()
	root.Version++
	root.LatestEventID = event.ID
	root.LatestEventAt = event.Timestamp

	if every := agg.SnapshotEvery(); s.snapshots != nil && every > 0 && root.Version%every == 0 {
		s.scheduleSnapshot(ctx, agg, event)
	}
	return nil
}

// scheduleSnapshot hands the state to the snapshot manager once event is
// durable. Stores that only queue appends report durability later, and a
// snapshot of an event that never reaches the log is never written.
func (s *Store[T]) scheduleSnapshot(ctx context.Context, agg T, event store.Event) {
	notifier, ok := s.events.(store.DurabilityNotifier)
	if !ok {
		s.snapshots.Schedule(ctx, agg)
		return
	}
	state, err := json.Marshal(agg)
	if err != nil {
		s.log.Warn("snapshot skipped", "aggregate_id", event.AggregateID, "error", err)
		return
	}
	captured := frozen{aggregateType: agg.AggregateType(), meta: agg.SnapshotMeta(), state: state}
	ctx = context.WithoutCancel(ctx)
	notifier.OnDurable(event, func() { s.snapshots.Schedule(ctx, captured) })
}

// frozen is aggregate state captured at one version.
type frozen struct {
	aggregateType string
	meta          snapshot.Meta
	state         json.RawMessage
}

func (f frozen) AggregateType() string        { return f.aggregateType }
func (f frozen) SnapshotMeta() snapshot.Meta  { return f.meta }
func (f frozen) MarshalJSON() ([]byte, error) { return f.state, nil }

// Load rehydrates an aggregate from its snapshot plus the events after it,
// or from the full stream. It returns ErrNotFound when nothing was ever
// recorded for id. Deleted aggregates are returned as they are.
//
// A snapshot is only used when the log still holds the event it was taken
// at; otherwise the full stream is replayed.
func (s *Store[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	agg, after := s.fromSnapshot(ctx, id)

	from := after
	if after > 0 {
		from = after - 1
	}
	events, err := s.loadStream(ctx, id, from)
	if err != nil {
		return zero, err
	}
	if after > 0 {
		if len(events) == 0 || events[0].Version != after || events[0].ID != agg.Root().LatestEventID {
			s.log.Warn("snapshot does not match the log, replaying full stream", "aggregate_id", id, "version", after)
			agg, after = s.newAgg(), 0
			if events, err = s.loadStream(ctx, id, 0); err != nil {
				return zero, err
			}
		} else {
			events = events[1:]
		}
	}
	if after == 0 && len(events) == 0 {
		return zero, NotFound(agg.AggregateType(), id)
	}

	for _, event := range events {
		if err := s.Apply(ctx, agg, event, true); err != nil {
			return zero, err
		}
	}

	root := agg.Root()
	root.ID = id
	if n := len(events); n > 0 {
		last := events[n-1]
		root.Version = last.Version
		root.LatestEventID = last.ID
		root.LatestEventAt = last.Timestamp
	}
	return agg, nil
}

// loadStream returns the events after version in version order. Stores
// order by time, which can disagree with version order across writers.
func (s *Store[T]) loadStream(ctx context.Context, id string, after int) ([]store.Event, error) {
	events, err := s.events.LoadForAggregate(ctx, id, store.LoadOptions{AfterVersion: after})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return events, nil
}

// fromSnapshot returns the restored aggregate and its version, or a fresh
// aggregate and zero when there is no usable snapshot.
func (s *Store[T]) fromSnapshot(ctx context.Context, id string) (T, int) {
	agg := s.newAgg()
	if s.snapshots == nil {
		return agg, 0
	}

	snap, err := s.snapshots.GetSnapshot(ctx, agg.AggregateType(), id)
	if err != nil {
		s.log.Warn("snapshot unreadable, replaying full stream", "aggregate_id", id, "error", err)
		return agg, 0
	}
	if snap == nil {
		return agg, 0
	}

	restored := s.newAgg()
	if err := json.Unmarshal(snap.State, restored); err != nil {
		s.log.Warn("snapshot state invalid, replaying full stream", "aggregate_id", id, "version", snap.Version, "error", err)
		return agg, 0
	}
	root := restored.Root()
	root.ID = id
	root.Version = snap.Version
	root.LatestEventID = snap.EventID
	root.LatestEventAt = snap.EventTimestamp
	root.HasSnapshot = true
	return restored, snap.Version
}

// Commit records one new event for agg and applies it once the append
// succeeded. A failed append leaves agg untouched.
func (s *Store[T]) Commit(ctx context.Context, agg T, eventType string, payload any) (store.Event, error) {
	root := agg.Root()
	event, err := store.NewEvent(root.ID, agg.AggregateType(), eventType, payload)
	if err != nil {
		return store.Event{}, err
	}
	if err := s.events.Append(ctx, event, root.Version); err != nil {
		return store.Event{}, err
	}
	if err := s.Apply(ctx, agg, *event, false); err != nil {
		return *event, err
	}
	return *event, nil
}
