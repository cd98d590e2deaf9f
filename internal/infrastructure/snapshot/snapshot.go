// Package snapshot persists point-in-time aggregate state so rehydration only
// replays the tail of the log.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/codehost/internal/infrastructure/blob"
	"github.com/example/codehost/internal/platform/logger"
)

// Snapshot represents a point-in-time state of an aggregate
type Snapshot struct {
	ID             string          `json:"id"`
	AggregateType  string          `json:"aggregate_type"`
	Version        int             `json:"version"`
	EventID        string          `json:"event_id"`
	EventTimestamp time.Time       `json:"event_timestamp"` // createdAt of the event that produced Version
	State          json.RawMessage `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Meta is the bookkeeping a snapshot is stamped with.
type Meta struct {
	ID             string
	Version        int
	EventID        string
	EventTimestamp time.Time
}

// Subject is anything the manager can snapshot. Its JSON encoding is the
// stored state.
type Subject interface {
	AggregateType() string
	SnapshotMeta() Meta
}

// Key is the blob key of an aggregate's snapshot.
func Key(aggregateType, id string) string {
	return "snapshots/" + aggregateType + "/" + id + ".json"
}

// Manager reads and writes snapshots through a blob store.
type Manager struct {
	blobs   blob.Store
	log     *logger.Logger
	timeout time.Duration
	now     func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	latest map[string]int // newest scheduled version per key
}

func NewManager(blobs blob.Store, timeout time.Duration, log *logger.Logger) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		blobs:   blobs,
		log:     log.With("component", "SnapshotManager"),
		timeout: timeout,
		now:     time.Now,
		latest:  make(map[string]int),
	}
}

// Build captures the subject's current state.
func (m *Manager) Build(s Subject) (Snapshot, error) {
	meta := s.SnapshotMeta()
	if meta.ID == "" {
		return Snapshot{}, errors.New("snapshot: subject has no id")
	}
	state, err := json.Marshal(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal aggregate state: %w", err)
	}
	return Snapshot{
		ID:             meta.ID,
		AggregateType:  s.AggregateType(),
		Version:        meta.Version,
		EventID:        meta.EventID,
		EventTimestamp: meta.EventTimestamp,
		State:          state,
		CreatedAt:      m.now().UTC(),
	}, nil
}

// CreateSnapshot writes the subject's snapshot, overwriting any older one.
func (m *Manager) CreateSnapshot(ctx context.Context, s Subject) error {
	snap, err := m.Build(s)
	if err != nil {
		return err
	}
	return m.put(ctx, snap)
}

func (m *Manager) put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.blobs.Put(ctx, Key(snap.AggregateType, snap.ID), data); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns nil without error when no snapshot exists.
func (m *Manager) GetSnapshot(ctx context.Context, aggregateType, id string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	data, err := m.blobs.Get(ctx, Key(aggregateType, id))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Manager) DeleteSnapshot(ctx context.Context, aggregateType, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.blobs.Delete(ctx, Key(aggregateType, id)); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Schedule captures the state now and writes it in the background. Failures
// are logged; the next cadence boundary tries again. A write is skipped when
// a newer version of the same aggregate was scheduled meanwhile.
func (m *Manager) Schedule(ctx context.Context, s Subject) {
	snap, err := m.Build(s)
	if err != nil {
		m.log.Warn("snapshot skipped", "aggregate_type", s.AggregateType(), "error", err)
		return
	}

	key := Key(snap.AggregateType, snap.ID)
	m.mu.Lock()
	if m.latest[key] < snap.Version {
		m.latest[key] = snap.Version
	}
	m.mu.Unlock()

	// The write outlives the command that triggered it.
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.mu.Lock()
		stale := m.latest[key] > snap.Version
		m.mu.Unlock()
		if stale {
			return
		}

		if err := m.put(ctx, snap); err != nil {
			m.log.Warn("snapshot write failed",
				"aggregate_type", snap.AggregateType,
				"aggregate_id", snap.ID,
				"version", snap.Version,
				"error", err,
			)
			return
		}
		m.log.Debug("snapshot written", "aggregate_type", snap.AggregateType, "aggregate_id", snap.ID, "version", snap.Version)
	}()
}

// Wait blocks until every scheduled write finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
