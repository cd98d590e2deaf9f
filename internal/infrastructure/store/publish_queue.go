package store

import (
	"context"
	"sync"

	"github.com/example/codehost/internal/platform/logger"
)

// publishQueue hands committed events to a publisher one aggregate stream
// at a time. Events are pushed in version order while the pusher holds the
// aggregate's append lock; whichever goroutine then finds the stream idle
// drains it, so a later version never overtakes an earlier one.
type publishQueue struct {
	pub Publisher
	log *logger.Logger

	mu      sync.Mutex
	streams map[string]*publishStream
}

type publishStream struct {
	events   []Event
	draining bool
}

// newPublishQueue returns nil for a nil publisher; a nil queue drops events.
func newPublishQueue(pub Publisher, log *logger.Logger) *publishQueue {
	if pub == nil {
		return nil
	}
	return &publishQueue{pub: pub, log: log, streams: make(map[string]*publishStream)}
}

func (q *publishQueue) push(event Event) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.streams[event.AggregateID]
	if st == nil {
		st = &publishStream{}
		q.streams[event.AggregateID] = st
	}
	st.events = append(st.events, event)
}

// drain publishes what is queued for the aggregate unless another goroutine
// already is. Publish failures are logged; the log stays the source of truth.
func (q *publishQueue) drain(ctx context.Context, aggregateID string) {
	if q == nil {
		return
	}
	// Events pushed by other callers are published under this context too.
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	st := q.streams[aggregateID]
	if st == nil || st.draining {
		q.mu.Unlock()
		return
	}
	st.draining = true
	for len(st.events) > 0 {
		event := st.events[0]
		st.events = st.events[1:]
		q.mu.Unlock()
		if err := q.pub.Publish(ctx, event); err != nil {
			q.log.Warn("publish failed", "event_id", event.ID, "event_type", event.EventType, "error", err)
		}
		q.mu.Lock()
	}
	delete(q.streams, aggregateID)
	q.mu.Unlock()
}

// keyedMutex serializes work per key, here per aggregate.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
