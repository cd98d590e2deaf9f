package store

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned when the aggregate moved past the
	// version the caller expected.
	ErrVersionConflict = errors.New("event store: version conflict")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("event store: persistence failure")
	// ErrBatchExhausted is returned by a flush that gave up on some events.
	ErrBatchExhausted = errors.New("event store: batch retries exhausted")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("event store: closed")
	// ErrAggregateBlocked is returned by Append for an aggregate whose
	// events were dead-lettered until it is unblocked.
	ErrAggregateBlocked = errors.New("event store: aggregate blocked")
)

// PersistenceError wraps an I/O failure of the underlying log.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func conflictErr(aggregateID string, expected, actual int) error {
	return fmt.Errorf("%w: aggregate %s expected version %d, found %d", ErrVersionConflict, aggregateID, expected, actual)
}
