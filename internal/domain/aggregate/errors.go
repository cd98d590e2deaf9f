package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/codehost/internal/infrastructure/store"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrDeleted       = errors.New("aggregate deleted")
	ErrUnauthorized  = errors.New("unauthorized")
	// ErrUnknownEventType marks a record no handler exists for. Stores skip
	// such records instead of failing the replay.
	ErrUnknownEventType = errors.New("unknown event type")
)

// DeletedError is returned by mutations of a deleted aggregate.
type DeletedError struct {
	AggregateType string
	ID            string
}

func (e *DeletedError) Error() string {
	return fmt.Sprintf("%s %s is deleted", e.AggregateType, e.ID)
}

func (e *DeletedError) Is(target error) bool { return target == ErrDeleted }

// ReplayError reports a record whose payload could not be applied.
type ReplayError struct {
	AggregateID string
	EventID     string
	EventType   string
	Err         error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s %s of %s: %v", e.EventType, e.EventID, e.AggregateID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// NotFound wraps ErrNotFound with the missing aggregate.
func NotFound(aggregateType, id string) error {
	return fmt.Errorf("%s %s: %w", aggregateType, id, ErrNotFound)
}

// UnknownEventType is what decoders return for types they do not know.
func UnknownEventType(event store.Event) error {
	return fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
}

// Decode unmarshals the payload of a record into P.
func Decode[P any](event store.Event) (P, error) {
	var payload P
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return payload, &ReplayError{
			AggregateID: event.AggregateID,
			EventID:     event.ID,
			EventType:   event.EventType,
			Err:         err,
		}
	}
	return payload, nil
}
