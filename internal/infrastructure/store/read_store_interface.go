package store

import (
	"context"
	"errors"
)

// ErrReadModelNotFound is returned by Get for ids that were never set.
var ErrReadModelNotFound = errors.New("read model not found")

// ReadStoreInterface is where projected read models are mirrored for
// consumers outside the projector process. Values are stored as JSON.
type ReadStoreInterface interface {
	// Set stores a read model, replacing any previous value
	Set(ctx context.Context, collection, id string, data any) error

	// Get decodes the stored value into dst
	Get(ctx context.Context, collection, id string, dst any) error

	// Delete removes a read model. Deleting a missing id is not an error.
	Delete(ctx context.Context, collection, id string) error
}
