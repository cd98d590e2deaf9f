package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/codehost/internal/infrastructure/blob"
)

// ReadStore is an in-memory read model store
type ReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage // collection -> id -> data
}

func NewReadStore() *ReadStore {
	return &ReadStore{
		data: make(map[string]map[string]json.RawMessage),
	}
}

// Set stores a read model
func (rs *ReadStore) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.data[collection] == nil {
		rs.data[collection] = make(map[string]json.RawMessage)
	}
	rs.data[collection][id] = raw
	return nil
}

// Get retrieves a read model by id
func (rs *ReadStore) Get(ctx context.Context, collection, id string, dst any) error {
	rs.mu.RLock()
	raw, ok := rs.data[collection][id]
	rs.mu.RUnlock()
	if !ok {
		return ErrReadModelNotFound
	}
	return json.Unmarshal(raw, dst)
}

// IDs lists the ids of a collection in sorted order.
func (rs *ReadStore) IDs(collection string) []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make([]string, 0, len(rs.data[collection]))
	for id := range rs.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete removes a read model
func (rs *ReadStore) Delete(ctx context.Context, collection, id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.data[collection], id)
	return nil
}

// BlobReadStore keeps read models in a blob store, one object per entry.
// Backed by blob.RedisStore it is the shared mirror other services read.
type BlobReadStore struct {
	blobs blob.Store
}

func NewBlobReadStore(blobs blob.Store) *BlobReadStore {
	return &BlobReadStore{blobs: blobs}
}

func readModelKey(collection, id string) string {
	return "readmodel/" + collection + "/" + id
}

func (s *BlobReadStore) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return s.blobs.Put(ctx, readModelKey(collection, id), raw)
}

func (s *BlobReadStore) Get(ctx context.Context, collection, id string, dst any) error {
	raw, err := s.blobs.Get(ctx, readModelKey(collection, id))
	if errors.Is(err, blob.ErrNotFound) {
		return ErrReadModelNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (s *BlobReadStore) Delete(ctx context.Context, collection, id string) error {
	err := s.blobs.Delete(ctx, readModelKey(collection, id))
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	return err
}

var (
	_ ReadStoreInterface = (*ReadStore)(nil)
	_ ReadStoreInterface = (*BlobReadStore)(nil)
)
