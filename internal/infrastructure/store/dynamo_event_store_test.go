package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/codehost/internal/infrastructure/blob"
	"github.com/example/codehost/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "events"

// fakeDynamo keeps items in memory and answers the handful of query shapes
// the store issues.
type fakeDynamo struct {
	mu         sync.Mutex
	items      []map[string]types.AttributeValue
	batchSizes []int
	// unprocessed picks the requests of one call that are left unwritten.
	unprocessed func(call int, reqs []types.WriteRequest) []types.WriteRequest
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reqs := in.RequestItems[testTable]
	call := len(f.batchSizes)
	f.batchSizes = append(f.batchSizes, len(reqs))

	var left []types.WriteRequest
	if f.unprocessed != nil {
		left = f.unprocessed(call, reqs)
	}
	skip := make(map[string]bool, len(left))
	for _, r := range left {
		skip[attrS(r.PutRequest.Item, "id")] = true
	}
	for _, r := range reqs {
		if !skip[attrS(r.PutRequest.Item, "id")] {
			f.items = append(f.items, r.PutRequest.Item)
		}
	}

	out := &dynamodb.BatchWriteItemOutput{}
	if len(left) > 0 {
		out.UnprocessedItems = map[string][]types.WriteRequest{testTable: left}
	}
	return out, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values := in.ExpressionAttributeValues
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		switch {
		case in.IndexName == nil:
			if attrS(item, "aggregate_id") != attrS(values, ":aid") {
				continue
			}
			if _, ok := values[":ver"]; ok && attrN(item, "version") <= attrN(values, ":ver") {
				continue
			}
		case *in.IndexName == dynamoTypeIndex:
			if attrS(item, "event_type") != attrS(values, ":et") {
				continue
			}
		}
		out = append(out, item)
	}

	if in.IndexName == nil {
		sort.Slice(out, func(i, j int) bool { return attrN(out[i], "version") < attrN(out[j], "version") })
	} else {
		sort.Slice(out, func(i, j int) bool { return attrS(out[i], "order_key") < attrS(out[j], "order_key") })
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(out) {
		out = out[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batchSizes...)
}

func (f *fakeDynamo) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func attrS(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, key string) int {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.Atoi(v.Value)
		return n
	}
	return 0
}

type flushRecorder struct {
	ch chan FlushResult
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan FlushResult, 8)}
}

func (r *flushRecorder) OnFlush(res FlushResult) { r.ch <- res }

func (r *flushRecorder) wait(t *testing.T) FlushResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("flush was not acknowledged")
		return FlushResult{}
	}
}

func newTestDynamoStore(t *testing.T, client DynamoAPI, cfg DynamoConfig) *DynamoEventStore {
	t.Helper()
	cfg.TableName = testTable
	es := NewDynamoEventStore(client, cfg, logger.Nop())
	t.Cleanup(func() { _ = es.Close(context.Background()) })
	return es
}

func appendN(t *testing.T, es *DynamoEventStore, aggregateID string, n int) []*Event {
	t.Helper()
	var out []*Event
	for i := 0; i < n; i++ {
		e := mustEvent(t, aggregateID, "RepositoryUpdated", map[string]int{"n": i})
		require.NoError(t, es.Append(context.Background(), e, i))
		out = append(out, e)
	}
	return out
}

func TestDynamoEventStore_FlushesWhenQueueIsFull(t *testing.T) {
	client := &fakeDynamo{}
	acks := newFlushRecorder()
	es := newTestDynamoStore(t, client, DynamoConfig{BatchSize: 25, MaxRetries: 3, OnFlush: acks.OnFlush})

	for i := 0; i < 24; i++ {
		appendN(t, es, fmt.Sprintf("repo-%d", i), 1)
	}
	assert.Empty(t, client.calls(), "no flush below batch size")
	assert.Equal(t, 24, es.Pending())

	last := mustEvent(t, "repo-24", "RepositoryCreated", nil)
	require.NoError(t, es.Append(context.Background(), last, 0))

	res := acks.wait(t)
	assert.Len(t, res.Written, 25)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []int{25}, client.calls())
	assert.Equal(t, 25, client.stored())
	assert.Zero(t, es.Pending())
}

func TestDynamoEventStore_PayloadIsCompressedAndRoundTrips(t *testing.T) {
	client := &fakeDynamo{}
	es := newTestDynamoStore(t, client, DynamoConfig{})
	ctx := context.Background()

	e := mustEvent(t, "user-1", "UserCreated", map[string]string{"email": "a@x.io", "username": "ann"})
	require.NoError(t, es.Append(ctx, e, 0))
	_, err := es.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, client.stored())
	item := client.items[0]
	assert.Equal(t, EncodingGzipBase64, attrS(item, "encoding"))
	decoded, err := DecodePayload(attrS(item, "data"))
	require.NoError(t, err)
	assert.JSONEq(t, string(e.Data), string(decoded))
	assert.Equal(t, OrderKey(*e), attrS(item, "order_key"))

	loaded, err := es.LoadForAggregate(ctx, "user-1", LoadOptions{})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.JSONEq(t, string(e.Data), string(loaded[0].Data))
	assert.True(t, e.Timestamp.Equal(loaded[0].Timestamp))

	matches, err := es.QueryByPayload(ctx, PayloadQuery{EventType: "UserCreated", Field: "email", Value: "a@x.io"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestDynamoEventStore_RetryBoundAndDeadLetter(t *testing.T) {
	client := &fakeDynamo{
		unprocessed: func(_ int, reqs []types.WriteRequest) []types.WriteRequest { return reqs },
	}
	dlq := &MemoryDeadLetter{}
	acks := newFlushRecorder()
	es := newTestDynamoStore(t, client, DynamoConfig{
		BatchSize:  25,
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		DeadLetter: dlq,
		OnFlush:    acks.OnFlush,
	})

	var mu sync.Mutex
	var delays []time.Duration
	es.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return nil
	}

	appendN(t, es, "repo-1", 25)

	res := acks.wait(t)
	assert.Len(t, res.Failed, 25)
	assert.Empty(t, res.Written)
	assert.Error(t, res.Err)

	assert.Len(t, client.calls(), 4, "one call plus three retry rounds")
	mu.Lock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
	mu.Unlock()
	assert.Len(t, dlq.Drain(), 25)
	assert.Zero(t, client.stored())
}

func TestDynamoEventStore_FlushReportsExhaustion(t *testing.T) {
	client := &fakeDynamo{
		unprocessed: func(_ int, reqs []types.WriteRequest) []types.WriteRequest { return reqs },
	}
	es := newTestDynamoStore(t, client, DynamoConfig{MaxRetries: 1})
	es.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	appendN(t, es, "repo-1", 2)
	res, err := es.Flush(ctx)

	assert.ErrorIs(t, err, ErrBatchExhausted)
	assert.Len(t, res.Failed, 2)
	assert.Len(t, client.calls(), 2, "the second event is never sent")

	err = es.Append(ctx, mustEvent(t, "repo-1", "RepositoryUpdated", nil), 2)
	assert.ErrorIs(t, err, ErrAggregateBlocked)
	assert.Equal(t, []string{"repo-1"}, es.Blocked())

	// Unblocking drops the cached version so the next append re-reads the log.
	es.Unblock("repo-1")
	assert.Empty(t, es.Blocked())
	require.NoError(t, es.Append(ctx, mustEvent(t, "repo-1", "RepositoryCreated", nil), 0))
}

func TestDynamoEventStore_RetriesOnlyUnprocessed(t *testing.T) {
	client := &fakeDynamo{
		unprocessed: func(call int, reqs []types.WriteRequest) []types.WriteRequest {
			if call == 0 {
				return reqs[len(reqs)-2:]
			}
			return nil
		},
	}
	es := newTestDynamoStore(t, client, DynamoConfig{MaxRetries: 3})
	es.sleep = func(context.Context, time.Duration) error { return nil }

	for i := 0; i < 5; i++ {
		appendN(t, es, fmt.Sprintf("repo-%d", i), 1)
	}
	res, err := es.Flush(context.Background())

	require.NoError(t, err)
	assert.Len(t, res.Written, 5)
	assert.Equal(t, []int{5, 2}, client.calls())
	assert.Equal(t, 5, client.stored())
}

func TestDynamoEventStore_DeadLettersTailOfFailedStream(t *testing.T) {
	var es *DynamoEventStore
	var late *Event
	client := &fakeDynamo{
		unprocessed: func(call int, reqs []types.WriteRequest) []types.WriteRequest {
			if call == 0 {
				// Appended while the batch is in flight.
				late = mustEvent(t, "repo-1", "RepositoryUpdated", nil)
				require.NoError(t, es.Append(context.Background(), late, 3))
			}
			var left []types.WriteRequest
			for _, r := range reqs {
				if attrS(r.PutRequest.Item, "aggregate_id") == "repo-1" && attrN(r.PutRequest.Item, "version") == 1 {
					left = append(left, r)
				}
			}
			return left
		},
	}
	dlq := &MemoryDeadLetter{}
	es = newTestDynamoStore(t, client, DynamoConfig{MaxRetries: 0, DeadLetter: dlq})
	ctx := context.Background()

	appendN(t, es, "repo-1", 3)
	appendN(t, es, "repo-2", 2)
	res, err := es.Flush(ctx)

	assert.ErrorIs(t, err, ErrBatchExhausted)
	assert.Len(t, res.Written, 2)
	assert.Len(t, res.Failed, 4)
	assert.Equal(t, []int{2, 1}, client.calls(), "repo-1 v2 and v3 are never sent")
	assert.Zero(t, es.Pending())

	var versions []int
	for _, e := range dlq.Drain() {
		require.Equal(t, "repo-1", e.AggregateID)
		versions = append(versions, e.Version)
	}
	sort.Ints(versions)
	assert.Equal(t, []int{1, 2, 3, 4}, versions)

	stored, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{})
	require.NoError(t, err)
	assert.Empty(t, stored)
	stored, err = es.LoadForAggregate(ctx, "repo-2", LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	err = es.Append(ctx, mustEvent(t, "repo-1", "RepositoryUpdated", nil), 4)
	assert.ErrorIs(t, err, ErrAggregateBlocked)
	require.NoError(t, es.Append(ctx, mustEvent(t, "repo-2", "RepositoryUpdated", nil), 2))
}

func TestDynamoEventStore_OnDurable(t *testing.T) {
	client := &fakeDynamo{
		unprocessed: func(_ int, reqs []types.WriteRequest) []types.WriteRequest {
			var left []types.WriteRequest
			for _, r := range reqs {
				if attrS(r.PutRequest.Item, "aggregate_id") == "repo-bad" {
					left = append(left, r)
				}
			}
			return left
		},
	}
	es := newTestDynamoStore(t, client, DynamoConfig{})
	ctx := context.Background()

	good := appendN(t, es, "repo-good", 1)[0]
	bad := appendN(t, es, "repo-bad", 1)[0]

	var mu sync.Mutex
	var fired []string
	record := func(id string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, id)
		}
	}
	es.OnDurable(*good, record("good"))
	es.OnDurable(*bad, record("bad"))

	mu.Lock()
	assert.Empty(t, fired, "nothing is durable before the flush")
	mu.Unlock()

	_, err := es.Flush(ctx)
	require.ErrorIs(t, err, ErrBatchExhausted)

	mu.Lock()
	assert.Equal(t, []string{"good"}, fired)
	mu.Unlock()

	// Already written events run the callback right away; blocked ones never do.
	es.OnDurable(*good, record("good-again"))
	es.OnDurable(*bad, record("bad-again"))
	mu.Lock()
	assert.Equal(t, []string{"good", "good-again"}, fired)
	mu.Unlock()
}

func TestDynamoEventStore_ChunksLargeFlushes(t *testing.T) {
	client := &fakeDynamo{}
	es := newTestDynamoStore(t, client, DynamoConfig{})

	for i := 0; i < 23; i++ {
		appendN(t, es, fmt.Sprintf("repo-%d", i), 1)
	}
	es.cfg.BatchSize = 10
	res, err := es.Flush(context.Background())

	require.NoError(t, err)
	assert.Len(t, res.Written, 23)
	assert.Equal(t, []int{10, 10, 3}, client.calls())
}

func TestDynamoEventStore_ReadsOwnQueuedWrites(t *testing.T) {
	client := &fakeDynamo{}
	es := newTestDynamoStore(t, client, DynamoConfig{})
	ctx := context.Background()

	appended := appendN(t, es, "repo-1", 3)

	events, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, appended[2].ID, events[2].ID)

	tail, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{AfterVersion: 2})
	require.NoError(t, err)
	assert.Len(t, tail, 1)

	err = es.Append(ctx, mustEvent(t, "repo-1", "RepositoryUpdated", nil), 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	all, err := es.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDynamoEventStore_WarmsVersionFromRemote(t *testing.T) {
	client := &fakeDynamo{}
	for v := 1; v <= 3; v++ {
		e := mustEvent(t, "repo-1", "RepositoryUpdated", nil)
		e.Version = v
		item, err := marshalDynamoEvent(*e)
		require.NoError(t, err)
		client.items = append(client.items, item)
	}
	es := newTestDynamoStore(t, client, DynamoConfig{})
	ctx := context.Background()

	err := es.Append(ctx, mustEvent(t, "repo-1", "RepositoryUpdated", nil), 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	next := mustEvent(t, "repo-1", "RepositoryUpdated", nil)
	require.NoError(t, es.Append(ctx, next, 3))
	assert.Equal(t, 4, next.Version)
}

func TestDynamoEventStore_CloseFlushesAndRejects(t *testing.T) {
	client := &fakeDynamo{}
	pub := &recordingPublisher{}
	es := NewDynamoEventStore(client, DynamoConfig{TableName: testTable, Publisher: pub}, logger.Nop())
	ctx := context.Background()

	appendN(t, es, "repo-1", 2)
	assert.Empty(t, pub.Published(), "nothing is published before it is written")

	require.NoError(t, es.Close(ctx))

	assert.Equal(t, 2, client.stored())
	assert.Len(t, pub.Published(), 2)
	err := es.Append(ctx, mustEvent(t, "repo-2", "RepositoryCreated", nil), 0)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, es.Close(ctx))
}

func TestDynamoEventStore_PeriodicFlush(t *testing.T) {
	client := &fakeDynamo{}
	acks := newFlushRecorder()
	es := newTestDynamoStore(t, client, DynamoConfig{FlushInterval: 10 * time.Millisecond, OnFlush: acks.OnFlush})

	appendN(t, es, "repo-1", 1)

	res := acks.wait(t)
	assert.Len(t, res.Written, 1)
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func TestBlobDeadLetter_Put(t *testing.T) {
	blobs := blob.NewMemoryStore()
	dlq := NewBlobDeadLetter(blobs)
	dlq.now = func() time.Time { return time.Unix(0, 42) }
	e := mustEvent(t, "repo-1", "RepositoryCreated", nil)

	require.NoError(t, dlq.Put(context.Background(), []Event{*e}, errors.New("throttled")))
	require.NoError(t, dlq.Put(context.Background(), nil, errors.New("nothing")))

	key := "deadletter/42-" + e.ID + ".json"
	require.Equal(t, []string{key}, blobs.Keys())
	raw, err := blobs.Get(context.Background(), key)
	require.NoError(t, err)
	var entry deadLetterEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "throttled", entry.Cause)
	require.Len(t, entry.Events, 1)
	assert.Equal(t, e.ID, entry.Events[0].ID)
}
