package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/codehost/internal/infrastructure/blob"
	"github.com/example/codehost/internal/platform/logger"
)

// Index names and the fixed partition value of the ordering index.
const (
	dynamoOrderIndex = "GSI1"
	dynamoTypeIndex  = "GSI2"
	dynamoAllEvents  = "EVENTS"

	// MaxDynamoBatch is the BatchWriteItem request limit.
	MaxDynamoBatch = 25
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DeadLetterSink receives events the batched store could not write.
type DeadLetterSink interface {
	Put(ctx context.Context, events []Event, cause error) error
}

// FlushResult reports the outcome of one flush.
type FlushResult struct {
	Written []Event
	Failed  []Event
	Err     error
}

// DynamoConfig tunes the batched store.
type DynamoConfig struct {
	TableName      string
	BatchSize      int
	MaxRetries     int
	BaseDelay      time.Duration
	FlushInterval  time.Duration
	RequestTimeout time.Duration

	Publisher  Publisher
	DeadLetter DeadLetterSink
	// OnFlush is called after every flush that had something to write.
	OnFlush func(FlushResult)
}

// DynamoEventStore is the batched/async remote log. Appends are queued in
// memory and written with BatchWriteItem once the queue fills up, on every
// FlushInterval tick, on an explicit Flush and on Close.
//
// An Append returning nil only means the event was accepted into the queue.
// Durability is established by a FlushResult listing the event as written.
//
// An aggregate's events are written in version order. When one of them is
// dead-lettered every later event of that aggregate is dead-lettered with it
// and the aggregate is blocked until Unblock is called, so the table never
// holds a stream with a gap.
type DynamoEventStore struct {
	client DynamoAPI
	cfg    DynamoConfig
	log    *logger.Logger
	seq    *Sequencer
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	queue    []Event
	inflight []Event
	versions map[string]int // highest accepted version per aggregate
	blocked  map[string]error
	hooks    map[string][]func() // keyed by event id
	closed   bool

	flushMu sync.Mutex
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped chan struct{}
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	ID            string `dynamodbav:"id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	EventType     string `dynamodbav:"event_type"`
	Data          string `dynamodbav:"data"`
	Encoding      string `dynamodbav:"encoding"`
	CreatedAt     string `dynamodbav:"created_at"`
	Sequence      int64  `dynamodbav:"seq"`
	OrderKey      string `dynamodbav:"order_key"`
	GSI1PK        string `dynamodbav:"gsi1pk"`
}

func NewDynamoEventStore(client DynamoAPI, cfg DynamoConfig, log *logger.Logger) *DynamoEventStore {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxDynamoBatch {
		cfg.BatchSize = MaxDynamoBatch
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	es := &DynamoEventStore{
		client:   client,
		cfg:      cfg,
		log:      log.With("component", "DynamoEventStore", "table", cfg.TableName),
		seq:      NewSequencer(),
		sleep:    sleepCtx,
		versions: make(map[string]int),
		blocked:  make(map[string]error),
		hooks:    make(map[string][]func()),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go es.runTicker()
	return es
}

// Append validates the expected version and queues the event.
func (es *DynamoEventStore) Append(ctx context.Context, event *Event, expectedVersion int) error {
	if err := es.warmVersion(ctx, event.AggregateID); err != nil {
		return err
	}

	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return ErrClosed
	}
	if cause, ok := es.blocked[event.AggregateID]; ok {
		es.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrAggregateBlocked, event.AggregateID, cause)
	}
	current := es.versions[event.AggregateID]
	if current != expectedVersion {
		es.mu.Unlock()
		return conflictErr(event.AggregateID, expectedVersion, current)
	}
	event.Version = current + 1
	event.Sequence = es.seq.Next()
	es.versions[event.AggregateID] = event.Version
	es.queue = append(es.queue, *event)
	full := len(es.queue) >= es.cfg.BatchSize
	if full {
		es.wg.Add(1)
	}
	es.mu.Unlock()

	if full {
		go func() {
			defer es.wg.Done()
			if _, err := es.Flush(context.Background()); err != nil {
				es.log.Error("background flush failed", "error", err)
			}
		}()
	}
	return nil
}

// OnDurable runs fn once event has been written. fn is dropped when the event
// is dead-lettered. An event that is neither queued nor in flight is taken as
// written unless its aggregate is blocked.
func (es *DynamoEventStore) OnDurable(event Event, fn func()) {
	es.mu.Lock()
	if es.pendingLocked(event.ID) {
		es.hooks[event.ID] = append(es.hooks[event.ID], fn)
		es.mu.Unlock()
		return
	}
	_, blocked := es.blocked[event.AggregateID]
	es.mu.Unlock()
	if !blocked {
		fn()
	}
}

func (es *DynamoEventStore) pendingLocked(eventID string) bool {
	for _, e := range es.inflight {
		if e.ID == eventID {
			return true
		}
	}
	for _, e := range es.queue {
		if e.ID == eventID {
			return true
		}
	}
	return false
}

// Blocked lists the aggregates refusing appends after a dead-lettered write.
func (es *DynamoEventStore) Blocked() []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	ids := make([]string, 0, len(es.blocked))
	for id := range es.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unblock accepts appends for the aggregate again. Its version is re-read
// from the table on the next append, so dead-lettered events must be
// replayed or discarded first.
func (es *DynamoEventStore) Unblock(aggregateID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	delete(es.blocked, aggregateID)
	delete(es.versions, aggregateID)
}

// warmVersion makes sure the highest remote version of the aggregate is known.
func (es *DynamoEventStore) warmVersion(ctx context.Context, aggregateID string) error {
	es.mu.Lock()
	_, known := es.versions[aggregateID]
	es.mu.Unlock()
	if known {
		return nil
	}

	remote, err := es.latestRemoteVersion(ctx, aggregateID)
	if err != nil {
		return err
	}

	es.mu.Lock()
	if cur, ok := es.versions[aggregateID]; !ok || cur < remote {
		es.versions[aggregateID] = remote
	}
	es.mu.Unlock()
	return nil
}

func (es *DynamoEventStore) latestRemoteVersion(ctx context.Context, aggregateID string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, es.cfg.RequestTimeout)
	defer cancel()

	result, err := es.client.Query(callCtx, &dynamodb.QueryInput{
		TableName:              aws.String(es.cfg.TableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("version"),
	})
	if err != nil {
		return 0, persistenceErr("latest version", err)
	}
	if len(result.Items) == 0 {
		return 0, nil
	}

	var item struct {
		Version int `dynamodbav:"version"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, persistenceErr("latest version", err)
	}
	return item.Version, nil
}

// Flush writes everything queued so far. It returns ErrBatchExhausted when
// some events could not be written within MaxRetries retry rounds.
func (es *DynamoEventStore) Flush(ctx context.Context) (FlushResult, error) {
	es.flushMu.Lock()
	defer es.flushMu.Unlock()

	es.mu.Lock()
	batch := es.queue
	es.queue = nil
	es.inflight = batch
	es.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}, nil
	}

	result := es.write(ctx, batch)

	es.mu.Lock()
	es.inflight = nil
	for _, e := range result.Failed {
		if _, ok := es.blocked[e.AggregateID]; !ok {
			es.blocked[e.AggregateID] = result.Err
		}
	}
	// Events queued behind a failed one while the batch was in flight.
	if len(result.Failed) > 0 {
		kept := make([]Event, 0, len(es.queue))
		for _, e := range es.queue {
			if _, ok := es.blocked[e.AggregateID]; ok {
				result.Failed = append(result.Failed, e)
				continue
			}
			kept = append(kept, e)
		}
		es.queue = kept
	}
	var durable []func()
	for _, e := range result.Written {
		durable = append(durable, es.hooks[e.ID]...)
		delete(es.hooks, e.ID)
	}
	for _, e := range result.Failed {
		delete(es.hooks, e.ID)
	}
	es.mu.Unlock()

	for _, fn := range durable {
		fn()
	}

	for _, e := range result.Written {
		if es.cfg.Publisher == nil {
			break
		}
		if err := es.cfg.Publisher.Publish(ctx, e); err != nil {
			es.log.Warn("publish failed", "event_id", e.ID, "event_type", e.EventType, "error", err)
		}
	}

	if len(result.Failed) > 0 {
		es.log.Error("events not written after retries",
			"failed", len(result.Failed),
			"written", len(result.Written),
			"max_retries", es.cfg.MaxRetries,
			"error", result.Err,
		)
		if es.cfg.DeadLetter != nil {
			if err := es.cfg.DeadLetter.Put(ctx, result.Failed, result.Err); err != nil {
				es.log.Error("dead letter write failed", "failed", len(result.Failed), "error", err)
			}
		}
	}

	if es.cfg.OnFlush != nil {
		es.cfg.OnFlush(result)
	}

	if len(result.Failed) > 0 {
		total := len(result.Written) + len(result.Failed)
		return result, fmt.Errorf("%w: %d of %d events: %v", ErrBatchExhausted, len(result.Failed), total, result.Err)
	}
	return result, nil
}

// write sends the batch in rounds. Round k carries the k-th queued event of
// every aggregate, so a later version is only sent once the earlier one is
// in the table. After a failure the rest of that aggregate's events are
// failed without being sent.
func (es *DynamoEventStore) write(ctx context.Context, batch []Event) FlushResult {
	var order []string
	streams := make(map[string][]Event)
	for _, e := range batch {
		if _, ok := streams[e.AggregateID]; !ok {
			order = append(order, e.AggregateID)
		}
		streams[e.AggregateID] = append(streams[e.AggregateID], e)
	}

	var result FlushResult
	sent := make(map[string]int, len(order))
	broken := make(map[string]bool)
	for round := 0; ; round++ {
		var items []Event
		for _, id := range order {
			if s := streams[id]; round < len(s) && !broken[id] {
				items = append(items, s[round])
				sent[id] = round + 1
			}
		}
		if len(items) == 0 {
			break
		}
		for start := 0; start < len(items); start += es.cfg.BatchSize {
			end := start + es.cfg.BatchSize
			if end > len(items) {
				end = len(items)
			}
			written, failed, err := es.writeChunk(ctx, items[start:end])
			result.Written = append(result.Written, written...)
			result.Failed = append(result.Failed, failed...)
			for _, e := range failed {
				broken[e.AggregateID] = true
			}
			if err != nil {
				result.Err = err
			}
		}
	}

	for _, id := range order {
		if broken[id] {
			result.Failed = append(result.Failed, streams[id][sent[id]:]...)
		}
	}
	return result
}

// writeChunk sends at most BatchSize events and retries only the
// unprocessed ones with exponential backoff.
func (es *DynamoEventStore) writeChunk(ctx context.Context, chunk []Event) (written, failed []Event, err error) {
	byID := make(map[string]Event, len(chunk))
	pending := make([]types.WriteRequest, 0, len(chunk))
	for _, e := range chunk {
		item, mErr := marshalDynamoEvent(e)
		if mErr != nil {
			es.log.Error("marshal event failed", "event_id", e.ID, "error", mErr)
			failed = append(failed, e)
			err = mErr
			continue
		}
		byID[e.ID] = e
		pending = append(pending, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for retry := 0; len(pending) > 0; retry++ {
		callCtx, cancel := context.WithTimeout(ctx, es.cfg.RequestTimeout)
		out, callErr := es.client.BatchWriteItem(callCtx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{es.cfg.TableName: pending},
		})
		cancel()

		if callErr != nil {
			err = persistenceErr("batch write", callErr)
		} else {
			pending = out.UnprocessedItems[es.cfg.TableName]
		}
		if len(pending) == 0 {
			break
		}

		if retry >= es.cfg.MaxRetries {
			if err == nil {
				err = persistenceErr("batch write", fmt.Errorf("%d items unprocessed", len(pending)))
			}
			break
		}

		delay := es.cfg.BaseDelay * time.Duration(1<<retry)
		es.log.Warn("retrying unprocessed items", "unprocessed", len(pending), "retry", retry+1, "delay", delay)
		if sErr := es.sleep(ctx, delay); sErr != nil {
			err = persistenceErr("batch write", sErr)
			break
		}
	}

	unprocessed := make(map[string]bool, len(pending))
	for _, req := range pending {
		if req.PutRequest == nil {
			continue
		}
		if id, ok := req.PutRequest.Item["id"].(*types.AttributeValueMemberS); ok {
			unprocessed[id.Value] = true
		}
	}
	for _, e := range chunk {
		if _, ok := byID[e.ID]; !ok {
			continue
		}
		if unprocessed[e.ID] {
			failed = append(failed, e)
		} else {
			written = append(written, e)
		}
	}
	return written, failed, err
}

// LoadForAggregate returns the aggregate's remote events merged with the
// ones still queued in this process.
func (es *DynamoEventStore) LoadForAggregate(ctx context.Context, aggregateID string, opts LoadOptions) ([]Event, error) {
	remote, err := es.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.cfg.TableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid AND version > :ver"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
			":ver": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", opts.AfterVersion)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return es.merge(remote, func(e Event) bool {
		return e.AggregateID == aggregateID && opts.matches(e)
	}), nil
}

// LoadAllOfType queries the event type index
func (es *DynamoEventStore) LoadAllOfType(ctx context.Context, eventType string) ([]Event, error) {
	remote, err := es.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.cfg.TableName),
		IndexName:              aws.String(dynamoTypeIndex),
		KeyConditionExpression: aws.String("event_type = :et"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":et": &types.AttributeValueMemberS{Value: eventType},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return es.merge(remote, func(e Event) bool { return e.EventType == eventType }), nil
}

// QueryByPayload filters the type index client side; payloads are
// compressed so DynamoDB cannot filter on them.
func (es *DynamoEventStore) QueryByPayload(ctx context.Context, q PayloadQuery) ([]Event, error) {
	events, err := es.LoadAllOfType(ctx, q.EventType)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, e := range events {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// LoadAll returns all events using GSI1
func (es *DynamoEventStore) LoadAll(ctx context.Context) ([]Event, error) {
	remote, err := es.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.cfg.TableName),
		IndexName:              aws.String(dynamoOrderIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: dynamoAllEvents},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return es.merge(remote, func(Event) bool { return true }), nil
}

// Pending returns the number of queued and in-flight events.
func (es *DynamoEventStore) Pending() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.queue) + len(es.inflight)
}

// Close stops the periodic flusher, waits for background flushes and
// writes whatever is still queued.
func (es *DynamoEventStore) Close(ctx context.Context) error {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return nil
	}
	es.closed = true
	es.mu.Unlock()

	close(es.stop)
	<-es.stopped
	es.wg.Wait()

	_, err := es.Flush(ctx)
	return err
}

func (es *DynamoEventStore) runTicker() {
	defer close(es.stopped)
	if es.cfg.FlushInterval <= 0 {
		<-es.stop
		return
	}
	ticker := time.NewTicker(es.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-es.stop:
			return
		case <-ticker.C:
			if _, err := es.Flush(context.Background()); err != nil {
				es.log.Error("periodic flush failed", "error", err)
			}
		}
	}
}

func (es *DynamoEventStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]Event, error) {
	var events []Event
	for {
		callCtx, cancel := context.WithTimeout(ctx, es.cfg.RequestTimeout)
		result, err := es.client.Query(callCtx, input)
		cancel()
		if err != nil {
			return nil, persistenceErr("query", err)
		}
		for _, item := range result.Items {
			e, err := unmarshalDynamoEvent(item)
			if err != nil {
				es.log.Warn("skipping malformed item", "error", err)
				continue
			}
			events = append(events, e)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return events, nil
}

// merge adds queued events matching keep, drops duplicates by id and sorts.
func (es *DynamoEventStore) merge(remote []Event, keep func(Event) bool) []Event {
	seen := make(map[string]bool, len(remote))
	out := make([]Event, 0, len(remote))
	for _, e := range remote {
		seen[e.ID] = true
		out = append(out, e)
	}

	es.mu.Lock()
	local := make([]Event, 0, len(es.inflight)+len(es.queue))
	local = append(local, es.inflight...)
	local = append(local, es.queue...)
	es.mu.Unlock()

	for _, e := range local {
		if !seen[e.ID] && keep(e) {
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	SortEvents(out)
	return out
}

func marshalDynamoEvent(e Event) (map[string]types.AttributeValue, error) {
	encoded, err := EncodePayload(e.Data)
	if err != nil {
		return nil, err
	}
	item := dynamoEvent{
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		ID:            e.ID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Data:          encoded,
		Encoding:      EncodingGzipBase64,
		CreatedAt:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Sequence:      e.Sequence,
		OrderKey:      OrderKey(e),
		GSI1PK:        dynamoAllEvents,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return av, nil
}

func unmarshalDynamoEvent(item map[string]types.AttributeValue) (Event, error) {
	var de dynamoEvent
	if err := attributevalue.UnmarshalMap(item, &de); err != nil {
		return Event{}, err
	}
	data, err := DecodeStoredPayload(de.Encoding, de.Data)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", de.ID, err)
	}
	timestamp, err := time.Parse(time.RFC3339Nano, de.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: created_at: %w", de.ID, err)
	}
	return Event{
		ID:            de.ID,
		AggregateID:   de.AggregateID,
		AggregateType: de.AggregateType,
		EventType:     de.EventType,
		Data:          data,
		Timestamp:     timestamp,
		Version:       de.Version,
		Sequence:      de.Sequence,
	}, nil
}

// OrderKey is the sort key of the ordering indexes: zero padded creation
// time followed by the sequence number, so lexical order is log order.
func OrderKey(e Event) string {
	return fmt.Sprintf("%020d#%020d", e.Timestamp.UTC().UnixNano(), e.Sequence)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MemoryDeadLetter keeps failed events in memory until drained.
type MemoryDeadLetter struct {
	mu     sync.Mutex
	events []Event
	causes []error
}

func (d *MemoryDeadLetter) Put(ctx context.Context, events []Event, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	d.causes = append(d.causes, cause)
	return nil
}

// Drain returns and forgets the collected events.
func (d *MemoryDeadLetter) Drain() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.events
	d.events = nil
	d.causes = nil
	return out
}

// BlobDeadLetter writes each rejected batch as one JSON object under
// deadletter/ so it survives a restart and can be replayed by hand.
type BlobDeadLetter struct {
	blobs blob.Store
	now   func() time.Time
}

func NewBlobDeadLetter(blobs blob.Store) *BlobDeadLetter {
	return &BlobDeadLetter{blobs: blobs, now: time.Now}
}

type deadLetterEntry struct {
	Cause  string  `json:"cause"`
	Events []Event `json:"events"`
}

func (d *BlobDeadLetter) Put(ctx context.Context, events []Event, cause error) error {
	if len(events) == 0 {
		return nil
	}
	entry := deadLetterEntry{Events: events}
	if cause != nil {
		entry.Cause = cause.Error()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("deadletter/%d-%s.json", d.now().UnixNano(), events[0].ID)
	return d.blobs.Put(ctx, key, raw)
}

var (
	_ EventStoreInterface = (*DynamoEventStore)(nil)
	_ DurabilityNotifier  = (*DynamoEventStore)(nil)
	_ DynamoAPI           = (*dynamodb.Client)(nil)
	_ DeadLetterSink      = (*MemoryDeadLetter)(nil)
	_ DeadLetterSink      = (*BlobDeadLetter)(nil)
)
