package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/example/codehost/internal/infrastructure/store"

// TracedEventStore wraps another store and records one span per call.
type TracedEventStore struct {
	inner  EventStoreInterface
	tracer trace.Tracer
}

// NewTracedEventStore uses the global tracer provider when tp is nil.
func NewTracedEventStore(inner EventStoreInterface, tp trace.TracerProvider) *TracedEventStore {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedEventStore{inner: inner, tracer: tp.Tracer(tracerName)}
}

func (s *TracedEventStore) Append(ctx context.Context, event *Event, expectedVersion int) error {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(
		attribute.String("aggregate.id", event.AggregateID),
		attribute.String("aggregate.type", event.AggregateType),
		attribute.String("event.type", event.EventType),
		attribute.Int("event.expected_version", expectedVersion),
	))
	defer span.End()

	err := s.inner.Append(ctx, event, expectedVersion)
	if err == nil {
		span.SetAttributes(attribute.Int("event.version", event.Version))
	}
	return record(span, err)
}

func (s *TracedEventStore) LoadForAggregate(ctx context.Context, aggregateID string, opts LoadOptions) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.LoadForAggregate", trace.WithAttributes(
		attribute.String("aggregate.id", aggregateID),
		attribute.Int("load.after_version", opts.AfterVersion),
	))
	defer span.End()

	events, err := s.inner.LoadForAggregate(ctx, aggregateID, opts)
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, record(span, err)
}

func (s *TracedEventStore) LoadAllOfType(ctx context.Context, eventType string) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.LoadAllOfType", trace.WithAttributes(
		attribute.String("event.type", eventType),
	))
	defer span.End()

	events, err := s.inner.LoadAllOfType(ctx, eventType)
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, record(span, err)
}

func (s *TracedEventStore) QueryByPayload(ctx context.Context, q PayloadQuery) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.QueryByPayload", trace.WithAttributes(
		attribute.String("event.type", q.EventType),
		attribute.String("payload.field", q.Field),
	))
	defer span.End()

	events, err := s.inner.QueryByPayload(ctx, q)
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, record(span, err)
}

func (s *TracedEventStore) LoadAll(ctx context.Context) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.LoadAll")
	defer span.End()

	events, err := s.inner.LoadAll(ctx)
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, record(span, err)
}

// OnDurable forwards to the wrapped store. Stores that append synchronously
// hold every appended event durably, so fn runs at once.
func (s *TracedEventStore) OnDurable(event Event, fn func()) {
	if n, ok := s.inner.(DurabilityNotifier); ok {
		n.OnDurable(event, fn)
		return
	}
	fn()
}

func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

var (
	_ EventStoreInterface = (*TracedEventStore)(nil)
	_ DurabilityNotifier  = (*TracedEventStore)(nil)
)
