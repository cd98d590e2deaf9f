package kinesis

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
)

// Relay forwards DynamoDB stream records to a publisher, typically the
// Kafka producer. Failed records are reported back so the stream retries
// only those.
type Relay struct {
	pub store.Publisher
	log *logger.Logger
}

func NewRelay(pub store.Publisher, log *logger.Logger) *Relay {
	return &Relay{pub: pub, log: log.With("component", "Relay")}
}

// Handle publishes every INSERT record of the batch. Once a record of an
// aggregate fails, the later records of that aggregate are failed too so
// a retry cannot deliver them out of order.
func (r *Relay) Handle(ctx context.Context, batch events.KinesisEvent) (events.KinesisEventResponse, error) {
	records, failures := BatchConvertFromKinesisEvent(batch)

	var resp events.KinesisEventResponse
	for _, f := range failures {
		r.log.Warn("record not convertible", "sequence_number", f.SequenceNumber, "error", f.Err)
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: f.SequenceNumber})
	}

	blocked := make(map[string]bool)
	published := 0
	for _, rec := range records {
		if blocked[rec.Event.AggregateID] {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: rec.SequenceNumber})
			continue
		}
		if err := r.pub.Publish(ctx, rec.Event); err != nil {
			r.log.Error("publish failed",
				"event_id", rec.Event.ID,
				"aggregate_id", rec.Event.AggregateID,
				"sequence_number", rec.SequenceNumber,
				"error", err,
			)
			blocked[rec.Event.AggregateID] = true
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: rec.SequenceNumber})
			continue
		}
		published++
	}

	r.log.Info("batch relayed", "records", len(batch.Records), "published", published, "failed", len(resp.BatchItemFailures))
	return resp, nil
}
