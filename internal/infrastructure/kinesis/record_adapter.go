package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/codehost/internal/infrastructure/store"
)

// Record is one converted stream record together with the sequence number
// needed to report it as a batch item failure.
type Record struct {
	SequenceNumber string
	Event          store.Event
}

// Failure is a record that could not be converted.
type Failure struct {
	SequenceNumber string
	Err            error
}

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to store.Event.
// It returns nil for anything other than an INSERT: the log never modifies items.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}

	if dynamoDBRecord.EventName != "INSERT" {
		return nil, nil
	}

	return convertDynamoDBImage(dynamoDBRecord.Change.NewImage)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to store.Event.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}

	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage extracts event data from DynamoDB attribute values
// and decodes compressed payloads.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	event := &store.Event{}

	if v, ok := image["id"]; ok {
		event.ID = v.String()
	}
	if v, ok := image["aggregate_id"]; ok {
		event.AggregateID = v.String()
	}
	if v, ok := image["aggregate_type"]; ok {
		event.AggregateType = v.String()
	}
	if v, ok := image["event_type"]; ok {
		event.EventType = v.String()
	}
	if v, ok := image["data"]; ok {
		var encoding string
		if enc, ok := image["encoding"]; ok {
			encoding = enc.String()
		}
		data, err := store.DecodeStoredPayload(encoding, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to decode data: %w", err)
		}
		event.Data = json.RawMessage(data)
	}
	if v, ok := image["created_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		event.Timestamp = t
	}
	if v, ok := image["version"]; ok {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		event.Version = int(version)
	}
	if v, ok := image["seq"]; ok {
		seq, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse seq: %w", err)
		}
		event.Sequence = seq
	}

	if event.ID == "" || event.AggregateID == "" || event.EventType == "" {
		return nil, fmt.Errorf("missing required fields: id=%s, aggregate_id=%s, event_type=%s",
			event.ID, event.AggregateID, event.EventType)
	}

	return event, nil
}

// BatchConvertFromKinesisEvent converts all records of a Kinesis event.
// Non-INSERT records are skipped without being reported.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]Record, []Failure) {
	var records []Record
	var failures []Failure

	for _, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			failures = append(failures, Failure{
				SequenceNumber: record.Kinesis.SequenceNumber,
				Err:            fmt.Errorf("record %s: %w", record.EventID, err),
			})
			continue
		}
		if event != nil {
			records = append(records, Record{SequenceNumber: record.Kinesis.SequenceNumber, Event: *event})
		}
	}

	return records, failures
}
