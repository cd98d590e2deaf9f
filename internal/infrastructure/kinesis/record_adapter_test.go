package kinesis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repositoryImage(id string, data string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"id":             events.NewStringAttribute(id),
		"aggregate_id":   events.NewStringAttribute("repo-456"),
		"aggregate_type": events.NewStringAttribute("Repository"),
		"event_type":     events.NewStringAttribute("RepositoryCreated"),
		"data":           events.NewStringAttribute(data),
		"created_at":     events.NewStringAttribute("2024-01-15T10:30:00.123456789Z"),
		"version":        events.NewNumberAttribute("1"),
		"seq":            events.NewNumberAttribute("42"),
	}
}

func TestConvertDynamoDBImage(t *testing.T) {
	compressed, err := store.EncodePayload([]byte(`{"name":"codehost"}`))
	require.NoError(t, err)
	gzipImage := repositoryImage("event-123", compressed)
	gzipImage["encoding"] = events.NewStringAttribute(store.EncodingGzipBase64)

	badEncoding := repositoryImage("event-123", "{}")
	badEncoding["encoding"] = events.NewStringAttribute("zstd")

	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantErr bool
	}{
		{
			name:  "plain payload",
			image: repositoryImage("event-123", `{"name":"codehost"}`),
		},
		{
			name:  "compressed payload",
			image: gzipImage,
		},
		{
			name:    "unknown encoding",
			image:   badEncoding,
			wantErr: true,
		},
		{
			name:    "nil image",
			image:   nil,
			wantErr: true,
		},
		{
			name: "missing required fields",
			image: map[string]events.DynamoDBAttributeValue{
				"id": events.NewStringAttribute("event-123"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, "event-123", event.ID)
			assert.Equal(t, "repo-456", event.AggregateID)
			assert.Equal(t, "Repository", event.AggregateType)
			assert.Equal(t, "RepositoryCreated", event.EventType)
			assert.Equal(t, 1, event.Version)
			assert.Equal(t, int64(42), event.Sequence)
			assert.JSONEq(t, `{"name":"codehost"}`, string(event.Data))
		})
	}
}

func TestConvertFromDynamoDBStreamRecord(t *testing.T) {
	t.Run("INSERT event converts successfully", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: repositoryImage("event-123", `{}`)},
		}

		event, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "event-123", event.ID)
	})

	for _, name := range []string{"MODIFY", "REMOVE"} {
		t.Run(name+" event returns nil", func(t *testing.T) {
			event, err := ConvertFromDynamoDBStreamRecord(events.DynamoDBEventRecord{EventName: name})
			require.NoError(t, err)
			assert.Nil(t, event)
		})
	}
}

func TestBatchConvertFromKinesisEvent(t *testing.T) {
	validRecord := events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"id":             events.NewStringAttribute("event-1"),
				"aggregate_id":   events.NewStringAttribute("repo-1"),
				"aggregate_type": events.NewStringAttribute("Repository"),
				"event_type":     events.NewStringAttribute("RepositoryCreated"),
				"data":           events.NewStringAttribute(`{}`),
				"created_at":     events.NewStringAttribute(time.Now().UTC().Format(time.RFC3339Nano)),
				"version":        events.NewNumberAttribute("1"),
			},
		},
	}
	validJSON, err := json.Marshal(validRecord)
	require.NoError(t, err)
	modifyJSON, err := json.Marshal(events.DynamoDBEventRecord{EventName: "MODIFY"})
	require.NoError(t, err)

	kinesisEvent := events.KinesisEvent{
		Records: []events.KinesisEventRecord{
			{EventID: "1", Kinesis: events.KinesisRecord{SequenceNumber: "s1", Data: validJSON}},
			{EventID: "2", Kinesis: events.KinesisRecord{SequenceNumber: "s2", Data: modifyJSON}},
			{EventID: "3", Kinesis: events.KinesisRecord{SequenceNumber: "s3", Data: []byte("invalid json")}},
		},
	}

	records, failures := BatchConvertFromKinesisEvent(kinesisEvent)

	require.Len(t, records, 1)
	assert.Equal(t, "event-1", records[0].Event.ID)
	assert.Equal(t, "s1", records[0].SequenceNumber)
	require.Len(t, failures, 1)
	assert.Equal(t, "s3", failures[0].SequenceNumber)
}
