package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, StoreModePostgres, cfg.Store.Mode)
	assert.Equal(t, 25, cfg.Batch.Size)
	assert.Equal(t, 3, cfg.Batch.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Batch.BaseDelay)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, SnapshotBackendMemory, cfg.Snapshot.Backend)
	assert.Equal(t, 15*time.Minute, cfg.JWTExpiry)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("EVENT_STORE_MODE", "dynamo")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BATCH_BASE_DELAY", "250ms")
	t.Setenv("SNAPSHOT_BACKEND", "s3")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, StoreModeDynamo, cfg.Store.Mode)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.BaseDelay)
	assert.Equal(t, SnapshotBackendS3, cfg.Snapshot.Backend)
}

func TestLoad_RejectsOversizedBatch(t *testing.T) {
	t.Setenv("BATCH_SIZE", "26")

	_, err := Load()

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store mode", func(c *Config) { c.Store.Mode = "cassandra" }},
		{"unknown snapshot backend", func(c *Config) { c.Snapshot.Backend = "gcs" }},
		{"negative retries", func(c *Config) { c.Batch.MaxRetries = -1 }},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }},
		{"zero jwt expiry", func(c *Config) { c.JWTExpiry = 0 }},
		{"unknown mirror", func(c *Config) { c.Mirror.Backend = "memcached" }},
		{"sql mirror without sql log", func(c *Config) {
			c.Store.Mode = StoreModeDynamo
			c.Mirror.Backend = MirrorSQL
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
