package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/codehost/internal/config"
	"github.com/example/codehost/internal/infrastructure/blob"
	"github.com/example/codehost/internal/infrastructure/snapshot"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
)

// EventLog is an opened event store plus what closing it takes.
type EventLog struct {
	Store store.EventStoreInterface
	// DB is set for the relational modes.
	DB *sql.DB

	close func(context.Context) error
}

// Close flushes pending writes and releases connections.
func (l *EventLog) Close(ctx context.Context) error {
	if l.close == nil {
		return nil
	}
	return l.close(ctx)
}

// OpenEventLog builds the event store selected by cfg.Store.Mode.
// Committed events go to pub, which may be nil. In batched mode events
// the store gives up on are written to blobs under deadletter/.
func OpenEventLog(ctx context.Context, cfg config.Config, pub store.Publisher, blobs blob.Store, log *logger.Logger) (*EventLog, error) {
	var el EventLog

	switch cfg.Store.Mode {
	case config.StoreModeMemory:
		el.Store = store.NewMemoryEventStore(log, pub)

	case config.StoreModePostgres, config.StoreModeSQLite:
		db, dialect, err := openSQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		es := store.NewSQLEventStore(db, dialect, pub, log)
		if err := es.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		el.Store, el.DB = es, db
		el.close = func(context.Context) error { return db.Close() }

	case config.StoreModeDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		flushLog := log.With("component", "DynamoFlush")
		es := store.NewDynamoEventStore(dynamodb.NewFromConfig(awsCfg), store.DynamoConfig{
			TableName:      cfg.Store.DynamoTable,
			BatchSize:      cfg.Batch.Size,
			MaxRetries:     cfg.Batch.MaxRetries,
			BaseDelay:      cfg.Batch.BaseDelay,
			FlushInterval:  cfg.Batch.FlushInterval,
			RequestTimeout: cfg.RequestTimeout,
			Publisher:      pub,
			DeadLetter:     store.NewBlobDeadLetter(blobs),
			OnFlush: func(r store.FlushResult) {
				if len(r.Failed) > 0 {
					flushLog.Error("flush dead-lettered events", "written", len(r.Written), "failed", len(r.Failed), "error", r.Err)
					return
				}
				flushLog.Debug("flush complete", "written", len(r.Written))
			},
		}, log)
		el.Store = es
		el.close = es.Close

	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
	return &el, nil
}

func openSQL(ctx context.Context, cfg config.Config) (*sql.DB, store.Dialect, error) {
	if cfg.Store.Mode == config.StoreModeSQLite {
		db, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		return db, store.SQLite, err
	}
	db, err := store.ConnectPostgres(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, store.Dialect{}, fmt.Errorf("connect postgres: %w", err)
	}
	return db, store.Postgres, nil
}

// OpenBlobs builds the blob store selected by cfg.Snapshot.Backend.
func OpenBlobs(ctx context.Context, cfg config.Config, log *logger.Logger) (blob.Store, error) {
	switch cfg.Snapshot.Backend {
	case config.SnapshotBackendMemory:
		return blob.NewMemoryStore(), nil
	case config.SnapshotBackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return blob.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Snapshot.Bucket, cfg.RequestTimeout, log), nil
	case config.SnapshotBackendRedis:
		rdb, err := blob.ConnectRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, err
		}
		return blob.NewRedisStore(rdb, cfg.Redis.Prefix, 0, cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}

// OpenSnapshots returns a snapshot manager over the configured blob store.
func OpenSnapshots(ctx context.Context, cfg config.Config, log *logger.Logger) (*snapshot.Manager, error) {
	blobs, err := OpenBlobs(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return snapshot.NewManager(blobs, cfg.RequestTimeout, log), nil
}

// OpenRedisMirror returns the shared read model mirror. Entries expire
// after ttl unless it is zero.
func OpenRedisMirror(ctx context.Context, cfg config.Config, ttl time.Duration) (*store.BlobReadStore, error) {
	rdb, err := blob.ConnectRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, err
	}
	return store.NewBlobReadStore(blob.NewRedisStore(rdb, cfg.Redis.Prefix, ttl, cfg.RequestTimeout)), nil
}

// OpenMirror returns the read model mirror selected by cfg.Mirror. The SQL
// mirror shares the event log's database; it is nil for other modes. A nil
// mirror with a nil error means mirroring is off.
func OpenMirror(ctx context.Context, cfg config.Config, db *sql.DB) (store.ReadStoreInterface, error) {
	switch cfg.Mirror.Backend {
	case config.MirrorNone:
		return nil, nil
	case config.MirrorMemory:
		return store.NewReadStore(), nil
	case config.MirrorRedis:
		return OpenRedisMirror(ctx, cfg, cfg.Mirror.TTL)
	case config.MirrorSQL:
		if db == nil {
			return nil, fmt.Errorf("sql mirror needs a relational event log, store mode is %q", cfg.Store.Mode)
		}
		dialect := store.Postgres
		if cfg.Store.Mode == config.StoreModeSQLite {
			dialect = store.SQLite
		}
		rs := store.NewSQLReadStore(db, dialect)
		if err := rs.Migrate(ctx); err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown read model mirror %q", cfg.Mirror.Backend)
	}
}
