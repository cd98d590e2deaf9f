package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/codehost/internal/platform/logger"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const eventColumns = "id, aggregate_id, aggregate_type, event_type, data, version, seq, created_at"

// SQLEventStore is the synchronous relational log: Append returns only after
// the row is committed.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	seq     *Sequencer
	locks   keyedMutex
	outbox  *publishQueue
	log     *logger.Logger
}

func NewSQLEventStore(db *sql.DB, dialect Dialect, publisher Publisher, log *logger.Logger) *SQLEventStore {
	log = log.With("component", "SQLEventStore", "dialect", dialect.Name)
	return &SQLEventStore{
		db:      db,
		dialect: dialect,
		seq:     NewSequencer(),
		outbox:  newPublishQueue(publisher, log),
		log:     log,
	}
}

// Migrate creates the events table and its indexes.
func (es *SQLEventStore) Migrate(ctx context.Context) error {
	for _, stmt := range es.dialect.Schema {
		if _, err := es.db.ExecContext(ctx, stmt); err != nil {
			return persistenceErr("migrate", err)
		}
	}
	return nil
}

// Append inserts the event inside a transaction that first checks the
// aggregate's current version. Appends to one aggregate are serialized in
// process so committed events are published in version order.
func (es *SQLEventStore) Append(ctx context.Context, event *Event, expectedVersion int) error {
	unlock := es.locks.Lock(event.AggregateID)
	err := es.insert(ctx, event, expectedVersion)
	if err == nil {
		es.outbox.push(*event)
	}
	unlock()
	if err != nil {
		return err
	}

	es.outbox.drain(ctx, event.AggregateID)
	return nil
}

func (es *SQLEventStore) insert(ctx context.Context, event *Event, expectedVersion int) error {
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("append", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int
	err = tx.QueryRowContext(ctx,
		es.dialect.bind("SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?"),
		event.AggregateID,
	).Scan(&current)
	if err != nil {
		return persistenceErr("append", err)
	}
	if current != expectedVersion {
		return conflictErr(event.AggregateID, expectedVersion, current)
	}

	version := current + 1
	sequence := es.seq.Next()
	_, err = tx.ExecContext(ctx,
		es.dialect.bind(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		string(event.Data),
		version,
		sequence,
		event.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		if es.dialect.IsUniqueViolation(err) {
			return conflictErr(event.AggregateID, expectedVersion, version)
		}
		return persistenceErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return persistenceErr("append", err)
	}

	event.Version = version
	event.Sequence = sequence
	return nil
}

// LoadForAggregate returns all events for an aggregate in log order
func (es *SQLEventStore) LoadForAggregate(ctx context.Context, aggregateID string, opts LoadOptions) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE aggregate_id = ? AND version > ?`
	args := []any{aggregateID, opts.AfterVersion}
	if !opts.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, opts.Since.UTC().UnixNano())
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	return es.query(ctx, "load aggregate", query, args...)
}

// LoadAllOfType returns every event of one type
func (es *SQLEventStore) LoadAllOfType(ctx context.Context, eventType string) ([]Event, error) {
	return es.query(ctx, "load type",
		`SELECT `+eventColumns+` FROM events WHERE event_type = ? ORDER BY created_at ASC, seq ASC`,
		eventType,
	)
}

// QueryByPayload filters by a top-level string field of the payload
func (es *SQLEventStore) QueryByPayload(ctx context.Context, q PayloadQuery) ([]Event, error) {
	return es.query(ctx, "query payload",
		`SELECT `+eventColumns+` FROM events WHERE event_type = ? AND `+es.dialect.PayloadField("?")+` = ? ORDER BY created_at ASC, seq ASC`,
		q.EventType, es.dialect.PayloadFieldArg(q.Field), q.Value,
	)
}

// LoadAll returns all events
func (es *SQLEventStore) LoadAll(ctx context.Context) ([]Event, error) {
	return es.query(ctx, "load all",
		`SELECT `+eventColumns+` FROM events ORDER BY created_at ASC, seq ASC`,
	)
}

// Purge deletes every row of the aggregate.
func (es *SQLEventStore) Purge(ctx context.Context, aggregateID string) error {
	res, err := es.db.ExecContext(ctx, es.dialect.bind(`DELETE FROM events WHERE aggregate_id = ?`), aggregateID)
	if err != nil {
		return persistenceErr("purge", err)
	}
	n, _ := res.RowsAffected()
	es.log.Warn("aggregate purged", "aggregate_id", aggregateID, "rows", n)
	return nil
}

func (es *SQLEventStore) query(ctx context.Context, op, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, es.dialect.bind(query), args...)
	if err != nil {
		return nil, persistenceErr(op, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &data, &e.Version, &e.Sequence, &createdAt); err != nil {
			return nil, persistenceErr(op, err)
		}
		e.Data = append([]byte(nil), data...)
		e.Timestamp = time.Unix(0, createdAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr(op, err)
	}
	return events, nil
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// OpenSQLite opens (creating if needed) an SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	return db, nil
}

var (
	_ EventStoreInterface = (*SQLEventStore)(nil)
	_ Purger              = (*SQLEventStore)(nil)
)
