package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLReadStore keeps read models as JSON documents in a read_models table.
type SQLReadStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLReadStore(db *sql.DB, dialect Dialect) *SQLReadStore {
	return &SQLReadStore{db: db, dialect: dialect}
}

// Migrate creates the read_models table.
func (rs *SQLReadStore) Migrate(ctx context.Context) error {
	_, err := rs.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS read_models (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	)`)
	if err != nil {
		return persistenceErr("migrate read models", err)
	}
	return nil
}

func (rs *SQLReadStore) Set(ctx context.Context, collection, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	_, err = rs.db.ExecContext(ctx, rs.dialect.bind(`
		INSERT INTO read_models (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data`),
		collection, id, string(raw))
	if err != nil {
		return persistenceErr("set read model", err)
	}
	return nil
}

func (rs *SQLReadStore) Get(ctx context.Context, collection, id string, dst any) error {
	var raw string
	err := rs.db.QueryRowContext(ctx, rs.dialect.bind(
		`SELECT data FROM read_models WHERE collection = ? AND id = ?`), collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReadModelNotFound
	}
	if err != nil {
		return persistenceErr("get read model", err)
	}
	return json.Unmarshal([]byte(raw), dst)
}

func (rs *SQLReadStore) Delete(ctx context.Context, collection, id string) error {
	_, err := rs.db.ExecContext(ctx, rs.dialect.bind(
		`DELETE FROM read_models WHERE collection = ? AND id = ?`), collection, id)
	if err != nil {
		return persistenceErr("delete read model", err)
	}
	return nil
}

var _ ReadStoreInterface = (*SQLReadStore)(nil)
