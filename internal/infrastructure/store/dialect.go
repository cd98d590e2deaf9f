package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// PayloadField renders an expression extracting a top-level string field
	// of the data column; arg is the placeholder carrying the field name.
	PayloadField func(arg string) string

	// PayloadFieldArg adapts the field name before binding.
	PayloadFieldArg func(field string) string

	Schema []string

	IsUniqueViolation func(error) bool
}

// Postgres talks to PostgreSQL through lib/pq.
var Postgres = Dialect{
	Name:            "postgres",
	Placeholder:     func(n int) string { return fmt.Sprintf("$%d", n) },
	PayloadField:    func(arg string) string { return "data->>(" + arg + "::text)" },
	PayloadFieldArg: func(field string) string { return field },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id             UUID PRIMARY KEY,
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			data           JSONB NOT NULL,
			version        INTEGER NOT NULL,
			seq            BIGINT NOT NULL,
			created_at     BIGINT NOT NULL,
			UNIQUE (aggregate_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS events_aggregate_order_idx ON events (aggregate_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS events_order_idx ON events (created_at, seq)`,
	},
	IsUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// SQLite talks to an embedded database through modernc.org/sqlite.
var SQLite = Dialect{
	Name:            "sqlite",
	Placeholder:     func(int) string { return "?" },
	PayloadField:    func(arg string) string { return "json_extract(data, " + arg + ")" },
	PayloadFieldArg: func(field string) string { return "$." + field },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id             TEXT PRIMARY KEY,
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			data           TEXT NOT NULL,
			version        INTEGER NOT NULL,
			seq            INTEGER NOT NULL,
			created_at     INTEGER NOT NULL,
			UNIQUE (aggregate_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS events_aggregate_order_idx ON events (aggregate_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS events_order_idx ON events (created_at, seq)`,
	},
	IsUniqueViolation: func(err error) bool {
		var sqliteErr *msqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
				return true
			}
		}
		return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
	},
}

// bind rewrites a query written with '?' markers into the dialect's style.
func (d Dialect) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
