package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/codehost/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLiteStore(t *testing.T, pub Publisher) *SQLEventStore {
	t.Helper()

	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	es := NewSQLEventStore(db, SQLite, pub, logger.Nop())
	require.NoError(t, es.Migrate(ctx))
	return es
}

func TestSQLEventStore_AppendAndLoad(t *testing.T) {
	pub := &recordingPublisher{}
	es := openSQLiteStore(t, pub)
	ctx := context.Background()

	first := mustEvent(t, "repo-1", "RepositoryCreated", map[string]string{"name": "x", "owner_id": "u1"})
	second := mustEvent(t, "repo-1", "RepositoryUpdated", map[string]string{"name": "y"})

	require.NoError(t, es.Append(ctx, first, 0))
	require.NoError(t, es.Append(ctx, second, 1))

	events, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)
	assert.JSONEq(t, `{"name":"x","owner_id":"u1"}`, string(events[0].Data))
	assert.True(t, first.Timestamp.Equal(events[0].Timestamp))
	assert.Equal(t, first.Sequence, events[0].Sequence)

	assert.Len(t, pub.Published(), 2)
}

func TestSQLEventStore_MigrateIsIdempotent(t *testing.T) {
	es := openSQLiteStore(t, nil)

	assert.NoError(t, es.Migrate(context.Background()))
}

func TestSQLEventStore_VersionConflict(t *testing.T) {
	es := openSQLiteStore(t, nil)
	ctx := context.Background()
	require.NoError(t, es.Append(ctx, mustEvent(t, "repo-1", "RepositoryCreated", nil), 0))

	conflicting := mustEvent(t, "repo-1", "RepositoryUpdated", nil)
	err := es.Append(ctx, conflicting, 0)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Zero(t, conflicting.Version)
	events, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLEventStore_LoadOptions(t *testing.T) {
	es := openSQLiteStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := mustEvent(t, "repo-1", "Touched", map[string]int{"n": i})
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, es.Append(ctx, e, i))
	}

	since, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{Since: base})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	after, err := es.LoadForAggregate(ctx, "repo-1", LoadOptions{AfterVersion: 2})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 3, after[0].Version)
}

func TestSQLEventStore_QueryByPayload(t *testing.T) {
	es := openSQLiteStore(t, nil)
	ctx := context.Background()

	require.NoError(t, es.Append(ctx, mustEvent(t, "u1", "UserCreated", map[string]string{"email": "a@x.io"}), 0))
	require.NoError(t, es.Append(ctx, mustEvent(t, "u2", "UserCreated", map[string]string{"email": "b@x.io"}), 0))

	matches, err := es.QueryByPayload(ctx, PayloadQuery{EventType: "UserCreated", Field: "email", Value: "b@x.io"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "u2", matches[0].AggregateID)

	none, err := es.QueryByPayload(ctx, PayloadQuery{EventType: "UserCreated", Field: "email", Value: "c@x.io"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLEventStore_LoadAllAndPurge(t *testing.T) {
	es := openSQLiteStore(t, nil)
	ctx := context.Background()

	require.NoError(t, es.Append(ctx, mustEvent(t, "u1", "UserCreated", nil), 0))
	require.NoError(t, es.Append(ctx, mustEvent(t, "r1", "RepositoryCreated", nil), 0))
	require.NoError(t, es.Append(ctx, mustEvent(t, "u1", "UserDeleted", nil), 1))

	all, err := es.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Before(all[i-1]), "log must be ordered")
	}

	created, err := es.LoadAllOfType(ctx, "UserCreated")
	require.NoError(t, err)
	assert.Len(t, created, 1)

	require.NoError(t, es.Purge(ctx, "u1"))
	all, err = es.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r1", all[0].AggregateID)
}

func TestDialect_Bind(t *testing.T) {
	q := "SELECT * FROM events WHERE a = ? AND b = ?"

	assert.Equal(t, "SELECT * FROM events WHERE a = $1 AND b = $2", Postgres.bind(q))
	assert.Equal(t, q, SQLite.bind(q))
	assert.Equal(t, "data->>($1::text) = $2", Postgres.bind(Postgres.PayloadField("?")+" = ?"))
	assert.Equal(t, "json_extract(data, ?) = ?", SQLite.PayloadField("?")+" = ?")
	assert.Equal(t, "$.email", SQLite.PayloadFieldArg("email"))
}
