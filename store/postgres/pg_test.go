package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/breez/sync-storage/store"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *PgSyncStorage {
	t.Helper()
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	storage, err := NewPGSyncStorage(context.Background(), nil, databaseURL)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestPgStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, newTestStorage(t))
}

func TestRollbackDiscardsWrites(t *testing.T) {
	(&store.StoreTest{}).TestRollbackDiscardsWrites(t, newTestStorage(t))
}

// migrations open the database through database/sql, which needs the pgx v5
// driver registered without a server to connect to
func TestMigrationDriverRegistered(t *testing.T) {
	require.Contains(t, sql.Drivers(), "pgx/v5")
	db, err := sql.Open("pgx/v5", "postgres://localhost/sync")
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
