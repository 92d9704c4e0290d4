package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, name string) *SQLiteSyncStorage {
	t.Helper()
	storage, err := NewSQLiteSyncStorage(nil, "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestSQLiteStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, newTestStorage(t, "teststorage"))
}

func TestRollbackDiscardsWrites(t *testing.T) {
	(&store.StoreTest{}).TestRollbackDiscardsWrites(t, newTestStorage(t, "testrollback"))
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "sync.db")
	clientID := uuid.New()
	versionID := uuid.New()

	storage, err := NewSQLiteSyncStorage(nil, file)
	require.NoError(t, err, "failed to connect")
	txn, err := storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.AddVersion(ctx, clientID, versionID, store.NilVersionID, []byte("data")))
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, storage.Close())

	// migrations already ran, opening again must not fail
	storage, err = NewSQLiteSyncStorage(nil, file)
	require.NoError(t, err, "failed to reconnect")
	defer storage.Close()
	txn, err = storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	defer txn.Rollback(ctx)
	version, err := txn.GetVersionByParent(ctx, clientID, store.NilVersionID)
	require.NoError(t, err)
	require.Equal(t, &store.Version{
		VersionID:       versionID,
		ParentVersionID: store.NilVersionID,
		HistorySegment:  []byte("data"),
	}, version)
}

func TestSnapshotTimestampPrecision(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t, "testtimestamps")
	clientID := uuid.New()
	ts := time.Date(2300, 1, 1, 12, 30, 45, 123456789, time.UTC)

	txn, err := storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.SetSnapshot(ctx, clientID, store.Snapshot{VersionID: uuid.New(), Timestamp: ts}, nil))
	require.NoError(t, txn.Commit(ctx))

	txn, err = storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	defer txn.Rollback(ctx)
	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.Equal(t, ts, client.Snapshot.Timestamp)
}
