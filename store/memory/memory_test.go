package memory

import (
	"context"
	"testing"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, NewMemoryStorage())
}

func TestRollbackWithWritesPanics(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	clientID := uuid.New()

	txn, err := storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID), "failed to call NewClient")
	require.PanicsWithError(t, store.ErrUnfinalizedWriteTransaction.Error(), func() {
		_ = txn.Rollback(ctx)
	})

	// the lock is released and the write was made in place
	txn, err = storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	defer txn.Rollback(ctx)
	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.NotNil(t, client)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	clientID := uuid.New()
	versionID := uuid.New()
	segment := []byte("abc")

	txn, err := storage.Txn(ctx)
	require.NoError(t, err, "failed to begin transaction")
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.AddVersion(ctx, clientID, versionID, store.NilVersionID, segment))
	segment[0] = 'x'

	version, err := txn.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), version.HistorySegment)
	version.HistorySegment[0] = 'y'

	version, err = txn.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), version.HistorySegment)
	require.NoError(t, txn.Commit(ctx))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStorage().Txn(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
