package store_test

import (
	"context"
	"testing"

	"github.com/breez/sync-storage/metrics"
	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrumentedStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, store.Instrument(memory.NewMemoryStorage()))
}

func TestInstrumentedCounters(t *testing.T) {
	ctx := context.Background()
	storage := store.Instrument(memory.NewMemoryStorage())

	addVersionOK := metrics.OperationCounter.WithLabelValues("add_version", metrics.StatusSuccess)
	addVersionErr := metrics.OperationCounter.WithLabelValues("add_version", metrics.StatusError)
	commits := metrics.TxnFinishCounter.WithLabelValues(metrics.OutcomeCommit)
	rollbacks := metrics.TxnFinishCounter.WithLabelValues(metrics.OutcomeRollback)

	okBefore := testutil.ToFloat64(addVersionOK)
	errBefore := testutil.ToFloat64(addVersionErr)
	commitsBefore := testutil.ToFloat64(commits)
	rollbacksBefore := testutil.ToFloat64(rollbacks)

	clientID := uuid.New()
	txn, err := storage.Txn(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.AddVersion(ctx, clientID, uuid.New(), store.NilVersionID, nil))
	require.Error(t, txn.AddVersion(ctx, uuid.New(), uuid.New(), store.NilVersionID, nil))
	require.NoError(t, txn.Commit(ctx))
	require.ErrorIs(t, txn.Commit(ctx), store.ErrDoubleCommit)
	require.NoError(t, txn.Rollback(ctx))

	txn, err = storage.Txn(ctx)
	require.NoError(t, err)
	_, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))

	require.Equal(t, okBefore+1, testutil.ToFloat64(addVersionOK))
	require.Equal(t, errBefore+1, testutil.ToFloat64(addVersionErr))
	require.Equal(t, commitsBefore+1, testutil.ToFloat64(commits))
	require.Equal(t, rollbacksBefore+1, testutil.ToFloat64(rollbacks))
}
