package store

import (
	"context"
	"time"

	"github.com/breez/sync-storage/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Instrument wraps a Storage so that its transactions and operations are
// recorded in the prometheus metrics.
func Instrument(storage Storage) Storage {
	return &instrumentedStorage{Storage: storage}
}

type instrumentedStorage struct {
	Storage
}

func (s *instrumentedStorage) Txn(ctx context.Context) (Txn, error) {
	txn, err := s.Storage.Txn(ctx)
	metrics.TxnBeginCounter.WithLabelValues(status(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &instrumentedTxn{txn: txn, start: time.Now()}, nil
}

type instrumentedTxn struct {
	txn       Txn
	start     time.Time
	written   bool
	finalized bool
}

func status(err error) string {
	if err != nil {
		return metrics.StatusError
	}
	return metrics.StatusSuccess
}

func observe(op string, start time.Time, err error) {
	s := status(err)
	metrics.OperationCounter.WithLabelValues(op, s).Inc()
	metrics.OperationDuration.WithLabelValues(op, s).Observe(time.Since(start).Seconds())
}

func (t *instrumentedTxn) write(err error) {
	if err == nil {
		t.written = true
	}
}

func (t *instrumentedTxn) finish(outcome string) {
	t.finalized = true
	metrics.TxnFinishCounter.WithLabelValues(outcome).Inc()
	metrics.TxnDuration.WithLabelValues(outcome).Observe(time.Since(t.start).Seconds())
}

func (t *instrumentedTxn) GetClient(ctx context.Context, clientID uuid.UUID) (client *Client, err error) {
	defer func(start time.Time) { observe("get_client", start, err) }(time.Now())
	return t.txn.GetClient(ctx, clientID)
}

func (t *instrumentedTxn) NewClient(ctx context.Context, clientID, latestVersionID uuid.UUID) (err error) {
	defer func(start time.Time) {
		observe("new_client", start, err)
		t.write(err)
	}(time.Now())
	return t.txn.NewClient(ctx, clientID, latestVersionID)
}

func (t *instrumentedTxn) SetSnapshot(ctx context.Context, clientID uuid.UUID, snapshot Snapshot, data []byte) (err error) {
	defer func(start time.Time) {
		observe("set_snapshot", start, err)
		t.write(err)
	}(time.Now())
	return t.txn.SetSnapshot(ctx, clientID, snapshot, data)
}

func (t *instrumentedTxn) GetSnapshotData(ctx context.Context, clientID, versionID uuid.UUID) (data []byte, err error) {
	defer func(start time.Time) { observe("get_snapshot_data", start, err) }(time.Now())
	return t.txn.GetSnapshotData(ctx, clientID, versionID)
}

func (t *instrumentedTxn) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (version *Version, err error) {
	defer func(start time.Time) { observe("get_version_by_parent", start, err) }(time.Now())
	return t.txn.GetVersionByParent(ctx, clientID, parentVersionID)
}

func (t *instrumentedTxn) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (version *Version, err error) {
	defer func(start time.Time) { observe("get_version", start, err) }(time.Now())
	return t.txn.GetVersion(ctx, clientID, versionID)
}

func (t *instrumentedTxn) AddVersion(ctx context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) (err error) {
	defer func(start time.Time) {
		observe("add_version", start, err)
		t.write(err)
	}(time.Now())
	return t.txn.AddVersion(ctx, clientID, versionID, parentVersionID, historySegment)
}

func (t *instrumentedTxn) Commit(ctx context.Context) error {
	err := t.txn.Commit(ctx)
	if t.finalized {
		return err
	}
	switch {
	case err == nil:
		t.finish(metrics.OutcomeCommit)
	case errors.Is(err, ErrDoubleCommit), errors.Is(err, ErrTxnDone):
	default:
		t.finish(metrics.OutcomeCommitFailed)
	}
	return err
}

func (t *instrumentedTxn) Rollback(ctx context.Context) error {
	if !t.finalized {
		outcome := metrics.OutcomeRollback
		if t.written {
			outcome = metrics.OutcomeDiscardedWrites
		}
		t.finish(outcome)
	}
	return t.txn.Rollback(ctx)
}
