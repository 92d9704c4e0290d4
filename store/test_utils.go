package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// StoreTest holds the behaviour every Storage implementation must share.
// Backend packages call its methods from their own tests.
type StoreTest struct{}

// RunAll runs every test that does not depend on how a backend discards
// uncommitted writes.
func (s *StoreTest) RunAll(t *testing.T, storage Storage) {
	t.Run("GetClientEmpty", func(t *testing.T) { s.TestGetClientEmpty(t, storage) })
	t.Run("ClientStorage", func(t *testing.T) { s.TestClientStorage(t, storage) })
	t.Run("NewClientTwice", func(t *testing.T) { s.TestNewClientTwice(t, storage) })
	t.Run("MissingClient", func(t *testing.T) { s.TestMissingClient(t, storage) })
	t.Run("GetVersionByParentEmpty", func(t *testing.T) { s.TestGetVersionByParentEmpty(t, storage) })
	t.Run("AddVersionAndGetVersion", func(t *testing.T) { s.TestAddVersionAndGetVersion(t, storage) })
	t.Run("AddVersionTwice", func(t *testing.T) { s.TestAddVersionTwice(t, storage) })
	t.Run("ChildOverwrite", func(t *testing.T) { s.TestChildOverwrite(t, storage) })
	t.Run("VersionsSince", func(t *testing.T) { s.TestVersionsSince(t, storage) })
	t.Run("Snapshots", func(t *testing.T) { s.TestSnapshots(t, storage) })
	t.Run("SnapshotTimestamps", func(t *testing.T) { s.TestSnapshotTimestamps(t, storage) })
	t.Run("Scenario", func(t *testing.T) { s.TestScenario(t, storage) })
	t.Run("CommittedVisibility", func(t *testing.T) { s.TestCommittedVisibility(t, storage) })
	t.Run("Finalization", func(t *testing.T) { s.TestFinalization(t, storage) })
	t.Run("ConcurrentTransactions", func(t *testing.T) { s.TestConcurrentTransactions(t, storage) })
}

func beginTxn(t *testing.T, storage Storage) Txn {
	t.Helper()
	txn, err := storage.Txn(context.Background())
	require.NoError(t, err, "failed to begin transaction")
	t.Cleanup(func() { _ = txn.Rollback(context.Background()) })
	return txn
}

func requireSnapshot(t *testing.T, expected Snapshot, actual *Snapshot) {
	t.Helper()
	require.NotNil(t, actual, "expected a snapshot")
	require.Equal(t, expected.VersionID, actual.VersionID)
	require.Equal(t, expected.VersionsSince, actual.VersionsSince)
	require.True(t, expected.Timestamp.Equal(actual.Timestamp), "timestamps differ: %v != %v", expected.Timestamp, actual.Timestamp)
}

func newSnapshot(versionID uuid.UUID, versionsSince uint32) Snapshot {
	return Snapshot{
		VersionID:     versionID,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		VersionsSince: versionsSince,
	}
}

func (s *StoreTest) TestGetClientEmpty(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	client, err := txn.GetClient(ctx, uuid.New())
	require.NoError(t, err, "failed to call GetClient")
	require.Nil(t, client)
	require.NoError(t, txn.Rollback(ctx), "read only transaction should roll back")
}

func (s *StoreTest) TestClientStorage(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	latestVersionID := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, latestVersionID), "failed to call NewClient")

	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, &Client{LatestVersionID: latestVersionID}, client)

	latestVersionID = uuid.New()
	require.NoError(t, txn.AddVersion(ctx, clientID, latestVersionID, uuid.New(), []byte{1, 1}), "failed to call AddVersion")

	client, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, latestVersionID, client.LatestVersionID)
	require.Nil(t, client.Snapshot)

	snap := newSnapshot(uuid.New(), 4)
	require.NoError(t, txn.SetSnapshot(ctx, clientID, snap, []byte{1, 2, 3}), "failed to call SetSnapshot")

	client, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, latestVersionID, client.LatestVersionID)
	requireSnapshot(t, snap, client.Snapshot)

	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestNewClientTwice(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	err := txn.NewClient(ctx, clientID, uuid.New())
	require.True(t, errors.Is(err, ErrClientAlreadyExists), "expected ErrClientAlreadyExists, got %v", err)

	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, NilVersionID, client.LatestVersionID)
	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestMissingClient(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	err := txn.AddVersion(ctx, clientID, uuid.New(), NilVersionID, []byte("abc"))
	require.True(t, errors.Is(err, ErrClientNotFound), "AddVersion: expected ErrClientNotFound, got %v", err)

	err = txn.SetSnapshot(ctx, clientID, newSnapshot(uuid.New(), 0), []byte("snap"))
	require.True(t, errors.Is(err, ErrClientNotFound), "SetSnapshot: expected ErrClientNotFound, got %v", err)

	_, err = txn.GetSnapshotData(ctx, clientID, uuid.New())
	require.True(t, errors.Is(err, ErrClientNotFound), "GetSnapshotData: expected ErrClientNotFound, got %v", err)

	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Nil(t, client)
	require.NoError(t, txn.Rollback(ctx), "transaction without successful writes should roll back")
}

func (s *StoreTest) TestGetVersionByParentEmpty(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	version, err := txn.GetVersionByParent(ctx, uuid.New(), uuid.New())
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Nil(t, version)

	version, err = txn.GetVersion(ctx, uuid.New(), uuid.New())
	require.NoError(t, err, "failed to call GetVersion")
	require.Nil(t, version)
}

func (s *StoreTest) TestAddVersionAndGetVersion(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	versionID := uuid.New()
	parentVersionID := uuid.New()
	historySegment := []byte("abc")

	require.NoError(t, txn.NewClient(ctx, clientID, parentVersionID), "failed to call NewClient")
	require.NoError(t, txn.AddVersion(ctx, clientID, versionID, parentVersionID, historySegment), "failed to call AddVersion")

	expected := &Version{
		VersionID:       versionID,
		ParentVersionID: parentVersionID,
		HistorySegment:  historySegment,
	}

	version, err := txn.GetVersionByParent(ctx, clientID, parentVersionID)
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Equal(t, expected, version)

	version, err = txn.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err, "failed to call GetVersion")
	require.Equal(t, expected, version)

	// versions are scoped to their client
	version, err = txn.GetVersion(ctx, uuid.New(), versionID)
	require.NoError(t, err, "failed to call GetVersion")
	require.Nil(t, version)

	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestAddVersionTwice(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	versionID := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.AddVersion(ctx, clientID, versionID, NilVersionID, []byte("first")), "failed to call AddVersion")

	err := txn.AddVersion(ctx, clientID, versionID, uuid.New(), []byte("second"))
	require.True(t, errors.Is(err, ErrVersionAlreadyExists), "expected ErrVersionAlreadyExists, got %v", err)

	version, err := txn.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err, "failed to call GetVersion")
	require.Equal(t, []byte("first"), version.HistorySegment)
	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestChildOverwrite(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.AddVersion(ctx, clientID, first, NilVersionID, []byte("a")), "failed to call AddVersion")
	require.NoError(t, txn.AddVersion(ctx, clientID, second, NilVersionID, []byte("b")), "failed to call AddVersion")

	version, err := txn.GetVersionByParent(ctx, clientID, NilVersionID)
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Equal(t, second, version.VersionID)

	// the replaced child is still reachable by its own id
	version, err = txn.GetVersion(ctx, clientID, first)
	require.NoError(t, err, "failed to call GetVersion")
	require.Equal(t, []byte("a"), version.HistorySegment)
	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestVersionsSince(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	v1 := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.AddVersion(ctx, clientID, v1, NilVersionID, []byte("a")), "failed to call AddVersion")

	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Nil(t, client.Snapshot, "AddVersion must not create a snapshot")

	snap := newSnapshot(v1, 5)
	require.NoError(t, txn.SetSnapshot(ctx, clientID, snap, []byte("snap")), "failed to call SetSnapshot")

	parent := v1
	for i := 0; i < 3; i++ {
		next := uuid.New()
		require.NoError(t, txn.AddVersion(ctx, clientID, next, parent, []byte{byte(i)}), "failed to call AddVersion")
		parent = next
	}

	client, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	snap.VersionsSince = 8
	requireSnapshot(t, snap, client.Snapshot)
	require.Equal(t, parent, client.LatestVersionID)
	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

func (s *StoreTest) TestSnapshots(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	clientID := uuid.New()
	require.NoError(t, txn.NewClient(ctx, clientID, uuid.New()), "failed to call NewClient")

	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Nil(t, client.Snapshot)

	_, err = txn.GetSnapshotData(ctx, clientID, uuid.New())
	require.True(t, errors.Is(err, ErrSnapshotMismatch), "no snapshot: expected ErrSnapshotMismatch, got %v", err)

	snap := newSnapshot(uuid.New(), 3)
	require.NoError(t, txn.SetSnapshot(ctx, clientID, snap, []byte{9, 8, 9}), "failed to call SetSnapshot")

	data, err := txn.GetSnapshotData(ctx, clientID, snap.VersionID)
	require.NoError(t, err, "failed to call GetSnapshotData")
	require.Equal(t, []byte{9, 8, 9}, data)
	client, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	requireSnapshot(t, snap, client.Snapshot)

	snap2 := newSnapshot(uuid.New(), 10)
	require.NoError(t, txn.SetSnapshot(ctx, clientID, snap2, []byte{0, 2, 4, 6}), "failed to call SetSnapshot")

	data, err = txn.GetSnapshotData(ctx, clientID, snap2.VersionID)
	require.NoError(t, err, "failed to call GetSnapshotData")
	require.Equal(t, []byte{0, 2, 4, 6}, data)
	client, err = txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	requireSnapshot(t, snap2, client.Snapshot)

	_, err = txn.GetSnapshotData(ctx, clientID, snap.VersionID)
	require.True(t, errors.Is(err, ErrSnapshotMismatch), "superseded snapshot: expected ErrSnapshotMismatch, got %v", err)
	_, err = txn.GetSnapshotData(ctx, clientID, uuid.New())
	require.True(t, errors.Is(err, ErrSnapshotMismatch), "random version: expected ErrSnapshotMismatch, got %v", err)

	require.NoError(t, txn.Commit(ctx), "failed to commit")
}

// TestSnapshotTimestamps stores timestamps at the edges of what time.Time
// holds. They are whole seconds, so every backend keeps them exactly.
func (s *StoreTest) TestSnapshotTimestamps(t *testing.T, storage Storage) {
	ctx := context.Background()
	timestamps := []time.Time{
		{},
		time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2300, 1, 1, 12, 30, 45, 0, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
	}

	for _, ts := range timestamps {
		clientID := uuid.New()
		snap := Snapshot{VersionID: uuid.New(), Timestamp: ts, VersionsSince: 2}

		txn := beginTxn(t, storage)
		require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
		require.NoError(t, txn.SetSnapshot(ctx, clientID, snap, []byte("snap")), "failed to call SetSnapshot")
		require.NoError(t, txn.Commit(ctx), "failed to commit")

		txn = beginTxn(t, storage)
		client, err := txn.GetClient(ctx, clientID)
		require.NoError(t, err, "failed to call GetClient")
		requireSnapshot(t, snap, client.Snapshot)
		require.NoError(t, txn.Rollback(ctx), "read only transaction should roll back")
	}
}

func (s *StoreTest) TestScenario(t *testing.T, storage Storage) {
	ctx := context.Background()
	c1 := uuid.New()
	v1 := uuid.New()
	v2 := uuid.New()

	txn := beginTxn(t, storage)
	require.NoError(t, txn.NewClient(ctx, c1, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.AddVersion(ctx, c1, v1, NilVersionID, []byte("abc")), "failed to call AddVersion")
	client, err := txn.GetClient(ctx, c1)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, v1, client.LatestVersionID)
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	txn = beginTxn(t, storage)
	require.NoError(t, txn.SetSnapshot(ctx, c1, newSnapshot(v1, 0), []byte("snap1")), "failed to call SetSnapshot")
	require.NoError(t, txn.AddVersion(ctx, c1, v2, v1, []byte("def")), "failed to call AddVersion")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	txn = beginTxn(t, storage)
	client, err = txn.GetClient(ctx, c1)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, v2, client.LatestVersionID)
	require.Equal(t, uint32(1), client.Snapshot.VersionsSince)

	data, err := txn.GetSnapshotData(ctx, c1, v1)
	require.NoError(t, err, "failed to call GetSnapshotData")
	require.Equal(t, []byte("snap1"), data)

	_, err = txn.GetSnapshotData(ctx, c1, v2)
	require.True(t, errors.Is(err, ErrSnapshotMismatch), "expected ErrSnapshotMismatch, got %v", err)

	version, err := txn.GetVersionByParent(ctx, c1, v1)
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Equal(t, &Version{VersionID: v2, ParentVersionID: v1, HistorySegment: []byte("def")}, version)
	require.NoError(t, txn.Rollback(ctx), "read only transaction should roll back")
}

func (s *StoreTest) TestCommittedVisibility(t *testing.T, storage Storage) {
	ctx := context.Background()
	clientID := uuid.New()
	versionID := uuid.New()

	txn := beginTxn(t, storage)
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	txn = beginTxn(t, storage)
	require.NoError(t, txn.AddVersion(ctx, clientID, versionID, NilVersionID, []byte("data")), "failed to call AddVersion")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	txn = beginTxn(t, storage)
	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, &Client{LatestVersionID: versionID}, client)
	version, err := txn.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err, "failed to call GetVersion")
	require.Equal(t, []byte("data"), version.HistorySegment)
}

func (s *StoreTest) TestFinalization(t *testing.T, storage Storage) {
	ctx := context.Background()
	txn := beginTxn(t, storage)

	require.NoError(t, txn.NewClient(ctx, uuid.New(), NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	err := txn.Commit(ctx)
	require.True(t, errors.Is(err, ErrDoubleCommit), "expected ErrDoubleCommit, got %v", err)

	_, err = txn.GetClient(ctx, uuid.New())
	require.True(t, errors.Is(err, ErrTxnDone), "expected ErrTxnDone, got %v", err)
	require.NoError(t, txn.Rollback(ctx), "rollback after commit should be a no-op")

	// read only transactions may be dropped without commit
	txn = beginTxn(t, storage)
	_, err = txn.GetClient(ctx, uuid.New())
	require.NoError(t, err, "failed to call GetClient")
	require.NoError(t, txn.Rollback(ctx), "failed to roll back")
	require.NoError(t, txn.Rollback(ctx), "second rollback should be a no-op")
	err = txn.Commit(ctx)
	require.True(t, errors.Is(err, ErrTxnDone), "expected ErrTxnDone, got %v", err)
}

// TestConcurrentTransactions extends one client's history from many
// goroutines. Every writer adds a child of the latest version it sees, so a
// writer that saw another's uncommitted version, or missed a committed one,
// breaks the chain. A backend may abort a transaction that conflicts; the
// writer then retries.
func (s *StoreTest) TestConcurrentTransactions(t *testing.T, storage Storage) {
	ctx := context.Background()
	clientID := uuid.New()

	txn := beginTxn(t, storage)
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	const writers = 20
	extend := func() error {
		txn, err := storage.Txn(ctx)
		if err != nil {
			return err
		}
		defer txn.Rollback(ctx)
		client, err := txn.GetClient(ctx, clientID)
		if err != nil {
			return err
		}
		if err := txn.AddVersion(ctx, clientID, uuid.New(), client.LatestVersionID, nil); err != nil {
			return err
		}
		return txn.Commit(ctx)
	}

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			// at least one of the conflicting transactions commits, so
			// writers attempts always suffice
			var err error
			for attempt := 0; attempt < writers; attempt++ {
				if err = extend(); err == nil {
					return nil
				}
			}
			return err
		})
	}
	require.NoError(t, g.Wait(), "concurrent writer failed")

	txn = beginTxn(t, storage)
	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")

	parent := NilVersionID
	for i := 0; i < writers; i++ {
		version, err := txn.GetVersionByParent(ctx, clientID, parent)
		require.NoError(t, err, "failed to call GetVersionByParent")
		require.NotNil(t, version, "chain broken after %d versions", i)
		parent = version.VersionID
	}
	require.Equal(t, client.LatestVersionID, parent)
	version, err := txn.GetVersionByParent(ctx, clientID, parent)
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Nil(t, version, "more versions than writers")
}

// TestRollbackDiscardsWrites is for backends that buffer writes until commit.
func (s *StoreTest) TestRollbackDiscardsWrites(t *testing.T, storage Storage) {
	ctx := context.Background()
	clientID := uuid.New()

	txn := beginTxn(t, storage)
	require.NoError(t, txn.NewClient(ctx, clientID, NilVersionID), "failed to call NewClient")
	require.NoError(t, txn.Commit(ctx), "failed to commit")

	txn = beginTxn(t, storage)
	require.NoError(t, txn.AddVersion(ctx, clientID, uuid.New(), NilVersionID, []byte("lost")), "failed to call AddVersion")
	require.NoError(t, txn.SetSnapshot(ctx, clientID, newSnapshot(uuid.New(), 0), []byte("lost")), "failed to call SetSnapshot")
	require.NoError(t, txn.Rollback(ctx), "failed to roll back")

	txn = beginTxn(t, storage)
	client, err := txn.GetClient(ctx, clientID)
	require.NoError(t, err, "failed to call GetClient")
	require.Equal(t, &Client{LatestVersionID: NilVersionID}, client)
	version, err := txn.GetVersionByParent(ctx, clientID, NilVersionID)
	require.NoError(t, err, "failed to call GetVersionByParent")
	require.Nil(t, version)
}
