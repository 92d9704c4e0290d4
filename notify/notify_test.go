package notify

import (
	"context"
	"testing"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/memory"
	"github.com/breez/sync-storage/store/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T) *Manager {
	t.Helper()
	quitChan := make(chan struct{})
	m := NewManager(nil)
	m.Start(quitChan)
	t.Cleanup(func() { close(quitChan) })
	return m
}

func receive(t *testing.T, s *Subscription) *VersionAdded {
	t.Helper()
	select {
	case event, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func requireNoEvent(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case event := <-s.Events():
		t.Fatalf("unexpected notification %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyingStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, Wrap(memory.NewMemoryStorage(), startManager(t)))
}

func TestCommittedVersionsArePublished(t *testing.T) {
	ctx := context.Background()
	m := startManager(t)
	storage := Wrap(memory.NewMemoryStorage(), m)

	clientID := uuid.New()
	otherClientID := uuid.New()
	sub := m.Subscribe(clientID)
	defer m.Unsubscribe(sub)

	txn, err := storage.Txn(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.NewClient(ctx, otherClientID, store.NilVersionID))
	v1 := uuid.New()
	require.NoError(t, txn.AddVersion(ctx, clientID, v1, store.NilVersionID, []byte("abc")))
	require.NoError(t, txn.AddVersion(ctx, otherClientID, uuid.New(), store.NilVersionID, []byte("other")))

	// nothing is published before commit
	requireNoEvent(t, sub)
	require.NoError(t, txn.Commit(ctx))

	event := receive(t, sub)
	require.Equal(t, &VersionAdded{
		ClientID: clientID,
		Version: store.Version{
			VersionID:       v1,
			ParentVersionID: store.NilVersionID,
			HistorySegment:  []byte("abc"),
		},
	}, event)
	requireNoEvent(t, sub)
}

func TestRolledBackVersionsAreNotPublished(t *testing.T) {
	ctx := context.Background()
	m := startManager(t)
	inner, err := sqlite.NewSQLiteSyncStorage(nil, "file:notifyrollback?mode=memory&cache=shared")
	require.NoError(t, err)
	storage := Wrap(inner, m)
	defer storage.Close()

	clientID := uuid.New()
	sub := m.Subscribe(clientID)
	defer m.Unsubscribe(sub)

	txn, err := storage.Txn(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.NewClient(ctx, clientID, store.NilVersionID))
	require.NoError(t, txn.AddVersion(ctx, clientID, uuid.New(), store.NilVersionID, []byte("lost")))
	require.NoError(t, txn.Rollback(ctx))

	requireNoEvent(t, sub)
}

func TestUnsubscribeClosesEvents(t *testing.T) {
	m := startManager(t)
	clientID := uuid.New()
	first := m.Subscribe(clientID)
	second := m.Subscribe(clientID)

	m.Unsubscribe(first)
	_, ok := <-first.Events()
	require.False(t, ok, "events of a cancelled subscription should be closed")

	m.notifyChange(&VersionAdded{ClientID: clientID, Version: store.Version{VersionID: uuid.New()}})
	receive(t, second)
	m.Unsubscribe(second)
}

func TestSubscribeAfterStop(t *testing.T) {
	quitChan := make(chan struct{})
	m := NewManager(nil)
	m.Start(quitChan)
	close(quitChan)

	sub := m.Subscribe(uuid.New())
	_, ok := <-sub.Events()
	require.False(t, ok)
}
