// Package memory is an in-memory Storage for tests and experimentation.
//
// A transaction holds the storage lock from Txn until it is committed or
// rolled back, and mutates the shared state in place. Writes can therefore not
// be discarded: rolling back a transaction that wrote something panics with
// store.ErrUnfinalizedWriteTransaction, since it almost certainly hides a bug
// in the caller.
package memory

import (
	"context"
	"sync"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type versionKey struct {
	clientID  uuid.UUID
	versionID uuid.UUID
}

type MemoryStorage struct {
	mu sync.Mutex

	clients map[uuid.UUID]*store.Client
	// snapshot data, by client id
	snapshots map[uuid.UUID][]byte
	versions  map[versionKey]*store.Version
	// child version ids, by (client id, parent version id)
	children map[versionKey]uuid.UUID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:   make(map[uuid.UUID]*store.Client),
		snapshots: make(map[uuid.UUID][]byte),
		versions:  make(map[versionKey]*store.Version),
		children:  make(map[versionKey]uuid.UUID),
	}
}

func (s *MemoryStorage) Txn(ctx context.Context) (store.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTxn{s: s}, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

type memoryTxn struct {
	s         *MemoryStorage
	written   bool
	committed bool
	done      bool
}

func (t *memoryTxn) GetClient(_ context.Context, clientID uuid.UUID) (*store.Client, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	client, ok := t.s.clients[clientID]
	if !ok {
		return nil, nil
	}
	return copyClient(client), nil
}

func (t *memoryTxn) NewClient(_ context.Context, clientID, latestVersionID uuid.UUID) error {
	if t.done {
		return store.ErrTxnDone
	}
	if _, ok := t.s.clients[clientID]; ok {
		return errors.Wrapf(store.ErrClientAlreadyExists, "client %v", clientID)
	}
	t.s.clients[clientID] = &store.Client{LatestVersionID: latestVersionID}
	t.written = true
	return nil
}

func (t *memoryTxn) SetSnapshot(_ context.Context, clientID uuid.UUID, snapshot store.Snapshot, data []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	client, ok := t.s.clients[clientID]
	if !ok {
		return errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	client.Snapshot = &snapshot
	t.s.snapshots[clientID] = cloneBytes(data)
	t.written = true
	return nil
}

func (t *memoryTxn) GetSnapshotData(_ context.Context, clientID, versionID uuid.UUID) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	client, ok := t.s.clients[clientID]
	if !ok {
		return nil, errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	if client.Snapshot == nil || client.Snapshot.VersionID != versionID {
		return nil, errors.Wrapf(store.ErrSnapshotMismatch, "client %v, version %v", clientID, versionID)
	}
	data, ok := t.s.snapshots[clientID]
	if !ok {
		return nil, nil
	}
	return cloneBytes(data), nil
}

func (t *memoryTxn) GetVersionByParent(_ context.Context, clientID, parentVersionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	versionID, ok := t.s.children[versionKey{clientID, parentVersionID}]
	if !ok {
		return nil, nil
	}
	return t.getVersion(clientID, versionID), nil
}

func (t *memoryTxn) GetVersion(_ context.Context, clientID, versionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	return t.getVersion(clientID, versionID), nil
}

func (t *memoryTxn) getVersion(clientID, versionID uuid.UUID) *store.Version {
	version, ok := t.s.versions[versionKey{clientID, versionID}]
	if !ok {
		return nil
	}
	return &store.Version{
		VersionID:       version.VersionID,
		ParentVersionID: version.ParentVersionID,
		HistorySegment:  cloneBytes(version.HistorySegment),
	}
}

func (t *memoryTxn) AddVersion(_ context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	client, ok := t.s.clients[clientID]
	if !ok {
		return errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	key := versionKey{clientID, versionID}
	if _, ok := t.s.versions[key]; ok {
		return errors.Wrapf(store.ErrVersionAlreadyExists, "client %v, version %v", clientID, versionID)
	}

	client.LatestVersionID = versionID
	if client.Snapshot != nil {
		client.Snapshot.VersionsSince++
	}
	t.s.children[versionKey{clientID, parentVersionID}] = versionID
	t.s.versions[key] = &store.Version{
		VersionID:       versionID,
		ParentVersionID: parentVersionID,
		HistorySegment:  cloneBytes(historySegment),
	}
	t.written = true
	return nil
}

func (t *memoryTxn) Commit(_ context.Context) error {
	if t.committed {
		return store.ErrDoubleCommit
	}
	if t.done {
		return store.ErrTxnDone
	}
	t.committed = true
	t.finish()
	return nil
}

func (t *memoryTxn) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	if t.written {
		panic(store.ErrUnfinalizedWriteTransaction)
	}
	return nil
}

func (t *memoryTxn) finish() {
	t.done = true
	t.s.mu.Unlock()
}

func copyClient(c *store.Client) *store.Client {
	client := &store.Client{LatestVersionID: c.LatestVersionID}
	if c.Snapshot != nil {
		snapshot := *c.Snapshot
		client.Snapshot = &snapshot
	}
	return client
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
