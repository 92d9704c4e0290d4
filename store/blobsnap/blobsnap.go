// Package blobsnap keeps snapshot data in a blob bucket (gs://, file://,
// mem:// ...) while another Storage keeps the snapshot metadata and versions.
//
// Snapshot data set in a transaction is written to the bucket when the
// transaction commits, before the wrapped transaction commits. Every write
// goes to a new object and the wrapped storage keeps that object's key as the
// snapshot data, so the wrapped commit switches metadata and data together.
// Objects of a failed commit are removed, as are objects of replaced
// snapshots after a successful one.
package blobsnap

import (
	"context"
	"strings"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

type BlobSnapshotStorage struct {
	l      *zap.Logger
	inner  store.Storage
	bucket *blob.Bucket
	prefix string
}

// Open opens bucketURL and wraps inner with it.
func Open(ctx context.Context, l *zap.Logger, inner store.Storage, bucketURL, prefix string) (*BlobSnapshotStorage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bucket %s", bucketURL)
	}
	return New(l, inner, bucket, prefix), nil
}

// New wraps inner with an already opened bucket. Closing the returned storage
// closes both.
func New(l *zap.Logger, inner store.Storage, bucket *blob.Bucket, prefix string) *BlobSnapshotStorage {
	if l == nil {
		l = zap.NewNop()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return &BlobSnapshotStorage{
		l:      l,
		inner:  inner,
		bucket: bucket,
		prefix: prefix,
	}
}

// newKey names a fresh object for a snapshot. Keys are never reused, so a
// committed object is never overwritten.
func (s *BlobSnapshotStorage) newKey(clientID, versionID uuid.UUID) string {
	return s.prefix + clientID.String() + "/" + versionID.String() + "/" + uuid.NewString()
}

func (s *BlobSnapshotStorage) Txn(ctx context.Context) (store.Txn, error) {
	txn, err := s.inner.Txn(ctx)
	if err != nil {
		return nil, err
	}
	return &blobTxn{
		Txn:     txn,
		s:       s,
		pending: make(map[uuid.UUID]pendingSnapshot),
	}, nil
}

func (s *BlobSnapshotStorage) Close() error {
	return multierr.Combine(s.inner.Close(), s.bucket.Close())
}

type pendingSnapshot struct {
	key  string
	data []byte
	// object of the committed snapshot the new one replaces, if any
	replaces string
}

type blobTxn struct {
	store.Txn
	s       *BlobSnapshotStorage
	pending map[uuid.UUID]pendingSnapshot
	done    bool
}

func (t *blobTxn) SetSnapshot(ctx context.Context, clientID uuid.UUID, snapshot store.Snapshot, data []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	client, err := t.Txn.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	var replaces string
	if prev, ok := t.pending[clientID]; ok {
		// prev.key was never written
		replaces = prev.replaces
	} else if client != nil && client.Snapshot != nil {
		ref, err := t.Txn.GetSnapshotData(ctx, clientID, client.Snapshot.VersionID)
		if err != nil {
			return err
		}
		replaces = string(ref)
	}

	key := t.s.newKey(clientID, snapshot.VersionID)
	if err := t.Txn.SetSnapshot(ctx, clientID, snapshot, []byte(key)); err != nil {
		return err
	}
	t.pending[clientID] = pendingSnapshot{
		key:      key,
		data:     append([]byte{}, data...),
		replaces: replaces,
	}
	return nil
}

func (t *blobTxn) GetSnapshotData(ctx context.Context, clientID, versionID uuid.UUID) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	// the wrapped storage checks the client and the snapshot version, and
	// holds the object key as the snapshot data
	ref, err := t.Txn.GetSnapshotData(ctx, clientID, versionID)
	if err != nil {
		return nil, err
	}
	if len(ref) == 0 {
		return nil, nil
	}
	key := string(ref)
	if p, ok := t.pending[clientID]; ok && p.key == key {
		return append([]byte{}, p.data...), nil
	}

	data, err := t.s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read snapshot data %s", key)
	}
	return data, nil
}

func (t *blobTxn) Commit(ctx context.Context) error {
	if t.done {
		return t.Txn.Commit(ctx)
	}
	written := make([]string, 0, len(t.pending))
	for _, p := range t.pending {
		if err := t.s.bucket.WriteAll(ctx, p.key, p.data, nil); err != nil {
			t.remove(ctx, written)
			return errors.Wrapf(err, "failed to write snapshot data %s", p.key)
		}
		written = append(written, p.key)
		t.s.l.Debug("wrote snapshot data", zap.String("key", p.key), zap.Int("size", len(p.data)))
	}
	if err := t.Txn.Commit(ctx); err != nil {
		t.done = true
		t.pending = nil
		t.remove(ctx, written)
		return err
	}
	t.done = true

	replaced := make([]string, 0, len(t.pending))
	for _, p := range t.pending {
		if p.replaces != "" {
			replaced = append(replaced, p.replaces)
		}
	}
	t.pending = nil
	t.remove(ctx, replaced)
	return nil
}

// remove deletes objects no committed snapshot refers to. Failures only leave
// garbage behind, so they are logged.
func (t *blobTxn) remove(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := t.s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			t.s.l.Warn("failed to remove snapshot data", zap.String("key", key), zap.Error(err))
		}
	}
}

func (t *blobTxn) Rollback(ctx context.Context) error {
	t.done = true
	t.pending = nil
	return t.Txn.Rollback(ctx)
}
