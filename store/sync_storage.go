package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NilVersionID is the latest version of a client that has no history yet.
var NilVersionID = uuid.Nil

var (
	ErrClientAlreadyExists  = errors.New("client already exists")
	ErrClientNotFound       = errors.New("client not found")
	ErrVersionAlreadyExists = errors.New("version already exists")
	ErrSnapshotMismatch     = errors.New("unexpected snapshot version")
	ErrDoubleCommit         = errors.New("transaction already committed")
	ErrTxnDone              = errors.New("transaction has already been committed or rolled back")

	// ErrUnfinalizedWriteTransaction is raised (not returned) by backends that
	// cannot discard writes, when a transaction with writes is rolled back.
	ErrUnfinalizedWriteTransaction = errors.New("transaction with writes dropped without commit")
)

// Client is the stored metadata about a client.
type Client struct {
	// LatestVersionID may be NilVersionID.
	LatestVersionID uuid.UUID `json:"latest_version_id"`
	Snapshot        *Snapshot `json:"snapshot"`
}

// Snapshot is the metadata about a client's latest snapshot, without the
// snapshot data itself.
type Snapshot struct {
	VersionID     uuid.UUID `json:"version_id"`
	Timestamp     time.Time `json:"timestamp"`
	VersionsSince uint32    `json:"versions_since"`
}

type Version struct {
	VersionID       uuid.UUID `json:"version_id"`
	ParentVersionID uuid.UUID `json:"parent_version_id"`
	HistorySegment  []byte    `json:"history_segment"`
}

// Txn is a transaction in a storage backend.
//
// Transactions are sequentially consistent: their results are as if each was
// executed alone, in some order. Uncommitted changes are never visible to
// another transaction. Getters return (nil, nil) when the record is absent.
type Txn interface {
	GetClient(ctx context.Context, clientID uuid.UUID) (*Client, error)
	NewClient(ctx context.Context, clientID, latestVersionID uuid.UUID) error

	// SetSnapshot replaces the client's snapshot metadata and data.
	SetSnapshot(ctx context.Context, clientID uuid.UUID, snapshot Snapshot, data []byte) error

	// GetSnapshotData returns the data of the client's latest snapshot. It
	// fails with ErrSnapshotMismatch unless versionID is the version that
	// snapshot was taken at.
	GetSnapshotData(ctx context.Context, clientID, versionID uuid.UUID) ([]byte, error)

	GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*Version, error)
	GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*Version, error)

	// AddVersion appends a version, makes it the client's latest version and
	// increments the snapshot's VersionsSince. The version becomes the child
	// of parentVersionID, replacing any earlier child of that parent.
	AddVersion(ctx context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) error

	// Commit makes the transaction's changes visible. Calling it twice fails
	// with ErrDoubleCommit.
	Commit(ctx context.Context) error

	// Rollback finalizes a transaction that is not committed. It is a no-op
	// on a finalized transaction, so it can always be deferred.
	Rollback(ctx context.Context) error
}

// Storage is a backend able to begin transactions.
type Storage interface {
	Txn(ctx context.Context) (Txn, error)
	Close() error
}
