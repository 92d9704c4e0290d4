package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteSyncStorage keeps a single connection open, so its transactions run
// one at a time.
type SQLiteSyncStorage struct {
	l  *zap.Logger
	db *sql.DB
}

func NewSQLiteSyncStorage(l *zap.Logger, file string) (*SQLiteSyncStorage, error) {
	if l == nil {
		l = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite3 database")
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	l.Debug("sqlite storage ready", zap.String("file", file))
	return &SQLiteSyncStorage{l: l, db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to create migration source")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "failed to instantiate migrations")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

func (s *SQLiteSyncStorage) Txn(ctx context.Context) (store.Txn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &sqliteTxn{l: s.l, tx: tx}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

type sqliteTxn struct {
	l         *zap.Logger
	tx        *sql.Tx
	written   bool
	committed bool
	done      bool
}

func (t *sqliteTxn) GetClient(ctx context.Context, clientID uuid.UUID) (*store.Client, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	var (
		client            store.Client
		snapshotVersionID uuid.NullUUID
		snapshotTimestamp sql.NullInt64
		snapshotNanos     sql.NullInt64
		versionsSince     sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT latest_version_id, snapshot_version_id, snapshot_timestamp, snapshot_timestamp_nanos, versions_since
		 FROM clients WHERE client_id = ?`,
		clientID,
	).Scan(&client.LatestVersionID, &snapshotVersionID, &snapshotTimestamp, &snapshotNanos, &versionsSince)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client")
	}
	if snapshotVersionID.Valid {
		client.Snapshot = &store.Snapshot{
			VersionID:     snapshotVersionID.UUID,
			Timestamp:     time.Unix(snapshotTimestamp.Int64, snapshotNanos.Int64).UTC(),
			VersionsSince: uint32(versionsSince.Int64),
		}
	}
	return &client, nil
}

func (t *sqliteTxn) clientExists(ctx context.Context, clientID uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM clients WHERE client_id = ?", clientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to look up client")
	}
	return true, nil
}

func (t *sqliteTxn) NewClient(ctx context.Context, clientID, latestVersionID uuid.UUID) error {
	if t.done {
		return store.ErrTxnDone
	}
	exists, err := t.clientExists(ctx, clientID)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(store.ErrClientAlreadyExists, "client %v", clientID)
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO clients (client_id, latest_version_id) VALUES (?, ?)",
		clientID, latestVersionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert client")
	}
	t.written = true
	return nil
}

func (t *sqliteTxn) SetSnapshot(ctx context.Context, clientID uuid.UUID, snapshot store.Snapshot, data []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE clients
		 SET snapshot_version_id = ?, snapshot_timestamp = ?, snapshot_timestamp_nanos = ?, versions_since = ?, snapshot_data = ?
		 WHERE client_id = ?`,
		snapshot.VersionID, snapshot.Timestamp.Unix(), snapshot.Timestamp.Nanosecond(),
		int64(snapshot.VersionsSince), data, clientID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set snapshot")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to set snapshot")
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	t.written = true
	return nil
}

func (t *sqliteTxn) GetSnapshotData(ctx context.Context, clientID, versionID uuid.UUID) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	var (
		snapshotVersionID uuid.NullUUID
		data              []byte
	)
	err := t.tx.QueryRowContext(ctx,
		"SELECT snapshot_version_id, snapshot_data FROM clients WHERE client_id = ?",
		clientID,
	).Scan(&snapshotVersionID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get snapshot data")
	}
	if !snapshotVersionID.Valid || snapshotVersionID.UUID != versionID {
		return nil, errors.Wrapf(store.ErrSnapshotMismatch, "client %v, version %v", clientID, versionID)
	}
	return data, nil
}

func (t *sqliteTxn) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	return t.getVersion(ctx,
		`SELECT v.version_id, v.parent_version_id, v.history_segment
		 FROM version_children c
		 JOIN versions v ON v.client_id = c.client_id AND v.version_id = c.version_id
		 WHERE c.client_id = ? AND c.parent_version_id = ?`,
		clientID, parentVersionID,
	)
}

func (t *sqliteTxn) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	return t.getVersion(ctx,
		"SELECT version_id, parent_version_id, history_segment FROM versions WHERE client_id = ? AND version_id = ?",
		clientID, versionID,
	)
}

func (t *sqliteTxn) getVersion(ctx context.Context, query string, args ...any) (*store.Version, error) {
	var version store.Version
	err := t.tx.QueryRowContext(ctx, query, args...).
		Scan(&version.VersionID, &version.ParentVersionID, &version.HistorySegment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get version")
	}
	return &version, nil
}

func (t *sqliteTxn) AddVersion(ctx context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	exists, err := t.clientExists(ctx, clientID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}

	// versions are never replaced
	res, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO versions (client_id, version_id, parent_version_id, history_segment) VALUES (?, ?, ?, ?)",
		clientID, versionID, parentVersionID, historySegment,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert version")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to insert version")
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrVersionAlreadyExists, "client %v, version %v", clientID, versionID)
	}

	_, err = t.tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO version_children (client_id, parent_version_id, version_id) VALUES (?, ?, ?)",
		clientID, parentVersionID, versionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to index version by parent")
	}

	// versions_since stays NULL while there is no snapshot
	_, err = t.tx.ExecContext(ctx,
		"UPDATE clients SET latest_version_id = ?, versions_since = versions_since + 1 WHERE client_id = ?",
		versionID, clientID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update client's latest version")
	}
	t.written = true
	return nil
}

func (t *sqliteTxn) Commit(_ context.Context) error {
	if t.committed {
		return store.ErrDoubleCommit
	}
	if t.done {
		return store.ErrTxnDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	t.committed = true
	return nil
}

func (t *sqliteTxn) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.written {
		t.l.Warn("rolling back transaction with uncommitted writes")
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "failed to roll back transaction")
	}
	return nil
}
