package postgres

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	l  *zap.Logger
	db *pgxpool.Pool
}

func NewPGSyncStorage(ctx context.Context, l *zap.Logger, databaseURL string) (*PgSyncStorage, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if err := migrateUp(databaseURL); err != nil {
		return nil, err
	}

	pgxPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	l.Debug("postgres storage ready")
	return &PgSyncStorage{l: l, db: pgxPool}, nil
}

func migrateUp(databaseURL string) (err error) {
	db, err := sql.Open("pgx/v5", databaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to open postgres database")
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		db.Close()
		return errors.Wrap(err, "failed to create migration driver")
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		driver.Close()
		return errors.Wrap(err, "failed to create migration source")
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"sync-storage", driver)
	if err != nil {
		driver.Close()
		return errors.Wrap(err, "failed to instantiate migrations")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		err = multierr.Combine(err, srcErr, dbErr)
	}()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

func (s *PgSyncStorage) Txn(ctx context.Context) (store.Txn, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &pgTxn{l: s.l, tx: tx}, nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

type pgTxn struct {
	l         *zap.Logger
	tx        pgx.Tx
	written   bool
	committed bool
	done      bool
}

func (t *pgTxn) GetClient(ctx context.Context, clientID uuid.UUID) (*store.Client, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	var (
		client            store.Client
		snapshotVersionID uuid.NullUUID
		snapshotTimestamp *time.Time
		versionsSince     *int64
	)
	err := t.tx.QueryRow(ctx,
		"SELECT latest_version_id, snapshot_version_id, snapshot_timestamp, versions_since FROM clients WHERE client_id = $1",
		clientID,
	).Scan(&client.LatestVersionID, &snapshotVersionID, &snapshotTimestamp, &versionsSince)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client")
	}
	if snapshotVersionID.Valid {
		client.Snapshot = &store.Snapshot{VersionID: snapshotVersionID.UUID}
		if snapshotTimestamp != nil {
			client.Snapshot.Timestamp = snapshotTimestamp.UTC()
		}
		if versionsSince != nil {
			client.Snapshot.VersionsSince = uint32(*versionsSince)
		}
	}
	return &client, nil
}

func (t *pgTxn) clientExists(ctx context.Context, clientID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM clients WHERE client_id = $1)", clientID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up client")
	}
	return exists, nil
}

func (t *pgTxn) NewClient(ctx context.Context, clientID, latestVersionID uuid.UUID) error {
	if t.done {
		return store.ErrTxnDone
	}
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO clients (client_id, latest_version_id) VALUES ($1, $2) ON CONFLICT (client_id) DO NOTHING",
		clientID, latestVersionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert client")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrClientAlreadyExists, "client %v", clientID)
	}
	t.written = true
	return nil
}

func (t *pgTxn) SetSnapshot(ctx context.Context, clientID uuid.UUID, snapshot store.Snapshot, data []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE clients
		 SET snapshot_version_id = $1, snapshot_timestamp = $2, versions_since = $3, snapshot_data = $4
		 WHERE client_id = $5`,
		snapshot.VersionID, snapshot.Timestamp, int64(snapshot.VersionsSince), data, clientID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set snapshot")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrClientNotFound, "client %v", clientID)
	}
	t.written = true
	return nil
}

func (t *pgTxn) GetSnapshotData(ctx context.Context, clientID, versionID uuid.UUID) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	var (
		snapshotVersionID uuid.NullUUID
		data              []byte
	)
	err := t.tx.QueryRow(ctx,
		"SELECT snapshot_version_id, snapshot_data FROM clients WHERE client_id = $1",
		clientID,
	).Scan(&snapshotVersionID, &data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (t *pgTxn) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	return t.getVersion(ctx,
		`SELECT v.version_id, v.parent_version_id, v.history_segment
		 FROM version_children c
		 JOIN versions v ON v.client_id = c.client_id AND v.version_id = c.version_id
		 WHERE c.client_id = $1 AND c.parent_version_id = $2`,
		clientID, parentVersionID,
	)
}

func (t *pgTxn) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*store.Version, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	return t.getVersion(ctx,
		"SELECT version_id, parent_version_id, history_segment FROM versions WHERE client_id = $1 AND version_id = $2",
		clientID, versionID,
	)
}

func (t *pgTxn) getVersion(ctx context.Context, query string, args ...any) (*store.Version, error) {
	var version store.Version
	err := t.tx.QueryRow(ctx, query, args...).
		Scan(&version.VersionID, &version.ParentVersionID, &version.HistorySegment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get version")
	}
	return &version, nil
}

func (t *pgTxn) AddVersion(ctx context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
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

	tag, err := t.tx.Exec(ctx,
		`INSERT INTO versions (client_id, version_id, parent_version_id, history_segment)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (client_id, version_id) DO NOTHING`,
		clientID, versionID, parentVersionID, historySegment,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert version")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrVersionAlreadyExists, "client %v, version %v", clientID, versionID)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO version_children (client_id, parent_version_id, version_id) VALUES ($1, $2, $3)
		 ON CONFLICT (client_id, parent_version_id) DO UPDATE SET version_id = EXCLUDED.version_id`,
		clientID, parentVersionID, versionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to index version by parent")
	}

	_, err = t.tx.Exec(ctx,
		"UPDATE clients SET latest_version_id = $1, versions_since = versions_since + 1 WHERE client_id = $2",
		versionID, clientID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update client's latest version")
	}
	t.written = true
	return nil
}

func (t *pgTxn) Commit(ctx context.Context) error {
	if t.committed {
		return store.ErrDoubleCommit
	}
	if t.done {
		return store.ErrTxnDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	t.committed = true
	return nil
}

func (t *pgTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.written {
		t.l.Warn("rolling back transaction with uncommitted writes")
	}
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "failed to roll back transaction")
	}
	return nil
}
