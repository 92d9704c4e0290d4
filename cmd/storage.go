package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/blobsnap"
	"github.com/breez/sync-storage/store/memory"
	"github.com/breez/sync-storage/store/postgres"
	"github.com/breez/sync-storage/store/sqlite"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Import GCS driver for snapshot buckets
	_ "gocloud.dev/blob/gcsblob"
)

const sqliteFileName = "sync.db"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// openStorage opens the configured backend. With instrument set, operations
// are recorded in the prometheus default registry.
func openStorage(ctx context.Context, l *zap.Logger, c *config.Config, instrument bool) (store.Storage, error) {
	var (
		storage store.Storage
		err     error
	)
	switch c.StorageBackend {
	case config.BackendMemory:
		storage = memory.NewMemoryStorage()
	case config.BackendSQLite:
		if err := os.MkdirAll(c.SQLiteDirPath, 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create sqlite directory")
		}
		storage, err = sqlite.NewSQLiteSyncStorage(l, filepath.Join(c.SQLiteDirPath, sqliteFileName))
	case config.BackendPostgres:
		storage, err = postgres.NewPGSyncStorage(ctx, l, c.PgDatabaseUrl)
	default:
		err = errors.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if err != nil {
		return nil, err
	}

	if c.SnapshotBucketURL != "" {
		blobStorage, err := blobsnap.Open(ctx, l, storage, c.SnapshotBucketURL, c.SnapshotPrefix)
		if err != nil {
			storage.Close()
			return nil, err
		}
		storage = blobStorage
	}
	if instrument {
		storage = store.Instrument(storage)
	}
	return storage, nil
}

// runTxn runs fn in a transaction of the configured storage and commits it
// if fn succeeds.
func (a *app) runTxn(ctx context.Context, fn func(txn store.Txn) error) error {
	storage, err := openStorage(ctx, a.l, a.config, metricsFileFlag(a.v) != "")
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			a.l.Warn("failed to close storage", zap.Error(err))
		}
	}()

	txn, err := storage.Txn(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

func parseID(name, s string) (uuid.UUID, error) {
	if s == "nil" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid %s %q", name, s)
	}
	return id, nil
}

func parseIDs(args []string, names ...string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(names))
	for i, name := range names {
		id, err := parseID(name, args[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
