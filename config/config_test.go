package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetenv(t *testing.T, keys ...string) {
	for _, key := range keys {
		// Setenv restores the variable when the test ends
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaults(t *testing.T) {
	unsetenv(t, "STORAGE_BACKEND", "SQLITE_DIR_PATH", "SNAPSHOT_PREFIX", "SNAPSHOT_BUCKET_URL")

	config, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, config.StorageBackend)
	assert.Equal(t, "db", config.SQLiteDirPath)
	assert.Equal(t, "snapshots", config.SnapshotPrefix)
	assert.Empty(t, config.SnapshotBucketURL)
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/sync")
	t.Setenv("SNAPSHOT_BUCKET_URL", "mem://")

	config, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, config.StorageBackend)
	assert.Equal(t, "postgres://localhost/sync", config.PgDatabaseUrl)
	assert.Equal(t, "mem://", config.SnapshotBucketURL)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Config{StorageBackend: BackendMemory}).Validate())
	assert.Error(t, (&Config{StorageBackend: BackendPostgres}).Validate())
	assert.Error(t, (&Config{StorageBackend: "redis"}).Validate())
}
