package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
)

func setupEnv(t *testing.T, bucketURL string) {
	t.Helper()
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_DIR_PATH", t.TempDir())
	t.Setenv("SNAPSHOT_BUCKET_URL", bucketURL)
	t.Setenv("SNAPSHOT_PREFIX", "snapshots")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "syncstorage %v", args)
	return out
}

func TestClientLifecycle(t *testing.T) {
	setupEnv(t, "")
	clientID := uuid.New()
	v1 := uuid.New()

	mustRun(t, "migrate")
	mustRun(t, "client", "create", clientID.String())
	_, err := run(t, "client", "create", clientID.String())
	require.ErrorIs(t, err, store.ErrClientAlreadyExists)

	mustRun(t, "version", "add", clientID.String(), v1.String(), "nil", "--data", "abc")

	var client store.Client
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "client", "get", clientID.String())), &client))
	assert.Equal(t, v1, client.LatestVersionID)
	assert.Nil(t, client.Snapshot)

	var version store.Version
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "version", "child", clientID.String(), "nil")), &version))
	assert.Equal(t, store.Version{VersionID: v1, ParentVersionID: uuid.Nil, HistorySegment: []byte("abc")}, version)

	out := mustRun(t, "version", "get", clientID.String(), uuid.New().String())
	assert.Equal(t, "null\n", out)
}

func TestVersionAddUnknownClient(t *testing.T) {
	setupEnv(t, "")
	_, err := run(t, "version", "add", uuid.New().String(), uuid.New().String(), "nil", "--data", "abc")
	require.ErrorIs(t, err, store.ErrClientNotFound)
}

func TestInvalidID(t *testing.T) {
	setupEnv(t, "")
	_, err := run(t, "client", "get", "not-a-uuid")
	require.Error(t, err)
}

func TestSnapshotInBucket(t *testing.T) {
	bucketDir := t.TempDir()
	setupEnv(t, "file://"+bucketDir)
	clientID := uuid.New()
	v1 := uuid.New()

	payload := filepath.Join(t.TempDir(), "snapshot.bin")
	require.NoError(t, os.WriteFile(payload, []byte{0, 1, 2, 3}, 0600))

	mustRun(t, "client", "create", clientID.String())
	mustRun(t, "version", "add", clientID.String(), v1.String(), "nil", "--data", "abc")
	mustRun(t, "snapshot", "set", clientID.String(), v1.String(), "--file", payload)

	out := mustRun(t, "snapshot", "get", clientID.String(), v1.String())
	assert.Equal(t, string([]byte{0, 1, 2, 3}), out)
	bucket, err := blob.OpenBucket(context.Background(), "file://"+bucketDir)
	require.NoError(t, err)
	defer bucket.Close()
	iter := bucket.List(&blob.ListOptions{Prefix: "snapshots/" + clientID.String() + "/" + v1.String() + "/"})
	obj, err := iter.Next(context.Background())
	require.NoError(t, err, "snapshot data should be stored in the bucket")
	data, err := bucket.ReadAll(context.Background(), obj.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, data)
	_, err = iter.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	_, err = run(t, "snapshot", "get", clientID.String(), uuid.New().String())
	require.ErrorIs(t, err, store.ErrSnapshotMismatch)

	var client store.Client
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "client", "get", clientID.String())), &client))
	require.NotNil(t, client.Snapshot)
	assert.Equal(t, v1, client.Snapshot.VersionID)
	assert.Equal(t, uint32(0), client.Snapshot.VersionsSince)
}

func TestPayloadFlagsExclusive(t *testing.T) {
	setupEnv(t, "")
	_, err := run(t, "version", "add", uuid.New().String(), uuid.New().String(), "nil", "--data", "abc", "--file", "x")
	require.Error(t, err)
}

func TestMetricsFile(t *testing.T) {
	setupEnv(t, "")
	metricsFile := filepath.Join(t.TempDir(), "syncstorage.prom")
	clientID := uuid.New()

	mustRun(t, "client", "create", clientID.String(), "--metrics-file", metricsFile)

	b, err := os.ReadFile(metricsFile)
	require.NoError(t, err, "metrics file should be written")
	assert.Contains(t, string(b), `syncstorage_txn_begin_count{status="success"}`)
	assert.Contains(t, string(b), `syncstorage_operation_count{op="new_client",status="success"}`)
}
