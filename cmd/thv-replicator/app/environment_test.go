package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-replicator/internal/replicator"
	"github.com/stacklok/toolhive-replicator/internal/store/sqlite"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// seedStore creates a sqlite store at path holding n documents
func seedStore(t *testing.T, path string, n int) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	for i := range n {
		_, err := st.Put(context.Background(), fmt.Sprintf("doc-%d", i), json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
}

func countDocs(t *testing.T, path string) int {
	t.Helper()
	st, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	count, err := st.Count(context.Background())
	require.NoError(t, err)
	return count
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReplicateAll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	local := filepath.Join(dir, "local.db")
	backup := filepath.Join(dir, "backup.db")
	seedStore(t, local, 5)

	path := writeConfig(t, dir, fmt.Sprintf(`store:
  path: %s
replications:
  - name: backup
    target:
      storePath: %s
    direction: push
    batchSize: 2
`, local, backup))

	env, err := openEnvironment(testContext(t), path)
	require.NoError(t, err)
	require.NoError(t, replicateAll(testContext(t), env, "backup", false))

	// a second run resumes from the sqlite checkpoint
	require.NoError(t, replicateAll(testContext(t), env, "", false))
	require.NoError(t, env.close(context.Background()))

	assert.Equal(t, 5, countDocs(t, backup))
}

func TestReplicateAllUnknownReplication(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf("store:\n  path: %s\n", filepath.Join(dir, "local.db")))

	env, err := openEnvironment(testContext(t), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.close(context.Background()) })

	assert.ErrorContains(t, replicateAll(testContext(t), env, "", false), "no replications configured")
	assert.ErrorContains(t, replicateAll(testContext(t), env, "missing", false), `replication "missing" not found`)
}

func TestResetCheckpoints(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	local := filepath.Join(dir, "local.db")
	mirror := filepath.Join(dir, "mirror.db")
	seedStore(t, local, 3)

	path := writeConfig(t, dir, fmt.Sprintf(`store:
  path: %s
checkpoint:
  type: file
  path: %s
replications:
  - name: mirror
    target:
      storePath: %s
    direction: push
`, local, filepath.Join(dir, "checkpoints"), mirror))

	env, err := openEnvironment(testContext(t), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.close(context.Background()) })

	require.NoError(t, replicateAll(testContext(t), env, "", false))
	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, resetCheckpoints(testContext(t), env, "mirror"))

	r, err := env.newReplicator(testContext(t), &env.cfg.Replications[0])
	require.NoError(t, err)
	status, err := replicator.Run(testContext(t), r, replicator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, replicator.Progress{Completed: 3, Total: 3}, status.Progress)
}

func TestReplicatorConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	secret := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0o600))

	path := writeConfig(t, dir, fmt.Sprintf(`store:
  path: %s
checkpoint:
  type: memory
replications:
  - name: upstream
    target:
      url: wss://replica.example.com/db
    direction: pull
    continuous: true
    batchSize: 25
    retry:
      maxAttempts: 7
      initialInterval: 250ms
      maxInterval: 5s
    auth:
      username: sync
      passwordFile: %s
`, filepath.Join(dir, "local.db"), secret))

	env, err := openEnvironment(testContext(t), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.close(context.Background()) })

	cfg, err := env.replicatorConfig(testContext(t), &env.cfg.Replications[0])
	require.NoError(t, err)

	assert.Equal(t, "upstream", cfg.Name)
	assert.Equal(t, replicator.DirectionPull, cfg.Direction)
	assert.True(t, cfg.Continuous)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, "wss://replica.example.com/db", cfg.Target.String())
	assert.Equal(t, transport.BasicAuthenticator{Username: "sync", Password: "s3cret"}, cfg.Authenticator)
}

func TestOpenEnvironmentInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "replications: []\n")

	_, err := openEnvironment(testContext(t), path)
	assert.ErrorContains(t, err, "store.path is required")
}
