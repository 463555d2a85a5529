package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepwise.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "stepwise.db", cfg.Store.DSN)
	assert.Equal(t, 1, cfg.Worker.Count)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, time.Second, cfg.Worker.ErrorBackoff)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Zero(t, cfg.Planner.Hold)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, `
store:
  driver: Postgres
  dsn: postgres://localhost/stepwise
worker:
  count: 3
  poll_interval: 250ms
planner:
  hold: 2s
`)
	t.Setenv("STEPWISE_WORKER_COUNT", "5")
	t.Setenv("STEPWISE_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/stepwise", cfg.Store.DSN)
	assert.Equal(t, 5, cfg.Worker.Count, "env wins over the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Planner.Hold)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeFile(t, "store:\n  driver: cassandra\n"))
	assert.ErrorContains(t, err, "unknown store driver")

	_, err = Load(writeFile(t, "worker:\n  count: 0\n"))
	assert.ErrorContains(t, err, "worker.count")

	_, err = Load(writeFile(t, "store:\n  driver: redis\n  dsn: \"\"\n"))
	assert.ErrorContains(t, err, "store.dsn")
}

func TestValidate_MemoryNeedsNoDSN(t *testing.T) {
	cfg, err := Load(writeFile(t, "store:\n  driver: memory\n  dsn: \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
}
