package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
	"github.com/Asim971/pharmaflow-sync/internal/core/queue"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", cfg.APIBaseURL)
	assert.Equal(t, "/health", cfg.HealthPath)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, queue.ConflictServerWins, cfg.Sync.ConflictStrategy)
	assert.Equal(t, int64(50<<20), cfg.Cache.MemoryCeiling)
	assert.True(t, cfg.Cache.IntegrityChecks)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	// The realtime endpoint falls back to the websocket URL.
	assert.Equal(t, cfg.WebsocketURL, cfg.Realtime.BaseURL)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_base_url: https://crm.example.com/api
websocket_url: wss://crm.example.com/ws
log_level: debug
sync:
  batch_size: 25
  sync_interval: 1m
cache:
  memory_ceiling: 1048576
  persist_path: /tmp/pharmaflow.cache
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://crm.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, time.Minute, cfg.Sync.SyncInterval)
	assert.Equal(t, int64(1<<20), cfg.Cache.MemoryCeiling)
	assert.Equal(t, "/tmp/pharmaflow.cache", cfg.Cache.PersistPath)
	assert.Equal(t, "wss://crm.example.com/ws", cfg.Realtime.BaseURL)

	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, "/health", cfg.HealthPath)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_base_url: https://file.example.com/api\n"), 0o600))

	t.Setenv("PF_API_BASE_URL", "https://env.example.com/api")
	t.Setenv("PF_ACCESS_TOKEN", "env-token")
	t.Setenv("PF_CACHE_MEMORY_CEILING", "2097152")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, "env-token", cfg.Credential)
	assert.Equal(t, int64(2<<20), cfg.Cache.MemoryCeiling)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, log.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, log.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, log.LevelError, parseLogLevel("error"))
	assert.Equal(t, log.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, log.LevelInfo, parseLogLevel("verbose"))
}
