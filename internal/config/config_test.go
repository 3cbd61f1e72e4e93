package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("WILLESCROW_CHAIN_ESCROW_ADDRESS", "addr_test1escrow")
	t.Setenv("WILLESCROW_SERVICE_HTTP_PORT", "8081")
	t.Setenv("WILLESCROW_RETRY_INITIAL_BACKOFF", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Service.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Service.HMACClockSkew)
	assert.Equal(t, BackendFile, cfg.Service.IdempotencyBackend)
	assert.Equal(t, "addr_test1escrow", cfg.Chain.EscrowAddress)
	assert.False(t, cfg.Chain.UsesBlockfrost())
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
}

func TestLoadFractionalBackoffMultiplier(t *testing.T) {
	t.Setenv("WILLESCROW_CHAIN_ESCROW_ADDRESS", "addr_test1escrow")
	t.Setenv("WILLESCROW_RETRY_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Retry.BackoffMultiplier)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "willescrow.yaml")
	content := `
service:
  idempotency_backend: redis
  redis_url: redis://localhost:6379/0
  log_level: debug
chain:
  escrow_address: addr_test1file
  project_id: preprodABC
  change_address: addr_test1change
retry:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("WILLESCROW_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Service.IdempotencyBackend)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.True(t, cfg.Chain.UsesBlockfrost())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("missing escrow address", func(t *testing.T) {
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "escrow_address")
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("WILLESCROW_CHAIN_ESCROW_ADDRESS", "addr")
		t.Setenv("WILLESCROW_SERVICE_IDEMPOTENCY_BACKEND", "etcd")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "etcd")
	})
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("WILLESCROW_CHAIN_ESCROW_ADDRESS", "addr")
		t.Setenv("WILLESCROW_SERVICE_IDEMPOTENCY_BACKEND", "postgres")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("missing config file", func(t *testing.T) {
		t.Setenv("WILLESCROW_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		require.Error(t, err)
	})
}
