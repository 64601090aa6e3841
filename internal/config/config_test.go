package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffMax)
	assert.Equal(t, time.Minute, cfg.DedupBucket)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deployment: staging
workers: 4
backoff_base: 1s
truncation_policy: reject
bridge_accounts_a: ["111", "222"]
`), 0o600))

	t.Setenv("WORKERS", "12")
	t.Setenv("BRIDGE_ACCOUNTS_B", "1,bot@example.org")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Deployment)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, TruncationReject, cfg.TruncationPolicy)
	assert.Equal(t, []string{"111", "222"}, cfg.BridgeAccountsA)
	assert.Equal(t, []string{"1", "bot@example.org"}, cfg.BridgeAccountsB)
	assert.Equal(t, 256, cfg.QueueSize)
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.TruncationPolicy = "drop"
	cfg.BackoffMax = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be positive")
	assert.Contains(t, err.Error(), `unknown truncation_policy "drop"`)
	assert.Contains(t, err.Error(), "backoff_max")
}

func TestAlertsNeedCredentials(t *testing.T) {
	cfg := Default()
	cfg.EnableAlerts = true
	assert.Error(t, cfg.Validate())

	cfg.TelegramBotToken = "token"
	cfg.TelegramChatID = 42
	assert.NoError(t, cfg.Validate())
}

func TestSnapshotHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.DiscordBotToken = "very-secret"
	cfg.TelegramBotToken = "also-secret"

	snap, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap, "secret")
	assert.Contains(t, snap, `"workers":8`)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
