package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shelfcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.Equal(t, 30*time.Second, cfg.Network.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Network.StabilizeDelay)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Zero(t, cfg.Sync.Interval)
	assert.Zero(t, cfg.Sync.MaxRetries, "retries are unbounded by default")
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithEnv_fileThenEnv(t *testing.T) {
	path := writeFile(t, `
data_dir: /var/lib/shelfcheck
device_id: scanner-7
user_id: alice
remote:
  url: http://inventory.local:9000
  timeout: 3s
network:
  stabilize_delay: 500ms
sync:
  interval: 2m
  max_retries: 5
  base_backoff: 1s
`)

	cfg, err := LoadWithEnv(path, env(map[string]string{
		"SHELFCHECK_DEVICE_ID":     "scanner-8",
		"SHELFCHECK_POLL_INTERVAL": "10s",
		"SHELFCHECK_REFRESH_CACHE": "true",
		"SHELFCHECK_MAX_PENDING":   "500",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/shelfcheck", cfg.DataDir)
	assert.Equal(t, "scanner-8", cfg.DeviceID, "env wins over file")
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "http://inventory.local:9000", cfg.Remote.URL)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Network.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.StabilizeDelay)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.True(t, cfg.Sync.RefreshCache)
	assert.Equal(t, 500, cfg.Sync.MaxPending)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Listen, "unset keys keep defaults")

	q := cfg.Queue()
	assert.Equal(t, "scanner-8", q.DeviceID)
	assert.Equal(t, 5, q.Retry.MaxRetries)
	assert.Equal(t, time.Second, q.Retry.BaseBackoff)
	assert.Equal(t, time.Hour, q.Retry.MaxBackoff)

	assert.Equal(t, 2*time.Minute, cfg.Scheduler().SyncInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor().PollInterval)
}

func TestLoadWithEnv_noFile(t *testing.T) {
	cfg, err := LoadWithEnv("", env(map[string]string{"SHELFCHECK_DATA_DIR": "/tmp/x"}))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.DataDir)
}

func TestLoadWithEnv_errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		env  map[string]string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }, nil},
		{"bad yaml", func(t *testing.T) string { return writeFile(t, "sync: [1, 2") }, nil},
		{"bad duration", nil, map[string]string{"SHELFCHECK_SYNC_INTERVAL": "soon"}},
		{"bad int", nil, map[string]string{"SHELFCHECK_MAX_RETRIES": "many"}},
		{"bad bool", nil, map[string]string{"SHELFCHECK_REFRESH_CACHE": "sometimes"}},
		{"negative duration", nil, map[string]string{"SHELFCHECK_POLL_INTERVAL": "-1s"}},
		{"empty device", nil, map[string]string{"SHELFCHECK_DEVICE_ID": " "}},
		{"empty data dir", nil, map[string]string{"SHELFCHECK_DATA_DIR": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.path != nil {
				path = tt.path(t)
			}
			_, err := LoadWithEnv(path, env(tt.env))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	cfg.DeviceID = "scanner-1"
	out := cfg.String()
	assert.Contains(t, out, "device_id: scanner-1")
	assert.Contains(t, out, "poll_interval: 30s")
}
