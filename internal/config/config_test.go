package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "http", cfg.Remote.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 5, cfg.Sync.MaxPushAttempts)
	assert.Equal(t, time.Second, cfg.Notify.DedupWindow())
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STUDY_STORE_DRIVER", "memory")
	t.Setenv("STUDY_REMOTE_BASE_URL", "https://collector.example.com")
	t.Setenv("STUDY_NOTIFY_DEDUP_WINDOW_MS", "250")
	t.Setenv("STUDY_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "https://collector.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Notify.DedupWindow())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
