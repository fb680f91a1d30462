package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "freesound.org", cfg.CacheDir)
	assert.Equal(t, []string{"environments"}, cfg.EnvironmentDirs)
	assert.True(t, cfg.DownloadsEnabled)
	assert.Equal(t, 20, cfg.FadeSteps)
	assert.Equal(t, 250*time.Millisecond, cfg.PoolPollInterval)
	assert.Equal(t, 90*time.Second, cfg.SwitchTimeout)
	assert.Zero(t, cfg.KeepDownloadedFor)
	assert.Equal(t, "127.0.0.1:9393", cfg.Web.BindAddress)
	assert.Equal(t, "ambiance", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT_DIRS", "/usr/share/ambiance,/home/me/.ambiance")
	t.Setenv("KEEP_DOWNLOADED_FOR", "720h")
	t.Setenv("WEB_BIND_ADDRESS", ":8080")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/share/ambiance", "/home/me/.ambiance"}, cfg.EnvironmentDirs)
	assert.Equal(t, 720*time.Hour, cfg.KeepDownloadedFor)
	assert.Equal(t, ":8080", cfg.Web.BindAddress)
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("FADE_STEPS", "0")

	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("FADE_STEPS", "20")
	t.Setenv("POOL_POLL_INTERVAL", "0s")

	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("POOL_POLL_INTERVAL", "soon")

	_, err = LoadConfig()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
