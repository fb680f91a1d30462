package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CacheDir          string        `envconfig:"CACHE_DIR" default:"freesound.org"`
	ManifestPath      string        `envconfig:"MANIFEST_PATH"`
	BundledDir        string        `envconfig:"BUNDLED_DIR" default:"."`
	EnvironmentDirs   []string      `envconfig:"ENVIRONMENT_DIRS" default:"environments"`
	WatchEnvironments bool          `envconfig:"WATCH_ENVIRONMENTS" default:"true"`
	DownloadsEnabled  bool          `envconfig:"DOWNLOADS_ENABLED" default:"true"`
	FetchTimeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"60s"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	PoolPollInterval  time.Duration `envconfig:"POOL_POLL_INTERVAL" default:"250ms"`
	FadeSteps         int           `envconfig:"FADE_STEPS" default:"20"`
	SwitchTimeout     time.Duration `envconfig:"SWITCH_TIMEOUT" default:"90s"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"ambiance"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9393"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.FadeSteps <= 0 {
		return nil, fmt.Errorf("FADE_STEPS must be positive, got %d", cfg.FadeSteps)
	}

	if cfg.PoolPollInterval <= 0 {
		return nil, fmt.Errorf("POOL_POLL_INTERVAL must be positive, got %s", cfg.PoolPollInterval)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
