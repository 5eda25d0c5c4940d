package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Remote     RemoteConfig     `yaml:"remote" mapstructure:"remote"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the local key-value store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// RemoteConfig configures the remote document store and change feed.
type RemoteConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	FeedURL     string `yaml:"feed_url" mapstructure:"feed_url"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SyncConfig configures the push path: retry budget, rate bound, and the
// dead-letter threshold of the outbox.
type SyncConfig struct {
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	PushRatePerSecond float64 `yaml:"push_rate_per_second" mapstructure:"push_rate_per_second"`
	PushBurst         int     `yaml:"push_burst" mapstructure:"push_burst"`
	MaxPushAttempts   int     `yaml:"max_push_attempts" mapstructure:"max_push_attempts"`
}

// NotifyConfig configures the notification ledger.
type NotifyConfig struct {
	DedupWindowMS int `yaml:"dedup_window_ms" mapstructure:"dedup_window_ms"`
}

// DedupWindow returns the duplicate-suppression window as a duration.
func (c NotifyConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMS) * time.Millisecond
}

// ServerConfig configures the dashboard API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MinCompletionRate   float64 `yaml:"min_completion_rate" mapstructure:"min_completion_rate"`
	DeadLetterThreshold int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STUDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "study-sync.db")
	v.SetDefault("remote.backend", "http")
	// Registered empty so AutomaticEnv can surface them without a config file.
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.feed_url", "")
	v.SetDefault("remote.database_url", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.initial_backoff_ms", 500)
	v.SetDefault("sync.max_backoff_ms", 15000)
	v.SetDefault("sync.push_rate_per_second", 10)
	v.SetDefault("sync.push_burst", 20)
	v.SetDefault("sync.max_push_attempts", 5)
	v.SetDefault("notify.dedup_window_ms", 1000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.min_completion_rate", 0.2)
	v.SetDefault("monitoring.dead_letter_threshold", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
