// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlerConfig governs the crawl loop itself.
type CrawlerConfig struct {
	SearchTerm         string `mapstructure:"search_term"`
	PageSize           int    `mapstructure:"page_size"`
	DetailWorkers      int    `mapstructure:"detail_workers"`
	BatchThreshold     int    `mapstructure:"batch_threshold"`
	MaxPages           int    `mapstructure:"max_pages"`
	BlockPollSec       int    `mapstructure:"block_poll_seconds"`
	PublishTopic       string `mapstructure:"publish_topic"`
	ArchiveContentType string `mapstructure:"archive_content_type"`
}

// RetryConfig configures transient-failure retry behavior.
type RetryConfig struct {
	MaxRetries  int    `mapstructure:"max_retries"`
	BaseDelayMs int    `mapstructure:"base_delay_ms"`
	MaxDelayMs  int    `mapstructure:"max_delay_ms"`
	Backoff     string `mapstructure:"backoff"`
}

// RecoveryConfig configures the block recovery wait.
type RecoveryConfig struct {
	PollSeconds    int `mapstructure:"poll_seconds"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// TransportConfig selects and configures the source transport.
type TransportConfig struct {
	Mode          string `mapstructure:"mode"`
	BaseURL       string `mapstructure:"base_url"`
	UserAgent     string `mapstructure:"user_agent"`
	TimeoutSec    int    `mapstructure:"timeout_seconds"`
	Headless      bool   `mapstructure:"headless"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// SinkConfig selects where records land.
type SinkConfig struct {
	Provider string `mapstructure:"provider"`
	CSVPath  string `mapstructure:"csv_path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// CheckpointConfig selects where the resume point lives.
type CheckpointConfig struct {
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
}

// ArchiveConfig selects where raw detail documents are kept.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublishConfig holds metadata for crawl event notifications.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EMSAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.search_term", "Hukuk")
	v.SetDefault("crawler.page_size", 10)
	v.SetDefault("crawler.detail_workers", 5)
	v.SetDefault("crawler.batch_threshold", 20)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.block_poll_seconds", 5)
	v.SetDefault("crawler.archive_content_type", "text/html; charset=utf-8")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 2000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.backoff", "linear")
	v.SetDefault("recovery.poll_seconds", 5)
	v.SetDefault("recovery.timeout_seconds", 180)
	v.SetDefault("transport.mode", "api")
	v.SetDefault("transport.base_url", "https://emsal.uyap.gov.tr")
	v.SetDefault("transport.timeout_seconds", 15)
	v.SetDefault("transport.headless", true)
	v.SetDefault("transport.nav_timeout_seconds", 30)
	v.SetDefault("sink.provider", "csv")
	v.SetDefault("sink.csv_path", "decisions.csv")
	v.SetDefault("sink.table", "decisions")
	v.SetDefault("checkpoint.provider", "sink")
	v.SetDefault("checkpoint.path", "crawl.checkpoint")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "decisions")
	v.SetDefault("publish.provider", "none")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Transport.Mode {
	case "api", "headless":
	default:
		return fmt.Errorf("transport.mode must be api or headless, got %q", c.Transport.Mode)
	}
	switch c.Sink.Provider {
	case "csv":
		if c.Sink.CSVPath == "" {
			return fmt.Errorf("sink.csv_path must be set for the csv sink")
		}
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn must be set for the postgres sink")
		}
		if c.Sink.Table == "" {
			return fmt.Errorf("sink.table must be set for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.provider must be csv or postgres, got %q", c.Sink.Provider)
	}
	switch c.Checkpoint.Provider {
	case "sink":
	case "file":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path must be set for the file checkpoint")
		}
	default:
		return fmt.Errorf("checkpoint.provider must be sink or file, got %q", c.Checkpoint.Provider)
	}
	switch c.Archive.Provider {
	case "none":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.provider must be none, local, or gcs, got %q", c.Archive.Provider)
	}
	switch c.Publish.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" {
			return fmt.Errorf("publish.project_id must be set for the pubsub publisher")
		}
		if c.Crawler.PublishTopic == "" {
			return fmt.Errorf("crawler.publish_topic must be set for the pubsub publisher")
		}
	default:
		return fmt.Errorf("publish.provider must be none, memory, or pubsub, got %q", c.Publish.Provider)
	}
	if c.Crawler.DetailWorkers <= 0 {
		return fmt.Errorf("crawler.detail_workers must be > 0")
	}
	if c.Crawler.BatchThreshold <= 0 {
		return fmt.Errorf("crawler.batch_threshold must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	switch c.Retry.Backoff {
	case "linear", "exponential":
	default:
		return fmt.Errorf("retry.backoff must be linear or exponential, got %q", c.Retry.Backoff)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	return nil
}

// RetryBaseDelay converts the configured base delay to a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay converts the configured delay cap to a duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
