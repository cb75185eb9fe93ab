// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Shard      ShardConfig      `mapstructure:"shard"`
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the status/control HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the fetcher pool.
type CrawlerConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	UserAgent    string `mapstructure:"user_agent"`
	IgnoreRobots bool   `mapstructure:"ignore_robots"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	BackoffFactor     float64 `mapstructure:"backoff_factor"`
	RetryAfterSeconds int     `mapstructure:"retry_after_default_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// FrontierConfig controls per-source politeness.
type FrontierConfig struct {
	PolitenessMs      int      `mapstructure:"politeness_ms"`
	RequestsPerMinute float64  `mapstructure:"requests_per_minute"`
	MaxQueuePerSource int      `mapstructure:"max_queue_per_source"`
	DenyDomains       []string `mapstructure:"deny_domains"`
}

// QualityConfig tunes the quality gate.
type QualityConfig struct {
	MinChars   int              `mapstructure:"min_chars"`
	MaskPII    bool             `mapstructure:"mask_pii"`
	LowQuality LowQualityConfig `mapstructure:"low_quality"`
}

// LowQualityConfig tunes garbled and spam text detection.
type LowQualityConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxPromoRatio     float64 `mapstructure:"max_promo_ratio"`
	MinUniqueRatio    float64 `mapstructure:"min_unique_ratio"`
	MinPrintableRatio float64 `mapstructure:"min_printable_ratio"`
	MaxShortWordRatio float64 `mapstructure:"max_short_word_ratio"`
	MinSentenceWords  float64 `mapstructure:"min_sentence_words"`
}

// TopicConfig is one keyword topic for the rule-based classifier.
type TopicConfig struct {
	Domain    string   `mapstructure:"domain"`
	Subdomain string   `mapstructure:"subdomain"`
	Keywords  []string `mapstructure:"keywords"`
}

// ClassifierConfig selects and configures the topic classifier.
type ClassifierConfig struct {
	Backend              string        `mapstructure:"backend"`
	MinMatches           int           `mapstructure:"min_matches"`
	Topics               []TopicConfig `mapstructure:"topics"`
	Exclusions           []string      `mapstructure:"exclusions"`
	UseDefaultExclusions bool          `mapstructure:"use_default_exclusions"`
	RemoteURL            string        `mapstructure:"remote_url"`
	RemoteTimeoutMs      int           `mapstructure:"remote_timeout_ms"`
}

// DedupConfig tunes near-duplicate detection.
type DedupConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	WarmFromShards bool    `mapstructure:"warm_from_shards"`
}

// ShardConfig controls the output shard writer.
type ShardConfig struct {
	Dir            string `mapstructure:"dir"`
	Prefix         string `mapstructure:"prefix"`
	Capacity       int    `mapstructure:"capacity"`
	SealOnShutdown bool   `mapstructure:"seal_on_shutdown"`
	WriteRetries   int    `mapstructure:"write_retries"`
}

// OutputConfig fills constant fields of every exported record.
type OutputConfig struct {
	DeliveryVersion string `mapstructure:"delivery_version"`
	ContentType     string `mapstructure:"content_type"`
	DefaultLang     string `mapstructure:"default_lang"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	Backend         string        `mapstructure:"backend"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
}

// SourcesConfig points at the source list.
type SourcesConfig struct {
	File       string `mapstructure:"file"`
	ReseedCron string `mapstructure:"reseed_cron"`
}

// LimitsConfig bounds a run.
type LimitsConfig struct {
	MaxPages           int  `mapstructure:"max_pages"`
	MaxDurationSeconds int  `mapstructure:"max_duration_seconds"`
	StopWhenIdle       bool `mapstructure:"stop_when_idle"`
}

// StorageConfig selects where sealed shards are archived.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for shard-sealed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressBatchConfig controls hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ProgressConfig toggles the progress event hub and its sinks.
type ProgressConfig struct {
	Enabled           bool                `mapstructure:"enabled"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	BufferSize        int                 `mapstructure:"buffer_size"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int                 `mapstructure:"sink_timeout_ms"`
}

// TelemetryConfig configures tracing resources.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "corpus-crawler/1.0 (+https://github.com/JakeFAU/corpus-crawler)")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("http.backoff_factor", 2.0)
	v.SetDefault("http.retry_after_default_seconds", 60)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("frontier.politeness_ms", 1000)
	v.SetDefault("frontier.requests_per_minute", 10.0)
	v.SetDefault("frontier.max_queue_per_source", 50000)
	v.SetDefault("quality.min_chars", 200)
	v.SetDefault("quality.mask_pii", true)
	v.SetDefault("quality.low_quality.enabled", true)
	v.SetDefault("quality.low_quality.max_promo_ratio", 0.1)
	v.SetDefault("quality.low_quality.min_unique_ratio", 0.7)
	v.SetDefault("quality.low_quality.min_printable_ratio", 0.9)
	v.SetDefault("quality.low_quality.max_short_word_ratio", 0.3)
	v.SetDefault("quality.low_quality.min_sentence_words", 3)
	v.SetDefault("classifier.backend", "rules")
	v.SetDefault("classifier.min_matches", 1)
	v.SetDefault("classifier.use_default_exclusions", true)
	v.SetDefault("classifier.remote_timeout_ms", 5000)
	v.SetDefault("dedup.threshold", 0.05)
	v.SetDefault("dedup.warm_from_shards", true)
	v.SetDefault("shard.dir", "./output")
	v.SetDefault("shard.prefix", "shard")
	v.SetDefault("shard.capacity", 10000)
	v.SetDefault("shard.seal_on_shutdown", true)
	v.SetDefault("shard.write_retries", 3)
	v.SetDefault("output.delivery_version", "V1.0")
	v.SetDefault("output.content_type", "article")
	v.SetDefault("output.default_lang", "en")
	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.sqlite_path", "./state/checkpoint.db")
	v.SetDefault("checkpoint.table_prefix", "corpus")
	v.SetDefault("checkpoint.redis_prefix", "corpus")
	v.SetDefault("sources.file", "sources.yaml")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "shards")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("telemetry.service_name", "corpus-crawler")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("limits.stop_when_idle", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Quality.MinChars < 0 {
		return fmt.Errorf("quality.min_chars must be >= 0")
	}
	if r := c.Quality.LowQuality; r.MaxPromoRatio < 0 || r.MinUniqueRatio < 0 || r.MinUniqueRatio > 1 ||
		r.MinPrintableRatio < 0 || r.MinPrintableRatio > 1 || r.MaxShortWordRatio < 0 || r.MinSentenceWords < 0 {
		return fmt.Errorf("quality.low_quality ratios must be within [0, 1] and counts >= 0")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold >= 1 {
		return fmt.Errorf("dedup.threshold must be in [0, 1)")
	}
	if c.Shard.Capacity <= 0 {
		return fmt.Errorf("shard.capacity must be > 0")
	}
	if strings.TrimSpace(c.Shard.Dir) == "" {
		return fmt.Errorf("shard.dir is required")
	}
	if c.Limits.MaxPages < 0 || c.Limits.MaxDurationSeconds < 0 {
		return fmt.Errorf("limits must be >= 0")
	}
	switch c.Checkpoint.Backend {
	case "sqlite":
		if c.Checkpoint.SQLitePath == "" {
			return fmt.Errorf("checkpoint.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Checkpoint.PostgresDSN == "" {
			return fmt.Errorf("checkpoint.postgres_dsn is required for the postgres backend")
		}
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("checkpoint.redis_addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}
	switch c.Classifier.Backend {
	case "rules", "none":
	case "remote":
		if c.Classifier.RemoteURL == "" {
			return fmt.Errorf("classifier.remote_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("classifier.backend %q is not supported", c.Classifier.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the gcs backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir is required for the local backend")
	}
	return nil
}

// FetchTimeout returns the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MaxDuration returns the wall-clock limit of a run, zero meaning unlimited.
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.Limits.MaxDurationSeconds) * time.Second
}

// Politeness returns the minimum delay between fetches to one source.
func (c Config) Politeness() time.Duration {
	return time.Duration(c.Frontier.PolitenessMs) * time.Millisecond
}
