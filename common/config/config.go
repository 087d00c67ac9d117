// Package config provides centralized configuration management for all LedgerWatch services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the master configuration struct containing all service configs and shared infrastructure.
type Config struct {
	// Environment tags outbound webhooks and gates real delivery outside production.
	Environment string `mapstructure:"environment"`

	// Service-specific configurations
	Detection DetectionConfig `mapstructure:"detection"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`

	// Shared infrastructure configurations
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	v *viper.Viper
}

// DetectionConfig holds detection service configuration
type DetectionConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
}

// ThresholdsConfig holds the tunable matching thresholds and tolerances.
type ThresholdsConfig struct {
	DuplicateSimilarity  float64       `mapstructure:"duplicate_similarity"`
	SuspiciousSimilarity float64       `mapstructure:"suspicious_similarity"`
	AmountToleranceCents int64         `mapstructure:"amount_tolerance_cents"`
	TimeTolerance        time.Duration `mapstructure:"time_tolerance"`
	CanonicalTimeBucket  time.Duration `mapstructure:"canonical_time_bucket"`
}

// SimilarityConfig holds vector search settings
type SimilarityConfig struct {
	Backend         string        `mapstructure:"backend"` // "pgvector" (default) or "opensearch"
	PreferIndex     bool          `mapstructure:"prefer_index"`
	K               int           `mapstructure:"k"`
	Timeout         time.Duration `mapstructure:"timeout"`
	EmptyRetries    int           `mapstructure:"empty_retries"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	Workers         int           `mapstructure:"workers"`
	LocalWindowCap  int           `mapstructure:"local_window_cap"`
	GlobalWindowCap int           `mapstructure:"global_window_cap"`
	Index           string        `mapstructure:"index"` // OpenSearch index name
}

// DeliveryConfig holds webhook delivery service configuration
type DeliveryConfig struct {
	Server         ServerConfig    `mapstructure:"server"`
	Prefetch       int             `mapstructure:"prefetch"`
	MaxRetries     int             `mapstructure:"max_retries"`
	Backoff        []time.Duration `mapstructure:"backoff"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	UserAgent      string          `mapstructure:"user_agent"`
	AllowPatterns  []string        `mapstructure:"allow_patterns"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds the per-URL sliding window settings
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RealtimeConfig holds realtime service configuration
type RealtimeConfig struct {
	Server           ServerConfig  `mapstructure:"server"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// DetectBudget is how long a synchronous detect request may take before its
// summary is written.
func (c *Config) DetectBudget() time.Duration {
	return c.Detection.Similarity.Timeout + c.Embedding.RequestTimeout + time.Minute
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a pgx connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL                  string        `mapstructure:"url"`
	Name                 string        `mapstructure:"name"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PublishRetries       int           `mapstructure:"publish_retries"`
	PublishRetryDelay    time.Duration `mapstructure:"publish_retry_delay"`
	Timeout              time.Duration `mapstructure:"timeout"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	Token                string        `mapstructure:"token"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// PubSubConfig holds the real-time bus publish policy
type PubSubConfig struct {
	PublishAttempts int           `mapstructure:"publish_attempts"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
}

// EmbeddingConfig holds the external embedding endpoint
type EmbeddingConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	BatchSize      int           `mapstructure:"batch_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IsProduction reports whether outbound delivery is unrestricted.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from $LEDGERWATCH_CONFIG_DIR/config.yaml and environment variables.
// A missing config file is not an error; defaults and env vars apply.
func Load() (*Config, error) {
	configDir := os.Getenv("LEDGERWATCH_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/ledgerwatch"
	}
	return LoadFile(fmt.Sprintf("%s/config.yaml", configDir))
}

// LoadFile reads configuration from the given path and environment variables.
func LoadFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Environment variables override with NO prefix (empty string)
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

// WatchThresholds re-reads the config file on change and passes the new
// detection thresholds to fn. It is a no-op when no file was loaded.
func (c *Config) WatchThresholds(fn func(ThresholdsConfig)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		updated, err := unmarshal(c.v)
		if err != nil {
			return
		}
		fn(updated.Detection.Thresholds)
	})
	c.v.WatchConfig()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// isNotFound treats a missing config file as "use defaults". SetConfigFile
// with a missing path surfaces as an fs error rather than viper's own type.
func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Detection service defaults
	v.SetDefault("detection.server.port", 8090)
	// Detect answers synchronously, so writes must outlive the similarity
	// deadline plus embedding backfill.
	v.SetDefault("detection.server.write_timeout", "15m")
	v.SetDefault("detection.thresholds.duplicate_similarity", 0.85)
	v.SetDefault("detection.thresholds.suspicious_similarity", 0.75)
	v.SetDefault("detection.thresholds.amount_tolerance_cents", 0)
	v.SetDefault("detection.thresholds.time_tolerance", "30s")
	v.SetDefault("detection.thresholds.canonical_time_bucket", "1h")
	v.SetDefault("detection.similarity.backend", "pgvector")
	v.SetDefault("detection.similarity.prefer_index", true)
	v.SetDefault("detection.similarity.k", 5)
	v.SetDefault("detection.similarity.timeout", "10m")
	v.SetDefault("detection.similarity.empty_retries", 2)
	v.SetDefault("detection.similarity.retry_base", "1s")
	v.SetDefault("detection.similarity.workers", 4)
	v.SetDefault("detection.similarity.local_window_cap", 1000)
	v.SetDefault("detection.similarity.global_window_cap", 500)
	v.SetDefault("detection.similarity.index", "ledgerwatch-records")

	// Delivery service defaults
	v.SetDefault("delivery.server.port", 8091)
	v.SetDefault("delivery.prefetch", 5)
	v.SetDefault("delivery.max_retries", 5)
	v.SetDefault("delivery.backoff", []string{"1s", "5s", "15s", "30s", "60s"})
	v.SetDefault("delivery.request_timeout", "10s")
	v.SetDefault("delivery.user_agent", "LedgerWatch-Webhooks/1.0")
	v.SetDefault("delivery.allow_patterns", []string{
		`^https?://(localhost|127\.0\.0\.1)(:\d+)?/`,
		`^https://webhook\.site/`,
		`^https://[^/]*\.(test|staging)\.`,
	})
	v.SetDefault("delivery.rate_limit.enabled", true)
	v.SetDefault("delivery.rate_limit.requests", 100)
	v.SetDefault("delivery.rate_limit.window", "60s")

	// Realtime service defaults
	v.SetDefault("realtime.server.port", 8092)
	v.SetDefault("realtime.allowed_origins", []string{"*"})
	v.SetDefault("realtime.resubscribe_delay", "5s")
	v.SetDefault("realtime.ping_interval", "25s")

	// Server defaults (port varies by service)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	// Database defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "ledgerwatch")
	v.SetDefault("database.postgres.user", "ledgerwatch")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")

	// OpenSearch defaults
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "ledgerwatch")
	v.SetDefault("nats.reconnect_base", "1s")
	v.SetDefault("nats.reconnect_max", "30s")
	v.SetDefault("nats.max_reconnect_attempts", 10)
	v.SetDefault("nats.publish_retries", 3)
	v.SetDefault("nats.publish_retry_delay", "500ms")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// Pub/sub defaults
	v.SetDefault("pubsub.publish_attempts", 3)
	v.SetDefault("pubsub.publish_timeout", "5s")
	v.SetDefault("pubsub.retry_base", "200ms")

	// Embedding defaults (empty endpoint disables backfill)
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.request_timeout", "45s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
