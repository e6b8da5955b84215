package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the channel ROI service.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Transactions TransactionsConfig `yaml:"transactions"`
	ClickHouse   ClickHouseConfig   `yaml:"clickhouse"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Roi          RoiConfig          `yaml:"roi"`
	Jobs         JobsConfig         `yaml:"jobs"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Env             string        `yaml:"env"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Migrate  bool   `yaml:"migrate"`

	// MaxConnLifetime and MaxConnIdleTime recycle pool connections.
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	// StatementTimeout bounds a single statement. Zero leaves the server
	// default. Batch recompute chunks must fit inside it.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Transaction store backends.
const (
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

type TransactionsConfig struct {
	Backend string `yaml:"backend"`
}

// ClickHouseConfig configures the optional analytical transaction store.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// KafkaConfig configures domain event publishing. No brokers means events
// are only logged.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	APIKey    string   `yaml:"api_key"`
	SkipPaths []string `yaml:"skip_paths"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Chunk sizes used when the configuration leaves them unset.
const (
	DefaultBatchChunkSize  = 1000
	DefaultImportChunkSize = 3000
)

// RoiConfig holds calculation settings.
type RoiConfig struct {
	// MaxDays is the largest horizon computed by a batch recompute.
	MaxDays int `yaml:"max_days"`
	// BatchChunkSize is the number of ROI rows written per transaction.
	BatchChunkSize int `yaml:"batch_chunk_size"`
	// ImportChunkSize is the number of transaction rows written per chunk.
	ImportChunkSize int `yaml:"import_chunk_size"`
	// DefaultChangeLookback is how many days are recomputed after a default
	// rate or expense changes.
	DefaultChangeLookback int `yaml:"default_change_lookback"`
}

// JobsConfig holds background job settings.
type JobsConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	// Embedded runs job workers inside the HTTP server process.
	Embedded bool `yaml:"embedded"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Env:             "development",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "roi",
			Password: "roi_secret",
			DBName:   "channel_roi",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 5,
			Migrate:  true,

			MaxConnLifetime:  time.Hour,
			MaxConnIdleTime:  30 * time.Minute,
			StatementTimeout: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Transactions: TransactionsConfig{
			Backend: BackendPostgres,
		},
		ClickHouse: ClickHouseConfig{
			Addr:     "localhost:9000",
			Database: "default",
			User:     "default",
		},
		Kafka: KafkaConfig{
			Topic: "channel-roi.events",
		},
		Auth: AuthConfig{
			Enabled:   true,
			SkipPaths: []string{"/health", "/metrics"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     50,
			Burst:   20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Roi: RoiConfig{
			MaxDays:               40,
			BatchChunkSize:        DefaultBatchChunkSize,
			ImportChunkSize:       DefaultImportChunkSize,
			DefaultChangeLookback: 90,
		},
		Jobs: JobsConfig{
			MaxRetries: 3,
			RetryDelay: 60 * time.Second,
			Timeout:    2 * time.Hour,
			Workers:    2,
			Embedded:   true,
		},
	}
}

// Load reads configuration from the optional YAML file named by
// ROI_CONFIG_FILE, then applies environment variable overrides.
func Load() (*Config, error) {
	base := Defaults()
	if path := getEnv("ROI_CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, base); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ROI_HTTP_ADDR", base.Server.Addr),
			Env:             getEnv("ROI_ENV", base.Server.Env),
			ShutdownTimeout: getDurationEnv("ROI_SHUTDOWN_TIMEOUT", base.Server.ShutdownTimeout),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ROI_DB_HOST", base.Database.Host),
			Port:     getIntEnv("ROI_DB_PORT", base.Database.Port),
			User:     getEnv("ROI_DB_USER", base.Database.User),
			Password: getEnv("ROI_DB_PASSWORD", base.Database.Password),
			DBName:   getEnv("ROI_DB_NAME", base.Database.DBName),
			SSLMode:  getEnv("ROI_DB_SSLMODE", base.Database.SSLMode),
			MaxConns: getIntEnv("ROI_DB_MAX_CONNS", base.Database.MaxConns),
			MinConns: getIntEnv("ROI_DB_MIN_CONNS", base.Database.MinConns),
			Migrate:  getBoolEnv("ROI_DB_MIGRATE", base.Database.Migrate),

			MaxConnLifetime:  getDurationEnv("ROI_DB_MAX_CONN_LIFETIME", base.Database.MaxConnLifetime),
			MaxConnIdleTime:  getDurationEnv("ROI_DB_MAX_CONN_IDLE_TIME", base.Database.MaxConnIdleTime),
			StatementTimeout: getDurationEnv("ROI_DB_STATEMENT_TIMEOUT", base.Database.StatementTimeout),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ROI_REDIS_ADDR", base.Redis.Addr),
			Password: getEnv("ROI_REDIS_PASSWORD", base.Redis.Password),
			DB:       getIntEnv("ROI_REDIS_DB", base.Redis.DB),
		},
		Transactions: TransactionsConfig{
			Backend: strings.ToLower(getEnv("ROI_TRANSACTIONS_BACKEND", base.Transactions.Backend)),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnv("ROI_CLICKHOUSE_ADDR", base.ClickHouse.Addr),
			Database: getEnv("ROI_CLICKHOUSE_DATABASE", base.ClickHouse.Database),
			User:     getEnv("ROI_CLICKHOUSE_USER", base.ClickHouse.User),
			Password: getEnv("ROI_CLICKHOUSE_PASSWORD", base.ClickHouse.Password),
		},
		Kafka: KafkaConfig{
			Brokers: getSliceEnv("ROI_KAFKA_BROKERS", base.Kafka.Brokers),
			Topic:   getEnv("ROI_KAFKA_TOPIC", base.Kafka.Topic),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ROI_AUTH_ENABLED", base.Auth.Enabled),
			APIKey:    getEnv("ROI_API_KEY", base.Auth.APIKey),
			SkipPaths: getSliceEnv("ROI_AUTH_SKIP_PATHS", base.Auth.SkipPaths),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("ROI_RATE_LIMIT_ENABLED", base.RateLimit.Enabled),
			RPS:     getFloatEnv("ROI_RATE_LIMIT_RPS", base.RateLimit.RPS),
			Burst:   getIntEnv("ROI_RATE_LIMIT_BURST", base.RateLimit.Burst),
		},
		Log: LogConfig{
			Level:  getEnv("ROI_LOG_LEVEL", base.Log.Level),
			Format: getEnv("ROI_LOG_FORMAT", base.Log.Format),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ROI_METRICS_ENABLED", base.Metrics.Enabled),
			Path:    getEnv("ROI_METRICS_PATH", base.Metrics.Path),
		},
		Roi: RoiConfig{
			MaxDays:               getIntEnv("ROI_MAX_DAYS", base.Roi.MaxDays),
			BatchChunkSize:        getIntEnv("ROI_BATCH_CHUNK_SIZE", base.Roi.BatchChunkSize),
			ImportChunkSize:       getIntEnv("ROI_IMPORT_CHUNK_SIZE", base.Roi.ImportChunkSize),
			DefaultChangeLookback: getIntEnv("ROI_DEFAULT_CHANGE_LOOKBACK", base.Roi.DefaultChangeLookback),
		},
		Jobs: JobsConfig{
			MaxRetries: getIntEnv("ROI_JOB_MAX_RETRIES", base.Jobs.MaxRetries),
			RetryDelay: getDurationEnv("ROI_JOB_RETRY_DELAY", base.Jobs.RetryDelay),
			Timeout:    getDurationEnv("ROI_JOB_TIMEOUT", base.Jobs.Timeout),
			Workers:    getIntEnv("ROI_JOB_WORKERS", base.Jobs.Workers),
			Embedded:   getBoolEnv("ROI_WORKER_EMBEDDED", base.Jobs.Embedded),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, into *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("ROI_API_KEY is required when auth is enabled")
	}
	switch c.Transactions.Backend {
	case BackendPostgres, BackendClickHouse:
	default:
		return fmt.Errorf("unknown transactions backend %q", c.Transactions.Backend)
	}
	if c.Roi.MaxDays < 1 {
		return fmt.Errorf("ROI_MAX_DAYS must be positive")
	}
	if c.Roi.BatchChunkSize < 1 || c.Roi.ImportChunkSize < 1 {
		return fmt.Errorf("chunk sizes must be positive")
	}
	if c.Roi.DefaultChangeLookback < 1 {
		return fmt.Errorf("ROI_DEFAULT_CHANGE_LOOKBACK must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("ROI_JOB_MAX_RETRIES must not be negative")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("ROI_JOB_WORKERS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
