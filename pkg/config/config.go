// Package config loads process-wide configuration from environment
// variables (and an optional .env file). The environment is read only by
// this package's getEnv* helpers and parse* functions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the ETL orchestration engine.
type Config struct {
	Env string // development, staging, production

	Store    StoreConfig
	Redis    RedisConfig
	Upstream UpstreamConfig
	Batch    BatchConfig
	RateLimits map[string]int // rate_limit.<bucket> -> tokens/minute
	Pipelines  map[string]PipelineOverride

	LogLevel  string
	LogFormat string
}

// StoreConfig holds the relational store connection.
type StoreConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	URL      string

	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds the optional Redis cache/coordination connection.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// UpstreamConfig holds the vendor credential.
type UpstreamConfig struct {
	Token   string
	BaseURL string
}

// BatchConfig holds fetch/retry/concurrency tuning shared by all stages.
type BatchConfig struct {
	TimeoutSec    int
	RetryTimes    int
	RetryDelaySec int
	Concurrency   int
}

// PipelineOverride is a per-pipeline lenience override from
// pipeline.<name>.lenient.
type PipelineOverride struct {
	Lenient bool
}

// Load reads configuration from environment variables. Config is loaded
// once at startup; there is no hot reload.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		Store: StoreConfig{
			Host:            getEnv("STORE_HOST", ""),
			Port:            getEnv("STORE_PORT", "5432"),
			User:            getEnv("STORE_USER", "etld"),
			Password:        getEnv("STORE_PASSWORD", ""),
			Database:        getEnv("STORE_DATABASE", "etld"),
			URL:             getEnv("STORE_URL", ""),
			MaxConns:        getEnvAsInt("STORE_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("STORE_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("STORE_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("STORE_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Upstream: UpstreamConfig{
			Token:   getEnv("UPSTREAM_TOKEN", ""),
			BaseURL: getEnv("UPSTREAM_BASE_URL", ""),
		},

		Batch: BatchConfig{
			TimeoutSec:    getEnvAsInt("BATCH_TIMEOUT_SEC", 60),
			RetryTimes:    getEnvAsInt("BATCH_RETRY_TIMES", 3),
			RetryDelaySec: getEnvAsInt("BATCH_RETRY_DELAY_SEC", 2),
			Concurrency:   getEnvAsInt("BATCH_CONCURRENCY", 4),
		},

		RateLimits: parseRateLimits(),
		Pipelines:  parsePipelineOverrides(),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Store.URL == "" && c.Store.Host == "" {
		return fmt.Errorf("STORE_URL or STORE_HOST is required")
	}
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}
	return nil
}

// DSN builds a libpq-style connection string when STORE_URL isn't set
// directly.
func (c *Config) DSN() string {
	if c.Store.URL != "" {
		return c.Store.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Store.User, c.Store.Password, c.Store.Host, c.Store.Port, c.Store.Database,
	)
}

func loadEnvFile() {
	paths := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(exeDir, ".env"), filepath.Join(exeDir, "..", ".env"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// parseRateLimits reads every RATE_LIMIT_<BUCKET>=<tokens-per-minute> env
// var into a bucket-name -> limit map (bucket names lower-cased).
func parseRateLimits() map[string]int {
	limits := make(map[string]int)
	const prefix = "RATE_LIMIT_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		bucket := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		limits[bucket] = n
	}
	return limits
}

// parsePipelineOverrides reads PIPELINE_<NAME>_LENIENT=true/false.
func parsePipelineOverrides() map[string]PipelineOverride {
	overrides := make(map[string]PipelineOverride)
	const prefix = "PIPELINE_"
	const suffix = "_LENIENT"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) || !strings.HasSuffix(parts[0], suffix) {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(parts[0], prefix), suffix))
		lenient, err := strconv.ParseBool(parts[1])
		if err != nil {
			continue
		}
		overrides[name] = PipelineOverride{Lenient: lenient}
	}
	return overrides
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		v = defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
