// Package config provides configuration management for the game data manager.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/game-data-manager/internal/errors"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Jobs      JobsConfig
	Scanner   ScannerConfig
	Channel   ChannelConfig
	Alert     AlertConfig
	Publish   PublishConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by the migration tool.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// JobsConfig holds job scheduling configuration
type JobsConfig struct {
	// TerminateIfRunning is the number of redundant top-level triggers after
	// which the in-flight run is aborted. Zero disables forced aborts.
	TerminateIfRunning int
	// OutputFreshness is how long a cached job output satisfies JobOutput.
	OutputFreshness time.Duration
	// Schedules maps job names to cron expressions (JOB_SCHEDULE_<NAME>).
	Schedules map[string]string
	// Workers bounds concurrently dispatched top-level triggers.
	Workers int
}

// ScannerConfig holds checkout ledger configuration
type ScannerConfig struct {
	CheckoutTimeout  time.Duration
	DefaultBatchSize int
	MaxBatchSize     int
}

// ChannelConfig holds websocket channel configuration
type ChannelConfig struct {
	PingInterval       time.Duration
	CommandTimeout     time.Duration
	BulkCommandTimeout time.Duration
}

// AlertConfig holds alert webhook configuration
type AlertConfig struct {
	WebhookURL string
	Username   string
}

// PublishConfig holds blob publishing configuration
type PublishConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// RateLimitConfig holds scanner API rate limits
type RateLimitConfig struct {
	ScannerRPS int
	Burst      int
}

// defaultSchedules are applied when no JOB_SCHEDULE_<NAME> override is set.
var defaultSchedules = map[string]string{
	"check-scanners":             "*/5 * * * *",
	"release-disabled-checkouts": "*/15 * * * *",
	"update-hideout":             "0 * * * *",
	"update-presets":             "15 * * * *",
	"update-crafts":              "30 * * * *",
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "game_data"),
				User:           getEnv("POSTGRES_USER", "manager"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Jobs: JobsConfig{
			TerminateIfRunning: getEnvAsInt("JOB_TERMINATE_IF_RUNNING", 3),
			OutputFreshness:    getEnvAsDuration("JOB_OUTPUT_FRESHNESS", 10*time.Minute),
			Schedules:          loadSchedules(),
			Workers:            getEnvAsInt("JOB_WORKERS", 4),
		},
		Scanner: ScannerConfig{
			CheckoutTimeout:  getEnvAsDuration("SCANNER_CHECKOUT_TIMEOUT", 15*time.Minute),
			DefaultBatchSize: getEnvAsInt("SCANNER_DEFAULT_BATCH_SIZE", 50),
			MaxBatchSize:     getEnvAsInt("SCANNER_MAX_BATCH_SIZE", 200),
		},
		Channel: ChannelConfig{
			PingInterval:       getEnvAsDuration("CHANNEL_PING_INTERVAL", 10*time.Second),
			CommandTimeout:     getEnvAsDuration("CHANNEL_COMMAND_TIMEOUT", 30*time.Second),
			BulkCommandTimeout: getEnvAsDuration("CHANNEL_BULK_COMMAND_TIMEOUT", 2*time.Minute),
		},
		Alert: AlertConfig{
			WebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
			Username:   getEnv("ALERT_USERNAME", "game-data-manager"),
		},
		Publish: PublishConfig{
			KeyPrefix: getEnv("PUBLISH_KEY_PREFIX", "blob"),
			TTL:       getEnvAsDuration("PUBLISH_TTL", 0),
		},
		RateLimit: RateLimitConfig{
			ScannerRPS: getEnvAsInt("RATE_LIMIT_SCANNER_RPS", 10),
			Burst:      getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
	}

	return config, nil
}

// Validate checks required options. Missing options are configuration
// errors and are never retried.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return apperrors.NewMissingOptionError("SERVER_PORT")
	}
	if c.Database.Postgres.Host == "" {
		return apperrors.NewMissingOptionError("POSTGRES_HOST")
	}
	if c.Database.Redis.Host == "" {
		return apperrors.NewMissingOptionError("REDIS_HOST")
	}
	if c.Scanner.CheckoutTimeout <= 0 {
		return apperrors.NewInvalidParameterError("SCANNER_CHECKOUT_TIMEOUT", "must be positive")
	}
	if c.Scanner.DefaultBatchSize <= 0 || c.Scanner.DefaultBatchSize > c.Scanner.MaxBatchSize {
		return apperrors.NewInvalidParameterError("SCANNER_DEFAULT_BATCH_SIZE",
			fmt.Sprintf("must be between 1 and %d", c.Scanner.MaxBatchSize))
	}
	if c.Channel.PingInterval <= 0 {
		return apperrors.NewInvalidParameterError("CHANNEL_PING_INTERVAL", "must be positive")
	}
	return nil
}

// loadSchedules merges JOB_SCHEDULE_<NAME> overrides over the defaults.
// An override of "off" removes the schedule.
func loadSchedules() map[string]string {
	schedules := make(map[string]string, len(defaultSchedules))
	for name, spec := range defaultSchedules {
		schedules[name] = spec
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "JOB_SCHEDULE_") {
			continue
		}
		name := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, "JOB_SCHEDULE_"), "_", "-"))
		if name == "" {
			continue
		}
		if strings.EqualFold(value, "off") {
			delete(schedules, name)
			continue
		}
		schedules[name] = value
	}

	return schedules
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
