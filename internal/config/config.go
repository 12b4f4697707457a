// Package config loads process configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full process configuration shared by server, worker and seed.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Stock    StockConfig
	Worker   WorkerConfig
	Kafka    KafkaConfig
}

type AppConfig struct {
	Env                string // development | production
	Port               string
	LogLevel           string
	StorageDriver      string
	IdempotencyEnabled bool
	IdempotencyTTL     time.Duration
}

// Development reports whether the process runs in development mode.
func (a AppConfig) Development() bool { return a.Env == "development" }

type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	ReferenceTTL     time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type StockConfig struct {
	ExpiringSoonDays     int
	DefaultMovementLimit int
	MaxMovementLimit     int
}

type WorkerConfig struct {
	ExpirySweepInterval time.Duration
	ReconcileInterval   time.Duration
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxRetention     time.Duration
	CleanupInterval     time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads .env (if any) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (Config, error) {
	cfg := Config{
		App: AppConfig{
			Env:                getEnv("APP_ENV", "development"),
			Port:               getEnv("APP_PORT", "8080"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
			StorageDriver:      getEnv("STORAGE_DRIVER", DriverPostgres),
			IdempotencyEnabled: getEnvBool("IDEMPOTENCY_ENABLED", true),
			IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			DSN:              getEnv("DATABASE_URL", ""),
			MaxConns:         int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:         int32(getEnvInt("DB_MIN_CONNS", 2)),
			StatementTimeout: getEnvDuration("DB_STATEMENT_TIMEOUT", 30*time.Second),
			LockTimeout:      getEnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
			ReferenceTTL:     getEnvDuration("REFERENCE_CACHE_TTL", 10*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "pharmstock"),
			TokenTTL:  getEnvDuration("JWT_TTL", 12*time.Hour),
		},
		Stock: StockConfig{
			ExpiringSoonDays:     getEnvInt("STOCK_EXPIRING_SOON_DAYS", 90),
			DefaultMovementLimit: getEnvInt("STOCK_MOVEMENT_PAGE_SIZE", 100),
			MaxMovementLimit:     getEnvInt("STOCK_MOVEMENT_MAX_PAGE_SIZE", 1000),
		},
		Worker: WorkerConfig{
			ExpirySweepInterval: getEnvDuration("WORKER_EXPIRY_INTERVAL", time.Hour),
			ReconcileInterval:   getEnvDuration("WORKER_RECONCILE_INTERVAL", 24*time.Hour),
			OutboxPollInterval:  getEnvDuration("WORKER_OUTBOX_INTERVAL", time.Second),
			OutboxBatchSize:     getEnvInt("WORKER_OUTBOX_BATCH_SIZE", 100),
			OutboxRetention:     getEnvDuration("WORKER_OUTBOX_RETENTION", 7*24*time.Hour),
			CleanupInterval:     getEnvDuration("WORKER_CLEANUP_INTERVAL", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "pharmstock.stock-events"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.App.StorageDriver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not one of postgres, memory", c.App.StorageDriver))
	}
	if c.Auth.JWTSecret == "" && !c.App.Development() {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.Stock.ExpiringSoonDays <= 0 {
		errs = append(errs, errors.New("STOCK_EXPIRING_SOON_DAYS must be positive"))
	}
	if c.Stock.DefaultMovementLimit <= 0 || c.Stock.DefaultMovementLimit > c.Stock.MaxMovementLimit {
		errs = append(errs, errors.New("STOCK_MOVEMENT_PAGE_SIZE must be in 1..STOCK_MOVEMENT_MAX_PAGE_SIZE"))
	}
	return errors.Join(errs...)
}

// DevJWTSecret signs tokens when JWT_SECRET is unset in development,
// including the ones printed by cmd/seed.
const DevJWTSecret = "pharmstock-development-secret"

// JWTSecret returns the configured secret or the development fallback.
func (c Config) JWTSecret() string {
	if c.Auth.JWTSecret == "" && c.App.Development() {
		return DevJWTSecret
	}
	return c.Auth.JWTSecret
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
