package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the admission-control service.
type Config struct {
	MetricsPort string
	Timezone    string

	Database DatabaseConfig
	Redis    RedisConfig
	Quota    QuotaConfig
	Queue    QueueConfig
	Abuse    AbuseConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QuotaConfig holds admission-engine tunables.
type QuotaConfig struct {
	SessionTTL         time.Duration
	SessionFallbackTTL time.Duration
	CleanupProbability float64
	WarmRatePerSecond  float64
	WarmBurst          int
}

// QueueConfig holds cost-tracking queue settings.
type QueueConfig struct {
	Backend      string // "memory" or "redis"
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// AbuseConfig holds login-abuse tracking settings.
type AbuseConfig struct {
	MaxAttempts   int
	Window        time.Duration
	Lockout       time.Duration
	MaxEntries    int
	SweepSchedule string // cron expression, e.g. "@every 5m"
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsPort: getEnvString("METRICS_PORT", "9090"),
		Timezone:    getEnvString("QUOTA_TIMEZONE", "UTC"),

		Database: DatabaseConfig{
			URL:             getEnvString("DATABASE_URL", "postgres://postgres@localhost:5432/quotagate?sslmode=disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", time.Minute),
		},

		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},

		Quota: QuotaConfig{
			SessionTTL:         getEnvDuration("SESSION_TTL", 5*time.Minute),
			SessionFallbackTTL: getEnvDuration("SESSION_FALLBACK_TTL", 30*time.Minute),
			CleanupProbability: getEnvFloat("SESSION_CLEANUP_PROBABILITY", 0.05),
			WarmRatePerSecond:  getEnvFloat("CACHE_WARM_RATE", 100),
			WarmBurst:          getEnvInt("CACHE_WARM_BURST", 200),
		},

		Queue: QueueConfig{
			Backend:      getEnvString("COST_QUEUE_BACKEND", "memory"),
			BatchSize:    getEnvInt("COST_QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("COST_QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("COST_QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("COST_QUEUE_RETRY_BACKOFF", 100*time.Millisecond),
		},

		Abuse: AbuseConfig{
			MaxAttempts:   getEnvInt("ABUSE_MAX_ATTEMPTS", 5),
			Window:        getEnvDuration("ABUSE_WINDOW", 15*time.Minute),
			Lockout:       getEnvDuration("ABUSE_LOCKOUT", 30*time.Minute),
			MaxEntries:    getEnvInt("ABUSE_MAX_ENTRIES", 10000),
			SweepSchedule: getEnvString("ABUSE_SWEEP_SCHEDULE", "@every 5m"),
		},
	}

	if cfg.Quota.CleanupProbability < 0 || cfg.Quota.CleanupProbability > 1 {
		return nil, fmt.Errorf("SESSION_CLEANUP_PROBABILITY must be in [0, 1], got %v", cfg.Quota.CleanupProbability)
	}
	if cfg.Queue.Backend != "memory" && cfg.Queue.Backend != "redis" {
		return nil, fmt.Errorf("COST_QUEUE_BACKEND must be memory or redis, got %q", cfg.Queue.Backend)
	}

	return cfg, nil
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}
