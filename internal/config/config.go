package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the coordination service.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Lock        LockConfig
	Dedup       DedupConfig
	Idempotency IdempotencyConfig
	Jobs        JobsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type RedisConfig struct {
	URL string
}

type LockConfig struct {
	Namespace  string
	TTL        time.Duration
	RetryDelay time.Duration
}

type DedupConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

type IdempotencyConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

type JobsConfig struct {
	DefaultTimeout time.Duration
	MaxRetries     int
	SweepInterval  time.Duration
	ShutdownGrace  time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("COORDINATION_PORT", 8080),
			Env:  envString("COORDINATION_ENV", "development"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Lock: LockConfig{
			Namespace:  envString("LOCK_NAMESPACE", "coordination"),
			TTL:        envDuration("LOCK_TTL", 30*time.Second),
			RetryDelay: envDuration("LOCK_RETRY_DELAY", 100*time.Millisecond),
		},
		Dedup: DedupConfig{
			KeyPrefix: envString("DEDUP_KEY_PREFIX", "event:dedup:"),
			TTL:       envDuration("DEDUP_TTL", 24*time.Hour),
		},
		Idempotency: IdempotencyConfig{
			KeyPrefix: envString("IDEMPOTENCY_KEY_PREFIX", "idempotency:"),
			TTL:       envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Jobs: JobsConfig{
			DefaultTimeout: envDuration("JOB_DEFAULT_TIMEOUT", 60*time.Second),
			MaxRetries:     envInt("JOB_MAX_RETRIES", 3),
			SweepInterval:  envDuration("JOB_SWEEP_INTERVAL", 5*time.Second),
			ShutdownGrace:  envDuration("JOB_SHUTDOWN_GRACE", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Lock.Namespace == "" {
		return fmt.Errorf("LOCK_NAMESPACE must not be empty")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.Lock.TTL)
	}

	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("DEDUP_TTL must be positive, got %s", c.Dedup.TTL)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %s", c.Idempotency.TTL)
	}

	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.Jobs.MaxRetries)
	}
	if c.Jobs.DefaultTimeout <= 0 {
		return fmt.Errorf("JOB_DEFAULT_TIMEOUT must be positive, got %s", c.Jobs.DefaultTimeout)
	}
	if c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("JOB_SWEEP_INTERVAL must be positive, got %s", c.Jobs.SweepInterval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
