package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration loaded from the environment.
type Config struct {
	AppEnv   string // APP_ENV
	AppHost  string // APP_HOST
	HTTPPort string // APP_PORT
	LogLevel string // LOG_LEVEL
	LogFile  string // LOG_FILE, JSON log file rotated by lumberjack

	JWTSecret string

	DB        DatabaseConfig
	WhatsApp  WhatsAppConfig
	Broadcast BroadcastConfig

	RateLimitPerMinute int

	RedisURL string
	NATSURL  string
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Type     string // sqlite, postgres, mysql
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Path     string // sqlite file
}

// WhatsAppConfig configures the session registry and the credential cache.
type WhatsAppConfig struct {
	StoreDriver        string // sqlite or postgres
	StoreDSN           string
	SessionsDir        string
	MaxSessions        int
	DefaultCountryCode string // prepended to national-format numbers; unset keeps them as typed
	RecoverySpacing    time.Duration
	ChallengeTimeout   time.Duration
	SendTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

// BroadcastConfig configures pacing and persistence of campaigns.
type BroadcastConfig struct {
	DefaultDelayMs  int
	MinDelayMs      int
	MaxDelayMs      int
	MaxBatchSize    int
	CheckpointEvery int
	RetryAttempts   int
	RetryDelay      time.Duration
	CleanupDays     int
}

const devJWTSecret = "wa-broadcast-dev-secret-change-in-production"

// Load loads configuration from the environment, reading .env and env.local when present.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("env.local")

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		AppHost:            getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:           getEnv("APP_PORT", "9090"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 10),
		RedisURL:           getEnv("REDIS_URL", ""),
		NATSURL:            getEnv("NATS_URL", ""),
	}

	cfg.DB.Type = getEnv("DB_TYPE", "sqlite")
	cfg.DB.Path = getEnv("DB_PATH", "whatsapp.db")
	cfg.DB.User = getEnv("DB_USER", "")
	cfg.DB.Password = getEnv("DB_PASSWORD", "")
	cfg.DB.Name = getEnv("DB_NAME", "wa_broadcast")
	switch cfg.DB.Type {
	case "mysql":
		cfg.DB.Host = getEnv("DB_HOST", "127.0.0.1")
		cfg.DB.Port = getEnv("DB_PORT", "3306")
		if cfg.DB.User == "" {
			cfg.DB.User = "root"
		}
	default:
		cfg.DB.Host = getEnv("DB_HOST", "localhost")
		cfg.DB.Port = getEnv("DB_PORT", "5432")
		if cfg.DB.User == "" {
			cfg.DB.User = "postgres"
		}
	}

	cfg.WhatsApp = WhatsAppConfig{
		StoreDriver:        getEnv("WA_STORE_DRIVER", "sqlite"),
		StoreDSN:           getEnv("WA_STORE_DSN", ""),
		SessionsDir:        getEnv("WA_SESSIONS_DIR", "sessions"),
		MaxSessions:        getInt("WA_MAX_SESSIONS", 50),
		DefaultCountryCode: getEnv("WA_DEFAULT_COUNTRY_CODE", ""),
		RecoverySpacing:    getDuration("WA_RECOVERY_SPACING", time.Second),
		ChallengeTimeout:   getDuration("WA_CHALLENGE_TIMEOUT", 60*time.Second),
		SendTimeout:        getDuration("WA_SEND_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDuration("WA_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	cfg.Broadcast = BroadcastConfig{
		DefaultDelayMs:  getInt("BROADCAST_DEFAULT_DELAY_MS", 1000),
		MinDelayMs:      getInt("BROADCAST_MIN_DELAY_MS", 500),
		MaxDelayMs:      getInt("BROADCAST_MAX_DELAY_MS", 10000),
		MaxBatchSize:    getInt("BROADCAST_MAX_BATCH", 1000),
		CheckpointEvery: getInt("BROADCAST_CHECKPOINT_EVERY", 10),
		RetryAttempts:   getInt("BROADCAST_RETRY_ATTEMPTS", 3),
		RetryDelay:      getDuration("BROADCAST_RETRY_DELAY", 500*time.Millisecond),
		CleanupDays:     getInt("BROADCAST_CLEANUP_DAYS", 90),
	}

	if cfg.JWTSecret == "" && cfg.AppEnv != "production" {
		cfg.JWTSecret = devJWTSecret
	}
	return cfg, nil
}

// Validate checks required fields and production safety.
func (c *Config) Validate() error {
	switch c.DB.Type {
	case "sqlite":
		if c.DB.Path == "" {
			return errors.New("config: DB_PATH is required for sqlite")
		}
	case "postgres", "postgresql", "mysql":
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("config: DB_HOST and DB_NAME are required for %s", c.DB.Type)
		}
	default:
		return fmt.Errorf("config: unsupported DB_TYPE %q", c.DB.Type)
	}

	switch c.WhatsApp.StoreDriver {
	case "sqlite":
		if c.WhatsApp.SessionsDir == "" {
			return errors.New("config: WA_SESSIONS_DIR is required")
		}
	case "postgres", "pgx":
		if c.WhatsApp.StoreDSN == "" {
			return errors.New("config: WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("config: unsupported WA_STORE_DRIVER %q", c.WhatsApp.StoreDriver)
	}

	b := c.Broadcast
	if b.MinDelayMs <= 0 || b.MinDelayMs > b.DefaultDelayMs || b.DefaultDelayMs > b.MaxDelayMs {
		return fmt.Errorf("config: broadcast delays must satisfy 0 < min (%d) <= default (%d) <= max (%d)",
			b.MinDelayMs, b.DefaultDelayMs, b.MaxDelayMs)
	}
	if b.MaxBatchSize <= 0 || b.CheckpointEvery <= 0 {
		return errors.New("config: BROADCAST_MAX_BATCH and BROADCAST_CHECKPOINT_EVERY must be positive")
	}
	if c.WhatsApp.MaxSessions <= 0 {
		return errors.New("config: WA_MAX_SESSIONS must be positive")
	}
	if c.AppEnv == "production" && c.JWTSecret == "" {
		return errors.New("config: in production JWT_SECRET is required")
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

// ClampDelay bounds a requested pacing interval to the configured range.
// Zero or negative requests fall back to the default delay.
func (b BroadcastConfig) ClampDelay(ms int) int {
	if ms <= 0 {
		return b.DefaultDelayMs
	}
	if ms < b.MinDelayMs {
		return b.MinDelayMs
	}
	if ms > b.MaxDelayMs {
		return b.MaxDelayMs
	}
	return ms
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// getDuration accepts Go durations ("45s") or plain milliseconds ("1500").
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
