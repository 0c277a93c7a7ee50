package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_TYPE", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Type)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Equal(t, 1000, cfg.Broadcast.DefaultDelayMs)
	assert.Equal(t, 500, cfg.Broadcast.MinDelayMs)
	assert.Equal(t, 10000, cfg.Broadcast.MaxDelayMs)
	assert.Equal(t, 50, cfg.WhatsApp.MaxSessions)
	assert.Equal(t, 60*time.Second, cfg.WhatsApp.ChallengeTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "mysql")
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_USER", "")
	t.Setenv("WA_SEND_TIMEOUT", "1500")
	t.Setenv("BROADCAST_RETRY_DELAY", "2s")
	t.Setenv("BROADCAST_MAX_BATCH", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.DB.Host)
	assert.Equal(t, "3306", cfg.DB.Port)
	assert.Equal(t, "root", cfg.DB.User)
	assert.Equal(t, 1500*time.Millisecond, cfg.WhatsApp.SendTimeout)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.RetryDelay)
	assert.Equal(t, 1000, cfg.Broadcast.MaxBatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			AppEnv:    "development",
			JWTSecret: "x",
			DB:        DatabaseConfig{Type: "sqlite", Path: "test.db"},
			WhatsApp:  WhatsAppConfig{StoreDriver: "sqlite", SessionsDir: "sessions", MaxSessions: 5},
			Broadcast: BroadcastConfig{DefaultDelayMs: 1000, MinDelayMs: 500, MaxDelayMs: 10000, MaxBatchSize: 10, CheckpointEvery: 10},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"unknown db":            func(c *Config) { c.DB.Type = "oracle" },
		"postgres without host": func(c *Config) { c.DB = DatabaseConfig{Type: "postgres", Name: "x"} },
		"shared store no dsn":   func(c *Config) { c.WhatsApp.StoreDriver = "postgres" },
		"min above default":     func(c *Config) { c.Broadcast.MinDelayMs = 2000 },
		"zero batch":            func(c *Config) { c.Broadcast.MaxBatchSize = 0 },
		"zero sessions":         func(c *Config) { c.WhatsApp.MaxSessions = 0 },
		"production no secret":  func(c *Config) { c.AppEnv = "production"; c.JWTSecret = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestClampDelay(t *testing.T) {
	b := BroadcastConfig{DefaultDelayMs: 1000, MinDelayMs: 500, MaxDelayMs: 10000}
	assert.Equal(t, 1000, b.ClampDelay(0))
	assert.Equal(t, 1000, b.ClampDelay(-5))
	assert.Equal(t, 500, b.ClampDelay(100))
	assert.Equal(t, 10000, b.ClampDelay(60000))
	assert.Equal(t, 2500, b.ClampDelay(2500))
}
