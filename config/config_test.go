package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": "dev"})
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.Equal(t, DriverSQLite, cfg.Ledger.Driver)
	assert.Equal(t, "mathquest.db", cfg.SQLite.Path)
	assert.Equal(t, 5*time.Second, cfg.Ledger.ReportTimeout)
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, EventsMemory, cfg.Events.Driver)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Sessions.ReapInterval)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.AdminEnabled())
}

func TestLoadFrom_Production(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"APP_ENV":              "production",
		"LEDGER_DRIVER":        "postgres",
		"DATABASE_URL":         "postgres://mq:secret@db:5432/mathquest",
		"REDIS_ENABLED":        "true",
		"REDIS_ADDR":           "cache:6379",
		"EVENTS_DRIVER":        "redis",
		"HTTP_PORT":            "9000",
		"HTTP_ALLOWED_ORIGINS": "https://play.mathquest.dev,https://hud.mathquest.dev",
		"AUTH_JWT_SECRET":      "0123456789abcdef0123456789abcdef",
		"AUTH_ADMIN_KEY_HASH":  "$2a$10$abcdefghijklmnopqrstuv",
		"LEDGER_CB_COOLDOWN":   "1m",
		"DB_MAX_CONNS":         "15",
	})
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, DriverPostgres, cfg.Ledger.Driver)
	assert.Equal(t, int32(15), cfg.Database.MaxConns)
	assert.Equal(t, time.Minute, cfg.Ledger.CircuitBreakerCooldown)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Len(t, cfg.HTTP.AllowedOrigins, 2)
	assert.True(t, cfg.AdminEnabled())
}

func TestValidate_CollectsErrors(t *testing.T) {
	_, err := LoadFrom(map[string]string{
		"APP_ENV":             "production",
		"LEDGER_DRIVER":       "postgres",
		"EVENTS_DRIVER":       "redis",
		"HTTP_PORT":           "0",
		"AUTH_JWT_SECRET":     "short",
		"LEDGER_MAX_ATTEMPTS": "0",
		"LOG_LEVEL":           "loud",
	})
	require.Error(t, err)

	for _, want := range []string{
		"DATABASE_URL is required",
		"EVENTS_DRIVER=redis requires REDIS_ENABLED=true",
		"HTTP_PORT must be 1-65535",
		"AUTH_JWT_SECRET must be at least 32 bytes",
		"LEDGER_MAX_ATTEMPTS must be at least 1",
		"LOG_LEVEL must be",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Drivers(t *testing.T) {
	_, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": "dev", "LEDGER_DRIVER": "mongo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `LEDGER_DRIVER must be postgres or sqlite, got "mongo"`)

	_, err = LoadFrom(map[string]string{"AUTH_JWT_SECRET": "0123456789abcdef0123456789abcdef", "APP_ENV": "production"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_DRIVER=sqlite is not allowed in production")

	_, err = LoadFrom(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET is required")
}

func TestLoadFrom_ParseError(t *testing.T) {
	_, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": "dev", "HTTP_PORT": "eighty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidate_Sessions(t *testing.T) {
	_, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": "dev", "SESSION_REAP_INTERVAL": "10ms"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_REAP_INTERVAL must be at least 1s")

	cfg, err := LoadFrom(map[string]string{"AUTH_JWT_SECRET": "dev", "SESSION_IDLE_TIMEOUT": "0", "SESSION_REAP_INTERVAL": "10ms"})
	require.NoError(t, err)
	assert.Zero(t, cfg.Sessions.IdleTimeout)
}
