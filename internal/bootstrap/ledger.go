// Package bootstrap opens the configured ledger backend and wraps it with the
// cache and transport policy shared by the server and mqctl.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mathquest/mathquest-progress/config"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/persistence/postgres"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/persistence/redis"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/persistence/sqlite"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/service"
)

// Backend is an opened ledger store.
type Backend struct {
	Driver string

	// Store talks to the database directly, without cache or retries.
	Store progression.Ledger

	// History reads the grant audit trail from the same store.
	History progression.GrantHistory

	ping    func(ctx context.Context) error
	migrate func(ctx context.Context) (int, error)
	close   func()
}

// OpenLedger connects to the backend selected by LEDGER_DRIVER.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Ledger.Driver {
	case config.DriverPostgres:
		settings := postgres.DefaultPoolSettings()
		settings.MaxConns = cfg.Database.MaxConns
		settings.MinConns = cfg.Database.MinConns
		settings.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		settings.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		conn, err := postgres.Connect(ctx, cfg.Database.URL, settings)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		store := postgres.NewLedger(conn, logger)
		return &Backend{
			Driver:  config.DriverPostgres,
			Store:   store,
			History: store,
			ping:    conn.Ping,
			migrate: postgres.NewMigrator(conn).Migrate,
			close:   conn.Close,
		}, nil

	case config.DriverSQLite:
		l, err := sqlite.Open(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return &Backend{
			Driver:  config.DriverSQLite,
			Store:   l,
			History: l,
			ping:    l.Ping,
			migrate: func(ctx context.Context) (int, error) {
				return 0, l.Migrate(ctx)
			},
			close: func() { _ = l.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

// Ping checks the backend connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Migrate applies pending schema migrations and returns how many ran.
// SQLite migrates idempotently and always reports zero.
func (b *Backend) Migrate(ctx context.Context) (int, error) {
	return b.migrate(ctx)
}

// Close releases the backend.
func (b *Backend) Close() {
	b.close()
}

// WrapLedger puts retry and circuit breaking around store, then the optional
// starting-XP cache in front of that. cache may be nil.
func WrapLedger(store progression.Ledger, cfg *config.Config, cache redis.Store, logger *slog.Logger) progression.Ledger {
	resilient := service.NewResilientLedger(store, ResilienceConfig(cfg), logger)
	if cache == nil {
		return resilient
	}
	return redis.NewProfileCache(resilient, cache, cfg.Redis.StartingXPTTL, logger)
}

// ResilienceConfig maps LEDGER_* settings onto the adapter config.
func ResilienceConfig(cfg *config.Config) service.ResilienceConfig {
	rc := service.DefaultResilienceConfig()
	rc.MaxAttempts = cfg.Ledger.MaxAttempts
	if cfg.Ledger.RetryInitialDelay > 0 {
		rc.InitialDelay = cfg.Ledger.RetryInitialDelay
	}
	if cfg.Ledger.RetryMaxDelay > 0 {
		rc.MaxDelay = cfg.Ledger.RetryMaxDelay
	}
	rc.FailureThreshold = cfg.Ledger.CircuitBreakerThreshold
	if cfg.Ledger.CircuitBreakerCooldown > 0 {
		rc.Cooldown = cfg.Ledger.CircuitBreakerCooldown
	}
	return rc
}

// RedisConfig maps REDIS_* settings onto the cache config.
func RedisConfig(cfg *config.Config) redis.Config {
	rc := redis.DefaultConfig()
	rc.Addr = cfg.Redis.Addr
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		rc.PoolSize = cfg.Redis.PoolSize
	}
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.ReadTimeout = cfg.Redis.ReadTimeout
	rc.WriteTimeout = cfg.Redis.WriteTimeout
	return rc
}

// NewLogger builds the slog logger: JSON in production or when LOG_FORMAT=json,
// text otherwise.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Observability.LogLevel)}

	var handler slog.Handler
	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func slogLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
