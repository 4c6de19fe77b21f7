// Package main is the MathQuest progression service.
//
// The server owns one ProgressTracker per live game session, forwards every
// XP grant to the remote ledger and pushes HUD updates over websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mathquest/mathquest-progress/config"
	"github.com/mathquest/mathquest-progress/internal/application/command"
	"github.com/mathquest/mathquest-progress/internal/application/query"
	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/bootstrap"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/messaging"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/persistence/redis"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/scheduler"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/mathquest/mathquest-progress/internal/interface/http"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
	"github.com/mathquest/mathquest-progress/internal/interface/ws"
	"github.com/mathquest/mathquest-progress/pkg/logger"
)

// eventBus is satisfied by both bus implementations.
type eventBus interface {
	shared.EventBus
	Close() error
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration and logging
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	log.Info("starting MathQuest progression service",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"ledger", cfg.Ledger.Driver,
		"events", cfg.Events.Driver,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Ledger backend
	// ─────────────────────────────────────────────────────────────────────────
	backend, err := bootstrap.OpenLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing ledger connection...")
		backend.Close()
	}()

	if cfg.Ledger.Driver == config.DriverPostgres && cfg.Database.AutoMigrate {
		applied, err := backend.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date", "applied", applied)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Redis (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if cfg.Redis.Enabled {
		cache, err = redis.NewCache(bootstrap.RedisConfig(cfg))
		switch {
		case err != nil && cfg.Events.Driver == config.EventsRedis:
			return fmt.Errorf("redis is required for EVENTS_DRIVER=redis: %w", err)
		case err != nil:
			log.Warn("failed to connect to Redis, caching disabled", "error", err)
			cache = nil
		default:
			defer func() { _ = cache.Close() }()
			log.Info("Redis connection established", "addr", cfg.Redis.Addr)
		}
	}

	var store redis.Store
	if cache != nil {
		store = cache
	}
	ledger := bootstrap.WrapLedger(backend.Store, cfg, store, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Event bus
	// ─────────────────────────────────────────────────────────────────────────
	bus, err := setupEventBus(ctx, cfg, cache, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. Sessions and application handlers
	// ─────────────────────────────────────────────────────────────────────────
	registry := session.NewRegistry(
		session.NewTrackerFactory(session.FactoryConfig{
			Ledger:        ledger,
			Publisher:     bus,
			ReportTimeout: cfg.Ledger.ReportTimeout,
			Logger:        log,
		}),
		log,
		session.WithDisplay(func(id shared.PlayerID) progression.Observer {
			return messaging.NewBusObserver(id, bus, log)
		}),
	)

	getProgress := query.NewGetProgressHandler(registry, ledger)
	endSession := command.NewEndSessionHandler(registry, bus, log)
	deps := httpapi.Dependencies{
		StartSession:  command.NewStartSessionHandler(registry, ledger, bus, log),
		GrantXP:       command.NewGrantXPHandler(registry, ledger, bus, log),
		EndSession:    endSession,
		GetProgress:   getProgress,
		GetLevelTable: query.NewGetLevelTableHandler(),
		PlayerAuth:    handlers.NewPlayerAuth([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL),
		Logger: logger.New(logger.Options{
			Output: os.Stdout,
			Level:  logger.ParseLevel(cfg.Observability.LogLevel),
		}).With(logger.Component("http")),
	}
	if cfg.AdminEnabled() {
		deps.AdminAuth = handlers.NewAdminKeyAuth(cfg.Auth.AdminKeyHash)
		deps.GrantHistory = query.NewGetGrantHistoryHandler(backend.History)
	} else {
		log.Info("admin routes disabled")
	}

	var sched *scheduler.Scheduler
	if cfg.Sessions.IdleTimeout > 0 {
		sched = scheduler.New(scheduler.Config{Logger: log})
		reaper := jobs.NewReapIdleSessionsJob(registry, endSession, cfg.Sessions.IdleTimeout, log)
		if err := sched.Register(reaper, scheduler.Every(cfg.Sessions.ReapInterval)); err != nil {
			return fmt.Errorf("failed to register session reaper: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. Websocket HUD
	// ─────────────────────────────────────────────────────────────────────────
	var hub *ws.Hub
	if cfg.Features.WebSocket {
		hub = ws.NewHub(log,
			ws.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
			ws.WithSnapshot(func(ctx context.Context, id shared.PlayerID) (progression.LevelSnapshot, error) {
				dto, err := getProgress.Handle(ctx, query.GetProgressQuery{PlayerID: id.String()})
				if err != nil {
					return progression.LevelSnapshot{}, err
				}
				return dto.LevelSnapshot, nil
			}),
		)
		if err := hub.Subscribe(bus); err != nil {
			return fmt.Errorf("failed to subscribe websocket hub: %w", err)
		}
		deps.WebSocket = hub
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. Health checks
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("ledger", handlers.NewPingCheck(backend))
	if cache != nil {
		health.AddCheck("redis", handlers.NewPingCheck(cache))
	}
	deps.HealthChecker = health

	// ─────────────────────────────────────────────────────────────────────────
	// 8. HTTP server
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpapi.DefaultConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	serverCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverCfg.Version = cfg.App.Version

	server := httpapi.NewServer(serverCfg, deps)
	errCh := server.StartAsync()

	log.Info("MathQuest progression service is running", "address", serverCfg.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 9. Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("http shutdown failed", "error", err)
	}
	if hub != nil {
		hub.Close()
	}
	if sched != nil {
		_ = sched.Stop()
	}

	// Trackers drain their pending ledger forwards here
	drained := make(chan struct{})
	go func() {
		registry.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout reached before all ledger reports finished")
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger builds the process logger and makes it the slog default.
func setupLogger(cfg *config.Config) *slog.Logger {
	log := bootstrap.NewLogger(cfg, os.Stdout)
	slog.SetDefault(log)
	return log
}

func setupEventBus(ctx context.Context, cfg *config.Config, cache *redis.Cache, log *slog.Logger) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.AsyncMode = true
	local.QueueSize = cfg.Events.QueueSize
	local.QueueTimeout = cfg.Events.QueueTimeout
	local.Logger = log

	if cfg.Events.Driver != config.EventsRedis {
		return messaging.NewInMemoryEventBus(local), nil
	}

	bus, err := messaging.NewRedisEventBus(ctx, messaging.RedisEventBusConfig{
		Client:         cache.Client(),
		ChannelName:    cfg.Events.Channel,
		InstanceID:     uuid.NewString(),
		LocalBusConfig: local,
		PublishTimeout: 2 * time.Second,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis event bus: %w", err)
	}
	return bus, nil
}
