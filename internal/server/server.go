// Package server assembles the service from configuration and runs it until
// its context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wa_broadcast/internal/broadcast"
	"wa_broadcast/internal/config"
	"wa_broadcast/internal/database"
	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/events"
	"wa_broadcast/internal/handlers"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/retry"
	"wa_broadcast/internal/services"
	"wa_broadcast/internal/whatsapp"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// App is the wired service.
type App struct {
	cfg *config.Config
	log zerolog.Logger
	db  *gorm.DB

	hub   *events.Hub
	redis *events.RedisBridge
	nats  *events.NATSPublisher

	factory   *whatsapp.WhatsmeowFactory
	registry  *whatsapp.Registry
	campaigns *broadcast.Service
	scheduler *broadcast.Scheduler
	srv       *http.Server
}

// New opens the database, connects the optional event sinks and builds every
// component. Nothing is started.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{cfg: cfg, log: log, db: db, hub: events.NewHub(log)}

	publishers := events.Multi{a.hub}
	if cfg.RedisURL != "" {
		a.redis, err = events.NewRedisBridge(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, events stay local")
		} else {
			publishers = append(publishers, a.redis)
		}
	}
	if cfg.NATSURL != "" {
		a.nats, err = events.NewNATSPublisher(ctx, cfg.NATSURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, events are not exported")
		} else {
			publishers = append(publishers, a.nats)
		}
	}

	sessions := repository.NewSessionRepository(db)
	broadcasts := repository.NewBroadcastRepository(db)
	wa := cfg.WhatsApp
	bc := cfg.Broadcast

	a.factory = whatsapp.NewWhatsmeowFactory(whatsapp.StoreConfig{
		Driver:      wa.StoreDriver,
		DSN:         wa.StoreDSN,
		SessionsDir: wa.SessionsDir,
	}, log)
	a.registry = whatsapp.NewRegistry(a.factory, sessions, publishers, log, whatsapp.Options{
		RecoverySpacing: wa.RecoverySpacing,
		SendTimeout:     wa.SendTimeout,
		ShutdownTimeout: wa.ShutdownTimeout,
		CountryCode:     wa.DefaultCountryCode,
		ReadyWait:       retry.Policy{Attempts: 3, Interval: time.Second},
	})

	engine := broadcast.NewEngine(broadcasts, a.registry, publishers, log, broadcast.EngineOptions{
		CheckpointEvery: bc.CheckpointEvery,
		StoreRetry:      retry.Policy{Attempts: bc.RetryAttempts, Interval: bc.RetryDelay},
		ReadyWait:       retry.Policy{Attempts: 5, Interval: 2 * time.Second},
		CountryCode:     wa.DefaultCountryCode,
	})
	a.campaigns = broadcast.NewService(broadcasts, sessions, a.registry, engine, bc, log)
	a.registry.OnReceipt(a.campaigns.HandleReceipt)
	a.scheduler = broadcast.NewScheduler(a.campaigns, log)

	auth := services.NewAuthService(db, cfg.JWTSecret)
	router := handlers.NewRouter(handlers.Deps{
		Users:     handlers.NewUserHandler(auth, log),
		Sessions:  handlers.NewSessionHandler(sessions, a.registry, wa.MaxSessions, wa.ChallengeTimeout, log),
		Broadcast: handlers.NewBroadcastHandler(broadcast.NewLists(broadcasts, sessions, wa.DefaultCountryCode, bc.MaxBatchSize, log), a.campaigns, log),
		WS:        handlers.NewWSHandler(a.hub, sessions, log),
		Auth:      auth,
		Limiter:   services.NewRateLimiter(cfg.RateLimitPerMinute),
		Health:    func() error { return database.Check(db) },
		Log:       log,
	})

	a.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// QR requests wait up to the challenge timeout.
		WriteTimeout: wa.ChallengeTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// Campaigns exposes the campaign service for one-off commands.
func (a *App) Campaigns() *broadcast.Service {
	return a.campaigns
}

// Run serves HTTP, recovers persisted sessions and runs the scheduler. It
// blocks until ctx is cancelled and then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.srv.Addr).Msg("HTTP server listening")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.redis != nil {
		go a.redis.Relay(ctx, a.hub)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.log.Error().Err(err).Msg("scheduler not started")
	}
	go func() {
		err := a.registry.Recover(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errs.ErrShuttingDown) {
			a.log.Error().Err(err).Msg("session recovery failed")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case runErr = <-errCh:
		a.log.Error().Err(runErr).Msg("http server failed")
	}

	if err := a.shutdown(); err != nil {
		return err
	}
	return runErr
}

// shutdown stops background work, closes sessions and drains HTTP within the
// configured timeout.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WhatsApp.ShutdownTimeout)
	defer cancel()

	a.scheduler.Stop()
	if err := a.campaigns.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("campaign loops did not stop in time")
	}
	if err := a.registry.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("session shutdown incomplete")
	}
	a.hub.CloseAll()
	httpErr := a.srv.Shutdown(ctx)
	a.Close()

	if ctx.Err() != nil {
		return fmt.Errorf("forced exit after %s", a.cfg.WhatsApp.ShutdownTimeout)
	}
	if httpErr != nil {
		return fmt.Errorf("http shutdown: %w", httpErr)
	}
	return nil
}

// Close releases connections held by the app.
func (a *App) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.factory.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close credential store")
	}
	if err := database.Close(a.db); err != nil {
		a.log.Warn().Err(err).Msg("failed to close database")
	}
}
