package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/config"
	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/dispatch"
	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/matching"
	"github.com/harakacare/facility-router/internal/domain/routing"
	"github.com/harakacare/facility-router/internal/domain/triage"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/internal/platform/db"
	"github.com/harakacare/facility-router/internal/platform/lock"
	"github.com/harakacare/facility-router/internal/platform/messaging"
	"github.com/harakacare/facility-router/internal/platform/notification"
	"github.com/harakacare/facility-router/internal/platform/webhook"
	"github.com/harakacare/facility-router/internal/platform/websocket"
)

// app holds the wired services shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	hub        *websocket.Hub
	audit      *audit.Service
	facilities *facility.Service
	dispatcher *dispatch.Dispatcher
	orch       *routing.Orchestrator
	followups  messaging.Publisher
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolOptions{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "facility-router",
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	services, err := matching.LoadServiceMap(cfg.ServiceMapFile)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load service map: %w", err)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		a.redis, err = lock.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		locker = lock.NewRedis(a.redis, logger, lock.WithTTL(cfg.LockTTL))
		logger.Info().Msg("using redis locks")
	}

	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATS(messaging.Config{URL: cfg.NATSURL}, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.followups = nc
	} else {
		a.followups = messaging.NewLogPublisher(logger)
	}

	tx := db.NewTxManager(pool)
	tokens := auth.NewResponseTokens([]byte(cfg.ResponseTokenSecret), cfg.ResponseTokenTTL)
	a.hub = websocket.NewHub(logger)
	a.audit = audit.NewService(audit.NewStorePG(pool), logger)

	facilityRepo := facility.NewRepoPG(pool)
	a.facilities = facility.NewService(facilityRepo, facility.NewCapacityLogRepoPG(pool), a.audit, tx, locker, logger)
	a.facilities.SetEventPublisher(a.hub)

	sms := notification.NewGatewaySender(notification.GatewayConfig{
		BaseURL:  cfg.SMSGatewayURL,
		APIKey:   cfg.SMSGatewayAPIKey,
		SenderID: cfg.SMSSenderID,
		Timeout:  cfg.DispatchAttemptTimeout,
	}, logger)
	a.dispatcher = dispatch.NewDispatcher(
		dispatch.NewStorePG(pool),
		a.audit,
		webhook.NewSender(cfg.WebhookSecret),
		sms,
		tokens,
		dispatch.Config{
			MaxAttempts:     cfg.DispatchMaxAttempts,
			BackoffBase:     cfg.DispatchBackoffBase,
			BackoffMax:      cfg.DispatchBackoffMax,
			AttemptTimeout:  cfg.DispatchAttemptTimeout,
			RatePerFacility: cfg.DispatchRatePerFacility,
			PublicBaseURL:   cfg.PublicBaseURL,
		},
		logger,
	)
	a.dispatcher.SetEventPublisher(a.hub)

	a.orch = routing.NewOrchestrator(routing.Deps{
		Routings:   routing.NewRepoPG(pool),
		Cases:      triage.NewRepoPG(pool),
		Facilities: a.facilities,
		Matcher:    matching.NewMatcher(services, matching.WithMaxCandidates(cfg.MaxCandidates)),
		Notifier:   a.dispatcher,
		Audit:      a.audit,
		Tx:         tx,
		Locker:     locker,
		Tokens:     tokens,
	}, routing.Config{
		EmergencyWindow: cfg.ResponseWindowEmergency,
		RoutineWindow:   cfg.ResponseWindowRoutine,
		FollowUpSubject: cfg.FollowUpSubject,
		StallGrace:      cfg.RoutingStallGrace,
	}, logger)
	a.orch.SetFollowUpPublisher(a.followups)
	a.orch.SetEventPublisher(a.hub)
	a.dispatcher.OnOutcome(a.orch.HandleDeliveryOutcome)

	return a, nil
}

// close drains pending deliveries before releasing connections.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := a.dispatcher.Close(dctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		cancel()
	}
	if a.followups != nil {
		if err := a.followups.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close follow-up publisher: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.pool.Close()
	return errors.Join(errs...)
}
