package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harakacare/facility-router/internal/config"
	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/dispatch"
	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/routing"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/internal/platform/db"
	"github.com/harakacare/facility-router/internal/platform/middleware"
	"github.com/harakacare/facility-router/internal/platform/reporting"
	"github.com/harakacare/facility-router/internal/platform/websocket"
	"github.com/harakacare/facility-router/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "facility-router",
		Short:        "Triage facility routing service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(facilityCmd())
	root.AddCommand(routingCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the routing API server and response sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.Files))
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage the facility registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Create facilities from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			items, err := parseFacilities(f)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				created, err := importFacilities(ctx, a.facilities, items)
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d facilities.\n", created, len(items))
				return err
			})
		},
	})
	return cmd
}

// parseFacilities decodes a JSON array of facilities. Missing active flags
// default to true.
func parseFacilities(r io.Reader) ([]*facility.Facility, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode facilities: %w", err)
	}
	out := make([]*facility.Facility, 0, len(raw))
	for i, msg := range raw {
		f := &facility.Facility{Active: true}
		if err := json.Unmarshal(msg, f); err != nil {
			return nil, fmt.Errorf("facility %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

type facilityCreator interface {
	CreateFacility(ctx context.Context, f *facility.Facility) error
}

// importFacilities creates each facility and reports every failure; one bad
// record does not stop the rest.
func importFacilities(ctx context.Context, svc facilityCreator, items []*facility.Facility) (int, error) {
	var errs []error
	created := 0
	for i, f := range items {
		if err := svc.CreateFacility(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("facility %d (%s): %w", i, f.Name, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

func routingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Routing maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Send due reminders and time out overdue routings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.orch.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d resumed=%d reminded=%d timed_out=%d failed=%d\n",
					res.Checked, res.Resumed, res.Reminded, res.TimedOut, res.Failed)
				return nil
			})
		},
	})
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = fn(ctx, a)
	if cerr := a.close(ctx); cerr != nil {
		logger.Warn().Err(cerr).Msg("shutdown incomplete")
	}
	return err
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	logger.Info().Msg("connected to database")

	e := newServer(a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if cfg.SweepInterval <= 0 {
			return nil
		}
		logger.Info().Dur("interval", cfg.SweepInterval).Msg("starting response sweeper")
		return a.orch.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	err = g.Wait()
	if cerr := a.close(context.Background()); cerr != nil {
		logger.Warn().Err(cerr).Msg("shutdown incomplete")
	}
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	authMW := authMiddleware(cfg, logger)

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), authMW)
	routing.NewHandler(a.orch).RegisterRoutes(apiV1)
	facility.NewHandler(a.facilities).RegisterRoutes(apiV1)
	audit.NewHandler(a.audit).RegisterRoutes(apiV1)
	dispatch.NewHandler(a.dispatcher).RegisterRoutes(apiV1)
	reporting.NewHandler(a.pool).RegisterRoutes(apiV1)

	// Facilities answer notifications here with their signed response token.
	callbacks := e.Group("/facility-callbacks", middleware.RateLimit(rateLimitCfg))
	routing.NewHandler(a.orch).RegisterCallbackRoutes(callbacks)

	live := e.Group("", authMW)
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(live)

	return e
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: unauthenticated requests act as admin")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}
