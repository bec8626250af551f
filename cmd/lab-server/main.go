package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labnet/labnet/internal/config"
	"github.com/labnet/labnet/internal/domain/outsourcing"
	"github.com/labnet/labnet/internal/platform/auth"
	"github.com/labnet/labnet/internal/platform/db"
	"github.com/labnet/labnet/internal/platform/metrics"
	"github.com/labnet/labnet/internal/platform/middleware"
	"github.com/labnet/labnet/internal/platform/websocket"
	"github.com/labnet/labnet/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lab-server",
		Short: "Laboratory network API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run tenant schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				migrator := newMigrator(pool, firstNonEmpty(dir, cfg.MigrationsDir))
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				statuses, err := newMigrator(pool, firstNonEmpty(dir, cfg.MigrationsDir)).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
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

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
				migrator := newMigrator(pool, firstNonEmpty(dir, cfg.MigrationsDir))
				if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")

	cmd.AddCommand(createCmd)
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-push a collaboration's tracker state into the counterpart lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			rawID, _ := cmd.Flags().GetString("collaboration")
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			collabID, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("--collaboration: %w", err)
			}

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				logger := newLogger(cfg)
				engine := newEngine(pool, cfg, logger, nil, nil)
				return db.NewSessions(pool).WithStore(ctx, tenant, func(ctx context.Context) error {
					caller, _, err := engine.ResolveCaller(ctx, tenant, collabID)
					if err != nil {
						return err
					}
					res, err := engine.Reconcile(ctx, caller, collabID)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d tracker record(s).\n", res.Pushed)
					for _, w := range res.Warnings {
						fmt.Fprintf(cmd.OutOrStdout(), "WARNING: %s\n", w)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant whose store is the source of truth")
	cmd.Flags().String("collaboration", "", "Collaboration id in that tenant's store")
	return cmd
}

// withPool loads config, opens the pool for the duration of fn and closes it.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "lab-server",
	}
}

// newMigrator reads from dir when given, otherwise from the migrations
// compiled into the binary.
func newMigrator(pool *pgxpool.Pool, dir string) *db.Migrator {
	if dir != "" {
		return db.NewDirMigrator(pool, dir)
	}
	return db.NewMigrator(pool, migrations.FS)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

func newEngine(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, m *metrics.SyncMetrics, hub *websocket.Hub) *outsourcing.Engine {
	var events outsourcing.Publisher
	if hub != nil {
		events = hub
	}
	return outsourcing.NewEngine(outsourcing.EngineConfig{
		Collaborations: outsourcing.NewCollaborationRepoPG(pool),
		Trackers:       outsourcing.NewTrackerRepoPG(pool),
		Specimens:      outsourcing.NewSpecimenSourcePG(pool),
		Store:          db.NewSessions(pool),
		Metrics:        m,
		Events:         events,
		Logger:         logger,
		MirrorTimeout:  cfg.MirrorTimeout,
	})
}

// newServer wires middleware and routes. Health and metrics endpoints sit
// outside the tenant-scoped API group.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, engine *outsourcing.Engine, hub *websocket.Hub, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))
	}

	api := e.Group("/api/v1")
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	api.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	outsourcing.NewHandler(engine).RegisterRoutes(api)
	if hub != nil {
		dashboards := api.Group("", auth.RequireRole(auth.RoleManager, auth.RoleTechnician, auth.RoleFrontDesk))
		websocket.NewHandler(hub).RegisterRoutes(dashboards)
	}
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var reg *prometheus.Registry
	var syncMetrics *metrics.SyncMetrics
	if cfg.MetricsEnabled {
		reg = metrics.NewRegistry()
		syncMetrics = metrics.NewSyncMetrics(reg)
	}

	hub := websocket.NewHub(logger)
	engine := newEngine(pool, cfg, logger, syncMetrics, hub)
	e := newServer(cfg, logger, pool, engine, hub, reg)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Dur("mirror_timeout", cfg.MirrorTimeout).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
