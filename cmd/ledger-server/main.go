package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ledger/internal/config"
	"github.com/ehr/ledger/internal/domain/insurance"
	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/domain/tariff"
	"github.com/ehr/ledger/internal/platform/audit"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/internal/platform/middleware"
	"github.com/ehr/ledger/internal/platform/telemetry"
	"github.com/ehr/ledger/migrations"
)

const (
	serviceName    = "ledger-server"
	serviceVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital billing ledger API server",
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
		Short: "Start the ledger API server",
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

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaFor("default"), "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

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

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaFor("default"), "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Ledger rows are financial records; restore from backup instead.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

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

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Println(t)
			}
			return nil
		},
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute open bills and correct drifted totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants := []string{tenant}
			if tenant == "" {
				if tenants, err = db.ListTenants(ctx, pool); err != nil {
					return err
				}
			}

			app := buildServices(pool, cfg, logger, nil)
			fixed, err := reconcileTenants(ctx, pool, app.ledger, tenants, logger)
			fmt.Printf("Corrected %d bill(s) across %d tenant(s).\n", fixed, len(tenants))
			return err
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to reconcile (default: every tenant schema)")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func ledgerOptions(cfg *config.Config) ledger.Options {
	return ledger.Options{
		Scope:             ledger.Scope(cfg.LedgerScope),
		NumberPrefix:      cfg.BillNumberPrefix,
		MaxNumberAttempts: cfg.BillNumberMaxAttempts,
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// auditRecorder picks the audit sink. "log" keeps events out of the tenant
// schema, which is useful for read replicas and local runs.
func auditRecorder(sink string, pool *pgxpool.Pool, logger zerolog.Logger) audit.Recorder {
	if sink == "log" || pool == nil {
		return audit.NewLogRecorder(logger)
	}
	return audit.NewPGRecorder(pool)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSignKey == "" {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSignKey != "" {
		jc.SigningKey = []byte(cfg.AuthSignKey)
	}
	return auth.JWTMiddleware(jc)
}

type services struct {
	tariff    *tariff.Service
	ledger    *ledger.Service
	hook      *ledger.Hook
	insurance *insurance.Service
}

func buildServices(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.BillingMetrics) *services {
	tx := db.NewTxRunner(pool)
	emitter := audit.NewEmitter(auditRecorder(cfg.AuditSink, pool, logger), logger)

	tariffSvc := tariff.NewService(tariff.NewRepoPG(pool), logger)

	ledgerSvc := ledger.NewService(
		ledger.NewBillRepoPG(pool),
		ledger.NewItemRepoPG(pool),
		ledger.NewPaymentRepoPG(pool),
		ledger.NewDiscountRepoPG(pool),
		tx, ledgerOptions(cfg), logger,
	)
	ledgerSvc.SetAuditor(emitter)
	ledgerSvc.SetMetrics(metrics)

	insuranceSvc := insurance.NewService(
		insurance.NewPolicyRepoPG(pool),
		insurance.NewClaimRepoPG(pool),
		ledgerSvc, tx, logger,
	)
	insuranceSvc.SetAuditor(emitter)
	insuranceSvc.SetMetrics(metrics)
	ledgerSvc.SetClaimSource(insuranceSvc)

	return &services{
		tariff:    tariffSvc,
		ledger:    ledgerSvc,
		hook:      ledger.NewHook(ledgerSvc, tariffSvc, logger),
		insurance: insuranceSvc,
	}
}

// reconcileTenants runs Reconcile once per tenant schema. A failing tenant
// does not stop the others.
func reconcileTenants(ctx context.Context, pool *pgxpool.Pool, svc *ledger.Service, tenants []string, logger zerolog.Logger) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, tenant := range tenants {
		tctx, release, err := db.WithTenant(ctx, pool, tenant)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fixed, err := svc.Reconcile(tctx)
		release()
		total += fixed
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("reconcile failed")
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		logger.Info().Str("tenant_id", tenant).Int("corrected", fixed).Msg("reconcile finished")
	}
	return total, errors.Join(errs...)
}

// registerOpsRoutes mounts the unauthenticated health and metrics endpoints.
func registerOpsRoutes(e *echo.Echo, pool *pgxpool.Pool, tel *telemetry.Provider) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serviceVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(tel.Handler()))
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

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	tel, err := telemetry.Setup(serviceName, serviceVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	metrics, err := telemetry.NewBillingMetrics(tel.Meter())
	if err != nil {
		logger.Warn().Err(err).Msg("billing metrics disabled")
	}
	app := buildServices(pool, cfg, logger, metrics)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(telemetry.HTTPMiddleware(serviceName))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))

	registerOpsRoutes(e, pool, tel)

	apiV1 := e.Group("/api/v1",
		middleware.RequestTimeout(cfg.RequestTimeout),
		authMiddleware(cfg),
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.RateLimit(rateLimitConfig(cfg)),
	)

	tariff.NewHandler(app.tariff).RegisterRoutes(apiV1)
	ledger.NewHandler(app.ledger, app.hook).RegisterRoutes(apiV1)
	insurance.NewHandler(app.insurance).RegisterRoutes(apiV1)

	var sched *cron.Cron
	if cfg.ReconcileCron != "" {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.ReconcileCron, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			tenants, err := db.ListTenants(jobCtx, pool)
			if err != nil {
				logger.Error().Err(err).Msg("reconcile: list tenants failed")
				return
			}
			_, _ = reconcileTenants(jobCtx, pool, app.ledger, tenants, logger)
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule reconcile job")
		}
		sched.Start()
		logger.Info().Str("schedule", cfg.ReconcileCron).Msg("reconcile job scheduled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("scope", cfg.LedgerScope).Msg("starting server")
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
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
