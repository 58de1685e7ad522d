package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ehr/lis/internal/config"
	"github.com/ehr/lis/internal/domain/sampleresults"
	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/db"
	"github.com/ehr/lis/internal/platform/dhis2"
	"github.com/ehr/lis/internal/platform/events"
	"github.com/ehr/lis/internal/platform/kv"
	"github.com/ehr/lis/internal/platform/metrics"
	"github.com/ehr/lis/internal/platform/middleware"
	"github.com/ehr/lis/internal/platform/openmrs"
	"github.com/ehr/lis/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lis-server",
		Short: "LIS sample results release and dispatch server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(os.Getenv("ENV")), err
	}
	return cfg, newLogger(cfg.Env), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the dispatch reconciler",
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

	withMigrator := func(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrationFiles(dir), schema))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
		cmd.AddCommand(c)
	}
	return cmd
}

func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry unfinished dispatch intents once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.reconciler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}

// app holds the wired components shared by serve and reconcile.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	redis      *redis.Client
	publisher  *events.Publisher
	metrics    *metrics.Metrics
	sessions   *sampleresults.SessionStore
	service    *sampleresults.Service
	reconciler *sampleresults.Reconciler
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	newBus := func(string) sampleresults.MessageBus { return sampleresults.NewTransientMessageBus() }
	if cfg.RedisURL != "" {
		client, err := kv.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		store := kv.NewRedisKV(client)
		newBus = func(sessionID string) sampleresults.MessageBus {
			return sampleresults.NewRedisMessageBus(store, sessionID)
		}
		logger.Info().Msg("operator messages stored in redis")
	}
	a.sessions = sampleresults.NewSessionStore(newBus)
	a.metrics = metrics.New(a.sessions.Len)

	lis := openmrs.NewClient(openmrs.Config{
		BaseURL:  cfg.OpenMRSBaseURL,
		Username: cfg.OpenMRSUsername,
		Password: cfg.OpenMRSPassword,
		Timeout:  cfg.HTTPClientTimeout,
		Retries:  cfg.HTTPClientRetries,
	}, logger)
	tracker := dhis2.NewClient(dhis2.Config{
		BaseURL:  cfg.DHIS2BaseURL,
		Username: cfg.DHIS2Username,
		Password: cfg.DHIS2Password,
		Timeout:  cfg.HTTPClientTimeout,
	}, logger)

	intents := sampleresults.NewIntentRepoPG(pool)
	status := sampleresults.NewStatusController(lis, sampleresults.NewStatusHistoryRepoPG(pool), logger)
	status.SetObserver(a.metrics)

	if cfg.MQTTBroker != "" {
		pub, err := events.Connect(events.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
		status.SetEventPublisher(pub)
		logger.Info().Str("broker", cfg.MQTTBroker).Msg("publishing status changes over mqtt")
	}

	gate := sampleresults.NewConfirmationGate()
	dispatch := sampleresults.NewDispatchCoordinator(
		gate,
		sampleresults.NewMappingResolver(lis),
		tracker,
		status,
		intents,
		sampleresults.DispatchConfig{MessageTTL: cfg.MessageTTL(), Lease: cfg.DispatchLease},
		logger,
	)
	dispatch.SetObserver(a.metrics)

	a.service = sampleresults.NewService(sampleresults.ServiceDeps{
		Samples:    lis,
		Visits:     lis,
		Settings:   lis,
		Gate:       gate,
		Status:     status,
		Dispatch:   dispatch,
		Intents:    intents,
		Sessions:   a.sessions,
		MessageTTL: cfg.MessageTTL(),
	}, logger)

	a.reconciler = sampleresults.NewReconciler(dispatch, intents, sampleresults.ReconcilerConfig{
		Interval:    cfg.ReconcileInterval,
		BatchSize:   cfg.ReconcileBatch,
		MaxAttempts: cfg.ReconcileMaxAttempts,
	}, logger)
	a.reconciler.SetObserver(a.metrics)

	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() error {
	var err error
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}

// authMiddleware picks token validation for the resolved auth mode.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware(cfg.DevUserUUID)
	case "shared":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
}

// newRouter builds the HTTP surface. dbHealth may be nil.
func newRouter(cfg *config.Config, logger zerolog.Logger, svc *sampleresults.Service, m *metrics.Metrics, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(m.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.Audit(logger))
	sampleresults.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

// expireSessions drops idle operator sessions until ctx is done.
func expireSessions(ctx context.Context, store *sampleresults.SessionStore, maxIdle time.Duration, logger zerolog.Logger) {
	if maxIdle <= 0 {
		return
	}
	interval := maxIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Expire(maxIdle); n > 0 {
				logger.Info().Int("expired", n).Msg("expired idle operator sessions")
			}
		}
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	e := newRouter(cfg, logger, a.service, a.metrics, db.HealthHandler(a.pool))

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go a.reconciler.Run(bgCtx)
	go expireSessions(bgCtx, a.sessions, cfg.SessionIdleTimeout, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
