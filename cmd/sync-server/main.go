package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vitalsync/vitalsync/internal/config"
	"github.com/vitalsync/vitalsync/internal/domain/bulkexport"
	"github.com/vitalsync/vitalsync/internal/domain/connection"
	syncengine "github.com/vitalsync/vitalsync/internal/domain/sync"
	"github.com/vitalsync/vitalsync/internal/platform/db"
	"github.com/vitalsync/vitalsync/internal/platform/middleware"
	"github.com/vitalsync/vitalsync/internal/platform/provider"
	"github.com/vitalsync/vitalsync/internal/platform/vault"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-server",
		Short: "EHR Synchronization Engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server and background scheduler",
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a one-shot sync for a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, _ := cmd.Flags().GetString("connection")
			mode, _ := cmd.Flags().GetString("mode")
			if connID == "" {
				return fmt.Errorf("--connection is required")
			}
			id, err := uuid.Parse(connID)
			if err != nil {
				return fmt.Errorf("invalid connection id: %w", err)
			}

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng, err := buildEngine(cfg, pool, logger)
			if err != nil {
				return err
			}

			run, err := eng.orchestrator.StartSync(ctx, id, mode, nil)
			if err != nil {
				return err
			}
			eng.orchestrator.Wait()

			final, err := eng.runs.GetByID(ctx, run.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Run %s finished: %s (queried=%d created=%d updated=%d skipped=%d failed=%d conflicts=%d)\n",
				final.ID, final.Status, final.ResourcesQueried, final.ResourcesCreated,
				final.ResourcesUpdated, final.ResourcesSkipped, final.ResourcesFailed,
				final.ConflictsDetected)
			if final.Status != syncengine.RunStatusCompleted {
				return fmt.Errorf("sync did not complete")
			}
			return nil
		},
	}
	cmd.Flags().String("connection", "", "Connection id to sync")
	cmd.Flags().String("mode", "incremental", "Sync mode: incremental or full")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// engine holds every wired component shared by the serve and sync commands.
type engine struct {
	registry     *provider.Registry
	conns        connection.Repository
	connSvc      *connection.Service
	tokens       *connection.TokenManager
	runs         syncengine.RunRepository
	resources    syncengine.ResourceRepository
	orchestrator *syncengine.Orchestrator
	exports      *bulkexport.Manager
	jobs         bulkexport.JobRepository
}

func buildEngine(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*engine, error) {
	v, err := newVault(cfg, logger)
	if err != nil {
		return nil, err
	}

	outClient := &http.Client{Timeout: time.Duration(cfg.OutboundTimeoutSec) * time.Second}

	registry, err := buildRegistry(cfg, outClient, logger)
	if err != nil {
		return nil, err
	}

	conns := connection.NewRepoPG(pool)
	tokens := connection.NewTokenManager(conns, v, registry, outClient, logger)
	connSvc := connection.NewService(conns, tokens, registry, cfg.OAuthRedirectURI, cfg.SyncIntervalHours, logger)

	preserve := map[string]bool{}
	for _, f := range cfg.PreserveFields {
		preserve[f] = true
	}
	reconciler := syncengine.NewReconciler(syncengine.IncomingWinsPolicy{PreserveFields: preserve}, logger)

	runs := syncengine.NewRunRepoPG(pool)
	resources := syncengine.NewResourceRepoPG(pool)
	orchestrator := syncengine.NewOrchestrator(conns, tokens, registry, runs, resources, reconciler, logger)

	jobs := bulkexport.NewJobRepoPG(pool)
	exports := bulkexport.NewManager(conns, tokens, registry, jobs, resources, reconciler, outClient, logger)

	return &engine{
		registry:     registry,
		conns:        conns,
		connSvc:      connSvc,
		tokens:       tokens,
		runs:         runs,
		resources:    resources,
		orchestrator: orchestrator,
		exports:      exports,
		jobs:         jobs,
	}, nil
}

func newVault(cfg *config.Config, logger zerolog.Logger) (*vault.CredentialVault, error) {
	if cfg.VaultEncryptionKey == "" {
		// Development convenience only; stored tokens will not survive a
		// restart with an ephemeral key.
		key := make([]byte, 32)
		if _, err := cryptorand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral vault key: %w", err)
		}
		logger.Warn().Msg("VAULT_ENCRYPTION_KEY not set; using an ephemeral key")
		return vault.New(key)
	}
	key, err := hex.DecodeString(cfg.VaultEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("VAULT_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return vault.New(key)
}

func buildRegistry(cfg *config.Config, client *http.Client, logger zerolog.Logger) (*provider.Registry, error) {
	entries, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	for _, e := range entries {
		settings := provider.Settings{
			ID:                 e.ID,
			Name:               e.Name,
			BaseURL:            e.BaseURL,
			AuthorizeURL:       e.AuthorizeURL,
			TokenURL:           e.TokenURL,
			Scopes:             e.Scopes,
			ClientID:           e.ClientID,
			ClientSecret:       e.ClientSecret,
			AuthStyle:          provider.TokenAuthStyle(e.AuthStyle),
			MinRequestInterval: time.Duration(e.MinRequestIntervalMS) * time.Millisecond,
		}
		if settings.AuthStyle == "" {
			settings.AuthStyle = provider.TokenAuthSecret
		}
		if e.PrivateKeyFile != "" {
			pem, err := os.ReadFile(e.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("provider %s: reading private key: %w", e.ID, err)
			}
			settings.PrivateKeyPEM = pem
		}
		registry.RegisterWithClient(settings, client)
		logger.Info().Str("provider", e.ID).Str("base_url", e.BaseURL).Msg("registered provider")
	}
	return registry, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	eng, err := buildEngine(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Provider catalog for clients picking which EHR to link.
	apiV1.GET("/providers", func(c echo.Context) error {
		type providerInfo struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			BaseURL string `json:"base_url"`
		}
		list := eng.registry.List()
		out := make([]providerInfo, len(list))
		for i, p := range list {
			out[i] = providerInfo{ID: p.Settings.ID, Name: p.Settings.Name, BaseURL: p.Settings.BaseURL}
		}
		return c.JSON(http.StatusOK, out)
	})

	connection.NewHandler(eng.connSvc).RegisterRoutes(apiV1)
	syncengine.NewHandler(eng.orchestrator, eng.runs, eng.resources).RegisterRoutes(apiV1)
	bulkexport.NewHandler(eng.exports, eng.jobs).RegisterRoutes(apiV1)

	// Background scheduler for due connections.
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go eng.orchestrator.RunScheduler(schedCtx, time.Duration(cfg.SchedulerTickSecs)*time.Second)

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
	schedCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	eng.orchestrator.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
