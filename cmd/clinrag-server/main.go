package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinrag/clinrag/internal/config"
	"github.com/clinrag/clinrag/internal/domain/ingest"
	"github.com/clinrag/clinrag/internal/domain/retrieval"
	"github.com/clinrag/clinrag/internal/platform/db"
	"github.com/clinrag/clinrag/internal/platform/middleware"
	"github.com/clinrag/clinrag/internal/platform/provider"
	"github.com/clinrag/clinrag/internal/platform/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinrag-server",
		Short: "Clinical record ingestion and retrieval server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion and retrieval API server",
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
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

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		Overflow:       cfg.DBOverflow,
		AcquireTimeout: time.Duration(cfg.DBAcquireTimeoutS) * time.Second,
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	chunkStore := store.NewPG(pool, cfg.DBMaxConns)

	// Providers
	embedder := provider.NewHTTPEmbedder(cfg.EmbedURL, cfg.EmbedModel, cfg.EmbedDim, cfg.ProviderTimeout())
	var reranker provider.Reranker
	if cfg.RerankURL != "" {
		reranker = provider.NewHTTPReranker(cfg.RerankURL, cfg.ProviderTimeout())
	} else {
		logger.Warn().Msg("RERANK_URL not set; rerank degrades to hybrid order")
	}

	// Ingestion queue
	journal, err := ingest.OpenBadgerJournal(cfg.JournalDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ingestion journal")
	}
	defer journal.Close()

	chunker := ingest.NewChunker(cfg.ChunkMinSize, cfg.ChunkMaxSize, cfg.ChunkOverlap)
	queue := ingest.NewQueue(ingest.QueueConfig{
		Capacity:        cfg.QueueCapacity,
		Workers:         cfg.Workers(),
		MaxRetries:      cfg.QueueMaxRetries,
		RetryBaseDelay:  time.Duration(cfg.RetryBaseDelayS) * time.Second,
		RetryMaxDelay:   time.Duration(cfg.RetryMaxDelayS) * time.Second,
		DrainTimeout:    cfg.DrainTimeout(),
		EnqueueWait:     time.Duration(cfg.EnqueueWaitMS) * time.Millisecond,
		ProviderTimeout: cfg.ProviderTimeout(),
	}, journal, chunkStore, embedder, chunker, logger)
	if err := queue.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start ingestion queue")
	}
	logger.Info().Int("workers", cfg.Workers()).Int("capacity", cfg.QueueCapacity).Msg("ingestion queue started")

	// Retrieval engine + rerank orchestrator
	engine := retrieval.NewEngine(chunkStore, embedder, retrieval.EngineConfig{
		KRetrieve: cfg.HybridKRetrieve,
		DefaultWeights: retrieval.Weights{
			Sparse: cfg.HybridWeightSparse,
			Dense:  cfg.HybridWeightDense,
		},
		ProviderTimeout: cfg.ProviderTimeout(),
	}, logger)
	rerankOrch := retrieval.NewReranker(engine, reranker, cfg.CacheMaxEntries, cfg.CacheTTL(), cfg.ProviderTimeout(), logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(2 * cfg.ProviderTimeout()))
	e.Use(middleware.BodyLimit("10M"))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Domain handlers
	ingest.NewHandler(queue).RegisterRoutes(e)
	retrieval.NewHandler(engine, rerankOrch, chunkStore).RegisterRoutes(e)

	// Serve
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown: refuse new submissions and drain workers, then
	// stop the listener; the deferred journal close flushes the journal
	// on return.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	queue.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	return nil
}
