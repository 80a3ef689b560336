package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	otelnoopmetric "go.opentelemetry.io/otel/metric/noop"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/docflow-ai/docflow/config"
	"github.com/docflow-ai/docflow/internal/blob"
	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/embedding"
	"github.com/docflow-ai/docflow/internal/extract"
	"github.com/docflow-ai/docflow/internal/queue/streams"
	srv "github.com/docflow-ai/docflow/internal/server"
	"github.com/docflow-ai/docflow/internal/store"
	"github.com/docflow-ai/docflow/internal/worker"
)

func main() {
	var cfgPath string
	root := &cobra.Command{Use: "docflow"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run document processing workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}

	var migDir, direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, workerCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("worker store init: %w", err)
	}
	defer st.DB.Close()

	blobs, err := blob.NewMinioStorage(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("worker blob init: %w", err)
	}

	if err := cfg.Oracle.Validate(); err != nil {
		return err
	}
	taxonomy, err := classify.NewTaxonomy(cfg.Taxonomy.Departments, cfg.Taxonomy.Fallback)
	if err != nil {
		return err
	}
	oracle := classify.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Model,
		cfg.Oracle.MaxTokens, cfg.Oracle.Temperature, cfg.Oracle.Timeout)
	router := &classify.Router{Oracle: oracle, Taxonomy: taxonomy}

	embedder := embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model,
		cfg.Embedding.Dimensions, cfg.Embedding.Timeout)

	var extractor extract.Extractor = &extract.Native{}
	if cfg.Extract.RemoteURL != "" {
		extractor = &extract.Native{Remote: extract.NewRemoteExtractor(cfg.Extract.RemoteURL, cfg.Extract.Timeout)}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Databases.Redis.Addr(),
		Password: cfg.Databases.Redis.Password,
		DB:       cfg.Databases.Redis.DB,
	})
	var consumer *streams.Consumer
	var sweepRdb *redis.Client
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Printf("warn: redis unavailable (%s), polling only: %v", cfg.Databases.Redis.Addr(), err)
	} else {
		defer func() { _ = rdb.Close() }()
		if err := streams.EnsureGroup(ctx, rdb, streams.DocumentStream, cfg.Worker.ConsumerGroup); err != nil {
			return fmt.Errorf("worker ensure group: %w", err)
		}
		consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		consumer = streams.NewConsumer(rdb, cfg.Worker.ConsumerGroup, consumerName)
		sweepRdb = rdb
	}

	meter := otelnoopmetric.NewMeterProvider().Meter("worker")
	tracer := oteltrace.NewNoopTracerProvider().Tracer("worker")

	coordinator := worker.NewCoordinator(logger, st, blobs, extractor, router, embedder,
		cfg.Worker.StaleAfter, meter, tracer)

	sweeper := worker.NewSweeper(logger, st, sweepRdb, cfg.Worker.SweepCron, cfg.Worker.StaleAfter,
		prometheus.DefaultRegisterer)
	sweeper.Start(ctx)

	pool := worker.NewPool(logger, coordinator, consumer, cfg.Worker.Pool, cfg.Worker.PollInterval)
	if err := pool.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker pool exited: %w", err)
	}
	logger.Printf("worker stopped")
	return nil
}
