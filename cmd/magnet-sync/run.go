package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"magnet-sync/internal/bootstrap"
	"magnet-sync/internal/config"
	"magnet-sync/internal/health"
	apphttp "magnet-sync/internal/http"
	"magnet-sync/internal/metrics"
	"magnet-sync/internal/repository/sqlite"
	"magnet-sync/internal/service"
	"magnet-sync/internal/session"
	"magnet-sync/internal/storage"
	"magnet-sync/internal/stream"
	"magnet-sync/internal/syncer"
	"magnet-sync/internal/throttle"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the backend and serve the local API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, newLogger(cfg))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repos, err := sqlite.NewRepositories(ctx, db)
	if err != nil {
		return fmt.Errorf("init repositories: %w", err)
	}

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup archive storage: %w", err)
	}

	client := newBackendClient(cfg, logger)
	store := session.NewStore()
	agg := metrics.NewAggregator(cfg.Metrics.Capacity)
	thr := throttle.New(throttle.Config{
		Window:        cfg.Throttle.Window,
		ProgressDelta: cfg.Throttle.ProgressDelta,
		SpeedDelta:    cfg.Throttle.SpeedDelta,
		BatchSize:     cfg.Throttle.BatchSize,
		BatchDelay:    cfg.Throttle.BatchDelay,
		Logger:        logger,
	}, store, agg)
	progress := stream.NewClient(stream.Config{
		BaseURL:        cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		Logger:         logger,
	}, nil)
	monitor := health.NewMonitor(health.Config{
		Interval: cfg.Health.Interval,
		Logger:   logger,
		OnChange: func(from, to health.Status) {
			logger.Infof("backend %s -> %s", from, to)
		},
	}, client)

	comps := syncer.Components{
		Store:       store,
		Throttler:   thr,
		Metrics:     agg,
		Stream:      progress,
		Bootstrap:   bootstrap.NewLoader(client, store, logger),
		Health:      monitor,
		MetricsRepo: repos.Metrics,
		Completions: repos.Completions,
	}
	if archiver != nil {
		comps.Archiver = archiver
	}
	manager := syncer.NewManager(syncer.Config{
		FlushSchedule: cfg.Metrics.FlushSchedule,
		Archive: storage.ArchiveOptions{
			Bucket:    cfg.Archive.Bucket,
			KeyPrefix: cfg.Archive.KeyPrefix,
		},
		Logger: logger,
	}, comps)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start sync session: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	opts := apphttp.Options{
		Downloads:   service.NewDownloadService(client, store, logger),
		Store:       store,
		Metrics:     agg,
		Health:      monitor,
		Stream:      progress,
		Completions: repos.Completions,
		Bucket:      cfg.Archive.Bucket,
		Logger:      logger,
	}
	if archiver != nil {
		opts.Archiver = archiver
	}
	handler := apphttp.NewHandler(opts)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	srv.RegisterOnShutdown(handler.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s, following %s", cfg.Server.Addr, cfg.Backend.URL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Errorf("http server: %v", err)
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
	return err
}

// buildArchiver returns nil when no archive bucket is configured.
func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Archiver, error) {
	if cfg.Archive.Bucket == "" {
		logger.Info("archive bucket not configured, completed downloads stay local")
		return nil, nil
	}

	client, err := storage.NewS3Client(ctx, storage.ClientConfig{
		Region:   cfg.Archive.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.Archive.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return storage.NewS3Archiver(client), nil
}
