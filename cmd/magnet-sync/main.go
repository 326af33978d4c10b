package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "magnet-sync",
	Short: "Mirror a magnet download backend into a live local session",
	Long: "magnet-sync follows the download backend's progress stream, keeps a throttled view of every " +
		"download with rolling transfer metrics, and serves it on a local HTTP API.",
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// loadClient reads the configuration and builds a backend client for the one-shot commands.
func loadClient() (config.Config, *logrus.Logger, *backend.Client) {
	cfg, err := config.Load()
	cobra.CheckErr(err)
	logger := newLogger(cfg)
	return cfg, logger, newBackendClient(cfg, logger)
}

func newBackendClient(cfg config.Config, logger *logrus.Logger) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
}
