package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmatc13/txqueue/pkg/config"
	"github.com/cmatc13/txqueue/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var configFile string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue, its transport and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := config.DefaultLoadOptions()
			opts.ConfigFile = configFile
			opts.Flags = cmd.Flags()

			cfg, err := config.LoadWithOptions(opts)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to configuration file")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long shutdown may take")
	config.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "txqueue",
		Environment: cfg.Log.Environment,
	})

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting services", "transport", cfg.Transport.Kind, "port", cfg.API.Port)
	if err := a.start(ctx); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	logger.Info("All services started")

	<-ctx.Done()
	logger.Info("Shutting down gracefully")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.stop(stopCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
