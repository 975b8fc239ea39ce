package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javi11/rarbridge/internal/app"
	"github.com/javi11/rarbridge/internal/config"
	"github.com/javi11/rarbridge/internal/logutil"
)

// Exit codes per the on-disk/wire contract (§6.6): 0 clean shutdown, 2
// configuration error, 3 fatal runtime error, 130 interrupted by signal.
const (
	exitConfigError  = 2
	exitFatalRuntime = 3
	exitInterrupted  = 130
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start watching configured directories and bridging archives",
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		// A malformed configuration is fatal at startup.
		slog.Default().Error("failed to load config", "error", err)
		os.Exit(exitConfigError)
	}

	logger := logutil.NewLogger(logutil.Config{
		Level:      parseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxLogSize,
		MaxBackups: cfg.Log.BackupCount,
	})
	slog.SetDefault(logger)

	logger.Info("starting rarbridge",
		"processing_mode", cfg.Options.ProcessingMode,
		"directory_pairs", len(cfg.DirectoryPairs))

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(exitFatalRuntime)
	}

	// SIGINT and SIGTERM are treated uniformly: App.Run stops the watchers
	// first, drains the worker under a grace budget, then shuts the HTTP
	// server down last so in-flight range requests can complete. This just
	// supplies the cancellation signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := a.Run(ctx)
	interrupted := ctx.Err() != nil

	if runErr != nil {
		logger.Error("rarbridge exited with error", "error", runErr)
		os.Exit(exitFatalRuntime)
	}

	if interrupted {
		logger.Info("rarbridge shut down after signal")
		os.Exit(exitInterrupted)
	}

	logger.Info("rarbridge shut down gracefully")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
