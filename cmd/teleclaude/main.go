// Package main is the entry point for the TeleClaude daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/config"
	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/daemon"
)

// Exit codes: 0 normal, 1 fatal configuration or I/O error, 2 transient
// (safe to retry).
const (
	exitOK        = 0
	exitFatal     = 1
	exitTransient = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting teleclaude daemon", zap.String("computer", cfg.Computer.Name))

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("daemon construction failed", zap.Error(err))
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon exited with error", zap.Error(err))
		if apperrors.Is(err, apperrors.ErrCodeTransient) {
			return exitTransient
		}
		return exitFatal
	}

	log.Info("daemon stopped")
	return exitOK
}
