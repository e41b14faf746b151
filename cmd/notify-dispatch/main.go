package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"notifydispatch/internal/app"
	"notifydispatch/internal/config"
	"notifydispatch/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "critical: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewZap(cfg.App.Name, cfg.Env, logger.Options{
		Level:      cfg.Logger.Level,
		Filename:   cfg.Logger.Filename,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "critical: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("application starting",
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.Env),
	)

	if err = app.Run(ctx, cfg, log); err != nil {
		log.Error("application crashed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1) //nolint:gocritic // logger flushed above
	}

	log.Info("shutdown complete")
}
