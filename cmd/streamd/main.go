package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tickstream/config"
	"tickstream/internal/logger"
	"tickstream/internal/streamd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("streamd", logger.ParseLevel("info")).Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("streamd", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := streamd.New(ctx, cfg, streamd.Options{Logger: log})
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
