package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"rointenexa/internal/config"
	"rointenexa/internal/session"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Rointe Nexa bridge",
		zap.String("account", cfg.Email))

	sess := session.New(cfg, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		logger.Fatal("Failed to start session", zap.Error(err))
	}
	defer sess.Stop()

	if sess.Degraded() {
		logger.Warn("Running in degraded mode: REST only, no realtime updates")
	}

	for _, dev := range sess.Devices() {
		logger.Info("Discovered device",
			zap.String("id", dev.ID),
			zap.String("serial", dev.SerialNumber),
			zap.String("name", dev.Name),
			zap.String("zone", dev.ZoneName),
			zap.String("model", dev.Model))

		sess.Subscribe(dev.ID, func(deviceID string, delta map[string]any) {
			logger.Info("Device update",
				zap.String("device_id", deviceID),
				zap.Any("delta", delta))
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
}
