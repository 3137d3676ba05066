// Command server runs the traffic-stats collector, store, flusher and
// query API as one process (spec.md §2), grounded on the teacher's
// cmd/main.go but reduced to this system's configuration contract:
// environment variables only, no config file, no TLS/HTTP3/auth.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/app"
	"github.com/laoshifu996/clash-master/internal/config"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

func main() {
	cfg := config.LoadFromEnv()

	if err := logger.Init(&logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutputPath,
	}); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	if err := a.Start(); err != nil {
		logger.Fatal("failed to start app", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	if err := a.Shutdown(); err != nil {
		logger.Error("shutdown did not complete cleanly", zap.Error(err))
	}
}
