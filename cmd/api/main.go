package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/app"
	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	application, err := app.NewApp(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}
	defer application.Close()

	zl.Info("sapling is running; DB connected and bootstrapped")
	if err := application.Run(ctx); err != nil {
		zl.Error("server stopped with error", zap.Error(err))
		return
	}
	zl.Info("shut down cleanly")
}
