// Package main runs the background worker that expires stale disconnected
// participants once their reconnect grace window has passed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fansvoice/backend/config"
	"github.com/fansvoice/backend/internal/presence"
	"github.com/fansvoice/backend/internal/worker"
	"github.com/fansvoice/backend/pkg/breaker"
	"github.com/fansvoice/backend/pkg/bus"
	"github.com/fansvoice/backend/pkg/cache"
	"github.com/fansvoice/backend/pkg/database"
	"github.com/fansvoice/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	breakers := breaker.NewRegistry(logger)
	breakers.SetDefaults(breaker.Policy{
		Threshold:     cfg.Breaker.Threshold,
		BreakDuration: cfg.Breaker.BreakDuration,
	})

	presenceSvc := presence.NewService(presence.Config{
		Store:         presence.NewRepository(pool),
		Cache:         cache.New(rdb.Client, logger),
		Bus:           bus.NewPublisher(rdb.Client, breakers, logger),
		Logger:        logger,
		GraceWindow:   cfg.Presence.GraceWindow,
		RetryAttempts: cfg.Bus.RetryAttempts,
	})

	reaper := worker.NewReaper(presenceSvc, cfg.Presence.ReaperInterval, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reaper.Run(workerCtx)
	logger.Info("worker started", zap.Duration("reaper_interval", cfg.Presence.ReaperInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
