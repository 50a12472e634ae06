// Package main runs the chant session HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fansvoice/backend/config"
	"github.com/fansvoice/backend/internal/auth"
	"github.com/fansvoice/backend/internal/chant"
	"github.com/fansvoice/backend/internal/events"
	"github.com/fansvoice/backend/internal/middleware"
	"github.com/fansvoice/backend/internal/presence"
	"github.com/fansvoice/backend/internal/realtime"
	"github.com/fansvoice/backend/internal/telemetry"
	"github.com/fansvoice/backend/pkg/breaker"
	"github.com/fansvoice/backend/pkg/bus"
	"github.com/fansvoice/backend/pkg/cache"
	"github.com/fansvoice/backend/pkg/database"
	"github.com/fansvoice/backend/pkg/redis"
	"github.com/fansvoice/backend/pkg/response"
	"github.com/fansvoice/backend/pkg/storage"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AssetsBucket:         cfg.AWS.AssetsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	breakers := breaker.NewRegistry(logger)
	breakers.SetDefaults(breaker.Policy{
		Threshold:     cfg.Breaker.Threshold,
		BreakDuration: cfg.Breaker.BreakDuration,
	})

	sessionCache := cache.New(rdb.Client, logger)
	publisher := bus.NewPublisher(rdb.Client, breakers, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret)
	metrics := telemetry.New()

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	hub.SetConnectionChangeHandler(metrics.HandleConnectionChange)

	eventRepo := events.NewRepository(pool)

	sessionRepo := chant.NewRepository(pool)
	sessionSvc := chant.NewService(chant.Config{
		Store:         sessionRepo,
		Events:        eventRepo,
		Cache:         sessionCache,
		Bus:           publisher,
		Breakers:      breakers,
		Logger:        logger,
		SessionTTL:    cfg.Cache.SessionTTL,
		RetryAttempts: cfg.Bus.RetryAttempts,
	})

	presenceRepo := presence.NewRepository(pool)
	presenceSvc := presence.NewService(presence.Config{
		Store:         presenceRepo,
		Cache:         sessionCache,
		Bus:           publisher,
		Logger:        logger,
		GraceWindow:   cfg.Presence.GraceWindow,
		RetryAttempts: cfg.Bus.RetryAttempts,
	})

	var assets chant.AssetStore
	if s3Client != nil {
		assets = s3Client
	}
	chantHandler := chant.NewHandler(sessionSvc, presenceSvc, assets)

	jwtValidate := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(metrics.Middleware())

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected API (JWT required)
	api := router.Group("/chant")
	api.Use(middleware.JWT(jwtService))
	chantHandler.RegisterRoutes(api)

	// WebSocket (token in query; browsers cannot set the Authorization header)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, sessionSvc, presenceSvc))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
