// Package main runs the fleet monitoring HTTP server with the live audio
// relay WebSocket endpoints and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleetwatch/backend/config"
	"github.com/fleetwatch/backend/internal/audit"
	"github.com/fleetwatch/backend/internal/auth"
	"github.com/fleetwatch/backend/internal/devices"
	"github.com/fleetwatch/backend/internal/middleware"
	"github.com/fleetwatch/backend/internal/streaming"
	"github.com/fleetwatch/backend/pkg/database"
	"github.com/fleetwatch/backend/pkg/queue"
	"github.com/fleetwatch/backend/pkg/redis"
	"github.com/fleetwatch/backend/pkg/response"
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

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	auditRecorder := audit.NewQueueRecorder(jobQueue, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Devices and identity
	deviceRepo := devices.NewRepository(pool)
	resolver := devices.NewResolver(deviceRepo, logger)
	access := devices.NewAccess(authRepo, deviceRepo, logger)
	deviceHandler := devices.NewHandler(deviceRepo)

	// Audit read API
	auditRepo := audit.NewRepository(pool)
	auditHandler := audit.NewHandler(auditRepo, logger)

	// Live audio relay
	registry := streaming.NewRegistry()
	hub := streaming.NewHub(logger)
	broker := streaming.NewRedisBroker(rdb.Client, logger)
	streamRepo := streaming.NewRepository(pool)
	controller := streaming.NewController(streaming.ControllerConfig{
		Registry:       registry,
		Fanout:         hub,
		Broker:         broker,
		Store:          streamRepo,
		Resolver:       resolver,
		Access:         access,
		Audit:          auditRecorder,
		Logger:         logger,
		RequestTimeout: time.Duration(cfg.Stream.RequestTimeoutSec) * time.Second,
	})
	flusher := streaming.NewFlusher(registry, streamRepo,
		time.Duration(cfg.Stream.StatsFlushSec)*time.Second, logger)
	streamHandler := streaming.NewHandler(streamRepo, resolver, access, logger)

	viewerAuth := func(token string) (streaming.Viewer, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return streaming.Viewer{}, err
		}
		return streaming.Viewer{UserID: claims.UserID, Username: claims.Username}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	router.POST("/auth/login", authHandler.Login)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/auth/register", middleware.RequireRole("admin"), authHandler.Register)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		api.GET("/devices", deviceHandler.List)
		api.GET("/devices/:id/stream-sessions", streamHandler.ListDeviceSessions)
		api.GET("/stream-sessions/:id/listeners", streamHandler.ListSessionListeners)

		api.GET("/audit-logs", middleware.RequireRole("admin"), auditHandler.List)
	}

	// WebSocket (token / hardware id in query; no Authorization header)
	router.GET("/ws/stream", streaming.ServeViewerWs(hub, controller, logger, viewerAuth))
	router.GET("/ws/device", streaming.ServeProducerWs(registry, controller, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	flushCtx, flushCancel := context.WithCancel(context.Background())
	defer flushCancel()
	go flusher.Run(flushCtx)
	logger.Info("stats flusher started", zap.Int("interval_sec", cfg.Stream.StatsFlushSec))

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	flushCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// One last flush so session stats are not up to an interval stale.
	flusher.FlushOnce(context.Background())
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
