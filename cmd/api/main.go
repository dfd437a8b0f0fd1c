package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tablewatch/tablewatch/internal/api"
	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/health"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/tracing"
)

func main() {
	// .env is optional; real deployments use environment variables
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.GetLogger()

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.Health(ctx); err != nil {
		log.Fatalf("Database health check failed: %v", err)
	}
	cancel()
	logger.Info("database connection established")

	redis, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := redis.Health(ctx); err != nil {
		log.Fatalf("Redis health check failed: %v", err)
	}
	cancel()
	logger.Info("redis connection established")

	baselines := cache.NewBaselineCache(redis, &cache.Config{
		BaselineTTL:    cfg.Monitor.BaselineTTL,
		LastResultTTL:  time.Hour,
		BaselineWindow: 20,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "tablewatch-api",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tracer.Shutdown(shutdownCtx)
	}()

	m := metrics.NewMetrics(nil)
	registry := resilience.NewRegistry()

	healthService := health.NewService(logger, nil)
	healthService.RegisterChecker("database", health.NewDatabaseChecker(db, "database"))
	healthService.RegisterChecker("redis", health.NewRedisChecker(redis, "redis"))

	router := api.NewRouter(&api.Dependencies{
		Config:    cfg,
		DB:        db,
		Redis:     redis,
		Baselines: baselines,
		Registry:  registry,
		Metrics:   m,
		Tracer:    tracer,
		Health:    healthService,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("server exited")
}
