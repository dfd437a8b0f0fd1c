package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/internal/monitor"
	"github.com/tablewatch/tablewatch/internal/notifications"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/health"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/tracing"
)

func main() {
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

	redis, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.Health(ctx); err != nil {
		log.Fatalf("Database health check failed: %v", err)
	}
	if err := redis.Health(ctx); err != nil {
		log.Fatalf("Redis health check failed: %v", err)
	}
	cancel()

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "tablewatch-monitor",
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

	baselines := cache.NewBaselineCache(redis, &cache.Config{
		BaselineTTL:    cfg.Monitor.BaselineTTL,
		LastResultTTL:  time.Hour,
		BaselineWindow: 20,
	})

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize notification logger: %v", err)
	}
	defer zapLogger.Sync()

	notifier := notifications.NewService(zapLogger, m, notifications.DefaultConfig())
	if cfg.Slack.WebhookURL != "" {
		slack, err := notifications.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel, zapLogger)
		if err != nil {
			log.Fatalf("Failed to initialize Slack notifier: %v", err)
		}
		notifier.AddChannel(slack)
		logger.Info("slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	scheduler, err := monitor.NewScheduler(&monitor.SchedulerConfig{
		Sources:   database.NewSourceRepository(db),
		Targets:   database.NewTargetRepository(db),
		Results:   database.NewCheckResultRepository(db),
		Snapshots: database.NewSchemaSnapshotRepository(db),
		Baselines: baselines,
		Notifier:  notifier,
		Registry:  registry,
		Metrics:   m,
		Tracer:    tracer,
		Monitor:   &cfg.Monitor,
	})
	if err != nil {
		log.Fatalf("Failed to build scheduler: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := scheduler.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Small sidecar server for health probes and metrics scraping
	healthService := health.NewService(logger, nil)
	healthService.RegisterChecker("database", health.NewDatabaseChecker(db, "database"))
	healthService.RegisterChecker("redis", health.NewRedisChecker(redis, "redis"))

	gin.SetMode(gin.ReleaseMode)
	probe := gin.New()
	probe.GET("/health", healthService.Handler())
	probe.GET("/health/live", healthService.LivenessHandler())
	probe.GET("/health/ready", healthService.ReadinessHandler())
	probe.GET("/metrics", gin.WrapH(m.Handler()))

	probeServer := &http.Server{
		Addr:    ":9090",
		Handler: probe,
	}
	go func() {
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start probe server: %v", err)
		}
	}()

	logger.Info("monitor started", "interval", cfg.Monitor.CheckInterval.String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down monitor")

	rootCancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	probeServer.Shutdown(shutdownCtx)

	logger.Info("monitor exited")
}
