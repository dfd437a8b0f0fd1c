package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/health"
	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/tracing"
)

// Dependencies bundles everything the router needs
type Dependencies struct {
	Config    *config.Config
	DB        *database.DB
	Redis     *cache.RedisClient
	Baselines *cache.BaselineCache
	Registry  *resilience.Registry
	Metrics   *metrics.Metrics
	Tracer    *tracing.TracingService
	Health    *health.Service
}

// NewRouter wires the HTTP API
func NewRouter(deps *Dependencies) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(CORSMiddleware())
	router.Use(SecurityHeadersMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}
	if deps.Tracer != nil {
		router.Use(deps.Tracer.TracingMiddleware())
	}
	router.Use(RateLimitMiddleware(deps.Redis, 100, time.Minute))

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	sourceRepo := database.NewSourceRepository(deps.DB)
	targetRepo := database.NewTargetRepository(deps.DB)
	resultRepo := database.NewCheckResultRepository(deps.DB)

	sourceHandler := NewSourceHandler(sourceRepo, targetRepo, deps.Registry, deps.Config.Monitor.QueryTimeout)
	resultHandler := NewResultHandler(resultRepo, deps.Baselines)
	resilienceHandler := NewResilienceHandler(deps.Registry)

	v1 := router.Group("/api/v1")
	{
		v1.GET("", func(c *gin.Context) {
			SuccessResponse(c, gin.H{
				"name":    "tablewatch API",
				"version": "1.0.0",
				"status":  "ok",
			})
		})

		// Read-only routes
		v1.GET("/sources", sourceHandler.ListSources)
		v1.GET("/sources/:id", sourceHandler.GetSource)
		v1.GET("/sources/:id/targets", sourceHandler.ListTargets)
		v1.GET("/sources/:id/results", resultHandler.ListBySource)
		v1.GET("/targets/:target_id/results", resultHandler.LatestByTarget)
		v1.GET("/targets/:target_id/baseline", resultHandler.VolumeBaseline)
		v1.GET("/resilience", resilienceHandler.Stats)
		v1.GET("/resilience/breakers/:name", resilienceHandler.BreakerStats)

		// Mutating routes require authentication
		protected := v1.Group("")
		protected.Use(AuthMiddleware(deps.Config))
		{
			protected.POST("/sources", sourceHandler.CreateSource)
			protected.PATCH("/sources/:id", sourceHandler.UpdateSource)
			protected.DELETE("/sources/:id", sourceHandler.DeleteSource)
			protected.POST("/sources/:id/test", sourceHandler.TestSource)
			protected.POST("/sources/:id/targets", sourceHandler.CreateTarget)
			protected.DELETE("/targets/:target_id", sourceHandler.DeleteTarget)
			protected.DELETE("/targets/:target_id/baseline", resultHandler.ResetVolumeBaseline)
			protected.POST("/resilience/breakers/:name/trip", resilienceHandler.TripBreaker)
			protected.POST("/resilience/breakers/:name/reset", resilienceHandler.ResetBreaker)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
