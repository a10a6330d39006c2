package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/annotation-enrichment/internal/middleware"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/health"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
)

// Dependencies are the services the router exposes
type Dependencies struct {
	Config      *config.Config
	Logger      *logging.Logger
	Genes       GeneStore
	Annotations AnnotationStore
	Cache       AnnotationCache
	Pipeline    Pipeline
	Health      *health.Service
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	// RateLimiter guards the routes that call upstream sources
	RateLimiter *middleware.RateLimiter
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Config != nil && deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	var origins []string
	if deps.Config != nil {
		origins = deps.Config.Server.CORSOrigins
	}

	router := gin.New()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.CORSMiddleware(origins))
	if deps.Tracer != nil && deps.Tracer.Enabled() {
		router.Use(deps.Tracer.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}

	geneHandler := NewGeneHandler(deps.Genes, deps.Annotations, deps.Cache, deps.Pipeline)
	runHandler := NewRunHandler(deps.Pipeline)
	sourceHandler := NewSourceHandler(deps.Pipeline, deps.Annotations)

	limited := func(c *gin.Context) { c.Next() }
	if deps.RateLimiter != nil {
		limited = deps.RateLimiter.Middleware()
	}

	v1 := router.Group("/api/v1")
	{
		genes := v1.Group("/genes")
		{
			genes.GET("", geneHandler.ListGenes)
			genes.POST("", geneHandler.UpsertGene)
			genes.GET("/:gene", geneHandler.GetGene)
			genes.GET("/:gene/annotations/:source", geneHandler.GetAnnotation)
			genes.POST("/:gene/annotations/:source/refresh", limited, geneHandler.RefreshAnnotation)
		}

		runs := v1.Group("/runs")
		{
			runs.POST("", limited, runHandler.CreateRun)
			runs.GET("", runHandler.ListRuns)
			runs.GET("/:id", runHandler.GetRun)
			runs.POST("/:id/cancel", runHandler.CancelRun)
		}

		sources := v1.Group("/sources")
		{
			sources.GET("", sourceHandler.ListSources)
			sources.GET("/coverage", sourceHandler.Coverage)
		}

		v1.GET("/pipeline/stats", sourceHandler.PipelineStats)
	}

	return router
}
