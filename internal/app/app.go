// Package app assembles the storage, cache, sources and pipeline shared by
// the server and the command line updater.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/annotation-enrichment/internal/cache"
	"github.com/NikhilSetiya/annotation-enrichment/internal/database"
	"github.com/NikhilSetiya/annotation-enrichment/internal/notifications"
	"github.com/NikhilSetiya/annotation-enrichment/internal/notifications/channels"
	"github.com/NikhilSetiya/annotation-enrichment/internal/orchestrator"
	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/internal/sources/catalog"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
)

// Version is stamped into logs and traces
var Version = "dev"

// App holds the wired components
type App struct {
	Config      *config.Config
	Sources     *config.SourcesConfig
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	DB          *database.DB
	Redis       *cache.RedisClient
	Cache       *cache.Service
	Genes       *database.GeneRepository
	Annotations *database.AnnotationRepository
	Runs        *database.RunRepository
	Registry    *orchestrator.Registry
	Pipeline    *orchestrator.Service
	Notifier    *notifications.Service

	zap *zap.Logger
}

// NewLogger builds the service logger from configuration and installs it
// as the global logger
func NewLogger(cfg *config.Config, serviceName string) (*logging.Logger, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: serviceName,
		Version:     Version,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}

// New connects to storage and builds the pipeline. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, serviceName string) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	sourcesCfg, err := config.LoadSources(cfg.Pipeline.SourcesFile)
	if err != nil {
		return nil, err
	}
	a.Sources = sourcesCfg

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewMetrics(&metrics.Config{
			Namespace: cfg.Metrics.Namespace,
			Enabled:   true,
		})
	}

	a.Tracer, err = tracing.NewTracingService(&tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a.DB, err = database.New(ctx, &cfg.Database, database.WithMetrics(a.Metrics), database.WithTracer(a.Tracer))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := ping(ctx, a.DB.Health); err != nil {
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	logger.WithComponent("app").Info("Database connection established")

	a.Redis, err = cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := ping(ctx, a.Redis.Health); err != nil {
		return nil, fmt.Errorf("redis health check failed: %w", err)
	}
	logger.WithComponent("app").Info("Redis connection established")

	a.Cache = cache.NewService(a.Redis, cache.DefaultConfig(), a.Metrics, a.Tracer)
	a.Genes = database.NewGeneRepository(a.DB)
	a.Annotations = database.NewAnnotationRepository(a.DB)
	a.Runs = database.NewRunRepository(a.DB)

	built, err := catalog.Build(sourcesCfg, sources.Options{
		Store:      a.Annotations,
		Cache:      a.Cache,
		HTTPClient: &http.Client{},
		Metrics:    a.Metrics,
		Tracer:     a.Tracer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.Registry, err = orchestrator.NewRegistry(built...)
	if err != nil {
		return nil, err
	}
	logger.WithComponent("app").WithFields(logrus.Fields{
		"sources": a.Registry.Names(),
	}).Info("Annotation sources registered")

	a.zap, err = newZapLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notification logger: %w", err)
	}
	a.Notifier = newNotifier(cfg, a.zap)

	a.Pipeline = orchestrator.NewService(orchestrator.Dependencies{
		Registry: a.Registry,
		Genes:    a.Genes,
		Runs:     a.Runs,
		Notifier: a.Notifier,
		Metrics:  a.Metrics,
		Tracer:   a.Tracer,
		Logger:   logger,
	}, &orchestrator.Config{
		RunTimeout:         cfg.Pipeline.RunTimeout,
		PersistConcurrency: cfg.Pipeline.PersistConcurrency,
		MaxConcurrentRuns:  cfg.Pipeline.MaxConcurrentRuns,
	})

	ok = true
	return a, nil
}

// Close stops the pipeline and releases connections
func (a *App) Close(ctx context.Context) {
	if a.Pipeline != nil {
		if err := a.Pipeline.Shutdown(ctx); err != nil {
			a.Logger.LogError(ctx, err, "Pipeline shutdown incomplete", nil)
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.Logger.LogError(ctx, err, "Tracer shutdown failed", nil)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.Level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newNotifier(cfg *config.Config, logger *zap.Logger) *notifications.Service {
	svc := notifications.NewService(logger)
	if cfg.Notifications.SlackWebhookURL != "" {
		svc.RegisterChannelHandler(channels.NewSlackHandler(logger, cfg.Notifications.SlackWebhookURL, cfg.Notifications.SlackChannel))
	} else {
		svc.RegisterChannelHandler(notifications.NewLogHandler(logger))
	}
	return svc
}

func ping(ctx context.Context, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return check(ctx)
}
