package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikhilSetiya/annotation-enrichment/internal/api"
	"github.com/NikhilSetiya/annotation-enrichment/internal/app"
	"github.com/NikhilSetiya/annotation-enrichment/internal/middleware"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/health"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
)

const serviceName = "annotation-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := app.New(ctx, cfg, logger, serviceName)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"service": serviceName, "version": app.Version},
	})
	healthService.RegisterChecker("database", health.NewDatabaseChecker(components.DB, "database"))
	healthService.RegisterChecker("redis", health.NewRedisChecker(components.Redis, "redis"))
	healthService.RegisterChecker("sources", health.NewSourceCircuitChecker("sources", components.Registry.CircuitStates))

	if components.Metrics != nil {
		collector := metrics.NewMetricsCollector(components.Metrics, 15*time.Second, components.DB.ConnectionProbe())
		go collector.Start(ctx)
		defer collector.Stop()
	}

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Requests:  cfg.Server.RateLimitRequests,
		Window:    cfg.Server.RateLimitWindow,
		KeyPrefix: "annotations:ratelimit:",
		Redis:     components.Redis.Client(),
	}, logger)

	router := api.NewRouter(api.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Genes:       components.Genes,
		Annotations: components.Annotations,
		Cache:       components.Cache,
		Pipeline:    components.Pipeline,
		Health:      healthService,
		Metrics:     components.Metrics,
		Tracer:      components.Tracer,
		RateLimiter: rateLimiter,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithComponent("server").WithField("addr", server.Addr).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.WithComponent("server").Info("Shutting down server...")

	// Give outstanding requests and running pipeline runs 30 seconds
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	components.Close(shutdownCtx)

	logger.WithComponent("server").Info("Server exited")
}
