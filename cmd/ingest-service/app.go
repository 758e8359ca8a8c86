package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rcs/internal/broker"
	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/ingest"
	"rcs/internal/logger"
	"rcs/internal/schema"
	"rcs/pkg/bootstrap"
	"rcs/pkg/cel"
	"rcs/pkg/health"
	"rcs/pkg/logging"
	"rcs/pkg/metrics"
	"rcs/pkg/middleware"
	"rcs/pkg/ratelimit"
	"rcs/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	stores         *bootstrap.Stores
	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceIngest)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	stores, err := a.dbConnector.InitStores(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}
	a.stores = stores

	producer, err := broker.NewProducer(a.Config.Broker, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.Producer = producer

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceIngest)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterIngestMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterStoreMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

func (a *App) initRouter() error {
	constraints, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create constraint evaluator: %w", err)
	}

	svc := ingest.NewService(
		a.stores.Catalog,
		a.stores.Occurrences,
		schema.NewValidator(constraints),
		ingest.NewHasher(a.Config.Ingest.HashAlgorithm),
		a.Producer,
		a.Config.Broker.Kafka.Topics.OccurrenceIngested,
		a.Logger,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceIngest))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.Config.Ingest.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromSettings(a.Config.Ingest.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		initCtx := logging.WithServiceName(context.Background(), constants.ServiceIngest)
		a.Logger.InfowCtx(initCtx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	ingest.NewHandler(svc, a.Logger).RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	a.stores.RegisterHealth(healthRegistry)
	router.GET("/health", healthRegistry.GinHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceIngest)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down ingest service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownStores(ctx, a.stores)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
