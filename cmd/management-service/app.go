package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/lib/pq" // PostgreSQL driver

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/issuance"
	"rcs/internal/logger"
	"rcs/internal/management"
	"rcs/internal/notification"
	"rcs/internal/schema"
	"rcs/pkg/bootstrap"
	"rcs/pkg/cel"
	"rcs/pkg/health"
	"rcs/pkg/logging"
	"rcs/pkg/metrics"
	"rcs/pkg/middleware"
	"rcs/pkg/migrations"
	"rcs/pkg/ratelimit"
	"rcs/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	stores         *bootstrap.Stores
	db             *sql.DB
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceManagement)
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds * time.Second,
	}

	tp, err := tracing.Init(a.config.Tracing, constants.ServiceManagement)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

// initDatabase connects MongoDB and, when configured, the PostgreSQL audit
// store.
func (a *App) initDatabase(ctx context.Context) error {
	stores, err := a.dbConnector.InitStores(ctx)
	if err != nil {
		return err
	}
	a.stores = stores

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.db != nil && a.config.Database.RunMigrations {
		if err := migrations.MigratePostgres(a.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.logger.InfowCtx(ctx, "PostgreSQL migrations applied")
	}
	return nil
}

func (a *App) initRouter() error {
	constraints, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create constraint evaluator: %w", err)
	}

	var notifier issuance.Notifier
	if a.config.Notification.Enabled {
		notifier = notification.NewHTTPNotifier(a.config.Notification, a.config.CircuitBreaker, a.logger)
	}
	issuer := issuance.NewService(a.stores.Occurrences, a.stores.Matches, a.stores.Actions, notifier, a.logger)

	opts := []management.ServiceOption{
		management.WithStatistics(a.config.Management.Statistics),
	}
	if a.db != nil {
		opts = append(opts, management.WithAudit(management.NewPostgresAuditRepository(a.db)))
	} else {
		a.logger.WarnwCtx(context.Background(), "PostgreSQL not configured, audit log disabled")
	}

	svc := management.NewService(
		a.stores.Catalog,
		a.stores.Occurrences,
		a.stores.Matches,
		a.stores.Actions,
		issuer,
		schema.NewValidator(constraints),
		a.logger,
		opts...,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceManagement))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromSettings(a.config.Management.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	var verifier *middleware.JWTVerifier
	if a.config.Management.Auth.JWTSecret != "" {
		verifier = middleware.NewJWTVerifier(middleware.JWTConfig{
			Secret: a.config.Management.Auth.JWTSecret,
			Issuer: a.config.Management.Auth.Issuer,
		})
	} else {
		initCtx := logging.WithServiceName(context.Background(), constants.ServiceManagement)
		a.logger.WarnwCtx(initCtx, "JWT secret not configured, management API is unauthenticated")
	}

	api := router.Group("", middleware.JWTAuth(verifier, a.logger))
	management.NewHandler(svc, a.logger).RegisterRoutes(api)

	metrics.RegisterManagementMetrics()
	metrics.RegisterStoreMetrics()
	metrics.RegisterIssuanceMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	healthRegistry := health.NewCheckerRegistry()
	a.stores.RegisterHealth(healthRegistry)
	if a.db != nil {
		healthRegistry.RegisterOptional(health.NewPostgreSQLChecker(a.db))
	}

	router.GET("/health", healthRegistry.GinHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
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
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, nil, a.db, nil)...)
	errs = append(errs, a.dbConnector.ShutdownStores(ctx, a.stores)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
