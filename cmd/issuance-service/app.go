package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/issuance"
	"rcs/internal/logger"
	"rcs/internal/notification"
	"rcs/pkg/bootstrap"
	"rcs/pkg/health"
	"rcs/pkg/logging"
	"rcs/pkg/metrics"
	"rcs/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	stores         *bootstrap.Stores
	service        *issuance.Service
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceIssuance)
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

	if err := a.InitBroker(constants.ServiceIssuance); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initService(); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceIssuance)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterIssuanceMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterStoreMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	healthRegistry := health.NewCheckerRegistry()
	a.stores.RegisterHealth(healthRegistry)
	a.server = bootstrap.NewOpsServer(a.Config.Server, healthRegistry)

	return nil
}

func (a *App) initService() error {
	var notifier issuance.Notifier
	if a.Config.Notification.Enabled {
		notifier = notification.NewHTTPNotifier(a.Config.Notification, a.Config.CircuitBreaker, a.Logger)
	} else {
		initCtx := logging.WithServiceName(context.Background(), constants.ServiceIssuance)
		a.Logger.WarnwCtx(initCtx, "Tenant notifications disabled")
	}

	a.service = issuance.NewService(a.stores.Occurrences, a.stores.Matches, a.stores.Actions, notifier, a.Logger)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	go func() {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	inputTopic := a.Config.Broker.Kafka.Topics.OccurrenceDecided
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, inputTopic, a.service.HandleDecided)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceIssuance)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down issuance service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

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
