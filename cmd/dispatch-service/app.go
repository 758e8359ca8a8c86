package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"rcs/internal/aggregation"
	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/dispatch"
	"rcs/internal/logger"
	"rcs/internal/resolver"
	"rcs/internal/scenescript"
	"rcs/internal/schema"
	"rcs/pkg/bootstrap"
	"rcs/pkg/cel"
	"rcs/pkg/health"
	"rcs/pkg/logging"
	"rcs/pkg/metrics"
	"rcs/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	stores         *bootstrap.Stores
	service        *dispatch.Service
	reconciler     *dispatch.Reconciler
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceDispatch)
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

	if err := a.InitBroker(constants.ServiceDispatch); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initService(); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceDispatch)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterDispatchMetrics()
	metrics.RegisterEvaluatorMetrics()
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
	constraints, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create constraint evaluator: %w", err)
	}
	validator := schema.NewValidator(constraints)

	registry := scenescript.NewRegistry()
	scripts := scenescript.NewScripts(a.stores.Occurrences, a.stores.Catalog, scenescript.DefaultRechargeEvents, a.Logger.With("component", "scenescript"))
	if err := scenescript.RegisterDefaults(registry, scripts); err != nil {
		return fmt.Errorf("failed to register scene scripts: %w", err)
	}

	renderer := resolver.New(a.stores.Catalog, a.stores.Occurrences, registry, validator, a.Config.Pipeline.MaxRenderDepth, a.Logger)

	thresholds, err := aggregation.ThresholdsFromConfig(a.Config.Pipeline.PunishActions)
	if err != nil {
		return fmt.Errorf("invalid punish action table: %w", err)
	}
	topics := a.Config.Broker.Kafka.Topics
	decider := aggregation.NewDecider(a.stores.Occurrences, thresholds, a.Producer, topics.OccurrenceDecided, constants.ServiceDispatch, a.Logger)

	a.service = dispatch.NewService(
		a.stores.Catalog,
		a.stores.Occurrences,
		renderer,
		decider,
		a.Producer,
		a.Config.Pipeline.MaxRenderDepth,
		topics.RuleEvaluationRequested,
		a.Logger,
	)

	if a.Config.Pipeline.Reconcile.Enabled {
		a.reconciler = dispatch.NewReconciler(a.service, a.Config.Pipeline.Reconcile, a.Logger.With("component", "reconciler"))
	} else {
		initCtx := logging.WithServiceName(context.Background(), constants.ServiceDispatch)
		a.Logger.WarnwCtx(initCtx, "Reconciliation sweep disabled, stalled occurrences will not be retried")
	}
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

	if a.reconciler != nil {
		g.Go(func() error {
			return a.reconciler.Run(gCtx)
		})
	}

	inputTopic := a.Config.Broker.Kafka.Topics.OccurrenceIngested
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, inputTopic, a.service.HandleIngested)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceDispatch)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down dispatch service")

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
