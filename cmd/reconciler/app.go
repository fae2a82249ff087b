package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/connection"
	"github.com/smartdevs17/dao-reconciler/internal/indexer"
	"github.com/smartdevs17/dao-reconciler/internal/ledger"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/internal/scheduler"
	"github.com/smartdevs17/dao-reconciler/internal/server"
	"github.com/smartdevs17/dao-reconciler/internal/storage"
	"github.com/smartdevs17/dao-reconciler/internal/whitelist"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Application wires every component together
type Application struct {
	config    *config.Config
	logger    *logrus.Logger
	metrics   *metrics.Manager
	storage   storage.Storage
	clients   *connection.Clients
	service   *reconcile.Service
	queries   *scheduler.Queries
	scheduler *scheduler.Scheduler
	server    *server.HTTPServer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")

	return nil
}

func (app *Application) initializeComponents() error {
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeReconciler(); err != nil {
		return fmt.Errorf("failed to initialize reconciler: %w", err)
	}

	if err := app.initializeScheduler(); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	app.logger.WithField("type", app.config.Storage.Type).Info("Storage initialized")
	return nil
}

func (app *Application) initializeReconciler() error {
	general := connection.NewConnectionManager("general", &app.config.Ledger.General, app.metrics)
	holder := connection.NewConnectionManager("holder", &app.config.Ledger.Holder, app.metrics)
	app.clients = connection.NewClients(general, holder, app.metrics)

	organizations := whitelist.NewListPolicy(app.config.Whitelist.Organizations)
	proposals := whitelist.NewListPolicy(app.config.Whitelist.Proposals)

	overrides, err := reconcile.LoadOverrides(app.config.Reconcile.OverridesFile)
	if err != nil {
		return err
	}

	resolver := ledger.NewResolver(app.clients, organizations, proposals, ledger.Config{
		FromBlock:         app.config.Ledger.FromBlock,
		RequestsPerSecond: app.config.Ledger.RequestsPerSecond,
		Burst:             app.config.Ledger.Burst,
		RegistryAddress:   app.config.Ledger.RegistryAddress,
	})

	app.service = reconcile.NewService(reconcile.Dependencies{
		Indexer:       indexer.NewClient(&app.config.Indexer, app.metrics),
		Ledger:        resolver,
		Store:         app.storage,
		Organizations: organizations,
		Proposals:     proposals,
		Overrides:     overrides,
		Metrics:       app.metrics,
	}, reconcile.Config{
		FreshnessTolerance: app.config.Reconcile.FreshnessTolerance,
		QueryRetryAttempts: app.config.Reconcile.QueryRetryAttempts,
		RetryDelay:         app.config.Reconcile.RetryDelay,
		PendingConcurrency: app.config.Reconcile.PendingConcurrency,
	})
	return nil
}

func (app *Application) initializeScheduler() error {
	cache := scheduler.NewQueryCache(app.metrics)
	cache.SetFetchTimeout(app.config.Scheduler.QueryTimeout)
	app.queries = scheduler.NewQueries(app.service, cache, scheduler.StaleTimesFromConfig(app.config.Scheduler))
	app.scheduler = scheduler.NewScheduler(app.metrics)

	if !app.config.Scheduler.Enabled {
		return nil
	}
	for _, job := range scheduler.RefreshJobs(app.config.Scheduler, app.queries) {
		if err := app.scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func (app *Application) initializeServer() error {
	server.Version = app.config.App.Version

	var err error
	app.server, err = server.NewHTTPServer(&app.config.Server, server.Dependencies{
		Queries:   app.queries,
		Writer:    app.service,
		Storage:   app.storage,
		Ledger:    app.clients,
		Scheduler: app.scheduler,
		Metrics:   app.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	return nil
}

// Serve starts the HTTP server and the refresh scheduler
func (app *Application) Serve() error {
	if err := app.initializeServer(); err != nil {
		return err
	}

	app.logger.WithFields(logrus.Fields{
		"version":     app.config.App.Version,
		"environment": app.config.App.Environment,
	}).Info("Starting DAO reconciler")

	if err := app.server.Start(); err != nil {
		return err
	}

	if app.config.Scheduler.Enabled {
		if err := app.scheduler.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"indexer":        app.config.Indexer.BaseURL,
		"ledger":         app.config.Ledger.General.NodeURL,
	}).Info("DAO reconciler started")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() {
	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.scheduler != nil {
		if err := app.scheduler.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop scheduler")
		}
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.clients != nil {
		if err := app.clients.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close ledger clients")
		}
	}
}

// queryContext bounds one CLI query
func (app *Application) queryContext() (context.Context, context.CancelFunc) {
	timeout := app.config.Scheduler.QueryTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return context.WithTimeout(app.ctx, timeout)
}
