package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/config"
	"tenant-backup/internal/database"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/metrics"
)

// Application wires the backup engine together from a loaded configuration
type Application struct {
	Config       *config.Config
	Logger       *logging.Logger
	BackupLogger *backup.BackupLogger

	Store        *backup.Store
	Storage      *backup.StorageRegistry
	Encryption   *backup.EncryptionService
	Queue        *backup.MemoryQueue
	Orchestrator *backup.Orchestrator
	Verifier     *backup.VerificationEngine
	Recovery     *backup.RecoveryManager
	Scheduler    *backup.Scheduler
	Notifier     *backup.NotificationManager
	Tenants      *backup.StaticTenantLister

	recorder      metrics.Recorder
	registry      *prometheus.Registry
	metricsServer *http.Server
	started       bool
	workers       bool
	closed        bool
}

// Option customizes construction, mainly for tests
type Option func(*options)

type options struct {
	logger *logging.Logger
	store  *backup.Store
}

// WithLogger replaces the logger built from the logging section
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore replaces the catalog selected by the catalog section
func WithStore(store *backup.Store) Option {
	return func(o *options) { o.store = store }
}

// New builds every engine component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{Config: cfg}

	if o.logger != nil {
		app.Logger = o.logger
	} else {
		logCfg, err := cfg.LoggerConfig()
		if err != nil {
			return nil, backup.NewConfigurationError("invalid logging configuration", err)
		}
		if app.Logger, err = logging.NewLogger(logCfg); err != nil {
			return nil, backup.NewConfigurationError("failed to create logger", err)
		}
	}

	var err error
	app.BackupLogger, err = backup.NewBackupLogger(backup.BackupLoggerConfig{
		Logger:         app.Logger,
		AuditLogFile:   cfg.Logging.AuditFile,
		EnableAuditLog: cfg.Logging.AuditFile != "",
	})
	if err != nil {
		return nil, backup.NewConfigurationError("failed to create audit logger", err)
	}

	app.recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.recorder = metrics.NewPrometheusRecorder(app.registry)
	}

	if o.store != nil {
		app.Store = o.store
	} else if app.Store, err = openStore(ctx, cfg, app.Logger); err != nil {
		return nil, err
	}

	if err := app.build(ctx); err != nil {
		app.Store.Close()
		return nil, err
	}
	return app, nil
}

// openStore selects the catalog backend: MySQL when a database is configured,
// otherwise a SQLite file, or memory for throwaway runs
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*backup.Store, error) {
	svc := database.NewService(logger)

	switch cfg.Catalog.Driver {
	case config.CatalogMemory:
		logger.Warn("Using in-memory catalog; backup records are lost on exit")
		return backup.NewMemoryStore(), nil

	case config.CatalogMySQL:
		db, err := svc.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, backup.NewDatabaseError("failed to connect to catalog database", err)
		}
		store, err := backup.OpenSQLStore(ctx, db, backup.DialectMySQL)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	case config.CatalogSQLite:
		db, err := svc.OpenSQLite(ctx, cfg.Catalog.SQLitePath)
		if err != nil {
			return nil, backup.NewDatabaseError("failed to open catalog database", err)
		}
		store, err := backup.OpenSQLStore(ctx, db, backup.DialectSQLite)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, backup.NewConfigurationError(fmt.Sprintf("unsupported catalog driver %q", cfg.Catalog.Driver), nil)
}

func (app *Application) build(ctx context.Context) error {
	cfg := app.Config

	storage, err := backup.NewStorageRegistryFromConfig(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	app.Storage = storage

	if cfg.Encryption.HasKeySource() {
		app.Encryption, err = backup.NewEncryptionServiceFromConfig(app.Store.Keys, cfg.Encryption, app.Logger)
		if err != nil {
			return err
		}
	} else {
		app.Logger.Warn("No master key configured; encrypted backups are disabled")
	}

	dumper, err := backup.NewCommandDumper(cfg.Commands.Dump)
	if err != nil {
		return err
	}
	var restorer backup.Restorer
	if cfg.Commands.Restore.Path != "" {
		if restorer, err = backup.NewCommandRestorer(cfg.Commands.Restore); err != nil {
			return err
		}
	}

	compression := backup.NewCompressionManager()
	pipeline, err := backup.NewPipeline(backup.PipelineDeps{
		Backups:     app.Store.Backups,
		Storage:     app.Storage,
		Encryption:  app.Encryption,
		Compression: compression,
		Dumper:      dumper,
		Logger:      app.BackupLogger,
		TempDir:     cfg.TempDir,
	})
	if err != nil {
		return err
	}

	materializer := backup.NewArtifactMaterializer(app.Storage, app.Encryption, compression, cfg.TempDir)

	app.Verifier, err = backup.NewVerificationEngine(backup.VerificationDeps{
		Backups:      app.Store.Backups,
		Storage:      app.Storage,
		Materializer: materializer,
		Encryption:   app.Encryption,
		Logger:       app.BackupLogger,
		Metrics:      app.recorder,
		Config:       cfg.Verification,
	})
	if err != nil {
		return err
	}

	app.Notifier = backup.NewNotificationManager(app.Logger, cfg.Notifications)

	app.Recovery, err = backup.NewRecoveryManager(backup.RecoveryDeps{
		Backups:      app.Store.Backups,
		Storage:      app.Storage,
		Materializer: materializer,
		Encryption:   app.Encryption,
		Restorer:     restorer,
		Logger:       app.BackupLogger,
		Metrics:      app.recorder,
		Notifier:     app.Notifier,
	})
	if err != nil {
		return err
	}

	app.Queue = backup.NewMemoryQueue(cfg.Queues, app.Logger, app.recorder)
	app.Orchestrator, err = backup.NewOrchestrator(backup.OrchestratorDeps{
		Backups:      app.Store.Backups,
		Queue:        app.Queue,
		Pipeline:     pipeline,
		Verifier:     app.Verifier,
		Materializer: materializer,
		Restorer:     restorer,
		Storage:      app.Storage,
		Encryption:   app.Encryption,
		Logger:       app.BackupLogger,
		Metrics:      app.recorder,
		Notifier:     app.Notifier,
		Config:       cfg.Orchestrator,
	})
	if err != nil {
		return err
	}
	app.Orchestrator.RegisterHandlers(app.Queue)

	app.Tenants = backup.NewStaticTenantLister(cfg.Tenants...)
	app.Scheduler, err = backup.NewScheduler(backup.SchedulerDeps{
		Jobs:     app.Store.Jobs,
		Runner:   app.Orchestrator,
		Verifier: app.Verifier,
		Tenants:  app.Tenants,
		Logger:   app.BackupLogger,
		Metrics:  app.recorder,
		Notifier: app.Notifier,
		Config:   cfg.Scheduler,
	})
	return err
}

// StartWorkers launches only the queue workers, for one-shot commands that
// enqueue work and wait for it without arming any schedule
func (app *Application) StartWorkers(ctx context.Context) {
	if app.workers {
		return
	}
	app.Queue.Start(ctx)
	app.workers = true
}

// Start launches the queue workers, arms the scheduler and serves metrics
func (app *Application) Start(ctx context.Context) error {
	if app.started {
		return nil
	}

	recovered, err := app.Orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		app.Logger.WithField("backups", recovered).Warn("Marked interrupted backups as failed")
	}

	app.StartWorkers(ctx)
	if err := app.Scheduler.Start(ctx); err != nil {
		app.Queue.Stop()
		app.workers = false
		return err
	}

	if app.Config.Metrics.Enabled {
		app.metricsServer = metrics.NewServer(app.Config.Metrics.Address, app.registry)
		go func() {
			if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.WithField("error", err.Error()).Error("Metrics server stopped")
			}
		}()
		app.Logger.WithField("address", app.Config.Metrics.Address).Info("Metrics endpoint listening")
	}

	app.started = true
	app.Logger.WithFields(map[string]interface{}{
		"tenants":   len(app.Config.Tenants),
		"scheduled": len(app.Scheduler.Scheduled()),
		"catalog":   app.Config.Catalog.Driver,
	}).Info("Backup engine started")
	return nil
}

// Run starts the engine and blocks until ctx ends or SIGINT/SIGTERM arrives
func (app *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := app.Start(ctx); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		app.Logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}
	return app.Shutdown()
}

// Shutdown stops the scheduler first so no new work is enqueued, then drains
// the queue and releases the catalog
func (app *Application) Shutdown() error {
	if app.closed {
		return nil
	}
	app.closed = true
	app.Logger.Info("Shutting down backup engine")

	if app.started {
		app.Scheduler.Stop()
		app.started = false
	}
	if app.workers {
		app.Queue.Stop()
		app.workers = false
	}

	var errs []error
	if app.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		app.metricsServer = nil
	}
	if err := app.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}

	app.Logger.Info("Backup engine shutdown complete")
	return errors.Join(errs...)
}

// Gatherer exposes the metrics registry, nil when metrics are disabled
func (app *Application) Gatherer() prometheus.Gatherer {
	if app.registry == nil {
		return nil
	}
	return app.registry
}
