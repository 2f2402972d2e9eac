// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/dispatch"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/metrics"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
	"github.com/urfave/cli/v2"
)

// App represents the application instance with its dependencies
type App struct {
	Config     *config.Config
	Settings   *config.SettingsService
	Env        *desktop.Environment
	Backend    *backend.Client
	Queue      *queue.SQLStore
	Monitor    *connectivity.Monitor
	Dispatcher *dispatch.Dispatcher
	Sync       *sync.Service
	Updates    *update.Manager
	Metrics    *metrics.Collector

	unsubscribe []func()
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	// Initialize configuration
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	// Initialize logger
	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", cfg.Update.CurrentVersion,
		"log_level", cfg.Logging.Level,
		"desktop", cfg.Desktop.Enabled,
	)

	// Initialize database
	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// The queue must never run against a stale schema
	if applied, err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	} else if applied > 0 {
		loggy.Info("Applied database migrations", "count", applied)
	}

	app, err := initServices(context.Background(), cfg, db)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully", "mode", app.Env.Mode())
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if v := os.Getenv("VERSION"); v != "" && cfg.Update.CurrentVersion == "0.0.0" {
		cfg.Update.CurrentVersion = v
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires every service over an open, migrated database
func initServices(ctx context.Context, cfg *config.Config, db *sql.DB) (*App, error) {
	logger := loggy.GetGlobalLogger()

	settingsService := config.NewSettingsService(db, cfg, logger)
	if err := settingsService.Load(ctx); err != nil {
		loggy.Warn("Failed to load persisted settings", "error", err)
		// Continue anyway, using the environment
	}

	client := backend.NewClient(cfg.Backend, logger.With("component", "backend"))
	client.SetSettingsRepository(config.NewSQLSettingsRepository(db, logger))

	env := desktop.Detect(cfg, client, logger)
	store := queue.NewSQLStore(db, logger.With("component", "queue"))
	monitor := connectivity.NewMonitor(env, cfg.Connectivity, logger.With("component", "connectivity"))

	dispatcher := dispatch.New(env, client, monitor, store, logger.With("component", "dispatch"))

	syncService := sync.NewService(
		store,
		sync.NewSQLRepository(db, logger),
		client,
		monitor,
		cfg.Sync,
		logger.With("component", "sync"),
	)
	syncService.SetLease(queue.NewLease(db, queue.DrainLease, logger.With("component", "lease")))

	updates := update.NewManager(env, logger.With("component", "update"))
	collector := metrics.NewCollector()

	app := &App{
		Config:     cfg,
		Settings:   settingsService,
		Env:        env,
		Backend:    client,
		Queue:      store,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		Sync:       syncService,
		Updates:    updates,
		Metrics:    collector,
	}
	app.bind(ctx)

	return app, nil
}

// bind connects the services' observer hooks
func (app *App) bind(ctx context.Context) {
	app.Dispatcher.SetObserver(app.Metrics)
	app.Sync.SetObserver(app.Metrics)

	// badge counts follow every enqueue, not only finished passes
	app.Dispatcher.OnQueued(func(*queue.QueuedAction) {
		app.Sync.NotifyCounts(context.WithoutCancel(ctx))
	})

	app.unsubscribe = append(app.unsubscribe,
		app.Monitor.Subscribe(app.Metrics.ObserveConnectivity),
		app.Sync.SubscribeCounts(app.Metrics.ObserveCounts),
		app.Updates.Subscribe(app.Metrics.ObserveUpdate),
	)

	app.Metrics.ObserveConnectivity(app.Monitor.State())
	if counts, err := app.Sync.Counts(ctx); err == nil {
		app.Metrics.ObserveCounts(counts)
	}
}

// Start runs the background services: connectivity probing, the network
// watcher and the reconnect drain. It returns once they are running.
func (app *App) Start(ctx context.Context) error {
	if err := app.StartMonitoring(ctx); err != nil {
		return err
	}

	if err := app.Sync.Start(ctx); err != nil {
		return fmt.Errorf("starting synchronizer: %w", err)
	}

	return nil
}

// StartMonitoring runs connectivity probing and the network watcher without
// the synchronizer, for read-only views of a queue another process drains
func (app *App) StartMonitoring(ctx context.Context) error {
	if err := app.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting connectivity monitor: %w", err)
	}

	if app.Monitor.Active() {
		watcher, err := connectivity.NewNetworkWatcher(app.Monitor, app.Config, loggy.GetGlobalLogger().With("component", "network"))
		if err != nil {
			loggy.Warn("Network watcher disabled", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	for _, fn := range app.unsubscribe {
		fn()
	}

	if err := app.Sync.Close(); err != nil {
		loggy.Error("Error stopping synchronizer", "error", err)
	}

	if err := app.Monitor.Close(); err != nil {
		loggy.Error("Error stopping connectivity monitor", "error", err)
	}

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
