// Package bootstrap wires the configured adapters into a running broker. It is
// shared by the cmd binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	postgresConfig "github.com/yeepay/aigc-broker/config/storage/postgresql"
	redisConfig "github.com/yeepay/aigc-broker/config/storage/redis"
	sqliteConfig "github.com/yeepay/aigc-broker/config/storage/sqlite"
	"github.com/yeepay/aigc-broker/config/tracing"
	config "github.com/yeepay/aigc-broker/config/utils"
	"github.com/yeepay/aigc-broker/internal/adapter/admin/filesource"
	"github.com/yeepay/aigc-broker/internal/adapter/admin/httpsource"
	"github.com/yeepay/aigc-broker/internal/adapter/engine/comfyui"
	"github.com/yeepay/aigc-broker/internal/adapter/queue/rabbitmq"
	"github.com/yeepay/aigc-broker/internal/adapter/storage/minio"
	"github.com/yeepay/aigc-broker/internal/adapter/storage/postgres"
	redisAdapter "github.com/yeepay/aigc-broker/internal/adapter/storage/redis"
	"github.com/yeepay/aigc-broker/internal/adapter/storage/sqlite"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"github.com/yeepay/aigc-broker/internal/core/service"
	"go.uber.org/zap"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	_amqpMaxRetries = 5
)

// App holds every wired collaborator. Optional adapters are nil when disabled.
type App struct {
	Config   *config.AppConfig
	Log      *zap.Logger
	Store    port.TaskRepository
	Source   port.ConfigSource
	Engine   port.Engine
	Resolver *service.ConfigResolver
	Broker   *service.Broker

	Cache  port.ViewCache
	Events *rabbitmq.EventBus
	Mirror port.ArtifactMirror

	closers []func(context.Context) error
}

// OpenStore connects the task store selected by db.driver, applying migrations
// first. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg *config.DB, log *zap.Logger) (port.TaskRepository, func(), error) {
	dbLog := log.Named("DB")
	switch cfg.Driver {
	case driverPostgres:
		db, err := postgresConfig.New(ctx, cfg, dbLog)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		dbLog.Info("Successfully migrated the database", zap.String("driver", cfg.Driver))
		return postgres.NewTaskRepository(db, dbLog), db.Close, nil
	case driverSQLite, "":
		db, err := sqliteConfig.New(ctx, cfg.Path, dbLog)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		dbLog.Info("Successfully migrated the database", zap.String("driver", driverSQLite), zap.String("path", cfg.Path))
		return sqlite.NewTaskRepository(db, dbLog), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

// ConfigSource builds the admin source selected by admin.source
func ConfigSource(cfg *config.Admin, log *zap.Logger) (port.ConfigSource, error) {
	switch cfg.Source {
	case "file":
		if cfg.File == "" {
			return nil, errors.New("admin.file is required for the file source")
		}
		return filesource.NewConfigSource(cfg.File), nil
	case "http", "":
		if cfg.URL == "" {
			return nil, errors.New("admin.url is required for the http source")
		}
		return httpsource.NewConfigSource(cfg.URL, cfg.Token, log.Named("Admin")), nil
	default:
		return nil, fmt.Errorf("unknown admin source %q", cfg.Source)
	}
}

// New builds the full application from cfg. On error everything opened so far
// is released.
func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (app *App, err error) {
	app = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, cfg.App.Env)
	if err != nil {
		return app, fmt.Errorf("init tracing: %w", err)
	}
	app.closers = append(app.closers, shutdownTracing)

	store, closeStore, err := OpenStore(ctx, cfg.DB, log)
	if err != nil {
		return app, err
	}
	app.closers = append(app.closers, func(context.Context) error { closeStore(); return nil })

	var invalidator port.CacheInvalidator
	if cfg.Redis.Enabled {
		rdb, err := redisConfig.New(ctx, cfg.Redis)
		if err != nil {
			return app, fmt.Errorf("connect redis: %w", err)
		}
		app.closers = append(app.closers, func(context.Context) error { return rdb.Close() })
		app.Cache = redisAdapter.NewViewCache(rdb, log.Named("Cache"))
		invalidator = app.Cache
		log.Info("Successfully connected to the cache", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher port.EventPublisher
	if cfg.AMQP.Enabled {
		bus, err := rabbitmq.NewEventBus(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.InvalidationQueue, _amqpMaxRetries, log.Named("AMQP"))
		if err != nil {
			return app, fmt.Errorf("connect rabbitmq: %w", err)
		}
		app.closers = append(app.closers, func(context.Context) error { return bus.Close() })
		app.Events = bus
		publisher = bus
	}

	if cfg.MinIO.Enabled {
		mirror, err := minio.NewArtifactMirror(ctx, cfg.MinIO, log.Named("Mirror"))
		if err != nil {
			return app, fmt.Errorf("connect minio: %w", err)
		}
		app.Mirror = mirror
	}

	app.Source, err = ConfigSource(cfg.Admin, log)
	if err != nil {
		return app, err
	}
	app.Resolver = service.NewConfigResolver(app.Source, cfg.Admin.TTL, log.Named("Config"))
	if app.Events != nil {
		if err := app.Events.ConsumeInvalidations(ctx, app.Resolver.HandleInvalidation); err != nil {
			return app, fmt.Errorf("consume invalidations: %w", err)
		}
	}

	app.Engine = comfyui.NewEngineClient(cfg.Engine.URL, cfg.Engine.ClientID, cfg.Engine.Timeout, log.Named("Engine"))
	app.Store = service.NewNotifyingRepository(store, invalidator, publisher, log.Named("Notifier"))

	composer := service.NewComposer(service.ComposerOptions{
		Denoise:  cfg.Broker.Denoise,
		APIKeys:  cfg.Broker.APIKeys,
		MaxCount: cfg.Broker.MaxCount,
	}, log.Named("Composer"))
	stager := service.NewFileStager(cfg.Engine.InputDir, cfg.Artifacts.UploadDir, cfg.Engine.SharedFilesystem, log.Named("Stager"))
	artifacts := service.NewArtifactResolver(cfg.Engine.OutputDir, cfg.Artifacts.Dir, cfg.Broker.ScanGrace, app.Mirror, log.Named("Artifacts"))

	runner := service.NewRunner(app.Store, app.Engine, composer, stager, artifacts, service.RunnerConfig{
		MaxConcurrent: cfg.Broker.MaxConcurrent,
		PollInterval:  cfg.Broker.PollInterval,
		TaskTimeout:   cfg.Broker.TaskTimeout,
		LostGrace:     cfg.Broker.LostGrace,
		SubmitRetries: cfg.Broker.SubmitRetries,
		RetryBase:     cfg.Broker.RetryBase,
		RetryCap:      cfg.Broker.RetryCap,
	}, log.Named("Runner"))

	app.Broker = service.NewBroker(app.Store, app.Resolver, composer, runner, app.Engine, artifacts, app.Cache, service.BrokerConfig{
		PublicBaseURL: cfg.Broker.PublicBaseURL,
		TaskTTL:       cfg.Redis.TaskTTL,
		HistoryTTL:    cfg.Redis.HistoryTTL,
	}, log.Named("Broker"))

	return app, nil
}

// Shutdown stops the broker within ctx and then releases every adapter
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Broker != nil {
		if err := a.Broker.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
		}
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases adapters in reverse order of opening
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
