// Package app assembles the stores and services both binaries run on from the loaded
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/watchsync/internal/api/handler"
	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/config"
	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/notify"
	"github.com/cuongbtq/watchsync/internal/objectstore"
	"github.com/cuongbtq/watchsync/internal/userstate"
	"github.com/cuongbtq/watchsync/internal/worker"
	"github.com/cuongbtq/watchsync/shared/postgresql"
	"github.com/cuongbtq/watchsync/shared/rabbitmq"
)

// App holds the wired components. DB, Rabbit and Buffer are nil when the configuration does
// not call for them.
type App struct {
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	DB        *postgresql.Client
	Rabbit    *rabbitmq.Client
	Fast      blobstore.Store
	Durable   objectstore.Store
	Buffer    *userstate.Buffer
	UserState *userstate.Service
	Jobs      *jobs.Service

	closers []func() error
}

// New connects to the backing services and builds the user state and job services. On
// error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	a = &App{
		Logger:   logger,
		Registry: metrics.NewRegistry(),
	}
	a.Metrics = metrics.New(a.Registry)

	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if cfg.UsesPostgres() {
		a.DB, err = postgresql.NewClient(ctx, PostgresConfig(&cfg.Database), logger)
		if err != nil {
			return a, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, a.DB.Close)
	}

	if a.Fast, err = a.openFastStore(ctx, cfg.Cache); err != nil {
		return a, err
	}
	if a.Durable, err = a.openDurableStore(ctx, cfg.Durable); err != nil {
		return a, err
	}

	if cfg.RabbitMQ.Enabled {
		a.Rabbit, err = rabbitmq.NewClient(ctx, RabbitConfig(&cfg.RabbitMQ), logger)
		if err != nil {
			return a, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		a.closers = append(a.closers, a.Rabbit.Close)
	}

	if cfg.Buffer.Enabled {
		a.Buffer = userstate.NewBuffer(a.Fast, a.Durable, cfg.App.Namespace, userstate.BufferConfig{
			Attempts:   cfg.Buffer.Attempts,
			RetryDelay: cfg.Buffer.RetryDelay,
			BatchSize:  cfg.Buffer.BatchSize,
			FlushRate:  cfg.Buffer.FlushRate,
			FlushBurst: cfg.Buffer.FlushBurst,
		}, a.Metrics, logger)
	}

	cache := userstate.NewCache(a.Fast, a.Durable, a.Buffer, a.Metrics, logger)
	a.UserState = userstate.NewService(cache, cfg.App.Namespace, logger,
		userstate.WithDeleteHorizon(cfg.UserState.DeleteHorizon),
	)

	a.Jobs, err = a.newJobService(cfg)
	if err != nil {
		return a, err
	}

	return a, nil
}

func (a *App) newJobService(cfg *config.Config) (*jobs.Service, error) {
	registry := jobs.NewRegistry()
	if a.Buffer != nil {
		jobs.RegisterBuiltins(registry, a.Buffer)
	} else {
		jobs.RegisterBuiltins(registry, nil)
	}

	catalog, err := jobs.LoadCatalog(cfg.Jobs.CatalogPath, registry)
	if err != nil {
		return nil, err
	}

	var opts []jobs.Option
	if a.Rabbit != nil {
		opts = append(opts, jobs.WithNotifier(notify.NewJobNotifier(a.Rabbit, a.Logger)))
	}

	return jobs.NewService(a.Fast, catalog, registry, jobs.NewShellExecutor(cfg.Jobs.CommandTimeout), jobs.Config{
		Namespace:        cfg.App.Namespace,
		LogTTL:           cfg.Jobs.LogTTL,
		CompactBatchSize: cfg.Jobs.CompactBatchSize,
	}, a.Metrics, a.Logger, opts...), nil
}

func (a *App) openFastStore(ctx context.Context, cfg config.StoreConfig) (blobstore.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		a.Logger.Warn("Using the in-memory fast store; state is lost on restart")
		return blobstore.NewMemory(), nil
	case config.DriverPostgres:
		store := blobstore.NewPostgres(a.DB.GetDB(), a.Logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverBadger:
		store, err := blobstore.OpenBadger(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", blobstore.ErrUnknownDriver, cfg.Driver)
	}
}

func (a *App) openDurableStore(ctx context.Context, cfg config.StoreConfig) (objectstore.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return objectstore.NewMemory(), nil
	case config.DriverPostgres:
		store := objectstore.NewPostgres(a.DB.GetDB())
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPebble:
		store, err := objectstore.OpenPebble(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", objectstore.ErrUnknownDriver, cfg.Driver)
	}
}

// HealthCheckers returns the configured backing clients for the health endpoint
func (a *App) HealthCheckers() []handler.HealthChecker {
	var checkers []handler.HealthChecker
	if a.DB != nil {
		checkers = append(checkers, a.DB)
	}
	if a.Rabbit != nil {
		checkers = append(checkers, a.Rabbit)
	}
	return checkers
}

// WorkerConfig wires a worker to the assembled services. Optional parts stay untyped nil
// when they are not configured.
func (a *App) WorkerConfig(cfg *config.Config, workerID string) *worker.Config {
	wc := &worker.Config{
		Logger:          a.Logger,
		Metrics:         a.Metrics,
		Jobs:            a.Jobs,
		Purger:          a.Purger(),
		WorkerID:        workerID,
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		FlushInterval:   cfg.Buffer.FlushInterval,
		CompactInterval: cfg.Worker.CompactInterval,
		PurgeInterval:   cfg.Worker.PurgeInterval,
	}
	if a.Buffer != nil {
		wc.Buffer = a.Buffer
	}
	if a.Rabbit != nil {
		wc.Consumer = a.Rabbit
	}
	return wc
}

// Purger returns the fast store when it has to purge expired keys itself
func (a *App) Purger() blobstore.Purger {
	purger, _ := a.Fast.(blobstore.Purger)
	return purger
}

// Close releases everything in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PostgresConfig maps the database section to the client config
func PostgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// RabbitConfig maps the rabbitmq section to the client config
func RabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}
}
