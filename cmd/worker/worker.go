package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/config"
	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/resilience"
	"github.com/septivank/meter-verification-worker/internal/service"
	"github.com/septivank/meter-verification-worker/internal/validator"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.ImportQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.ImportExchange,
		RoutingKey:       cfg.RabbitMQ.ImportRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.ImportQueue),
				zap.String("store", cfg.Store.Driver),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			logger.Info("worker stopped gracefully")
			return nil
		},
	})
	consumer.RegisterLifecycle(lc, ctx)

	return consumer, nil
}

// ProvideStore opens the configured backend. The schema is migrated on start,
// after the backend is reachable.
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	var store repository.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(lc, logger, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// the pool's own hook closes it
		return migrateOnStart(lc, logger, repository.NewRepository(pool), false), nil
	case config.DriverSQLite:
		s, err := repository.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore()
	}
	return migrateOnStart(lc, logger, store, true), nil
}

func migrateOnStart(lc fx.Lifecycle, logger *zap.Logger, store repository.Store, closeOnStop bool) repository.Store {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Migrate(ctx); err != nil {
				logger.Error("schema migration failed", zap.Error(err))
				return err
			}
			logger.Info("store schema ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if !closeOnStop {
				return nil
			}
			return store.Close()
		},
	})
	return store
}

// ProvideIngester creates the file ingester
func ProvideIngester(cfg *config.Config, logger *zap.Logger) *service.Ingester {
	return service.NewIngester(validator.NewValidator(), cfg.Import.MaxDiagnostics, logger)
}

// ProvideSynchronizer creates the synchronizer publishing file.synced events
func ProvideSynchronizer(store repository.Store, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *service.Synchronizer {
	return service.NewSynchronizer(store, logger,
		service.WithReimportPolicy(service.ReimportPolicy(cfg.Import.ReimportPolicy)),
		service.WithEvents(publisher),
	)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	ingester *service.Ingester,
	synchronizer *service.Synchronizer,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(ingester, synchronizer, resilience.DefaultRetryConfig(), logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if err := cfg.RequireRabbitMQ(); err != nil {
		return nil, err
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
