package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/ledger/internal/application/consumer"
	"github.com/erp/ledger/internal/application/saga"
	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/cache"
	"github.com/erp/ledger/internal/infrastructure/config"
	"github.com/erp/ledger/internal/infrastructure/persistence"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/erp/ledger/internal/infrastructure/scheduler"
	"github.com/erp/ledger/internal/infrastructure/storage"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Consumers runs the configured consumer groups and the saga coordinator
type Consumers struct {
	dispatchers []*consumer.Dispatcher
	coordinator *saga.Coordinator
	tasks       *scheduler.TaskQueue
	store       shared.IdempotencyStore
	logger      *zap.Logger
}

// ConsumerDeps are the stores and publisher the consumer side needs
type ConsumerDeps struct {
	// Ledger is read by the saga only
	Ledger *persistence.Database
	// Projections holds the downstream views
	Projections *persistence.Database
	Transport   *Transport
	// Publisher re-emits compensations. It should be synchronous so a
	// failed re-emission is seen by the saga.
	Publisher ledger.EventPublisher
}

// NewConsumers builds one dispatcher per configured group plus the saga
func (rt *Runtime) NewConsumers(ctx context.Context, deps ConsumerDeps) (*Consumers, error) {
	cfg := rt.Config
	log := rt.Logger

	if err := deps.Projections.Migrate(ctx, models.ProjectionModels()...); err != nil {
		return nil, err
	}

	store, err := rt.idempotencyStore(ctx, deps.Transport)
	if err != nil {
		return nil, err
	}

	accounts, err := accountSets(cfg.Consumer)
	if err != nil {
		_ = closeStore(store)
		return nil, err
	}

	c := &Consumers{
		tasks: scheduler.NewTaskQueue(scheduler.TaskQueueConfig{
			Workers:   cfg.Consumer.TaskWorkers,
			QueueSize: cfg.Consumer.TaskQueueSize,
		}, log.Named("tasks")),
		store:  store,
		logger: log,
	}

	projections := consumer.Projections{
		Books:    persistence.NewGormBookRepository(deps.Projections.DB),
		Views:    persistence.NewGormEntryViewRepository(deps.Projections.DB),
		Tasks:    c.tasks,
		Accounts: accounts,
	}
	for _, group := range cfg.Consumer.Groups {
		handler, err := projections.HandlerFor(group, log.Named(group))
		if err != nil {
			_ = closeStore(store)
			return nil, err
		}
		d := consumer.NewDispatcher(consumer.DispatcherConfig{
			Group:          group,
			MessageTimeout: cfg.Consumer.MessageTimeout,
			MaxDeliveries:  cfg.Broker.MaxDeliveries,
			Idempotency: shared.IdempotencyConfig{
				TTL:     cfg.Consumer.IdempotencyTTL,
				Enabled: true,
			},
		}, store, log, consumer.WithDispatcherMetrics(rt.Metrics))
		d.RegisterAll(handler)
		c.dispatchers = append(c.dispatchers, d)
	}

	if cfg.Saga.Enabled {
		coordinator, err := rt.newCoordinator(ctx, deps)
		if err != nil {
			_ = closeStore(store)
			return nil, err
		}
		c.coordinator = coordinator
	}
	return c, nil
}

func (rt *Runtime) idempotencyStore(ctx context.Context, t *Transport) (shared.IdempotencyStore, error) {
	if t.Driver == config.BrokerMemory {
		return cache.NewInMemoryIdempotencyStore(0), nil
	}
	opts := []cache.IdempotencyStoreFactoryOption{
		cache.WithLogger(rt.Logger),
		cache.WithInMemoryFallback(rt.Config.App.Env != "production"),
	}
	if t.Redis != nil {
		opts = append(opts, cache.WithRedisClient(t.Redis))
	}
	return cache.NewIdempotencyStoreFactory(rt.Config.Redis, opts...).CreateStore(ctx)
}

func (rt *Runtime) newCoordinator(ctx context.Context, deps ConsumerDeps) (*saga.Coordinator, error) {
	cfg := rt.Config
	opts := []saga.Option{saga.WithMetrics(rt.Metrics)}

	if cfg.Saga.ArchiveBucket != "" {
		archive, err := storage.NewS3Archive(ctx, cfg.Storage, cfg.Saga.ArchiveBucket, rt.Logger.Named("archive"))
		if err != nil {
			return nil, err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, saga.WithArchiver(archive))
	}

	return saga.NewCoordinator(
		persistence.NewGormJournalEntryRepository(deps.Ledger.DB, cfg.Database.StatementTimeout),
		persistence.NewGormManualReviewRepository(deps.Ledger.DB),
		deps.Publisher,
		saga.Config{MaxCompensations: cfg.Saga.MaxCompensations},
		rt.Logger.Named("saga"),
		opts...,
	), nil
}

func accountSets(cfg config.ConsumerConfig) (map[projection.Book]projection.AccountSet, error) {
	ids := map[projection.Book][]string{
		projection.BookPayables:    cfg.PayableAccounts,
		projection.BookReceivables: cfg.ReceivableAccounts,
		projection.BookInventory:   cfg.InventoryAccounts,
	}
	sets := make(map[projection.Book]projection.AccountSet, len(ids))
	for book, list := range ids {
		set, err := consumer.ParseAccountSet(list)
		if err != nil {
			return nil, fmt.Errorf("%s accounts: %w", book, err)
		}
		sets[book] = set
	}
	return sets, nil
}

// Run consumes every group until ctx is cancelled and returns the first
// consumer error
func (c *Consumers) Run(ctx context.Context, b broker.Broker) error {
	if err := c.tasks.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	run := func(group string, consume func(context.Context) error) {
		g.Go(func() error {
			var err error
			labels := map[string]string{telemetry.ProfilingLabelGroup: group}
			telemetry.WithProfilingLabels(ctx, labels, func(ctx context.Context) {
				err = consume(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	for _, d := range c.dispatchers {
		run(d.Group(), func(ctx context.Context) error { return d.Run(ctx, b) })
	}
	if c.coordinator != nil {
		run(saga.DefaultGroup, func(ctx context.Context) error { return c.coordinator.Run(ctx, b) })
	}

	c.logger.Info("Consumers running",
		zap.Int("groups", len(c.dispatchers)),
		zap.Bool("saga", c.coordinator != nil),
	)
	return g.Wait()
}

// Stop drains background tasks and closes the idempotency store
func (c *Consumers) Stop(ctx context.Context) error {
	for _, d := range c.dispatchers {
		stats := d.Stats()
		c.logger.Info("Consumer group stats",
			zap.String("consumer_group", d.Group()),
			zap.Any("idempotency", stats),
		)
	}
	return errors.Join(c.tasks.Stop(ctx), closeStore(c.store))
}

func closeStore(store shared.IdempotencyStore) error {
	if store == nil {
		return nil
	}
	return store.Close()
}
