package bootstrap

import (
	"context"
	"errors"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/erp/ledger/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

// Publishing is the outbound side of event propagation
type Publishing struct {
	// Sync retries in the caller and parks failures in the outbox
	Sync *event.BrokerPublisher
	// Async is nil unless publisher.async is set
	Async  *event.AsyncPublisher
	Outbox shared.OutboxRepository
	relay  *event.OutboxProcessor
	logger *zap.Logger
}

// NewPublishing wires the broker publisher, its outbox fallback and the
// relay that resends parked envelopes
func (rt *Runtime) NewPublishing(db *persistence.Database, b broker.Publisher) *Publishing {
	cfg := rt.Config
	p := &Publishing{logger: rt.Logger}

	opts := []event.BrokerPublisherOption{event.WithMetrics(rt.Metrics)}
	if cfg.Outbox.Enabled {
		p.Outbox = persistence.NewGormOutboxRepository(db.DB)
		opts = append(opts, event.WithOutbox(p.Outbox))
	}

	p.Sync = event.NewBrokerPublisher(b, event.PublisherConfig{
		MaxAttempts:      cfg.Publisher.MaxAttempts,
		BaseBackoff:      cfg.Publisher.BaseBackoff,
		OutboxMaxRetries: cfg.Outbox.MaxRetries,
	}, rt.Logger.Named("publisher"), opts...)

	var relayOpts []event.OutboxProcessorOption
	if cfg.Publisher.Async {
		p.Async = event.NewAsyncPublisher(p.Sync, event.AsyncConfig{
			QueueSize: cfg.Publisher.QueueSize,
			Workers:   cfg.Publisher.Workers,
		}, rt.Logger.Named("publisher"))
		relayOpts = append(relayOpts, event.WithPartitionGate(p.Async))
	}

	if cfg.Outbox.Enabled {
		p.relay = event.NewOutboxProcessor(p.Outbox, b, event.OutboxProcessorConfig{
			BatchSize:        cfg.Outbox.BatchSize,
			PollInterval:     cfg.Outbox.PollInterval,
			CleanupEnabled:   cfg.Outbox.CleanupEnabled,
			CleanupRetention: cfg.Outbox.CleanupRetention,
		}, rt.Metrics, rt.Logger.Named("outbox"), relayOpts...)
	}
	return p
}

// Publisher returns what request handlers publish through
func (p *Publishing) Publisher() ledger.EventPublisher {
	if p.Async != nil {
		return p.Async
	}
	return p.Sync
}

// Start starts the outbox relay when the outbox is enabled
func (p *Publishing) Start(ctx context.Context) error {
	if p.relay == nil {
		p.logger.Info("Outbox disabled; undeliverable events are only logged")
		return nil
	}
	return p.relay.Start(ctx)
}

// Stop drains the async queue and stops the relay
func (p *Publishing) Stop(ctx context.Context) error {
	var errs []error
	if p.Async != nil {
		errs = append(errs, p.Async.Stop(ctx))
	}
	if p.relay != nil {
		errs = append(errs, p.relay.Stop(ctx))
	}
	return errors.Join(errs...)
}
