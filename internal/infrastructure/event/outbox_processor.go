package event

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutboxProcessorConfig holds configuration for the outbox relay
type OutboxProcessorConfig struct {
	BatchSize        int
	PollInterval     time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultOutboxProcessorConfig returns default configuration
func DefaultOutboxProcessorConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		BatchSize:        100,
		PollInterval:     5 * time.Second,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// PartitionGate reports partitions whose envelopes are still on their way
// to the broker outside the outbox
type PartitionGate interface {
	Busy(partitionKey string) bool
}

// OutboxProcessorOption configures an OutboxProcessor
type OutboxProcessorOption func(*OutboxProcessor)

// WithPartitionGate holds back parked envelopes of partitions gate reports busy
func WithPartitionGate(gate PartitionGate) OutboxProcessorOption {
	return func(p *OutboxProcessor) {
		p.gate = gate
	}
}

// OutboxProcessor resends parked envelopes until the broker takes them or
// they run out of attempts. Envelopes of one journal entry leave in the order
// they were parked: when one fails, the later ones in the batch wait for it.
type OutboxProcessor struct {
	repo    shared.OutboxRepository
	broker  broker.Publisher
	config  OutboxProcessorConfig
	metrics *telemetry.LedgerMetrics
	logger  *zap.Logger
	gate    PartitionGate

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutboxProcessor creates a relay from repo to b
func NewOutboxProcessor(
	repo shared.OutboxRepository,
	b broker.Publisher,
	config OutboxProcessorConfig,
	metrics *telemetry.LedgerMetrics,
	logger *zap.Logger,
	opts ...OutboxProcessorOption,
) *OutboxProcessor {
	if metrics == nil {
		metrics = telemetry.NewNopLedgerMetrics()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultOutboxProcessorConfig().BatchSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	p := &OutboxProcessor{
		repo:    repo,
		broker:  b,
		config:  config,
		metrics: metrics,
		logger:  logger.Named("outbox"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs the relay loop, and the cleanup loop when enabled, until Stop
func (p *OutboxProcessor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.every(ctx, p.config.PollInterval, func(ctx context.Context) { p.ProcessBatch(ctx) })
	if p.config.CleanupEnabled {
		p.every(ctx, p.config.CleanupInterval, p.Cleanup)
	}

	p.logger.Info("outbox processor started",
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Bool("cleanup", p.config.CleanupEnabled),
	)
	return nil
}

// Stop cancels the loops and waits for the current batch or ctx
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *OutboxProcessor) every(ctx context.Context, interval time.Duration, run func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
}

// ProcessBatch claims pending entries and failed entries that are due, then
// resends them oldest first. It returns the number delivered.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) int {
	pending, err := p.repo.FindPending(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to find pending outbox entries", zap.Error(err))
		return 0
	}
	retryable, err := p.repo.FindRetryable(ctx, time.Now().UTC(), p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to find retryable outbox entries", zap.Error(err))
	}

	candidates := append(pending, retryable...)
	if len(candidates) == 0 {
		return 0
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, e := range candidates {
		ids[i] = e.ID
	}
	claimed, err := p.repo.MarkProcessing(ctx, ids)
	if err != nil {
		p.logger.Error("failed to claim outbox entries", zap.Error(err))
		return 0
	}

	slices.SortStableFunc(claimed, func(a, b *shared.OutboxEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	relayed := p.relay(ctx, claimed)
	p.metrics.RecordOutboxRelayed(ctx, relayed)
	return relayed
}

// relay sends entries in order. After a failure, later entries with the same
// partition key are deferred to the failed entry's next attempt. Entries of a
// busy partition wait one poll interval.
func (p *OutboxProcessor) relay(ctx context.Context, entries []*shared.OutboxEntry) int {
	blocked := make(map[string]time.Time)
	relayed := 0
	for _, entry := range entries {
		if _, ok := blocked[entry.PartitionKey]; !ok && p.gate != nil && p.gate.Busy(entry.PartitionKey) {
			blocked[entry.PartitionKey] = time.Now().UTC().Add(p.config.PollInterval)
		}
		if until, ok := blocked[entry.PartitionKey]; ok {
			entry.Defer(until)
			p.update(ctx, entry, "failed to defer outbox entry")
			continue
		}
		if p.send(ctx, entry) {
			relayed++
			continue
		}
		if !entry.IsDead() {
			blocked[entry.PartitionKey] = *entry.NextRetryAt
		}
	}
	return relayed
}

func (p *OutboxProcessor) send(ctx context.Context, entry *shared.OutboxEntry) bool {
	log := p.logger.With(
		zap.String("event_id", entry.EventID.String()),
		zap.String("routing_key", entry.RoutingKey),
		zap.String("entry_id", entry.AggregateID.String()),
	)

	if err := p.broker.Publish(ctx, OutboxMessage(entry)); err != nil {
		entry.MarkFailed(err.Error())
		if entry.IsDead() {
			// later envelopes of the entry are not held back by a dead one
			log.Warn("outbox entry is dead",
				zap.Int("retry_count", entry.RetryCount),
				zap.String("last_error", entry.LastError),
			)
		} else {
			log.Info("outbox relay failed, will retry",
				zap.Int("retry_count", entry.RetryCount),
				zap.Timep("next_retry_at", entry.NextRetryAt),
				zap.Error(err),
			)
		}
		p.update(ctx, entry, "failed to update outbox entry")
		return false
	}

	entry.MarkSent()
	p.update(ctx, entry, "failed to mark outbox entry sent")
	log.Debug("outbox entry relayed")
	return true
}

func (p *OutboxProcessor) update(ctx context.Context, entry *shared.OutboxEntry, msg string) {
	if err := p.repo.Update(ctx, entry); err != nil {
		p.logger.Error(msg, zap.String("outbox_id", entry.ID.String()), zap.Error(err))
	}
}

// Cleanup removes sent entries older than the retention period
func (p *OutboxProcessor) Cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.config.CleanupRetention)
	deleted, err := p.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to clean up outbox entries", zap.Error(err))
		return
	}
	if deleted > 0 {
		p.logger.Info("cleaned up sent outbox entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
