package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ErrNoOutbox is reported when an envelope must be parked but no outbox is set
var ErrNoOutbox = errors.New("no outbox configured")

// PublisherConfig holds retry settings for BrokerPublisher
type PublisherConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// OutboxMaxRetries caps background resends of a parked envelope
	OutboxMaxRetries int
}

// DefaultPublisherConfig returns three attempts starting at 100ms
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MaxAttempts:      3,
		BaseBackoff:      100 * time.Millisecond,
		OutboxMaxRetries: shared.DefaultMaxRetries,
	}
}

// BrokerPublisher sends envelopes to the broker with bounded retries. When
// every attempt fails the envelope is parked in the outbox, if one is set.
type BrokerPublisher struct {
	broker  broker.Publisher
	outbox  shared.OutboxRepository
	config  PublisherConfig
	metrics *telemetry.LedgerMetrics
	logger  *zap.Logger
}

var _ ledger.EventPublisher = (*BrokerPublisher)(nil)

// BrokerPublisherOption configures a BrokerPublisher
type BrokerPublisherOption func(*BrokerPublisher)

// WithOutbox enables the outbox fallback
func WithOutbox(repo shared.OutboxRepository) BrokerPublisherOption {
	return func(p *BrokerPublisher) {
		p.outbox = repo
	}
}

// WithMetrics records publish outcomes
func WithMetrics(m *telemetry.LedgerMetrics) BrokerPublisherOption {
	return func(p *BrokerPublisher) {
		p.metrics = m
	}
}

// NewBrokerPublisher creates a publisher on b
func NewBrokerPublisher(b broker.Publisher, config PublisherConfig, logger *zap.Logger, opts ...BrokerPublisherOption) *BrokerPublisher {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	p := &BrokerPublisher{
		broker:  b,
		config:  config,
		metrics: telemetry.NewNopLedgerMetrics(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish never fails the caller; the outcome is reported in the result
func (p *BrokerPublisher) Publish(ctx context.Context, envelope ledger.EventEnvelope) ledger.PublishResult {
	start := time.Now()
	result := ledger.NewPublishResult(envelope)

	msg, err := ToMessage(traced(ctx, envelope))
	if err != nil {
		result.Err = err
		p.record(ctx, result, start)
		return result
	}

	// an entry with envelopes still in the outbox queues behind them
	if p.parkedAhead(ctx, envelope.PartitionKey) && p.park(ctx, &result, envelope, msg) == nil {
		p.record(ctx, result, start)
		return result
	}

	backoff := p.config.BaseBackoff
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		err = p.broker.Publish(ctx, msg)
		if err == nil {
			result.Delivered = true
			result.Err = nil
			p.record(ctx, result, start)
			return result
		}
		result.Err = err

		if attempt == p.config.MaxAttempts {
			break
		}
		p.logger.Debug("publish attempt failed",
			zap.String("event_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			result.Err = fmt.Errorf("publish cancelled after %d attempts: %w", attempt, err)
			_ = p.park(ctx, &result, envelope, msg)
			p.record(ctx, result, start)
			return result
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	p.logger.Warn("failed to publish ledger event",
		zap.String("event_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("entry_id", envelope.EntryID().String()),
		zap.Int("attempts", result.Attempts),
		zap.Error(result.Err),
	)
	_ = p.park(ctx, &result, envelope, msg)
	p.record(ctx, result, start)
	return result
}

// park stores the envelope in the outbox. The detached context lets a
// cancelled request still park its event.
func (p *BrokerPublisher) park(ctx context.Context, result *ledger.PublishResult, envelope ledger.EventEnvelope, msg broker.Message) error {
	if p.outbox == nil {
		return ErrNoOutbox
	}
	entry := NewOutboxEntry(envelope, msg, p.config.OutboxMaxRetries)
	if err := p.outbox.Save(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("failed to park ledger event in outbox",
			zap.String("event_id", msg.ID),
			zap.Error(err),
		)
		return err
	}
	result.Queued = true
	return nil
}

func (p *BrokerPublisher) parkedAhead(ctx context.Context, partitionKey string) bool {
	if p.outbox == nil {
		return false
	}
	unsent, err := p.outbox.HasUnsent(context.WithoutCancel(ctx), partitionKey)
	if err != nil {
		p.logger.Warn("failed to check outbox, publishing directly",
			zap.String("partition_key", partitionKey),
			zap.Error(err),
		)
		return false
	}
	return unsent
}

// traced stamps the caller's trace onto an envelope that has none yet
func traced(ctx context.Context, envelope ledger.EventEnvelope) ledger.EventEnvelope {
	if envelope.TraceContext == nil {
		envelope.TraceContext = telemetry.InjectTraceContext(ctx)
	}
	return envelope
}

func (p *BrokerPublisher) record(ctx context.Context, result ledger.PublishResult, start time.Time) {
	outcome := telemetry.OutcomeFailed
	switch {
	case result.Delivered:
		outcome = telemetry.OutcomeDelivered
	case result.Queued:
		outcome = telemetry.OutcomeQueued
	}
	p.metrics.RecordPublish(ctx, string(result.EventType), outcome, time.Since(start))
}

// ParkOnly stores an envelope in the outbox without touching the broker
func (p *BrokerPublisher) ParkOnly(ctx context.Context, envelope ledger.EventEnvelope) ledger.PublishResult {
	result := ledger.NewPublishResult(envelope)
	msg, err := ToMessage(traced(ctx, envelope))
	if err != nil {
		result.Err = err
		return result
	}
	if err := p.park(ctx, &result, envelope, msg); err != nil {
		result.Err = fmt.Errorf("event %s dropped: %w", msg.ID, err)
	}
	p.record(ctx, result, time.Now())
	return result
}
