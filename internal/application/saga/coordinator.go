// Package saga repairs downstream views that missed a ledger event. The
// coordinator consumes the dead-letter stream, re-states the current state
// of the affected entry and escalates to a manual review when automatic
// compensation does not converge.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/reconciliation"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultGroup is the consumer group the coordinator reads dead letters as
const DefaultGroup = "saga"

// Archiver keeps a copy of a dead letter for audit
type Archiver interface {
	Archive(ctx context.Context, dl broker.DeadLetter) (string, error)
}

// Config holds coordinator settings
type Config struct {
	Group string
	// MaxCompensations is how many times one entry is re-emitted before
	// the coordinator gives up and opens a manual review
	MaxCompensations int
}

// DefaultConfig returns the default coordinator settings
func DefaultConfig() Config {
	return Config{
		Group:            DefaultGroup,
		MaxCompensations: 3,
	}
}

// Coordinator compensates dead-lettered ledger events
type Coordinator struct {
	entries   ledger.JournalEntryRepository
	reviews   reconciliation.ManualReviewRepository
	publisher ledger.EventPublisher
	archiver  Archiver
	config    Config
	metrics   *telemetry.LedgerMetrics
	logger    *zap.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithArchiver stores every dead letter before compensating it
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) {
		c.archiver = a
	}
}

// WithMetrics records compensation outcomes
func WithMetrics(m *telemetry.LedgerMetrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewCoordinator creates a new Coordinator. The publisher should be the
// synchronous broker publisher so a failed re-emission can be escalated.
func NewCoordinator(
	entries ledger.JournalEntryRepository,
	reviews reconciliation.ManualReviewRepository,
	publisher ledger.EventPublisher,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	defaults := DefaultConfig()
	if config.Group == "" {
		config.Group = defaults.Group
	}
	if config.MaxCompensations <= 0 {
		config.MaxCompensations = defaults.MaxCompensations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		entries:   entries,
		reviews:   reviews,
		publisher: publisher,
		config:    config,
		metrics:   telemetry.NewNopLedgerMetrics(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the dead-letter stream until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context, b broker.Broker) error {
	c.logger.Info("saga coordinator started",
		zap.String("group", c.config.Group),
		zap.Int("max_compensations", c.config.MaxCompensations),
	)
	defer c.logger.Info("saga coordinator stopped")
	return b.ConsumeDeadLetters(ctx, c.config.Group, c.Handle)
}

// Handle compensates one dead letter. A dead letter is acked once it has
// been re-emitted or escalated and nacked when either step could not be
// recorded.
func (c *Coordinator) Handle(ctx context.Context, d broker.Delivery) {
	settleCtx := context.WithoutCancel(ctx)

	dl, err := broker.DecodeDeadLetter(d.Message())
	if err != nil {
		c.logger.Error("discarding unreadable dead letter",
			zap.String("message_id", d.Message().ID),
			zap.Error(err),
		)
		c.metrics.RecordCompensation(settleCtx, telemetry.OutcomeSkipped)
		c.settle(settleCtx, d, nil)
		return
	}

	c.settle(settleCtx, d, c.Compensate(ctx, dl))
}

func (c *Coordinator) settle(ctx context.Context, d broker.Delivery, err error) {
	if err != nil {
		c.logger.Warn("compensation incomplete, will retry",
			zap.String("message_id", d.Message().ID),
			zap.Error(err),
		)
		if nackErr := d.Nack(ctx); nackErr != nil {
			c.logger.Error("failed to nack dead letter", zap.Error(nackErr))
		}
		return
	}
	if ackErr := d.Ack(ctx); ackErr != nil {
		c.logger.Error("failed to ack dead letter", zap.Error(ackErr))
	}
}

// Compensate archives dl, re-emits the current state of its entry and
// escalates when that is not possible. It returns an error only when the
// outcome could not be recorded.
func (c *Coordinator) Compensate(ctx context.Context, dl broker.DeadLetter) error {
	c.archive(ctx, dl)

	envelope, err := event.DecodeEnvelope(broker.Message{ID: dl.MessageID, Body: dl.Body})
	if err != nil {
		entryID, _ := uuid.Parse(dl.PartitionKey)
		review := reconciliation.NewManualReview(entryID, uuid.Nil, "", dl.ConsumerGroup,
			fmt.Sprintf("undecodable event: %v", err), dl.Attempts, 0)
		return c.escalate(ctx, review)
	}
	entryID := envelope.EntryID()

	reemit, err := c.currentState(ctx, envelope)
	if err != nil {
		return err
	}

	// counted only once there is something to re-emit
	compensations, err := c.reviews.IncrementCompensations(ctx, entryID)
	if err != nil {
		return err
	}
	if compensations > c.config.MaxCompensations {
		reason := fmt.Sprintf("compensation limit %d reached; last failure: %s", c.config.MaxCompensations, dl.Reason)
		return c.escalate(ctx, c.review(envelope, dl, reason, compensations))
	}

	result := c.publisher.Publish(ctx, reemit)
	if result.Err != nil && !result.Queued {
		reason := fmt.Sprintf("re-emit failed: %v; original failure: %s", result.Err, dl.Reason)
		return c.escalate(ctx, c.review(envelope, dl, reason, compensations))
	}

	c.metrics.RecordCompensation(ctx, telemetry.OutcomeReemitted)
	c.logger.Info("ledger event re-emitted",
		zap.String("entry_id", entryID.String()),
		zap.String("failed_event_id", envelope.ID.String()),
		zap.String("reemitted_event_id", reemit.ID.String()),
		zap.String("event_type", string(reemit.EventType)),
		zap.String("consumer_group", dl.ConsumerGroup),
		zap.Int("compensation", compensations),
	)
	return nil
}

// currentState builds the reconciliation envelope for the entry's present
// state, or a deleted envelope carrying the last known snapshot when the
// entry is gone.
func (c *Coordinator) currentState(ctx context.Context, failed ledger.EventEnvelope) (ledger.EventEnvelope, error) {
	entry, err := c.entries.FindOne(ctx, failed.EntryID())
	if errors.Is(err, shared.ErrNotFound) {
		return ledger.NewReconciliationEnvelope(ledger.EventDeleted, failed.Payload), nil
	}
	if err != nil {
		return ledger.EventEnvelope{}, fmt.Errorf("failed to reload entry %s: %w", failed.EntryID(), err)
	}
	return ledger.NewReconciliationEnvelope(KindForStatus(entry), entry.Snapshot()), nil
}

// KindForStatus picks the event kind that re-states entry
func KindForStatus(entry *ledger.JournalEntry) ledger.EventKind {
	switch {
	case entry.Status == ledger.StatusPosted:
		return ledger.EventPosted
	case entry.Version <= 1:
		return ledger.EventCreated
	default:
		return ledger.EventUpdated
	}
}

func (c *Coordinator) review(envelope ledger.EventEnvelope, dl broker.DeadLetter, reason string, compensations int) *reconciliation.ManualReview {
	return reconciliation.NewManualReview(envelope.EntryID(), envelope.ID, envelope.EventType,
		dl.ConsumerGroup, reason, dl.Attempts, compensations)
}

func (c *Coordinator) escalate(ctx context.Context, review *reconciliation.ManualReview) error {
	if err := c.reviews.Save(ctx, review); err != nil {
		return fmt.Errorf("failed to open manual review: %w", err)
	}
	c.metrics.RecordCompensation(ctx, telemetry.OutcomeManualReview)
	c.logger.Warn("ledger event escalated to manual review",
		zap.String("review_id", review.ID.String()),
		zap.String("entry_id", review.EntryID.String()),
		zap.String("event_id", review.EventID.String()),
		zap.String("consumer_group", review.ConsumerGroup),
		zap.String("reason", review.Reason),
	)
	return nil
}

func (c *Coordinator) archive(ctx context.Context, dl broker.DeadLetter) {
	if c.archiver == nil {
		return
	}
	key, err := c.archiver.Archive(ctx, dl)
	if err != nil {
		c.logger.Warn("failed to archive dead letter",
			zap.String("message_id", dl.MessageID),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("dead letter archived",
		zap.String("message_id", dl.MessageID),
		zap.String("key", key),
	)
}
