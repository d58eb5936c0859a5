package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Publish outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
)

// Consumer outcomes.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetry        = "retry"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeSkipped      = "skipped"
)

// Saga outcomes.
const (
	OutcomeReemitted    = "reemitted"
	OutcomeManualReview = "manual_review"
)

// LedgerMetrics groups the instruments recorded by the ledger core, the
// publisher, the consumers and the saga coordinator.
type LedgerMetrics struct {
	entriesCreated  *Counter
	entriesPosted   *Counter
	entriesReversed *Counter
	entriesRemoved  *Counter
	entriesRejected *Counter

	eventsPublished *Counter
	publishDuration *Histogram
	outboxRelayed   *Counter

	messagesConsumed *Counter
	handleDuration   *Histogram

	compensations *Counter
}

// NewLedgerMetrics creates all ledger instruments on meter.
func NewLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	m := &LedgerMetrics{}
	var err error

	counters := []struct {
		target      **Counter
		name        string
		description string
	}{
		{&m.entriesCreated, "ledger_entries_created_total", "Journal entries created"},
		{&m.entriesPosted, "ledger_entries_posted_total", "Journal entries posted"},
		{&m.entriesReversed, "ledger_entries_reversed_total", "Reversal entries created"},
		{&m.entriesRemoved, "ledger_entries_removed_total", "Draft journal entries removed"},
		{&m.entriesRejected, "ledger_entries_rejected_total", "Journal entry writes rejected by validation"},
		{&m.eventsPublished, "ledger_events_published_total", "Ledger events handed to the broker"},
		{&m.outboxRelayed, "ledger_outbox_relayed_total", "Outbox entries relayed to the broker"},
		{&m.messagesConsumed, "ledger_messages_consumed_total", "Ledger events handled by consumers"},
		{&m.compensations, "ledger_saga_compensations_total", "Compensation actions taken for failed deliveries"},
	}
	for _, c := range counters {
		if *c.target, err = NewCounter(meter, c.name, c.description, "{event}"); err != nil {
			return nil, err
		}
	}

	if m.publishDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "ledger_event_publish_duration_seconds",
		Description: "Time to publish one ledger event including retries",
		Unit:        "s",
		Boundaries:  DurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.handleDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "ledger_message_handle_duration_seconds",
		Description: "Time spent in a consumer handler",
		Unit:        "s",
		Boundaries:  DurationBuckets,
	}); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNopLedgerMetrics returns metrics backed by a no-op meter.
func NewNopLedgerMetrics() *LedgerMetrics {
	m, _ := NewLedgerMetrics(noop.NewMeterProvider().Meter("ledger"))
	return m
}

func (m *LedgerMetrics) RecordEntryCreated(ctx context.Context)  { m.entriesCreated.Inc(ctx) }
func (m *LedgerMetrics) RecordEntryPosted(ctx context.Context)   { m.entriesPosted.Inc(ctx) }
func (m *LedgerMetrics) RecordEntryReversed(ctx context.Context) { m.entriesReversed.Inc(ctx) }
func (m *LedgerMetrics) RecordEntryRemoved(ctx context.Context)  { m.entriesRemoved.Inc(ctx) }

// RecordEntryRejected counts a write refused with the given error code.
func (m *LedgerMetrics) RecordEntryRejected(ctx context.Context, reason string) {
	m.entriesRejected.Inc(ctx, AttrReason.String(reason))
}

// RecordPublish records one publish attempt sequence for eventType.
func (m *LedgerMetrics) RecordPublish(ctx context.Context, eventType, outcome string, d time.Duration) {
	attrs := []attribute.KeyValue{AttrEventType.String(eventType), AttrOutcome.String(outcome)}
	m.eventsPublished.Inc(ctx, attrs...)
	m.publishDuration.RecordDuration(ctx, d, attrs...)
}

// RecordOutboxRelayed counts outbox entries relayed successfully.
func (m *LedgerMetrics) RecordOutboxRelayed(ctx context.Context, n int) {
	if n > 0 {
		m.outboxRelayed.Add(ctx, int64(n))
	}
}

// RecordConsumed records the handling of one message by consumer.
func (m *LedgerMetrics) RecordConsumed(ctx context.Context, consumer, eventType, outcome string, d time.Duration) {
	attrs := []attribute.KeyValue{
		AttrConsumer.String(consumer),
		AttrEventType.String(eventType),
		AttrOutcome.String(outcome),
	}
	m.messagesConsumed.Inc(ctx, attrs...)
	m.handleDuration.RecordDuration(ctx, d, attrs...)
}

// RecordCompensation counts a saga action.
func (m *LedgerMetrics) RecordCompensation(ctx context.Context, outcome string) {
	m.compensations.Inc(ctx, AttrOutcome.String(outcome))
}
