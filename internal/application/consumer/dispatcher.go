// Package consumer runs the downstream side of ledger event propagation: a
// dispatch table per consumer group and the projectors that keep each
// service's local view of the ledger.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/erp/ledger/internal/application/consumer"

// MessageHandler handles one decoded envelope
type MessageHandler = event.Handler

// DispatcherConfig holds per-group delivery settings
type DispatcherConfig struct {
	Group          string
	MessageTimeout time.Duration
	// MaxDeliveries is the delivery count at which a failing message is
	// dead-lettered instead of nacked
	MaxDeliveries int
	Idempotency   shared.IdempotencyConfig
}

// DefaultDispatcherConfig returns the default settings for group
func DefaultDispatcherConfig(group string) DispatcherConfig {
	return DispatcherConfig{
		Group:          group,
		MessageTimeout: 30 * time.Second,
		MaxDeliveries:  5,
		Idempotency:    shared.DefaultIdempotencyConfig(),
	}
}

// Dispatcher routes deliveries of one consumer group to the handler
// registered for their routing key and settles every delivery.
type Dispatcher struct {
	config  DispatcherConfig
	store   shared.IdempotencyStore
	routes  map[ledger.EventKind]*event.IdempotentHandler
	stats   *event.IdempotencyMetrics
	metrics *telemetry.LedgerMetrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics records consumed message counters
func WithDispatcherMetrics(m *telemetry.LedgerMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithDispatcherTracer starts consumer spans from tp instead of the global provider
func WithDispatcherTracer(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// NewDispatcher creates a dispatcher for config.Group. A nil store disables
// deduplication.
func NewDispatcher(config DispatcherConfig, store shared.IdempotencyStore, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	defaults := DefaultDispatcherConfig(config.Group)
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = defaults.MessageTimeout
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = defaults.MaxDeliveries
	}
	if config.Idempotency.TTL <= 0 {
		config.Idempotency = defaults.Idempotency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		config:  config,
		store:   store,
		routes:  make(map[ledger.EventKind]*event.IdempotentHandler),
		stats:   &event.IdempotencyMetrics{},
		metrics: telemetry.NewNopLedgerMetrics(),
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With(zap.String("consumer_group", config.Group)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Group returns the consumer group the dispatcher settles deliveries for
func (d *Dispatcher) Group() string {
	return d.config.Group
}

// Register routes kind to handler, replacing any earlier registration
func (d *Dispatcher) Register(kind ledger.EventKind, handler MessageHandler) {
	d.routes[kind] = event.NewIdempotentHandler(handler, d.store, d.config.Group, d.logger,
		event.WithIdempotencyConfig(d.config.Idempotency),
		event.WithIdempotencyMetrics(d.stats),
	)
}

// RegisterAll routes every event kind to handler
func (d *Dispatcher) RegisterAll(handler MessageHandler) {
	for _, kind := range ledger.AllEventKinds {
		d.Register(kind, handler)
	}
}

// Stats returns the deduplication counters of all routes
func (d *Dispatcher) Stats() event.IdempotencyStats {
	return d.stats.Stats()
}

// Run consumes the group's deliveries until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context, b broker.Broker) error {
	d.logger.Info("consumer started", zap.Int("routes", len(d.routes)))
	defer d.logger.Info("consumer stopped")
	return b.Consume(ctx, d.config.Group, d.Handle)
}

// Handle processes and settles one delivery. It has the broker.Handler signature.
func (d *Dispatcher) Handle(ctx context.Context, delivery broker.Delivery) {
	start := time.Now()
	msg := delivery.Message()
	settleCtx := context.WithoutCancel(ctx)

	kind, ok := ledger.ParseRoutingKey(msg.RoutingKey)
	if !ok {
		d.deadLetter(settleCtx, delivery, "", fmt.Sprintf("unknown routing key %q", msg.RoutingKey), start)
		return
	}
	handler, ok := d.routes[kind]
	if !ok {
		// the group does not project this kind
		d.ack(settleCtx, delivery, kind, telemetry.OutcomeSkipped, start)
		return
	}

	envelope, err := event.DecodeEnvelope(msg)
	if err != nil {
		d.deadLetter(settleCtx, delivery, kind, err.Error(), start)
		return
	}

	// the span continues the trace of the request that published the event
	ctx, span := d.tracer.Start(telemetry.ExtractTraceContext(ctx, envelope.TraceContext), "consume "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer.group.name", d.config.Group),
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.message.delivery_count", delivery.RetryCount()+1),
			attribute.String("ledger.entry_id", envelope.EntryID().String()),
		),
	)
	defer span.End()

	handlerCtx, cancel := context.WithTimeout(ctx, d.config.MessageTimeout)
	duplicate, err := handler.Process(handlerCtx, envelope)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("ledger.duplicate", duplicate))

	switch {
	case err == nil && duplicate:
		d.ack(settleCtx, delivery, kind, telemetry.OutcomeDuplicate, start)
	case err == nil:
		d.ack(settleCtx, delivery, kind, telemetry.OutcomeProcessed, start)
	default:
		d.fail(ctx, settleCtx, delivery, envelope, err, start)
	}
}

func (d *Dispatcher) fail(ctx, settleCtx context.Context, delivery broker.Delivery, envelope ledger.EventEnvelope, err error, start time.Time) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded %s: %w", d.config.MessageTimeout, err)
	}
	attempts := delivery.RetryCount() + 1

	if attempts >= d.config.MaxDeliveries && ctx.Err() == nil {
		d.deadLetter(settleCtx, delivery, envelope.EventType, err.Error(), start)
		return
	}

	d.logger.Warn("event handling failed, will retry",
		zap.String("event_id", envelope.ID.String()),
		zap.String("event_type", string(envelope.EventType)),
		zap.String("entry_id", envelope.EntryID().String()),
		zap.Int("attempt", attempts),
		zap.Int("max_deliveries", d.config.MaxDeliveries),
		zap.Error(err),
	)
	if nackErr := delivery.Nack(settleCtx); nackErr != nil {
		d.logger.Error("failed to nack delivery",
			zap.String("message_id", delivery.Message().ID),
			zap.Error(nackErr),
		)
	}
	d.record(settleCtx, envelope.EventType, telemetry.OutcomeRetry, start)
}

func (d *Dispatcher) ack(ctx context.Context, delivery broker.Delivery, kind ledger.EventKind, outcome string, start time.Time) {
	if err := delivery.Ack(ctx); err != nil {
		d.logger.Error("failed to ack delivery",
			zap.String("message_id", delivery.Message().ID),
			zap.Error(err),
		)
	}
	d.record(ctx, kind, outcome, start)
}

func (d *Dispatcher) deadLetter(ctx context.Context, delivery broker.Delivery, kind ledger.EventKind, reason string, start time.Time) {
	d.logger.Error("event dead-lettered",
		zap.String("message_id", delivery.Message().ID),
		zap.String("routing_key", delivery.Message().RoutingKey),
		zap.Int("attempts", delivery.RetryCount()+1),
		zap.String("reason", reason),
	)
	if err := delivery.DeadLetter(ctx, reason); err != nil {
		d.logger.Error("failed to dead-letter delivery",
			zap.String("message_id", delivery.Message().ID),
			zap.Error(err),
		)
	}
	d.record(ctx, kind, telemetry.OutcomeDeadLettered, start)
}

func (d *Dispatcher) record(ctx context.Context, kind ledger.EventKind, outcome string, start time.Time) {
	d.metrics.RecordConsumed(ctx, d.config.Group, string(kind), outcome, time.Since(start))
}
