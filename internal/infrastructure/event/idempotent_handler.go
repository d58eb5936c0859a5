package event

import (
	"context"
	"sync/atomic"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"go.uber.org/zap"
)

// Handler processes one decoded envelope
type Handler interface {
	Handle(ctx context.Context, envelope ledger.EventEnvelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, envelope ledger.EventEnvelope) error

func (f HandlerFunc) Handle(ctx context.Context, envelope ledger.EventEnvelope) error {
	return f(ctx, envelope)
}

// IdempotencyMetrics tracks idempotency-related statistics
type IdempotencyMetrics struct {
	EventsProcessed atomic.Int64
	EventsDuplicate atomic.Int64
	EventsFailed    atomic.Int64
}

// Stats returns a snapshot of the current metrics
func (m *IdempotencyMetrics) Stats() IdempotencyStats {
	return IdempotencyStats{
		EventsProcessed: m.EventsProcessed.Load(),
		EventsDuplicate: m.EventsDuplicate.Load(),
		EventsFailed:    m.EventsFailed.Load(),
	}
}

// IdempotencyStats is a snapshot of idempotency metrics
type IdempotencyStats struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsDuplicate int64 `json:"events_duplicate"`
	EventsFailed    int64 `json:"events_failed"`
}

// IdempotentHandler runs the wrapped handler at most once per envelope ID
// within its scope. A failed run releases the mark so the redelivery is
// processed again.
type IdempotentHandler struct {
	handler Handler
	store   shared.IdempotencyStore
	scope   string
	config  shared.IdempotencyConfig
	logger  *zap.Logger
	metrics *IdempotencyMetrics
}

var _ Handler = (*IdempotentHandler)(nil)

// IdempotentHandlerOption is a functional option for IdempotentHandler
type IdempotentHandlerOption func(*IdempotentHandler)

// WithIdempotencyConfig sets the idempotency configuration
func WithIdempotencyConfig(config shared.IdempotencyConfig) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.config = config
	}
}

// WithIdempotencyMetrics shares a metrics collector between handlers
func WithIdempotencyMetrics(metrics *IdempotencyMetrics) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.metrics = metrics
	}
}

// NewIdempotentHandler wraps handler. scope separates the marks of
// consumers sharing one store, usually the consumer group name.
func NewIdempotentHandler(
	handler Handler,
	store shared.IdempotencyStore,
	scope string,
	logger *zap.Logger,
	opts ...IdempotentHandlerOption,
) *IdempotentHandler {
	h := &IdempotentHandler{
		handler: handler,
		store:   store,
		scope:   scope,
		config:  shared.DefaultIdempotencyConfig(),
		logger:  logger,
		metrics: &IdempotencyMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes the envelope unless it was already processed
func (h *IdempotentHandler) Handle(ctx context.Context, envelope ledger.EventEnvelope) error {
	_, err := h.Process(ctx, envelope)
	return err
}

// Process is Handle that also reports whether the envelope was a duplicate
func (h *IdempotentHandler) Process(ctx context.Context, envelope ledger.EventEnvelope) (bool, error) {
	if !h.config.Enabled || h.store == nil {
		return false, h.run(ctx, envelope)
	}

	key := shared.IdempotencyKey(h.scope, envelope.ID)
	isNew, err := h.store.MarkProcessed(ctx, key, h.config.TTL)
	if err != nil {
		// a duplicate apply is cheaper than a lost event
		h.logger.Warn("idempotency check failed, processing anyway",
			zap.String("event_id", envelope.ID.String()),
			zap.String("scope", h.scope),
			zap.Error(err),
		)
		return false, h.run(ctx, envelope)
	}
	if !isNew {
		h.metrics.EventsDuplicate.Add(1)
		h.logger.Debug("duplicate event skipped",
			zap.String("event_id", envelope.ID.String()),
			zap.String("event_type", string(envelope.EventType)),
			zap.String("scope", h.scope),
		)
		return true, nil
	}

	if err := h.run(ctx, envelope); err != nil {
		if releaseErr := h.store.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			h.logger.Error("failed to release idempotency mark",
				zap.String("event_id", envelope.ID.String()),
				zap.String("scope", h.scope),
				zap.Error(releaseErr),
			)
		}
		return false, err
	}
	return false, nil
}

func (h *IdempotentHandler) run(ctx context.Context, envelope ledger.EventEnvelope) error {
	if err := h.handler.Handle(ctx, envelope); err != nil {
		h.metrics.EventsFailed.Add(1)
		return err
	}
	h.metrics.EventsProcessed.Add(1)
	return nil
}

// Metrics returns the handler's counters
func (h *IdempotentHandler) Metrics() *IdempotencyMetrics {
	return h.metrics
}
