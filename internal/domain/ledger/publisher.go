package ledger

import (
	"context"

	"github.com/google/uuid"
)

// PublishResult is the best-effort outcome of emitting an envelope. Callers
// log it and never turn it into a request failure: the ledger write is the
// source of truth and the event is a notification.
type PublishResult struct {
	EventID   uuid.UUID
	EventType EventKind
	EntryID   uuid.UUID
	Delivered bool
	// Queued is true when the envelope was parked for background resend
	Queued   bool
	Attempts int
	Err      error
}

// NewPublishResult starts a result for the given envelope
func NewPublishResult(envelope EventEnvelope) PublishResult {
	return PublishResult{
		EventID:   envelope.ID,
		EventType: envelope.EventType,
		EntryID:   envelope.EntryID(),
	}
}

// EventPublisher emits envelopes to other services
type EventPublisher interface {
	Publish(ctx context.Context, envelope EventEnvelope) PublishResult
}
