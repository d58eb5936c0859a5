// Package event turns ledger envelopes into broker messages and back, and
// carries them across broker outages through the outbox.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
)

// ToMessage encodes an envelope for the broker
func ToMessage(envelope ledger.EventEnvelope) (broker.Message, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return broker.Message{}, fmt.Errorf("failed to encode envelope %s: %w", envelope.ID, err)
	}
	return broker.Message{
		ID:           envelope.ID.String(),
		RoutingKey:   envelope.RoutingKey(),
		PartitionKey: envelope.PartitionKey,
		Body:         body,
	}, nil
}

// DecodeEnvelope reads the envelope carried by a broker message
func DecodeEnvelope(msg broker.Message) (ledger.EventEnvelope, error) {
	var envelope ledger.EventEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		return ledger.EventEnvelope{}, fmt.Errorf("failed to decode envelope %s: %w", msg.ID, err)
	}
	return envelope, nil
}

// NewOutboxEntry parks an encoded envelope for background resend
func NewOutboxEntry(envelope ledger.EventEnvelope, msg broker.Message, maxRetries int) *shared.OutboxEntry {
	entry := shared.NewOutboxEntry(envelope.ID, msg.RoutingKey, envelope.EntryID(), msg.PartitionKey, msg.Body)
	if maxRetries > 0 {
		entry.MaxRetries = maxRetries
	}
	// the relay orders an entry's envelopes by when they happened, not by
	// when they were parked
	if !envelope.Timestamp.IsZero() {
		entry.CreatedAt = envelope.Timestamp.UTC()
	}
	return entry
}

// OutboxMessage rebuilds the broker message of a parked entry
func OutboxMessage(entry *shared.OutboxEntry) broker.Message {
	return broker.Message{
		ID:           entry.EventID.String(),
		RoutingKey:   entry.RoutingKey,
		PartitionKey: entry.PartitionKey,
		Body:         entry.Payload,
	}
}
