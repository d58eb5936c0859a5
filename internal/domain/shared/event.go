package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a change recorded by an aggregate. It is published only
// after the write that produced it has committed.
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() uuid.UUID
}

// BaseDomainEvent carries the identity every domain event shares. ID becomes
// the envelope ID, so consumers deduplicate on it.
type BaseDomainEvent struct {
	ID          uuid.UUID
	Type        string
	Subject     uuid.UUID
	SubjectType string
	At          time.Time
}

func (e BaseDomainEvent) EventID() uuid.UUID     { return e.ID }
func (e BaseDomainEvent) EventType() string      { return e.Type }
func (e BaseDomainEvent) OccurredAt() time.Time  { return e.At }
func (e BaseDomainEvent) AggregateID() uuid.UUID { return e.Subject }

// NewBaseDomainEvent stamps a new event for aggregate aggID of type aggType
func NewBaseDomainEvent(eventType, aggType string, aggID uuid.UUID) BaseDomainEvent {
	return BaseDomainEvent{
		ID:          uuid.New(),
		Type:        eventType,
		Subject:     aggID,
		SubjectType: aggType,
		At:          time.Now().UTC(),
	}
}
