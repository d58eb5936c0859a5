package ledger

import (
	"strings"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// AggregateTypeJournalEntry is the aggregate type recorded on domain events
	AggregateTypeJournalEntry = "JournalEntry"
	// EntityType is the envelope entity type and the routing key prefix
	EntityType = "journal-entry"
	// ServiceSource identifies this service as the envelope producer
	ServiceSource = "general-ledger"
)

// EventKind is the ledger change carried by an envelope
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
	EventPosted  EventKind = "posted"
)

// AllEventKinds lists every kind in routing order
var AllEventKinds = []EventKind{EventCreated, EventUpdated, EventDeleted, EventPosted}

// RoutingKey returns the broker topic for the kind, e.g. journal-entry.posted
func (k EventKind) RoutingKey() string {
	return EntityType + "." + string(k)
}

// ParseRoutingKey maps a topic back to its event kind
func ParseRoutingKey(routingKey string) (EventKind, bool) {
	kind, ok := strings.CutPrefix(routingKey, EntityType+".")
	if !ok {
		return "", false
	}
	for _, k := range AllEventKinds {
		if string(k) == kind {
			return k, true
		}
	}
	return "", false
}

// JournalEntryEvent is the domain event recorded by the aggregate on every
// lifecycle change. The snapshot is taken when the envelope is built.
type JournalEntryEvent struct {
	shared.BaseDomainEvent
	Kind EventKind `json:"kind"`
}

// NewJournalEntryEvent creates a domain event for the given entry
func NewJournalEntryEvent(kind EventKind, entryID uuid.UUID) *JournalEntryEvent {
	return &JournalEntryEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(kind.RoutingKey(), AggregateTypeJournalEntry, entryID),
		Kind:            kind,
	}
}

// LineSnapshot is the wire form of a journal entry line
type LineSnapshot struct {
	ID          uuid.UUID        `json:"id"`
	AccountID   uuid.UUID        `json:"accountId"`
	Description string           `json:"description,omitempty"`
	Debit       *decimal.Decimal `json:"debit"`
	Credit      *decimal.Decimal `json:"credit"`
}

// EntrySnapshot is the entry state carried in an envelope, complete enough
// that a consumer never needs to query the ledger.
type EntrySnapshot struct {
	ID           uuid.UUID       `json:"id"`
	EntryNumber  string          `json:"entryNumber"`
	Date         time.Time       `json:"date"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description"`
	Status       EntryStatus     `json:"status"`
	IsAdjustment bool            `json:"isAdjustment"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	ReversalOfID *uuid.UUID      `json:"reversalOfId,omitempty"`
	Version      int             `json:"version"`
	Lines        []LineSnapshot  `json:"lines"`
}

// Snapshot captures the current state of the entry
func (e *JournalEntry) Snapshot() EntrySnapshot {
	lines := make([]LineSnapshot, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = LineSnapshot{
			ID:          l.ID,
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       copyAmount(l.Debit),
			Credit:      copyAmount(l.Credit),
		}
	}
	return EntrySnapshot{
		ID:           e.ID,
		EntryNumber:  e.EntryNumber,
		Date:         e.Date,
		Reference:    e.Reference,
		Description:  e.Description,
		Status:       e.Status,
		IsAdjustment: e.IsAdjustment,
		TotalAmount:  e.TotalAmount(),
		ReversalOfID: e.ReversalOfID,
		Version:      e.Version,
		Lines:        lines,
	}
}

// EventEnvelope is the cross-service message published for every ledger change
type EventEnvelope struct {
	ID             uuid.UUID     `json:"id"`
	EntityType     string        `json:"entityType"`
	ServiceSource  string        `json:"serviceSource"`
	Timestamp      time.Time     `json:"timestamp"`
	EventType      EventKind     `json:"eventType"`
	PartitionKey   string        `json:"partitionKey"`
	Reconciliation bool          `json:"reconciliation,omitempty"`
	Payload        EntrySnapshot `json:"payload"`
	// TraceContext holds the W3C trace headers of the publishing request
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// NewEnvelope wraps a recorded domain event and the entry snapshot
func NewEnvelope(event *JournalEntryEvent, snapshot EntrySnapshot) EventEnvelope {
	return EventEnvelope{
		ID:            event.EventID(),
		EntityType:    EntityType,
		ServiceSource: ServiceSource,
		Timestamp:     event.OccurredAt(),
		EventType:     event.Kind,
		PartitionKey:  snapshot.ID.String(),
		Payload:       snapshot,
	}
}

// NewReconciliationEnvelope builds a fresh envelope re-stating the current
// state of an entry. It gets a new ID so consumers that already deduplicated
// the failed event still apply it.
func NewReconciliationEnvelope(kind EventKind, snapshot EntrySnapshot) EventEnvelope {
	return EventEnvelope{
		ID:             uuid.New(),
		EntityType:     EntityType,
		ServiceSource:  ServiceSource,
		Timestamp:      time.Now().UTC(),
		EventType:      kind,
		PartitionKey:   snapshot.ID.String(),
		Reconciliation: true,
		Payload:        snapshot,
	}
}

// RoutingKey returns the topic the envelope is published on
func (e EventEnvelope) RoutingKey() string {
	return e.EventType.RoutingKey()
}

// EntryID returns the ID of the journal entry the envelope describes
func (e EventEnvelope) EntryID() uuid.UUID {
	return e.Payload.ID
}
