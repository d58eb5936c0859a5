package shared

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the resend state of a parked envelope
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusSent       OutboxStatus = "SENT"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
	// MaxOutboxBackoff caps the wait between two resend attempts
	MaxOutboxBackoff = 5 * time.Minute
)

var (
	// ErrOutboxNotDead is returned when an operator retries an entry that is still in flight
	ErrOutboxNotDead = ErrInvalidState.WithMessage("Only dead outbox entries can be retried")
	// ErrOutboxNotClaimable is returned when claiming an entry that is sent, dead or already claimed
	ErrOutboxNotClaimable = ErrInvalidState.WithMessage("Only pending or failed outbox entries can be claimed")
)

// claimable lists the states a resend worker may claim an entry from
var claimable = []OutboxStatus{OutboxStatusPending, OutboxStatusFailed}

// UnsentOutboxStatuses are the states of an entry the broker has not taken
// yet and that is still going to be resent
var UnsentOutboxStatuses = []OutboxStatus{OutboxStatusPending, OutboxStatusProcessing, OutboxStatusFailed}

// OutboxEntry is an encoded envelope parked after the publisher gave up on
// direct delivery. The outbox processor resends it in the background.
type OutboxEntry struct {
	ID           uuid.UUID
	EventID      uuid.UUID
	RoutingKey   string
	AggregateID  uuid.UUID
	PartitionKey string
	Payload      []byte
	Status       OutboxStatus
	RetryCount   int
	MaxRetries   int
	LastError    string
	NextRetryAt  *time.Time
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewOutboxEntry parks payload for the journal entry aggregateID
func NewOutboxEntry(eventID uuid.UUID, routingKey string, aggregateID uuid.UUID, partitionKey string, payload []byte) *OutboxEntry {
	now := time.Now()
	return &OutboxEntry{
		ID:           uuid.New(),
		EventID:      eventID,
		RoutingKey:   routingKey,
		AggregateID:  aggregateID,
		PartitionKey: partitionKey,
		Payload:      payload,
		Status:       OutboxStatusPending,
		MaxRetries:   DefaultMaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// OutboxBackoff is the wait before resend attempt retry+1: one second
// doubling per failure, capped at MaxOutboxBackoff.
func OutboxBackoff(retry int) time.Duration {
	if retry < 1 {
		return DefaultBaseBackoff
	}
	if retry > 16 {
		return MaxOutboxBackoff
	}
	return min(DefaultBaseBackoff<<(retry-1), MaxOutboxBackoff)
}

// CanRetry reports whether a failed entry has attempts left
func (e *OutboxEntry) CanRetry() bool {
	return e.Status == OutboxStatusFailed && e.RetryCount < e.MaxRetries
}

// DueAt reports whether a failed entry may be resent at now
func (e *OutboxEntry) DueAt(now time.Time) bool {
	return e.CanRetry() && (e.NextRetryAt == nil || !e.NextRetryAt.After(now))
}

// MarkProcessing claims the entry for one resend attempt
func (e *OutboxEntry) MarkProcessing() error {
	if !slices.Contains(claimable, e.Status) {
		return ErrOutboxNotClaimable
	}
	e.Status = OutboxStatusProcessing
	e.UpdatedAt = time.Now()
	return nil
}

// MarkSent records delivery to the broker
func (e *OutboxEntry) MarkSent() {
	now := time.Now()
	e.Status = OutboxStatusSent
	e.ProcessedAt = &now
	e.NextRetryAt = nil
	e.UpdatedAt = now
}

// MarkFailed records a failed attempt and schedules the next one. Once
// RetryCount reaches MaxRetries the entry is DEAD and waits for an operator.
func (e *OutboxEntry) MarkFailed(errMsg string) {
	now := time.Now()
	e.RetryCount++
	e.LastError = errMsg
	e.UpdatedAt = now

	if e.RetryCount >= e.MaxRetries {
		e.Status = OutboxStatusDead
		e.NextRetryAt = nil
		return
	}
	e.Status = OutboxStatusFailed
	next := now.Add(OutboxBackoff(e.RetryCount))
	e.NextRetryAt = &next
}

// Defer returns a claimed entry to the retry queue without spending an
// attempt. It is resent no earlier than until.
func (e *OutboxEntry) Defer(until time.Time) {
	e.Status = OutboxStatusFailed
	e.NextRetryAt = &until
	e.UpdatedAt = time.Now()
}

// ResetForRetry gives a dead entry a fresh set of attempts
func (e *OutboxEntry) ResetForRetry() error {
	if e.Status != OutboxStatusDead {
		return ErrOutboxNotDead
	}
	e.Status = OutboxStatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.NextRetryAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

// IsDead reports whether the entry exhausted its attempts
func (e *OutboxEntry) IsDead() bool {
	return e.Status == OutboxStatusDead
}

// OutboxRepository persists parked envelopes
type OutboxRepository interface {
	Save(ctx context.Context, entries ...*OutboxEntry) error
	// FindPending returns up to limit never-attempted entries, oldest first
	FindPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	// FindRetryable returns failed entries due before the given time, oldest first
	FindRetryable(ctx context.Context, before time.Time, limit int) ([]*OutboxEntry, error)
	FindDead(ctx context.Context, page, pageSize int) ([]*OutboxEntry, int64, error)
	FindByID(ctx context.Context, id uuid.UUID) (*OutboxEntry, error)
	// MarkProcessing atomically claims entries and returns the ones this caller won
	MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*OutboxEntry, error)
	Update(ctx context.Context, entry *OutboxEntry) error
	// DeleteOlderThan deletes sent entries processed before the given time
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
	// HasUnsent reports whether partitionKey has an entry still waiting to be sent
	HasUnsent(ctx context.Context, partitionKey string) (bool, error)
}
