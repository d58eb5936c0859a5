// Package reconciliation holds the records the saga coordinator keeps when
// ledger events could not be delivered to a downstream service.
package reconciliation

import (
	"context"
	"strings"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
)

// ReviewStatus is the state of a manual review
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "OPEN"
	ReviewResolved ReviewStatus = "RESOLVED"
)

var (
	ErrReviewNotFound = shared.ErrNotFound.WithMessage("Manual review not found")
	ErrReviewResolved = shared.ErrInvalidState.WithMessage("Manual review is already resolved")
)

// ManualReview flags a journal entry whose propagation could not be repaired
// automatically. An operator resolves it once the downstream view is fixed.
type ManualReview struct {
	shared.BaseEntity
	EntryID       uuid.UUID
	EventID       uuid.UUID
	EventType     ledger.EventKind
	ConsumerGroup string
	Reason        string
	Attempts      int
	Compensations int
	Status        ReviewStatus
	Resolution    string
	ResolvedAt    *time.Time
}

// NewManualReview creates an OPEN review
func NewManualReview(entryID, eventID uuid.UUID, eventType ledger.EventKind, consumerGroup, reason string, attempts, compensations int) *ManualReview {
	return &ManualReview{
		BaseEntity:    shared.NewBaseEntity(),
		EntryID:       entryID,
		EventID:       eventID,
		EventType:     eventType,
		ConsumerGroup: consumerGroup,
		Reason:        reason,
		Attempts:      attempts,
		Compensations: compensations,
		Status:        ReviewOpen,
	}
}

// Resolve closes the review with an operator note
func (r *ManualReview) Resolve(resolution string) error {
	if r.Status == ReviewResolved {
		return ErrReviewResolved
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return shared.ErrInvalidInput.WithMessage("resolution is required")
	}
	now := time.Now()
	r.Status = ReviewResolved
	r.Resolution = resolution
	r.ResolvedAt = &now
	r.Touch()
	return nil
}

// ManualReviewRepository persists manual reviews and the per-entry
// compensation counters the saga uses to decide when to escalate.
type ManualReviewRepository interface {
	Save(ctx context.Context, review *ManualReview) error
	Update(ctx context.Context, review *ManualReview) error
	FindByID(ctx context.Context, id uuid.UUID) (*ManualReview, error)
	FindByStatus(ctx context.Context, status ReviewStatus, page, pageSize int) ([]ManualReview, int64, error)
	// IncrementCompensations bumps the counter for entryID and returns the new value
	IncrementCompensations(ctx context.Context, entryID uuid.UUID) (int, error)
}
