package saga

import (
	"context"
	"time"

	"github.com/erp/ledger/internal/domain/reconciliation"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrOutboxNotDead is returned when retrying an outbox entry that is still in flight
var ErrOutboxNotDead = shared.ErrOutboxNotDead

// ReviewResponse represents a manual review in API responses
type ReviewResponse struct {
	ID            uuid.UUID  `json:"id"`
	EntryID       uuid.UUID  `json:"entry_id"`
	EventID       uuid.UUID  `json:"event_id"`
	EventType     string     `json:"event_type,omitempty"`
	ConsumerGroup string     `json:"consumer_group"`
	Reason        string     `json:"reason"`
	Attempts      int        `json:"attempts"`
	Compensations int        `json:"compensations"`
	Status        string     `json:"status"`
	Resolution    string     `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ReviewListResponse is one page of manual reviews
type ReviewListResponse struct {
	Items    []ReviewResponse `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// ResolveReviewRequest closes a review with an operator note
type ResolveReviewRequest struct {
	Resolution string `json:"resolution" binding:"required,max=1000"`
}

// OutboxEntryResponse represents an outbox row in API responses
type OutboxEntryResponse struct {
	ID          uuid.UUID  `json:"id"`
	EventID     uuid.UUID  `json:"event_id"`
	RoutingKey  string     `json:"routing_key"`
	EntryID     uuid.UUID  `json:"entry_id"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OutboxListResponse is one page of outbox entries
type OutboxListResponse struct {
	Items    []OutboxEntryResponse `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// AdminService lets an operator work through what automatic propagation
// could not repair: open manual reviews and dead outbox entries.
type AdminService struct {
	reviews reconciliation.ManualReviewRepository
	outbox  shared.OutboxRepository
	logger  *zap.Logger
}

// NewAdminService creates a new AdminService. A nil outbox repository
// disables the outbox operations.
func NewAdminService(reviews reconciliation.ManualReviewRepository, outbox shared.OutboxRepository, logger *zap.Logger) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		reviews: reviews,
		outbox:  outbox,
		logger:  logger,
	}
}

// ListReviews returns a page of reviews in the given status, OPEN by default
func (s *AdminService) ListReviews(ctx context.Context, status string, page, pageSize int) (*ReviewListResponse, error) {
	reviewStatus := reconciliation.ReviewOpen
	if status != "" {
		reviewStatus = reconciliation.ReviewStatus(status)
	}
	if reviewStatus != reconciliation.ReviewOpen && reviewStatus != reconciliation.ReviewResolved {
		return nil, shared.ErrInvalidInput.WithMessage("status must be OPEN or RESOLVED")
	}
	paging := pagingFilter(page, pageSize)

	reviews, total, err := s.reviews.FindByStatus(ctx, reviewStatus, paging.Page, paging.PageSize)
	if err != nil {
		return nil, err
	}
	items := make([]ReviewResponse, len(reviews))
	for i := range reviews {
		items[i] = toReviewResponse(&reviews[i])
	}
	return &ReviewListResponse{Items: items, Total: total, Page: paging.Page, PageSize: paging.PageSize}, nil
}

// ResolveReview closes an open review
func (s *AdminService) ResolveReview(ctx context.Context, id uuid.UUID, req ResolveReviewRequest) (*ReviewResponse, error) {
	review, err := s.reviews.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := review.Resolve(req.Resolution); err != nil {
		return nil, err
	}
	if err := s.reviews.Update(ctx, review); err != nil {
		return nil, err
	}
	s.logger.Info("manual review resolved",
		zap.String("review_id", id.String()),
		zap.String("entry_id", review.EntryID.String()),
	)
	resp := toReviewResponse(review)
	return &resp, nil
}

// ListDeadOutbox returns a page of outbox entries that exhausted their retries
func (s *AdminService) ListDeadOutbox(ctx context.Context, page, pageSize int) (*OutboxListResponse, error) {
	if s.outbox == nil {
		return nil, shared.ErrInvalidState.WithMessage("Outbox is not enabled")
	}
	paging := pagingFilter(page, pageSize)

	entries, total, err := s.outbox.FindDead(ctx, paging.Page, paging.PageSize)
	if err != nil {
		return nil, err
	}
	items := make([]OutboxEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = toOutboxResponse(e)
	}
	return &OutboxListResponse{Items: items, Total: total, Page: paging.Page, PageSize: paging.PageSize}, nil
}

// RetryOutbox returns a dead outbox entry to the relay's pending queue
func (s *AdminService) RetryOutbox(ctx context.Context, id uuid.UUID) (*OutboxEntryResponse, error) {
	if s.outbox == nil {
		return nil, shared.ErrInvalidState.WithMessage("Outbox is not enabled")
	}
	entry, err := s.outbox.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := entry.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.outbox.Update(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("dead outbox entry requeued",
		zap.String("outbox_id", id.String()),
		zap.String("event_id", entry.EventID.String()),
	)
	resp := toOutboxResponse(entry)
	return &resp, nil
}

func pagingFilter(page, pageSize int) shared.Filter {
	f := shared.DefaultFilter()
	f.Page = page
	f.PageSize = pageSize
	return f.Normalize()
}

func toReviewResponse(r *reconciliation.ManualReview) ReviewResponse {
	return ReviewResponse{
		ID:            r.ID,
		EntryID:       r.EntryID,
		EventID:       r.EventID,
		EventType:     string(r.EventType),
		ConsumerGroup: r.ConsumerGroup,
		Reason:        r.Reason,
		Attempts:      r.Attempts,
		Compensations: r.Compensations,
		Status:        string(r.Status),
		Resolution:    r.Resolution,
		ResolvedAt:    r.ResolvedAt,
		CreatedAt:     r.CreatedAt,
	}
}

func toOutboxResponse(e *shared.OutboxEntry) OutboxEntryResponse {
	return OutboxEntryResponse{
		ID:          e.ID,
		EventID:     e.EventID,
		RoutingKey:  e.RoutingKey,
		EntryID:     e.AggregateID,
		Status:      string(e.Status),
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		LastError:   e.LastError,
		NextRetryAt: e.NextRetryAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}
