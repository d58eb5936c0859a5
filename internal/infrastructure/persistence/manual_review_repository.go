package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/reconciliation"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormManualReviewRepository implements reconciliation.ManualReviewRepository using GORM
type GormManualReviewRepository struct {
	db *gorm.DB
}

var _ reconciliation.ManualReviewRepository = (*GormManualReviewRepository)(nil)

// NewGormManualReviewRepository creates a new GormManualReviewRepository
func NewGormManualReviewRepository(db *gorm.DB) *GormManualReviewRepository {
	return &GormManualReviewRepository{db: db}
}

// Save inserts a new review
func (r *GormManualReviewRepository) Save(ctx context.Context, review *reconciliation.ManualReview) error {
	if err := r.db.WithContext(ctx).Create(models.ManualReviewModelFromDomain(review)).Error; err != nil {
		return fmt.Errorf("failed to save manual review: %w", err)
	}
	return nil
}

// Update stores the review's status and resolution
func (r *GormManualReviewRepository) Update(ctx context.Context, review *reconciliation.ManualReview) error {
	res := r.db.WithContext(ctx).
		Model(&models.ManualReviewModel{}).
		Where("id = ?", review.ID).
		Updates(map[string]any{
			"status":        review.Status,
			"resolution":    review.Resolution,
			"resolved_at":   review.ResolvedAt,
			"attempts":      review.Attempts,
			"compensations": review.Compensations,
			"updated_at":    review.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update manual review: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return reconciliation.ErrReviewNotFound
	}
	return nil
}

// FindByID returns the review or reconciliation.ErrReviewNotFound
func (r *GormManualReviewRepository) FindByID(ctx context.Context, id uuid.UUID) (*reconciliation.ManualReview, error) {
	var model models.ManualReviewModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciliation.ErrReviewNotFound
		}
		return nil, fmt.Errorf("failed to load manual review: %w", err)
	}
	return model.ToDomain(), nil
}

// FindByStatus returns a page of reviews, oldest first. An empty status matches all.
func (r *GormManualReviewRepository) FindByStatus(ctx context.Context, status reconciliation.ReviewStatus, page, pageSize int) ([]reconciliation.ManualReview, int64, error) {
	filter := shared.Filter{Page: page, PageSize: pageSize}.Normalize()

	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.ManualReviewModel{})
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count manual reviews: %w", err)
	}

	var rows []models.ManualReviewModel
	err := query().Order("created_at ASC").Order("id ASC").
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list manual reviews: %w", err)
	}

	reviews := make([]reconciliation.ManualReview, len(rows))
	for i := range rows {
		reviews[i] = *rows[i].ToDomain()
	}
	return reviews, total, nil
}

// IncrementCompensations upserts the counter row and returns the new count
func (r *GormManualReviewRepository) IncrementCompensations(ctx context.Context, entryID uuid.UUID) (int, error) {
	var counter models.CompensationCounterModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := models.CompensationCounterModel{EntryID: entryID, Count: 1, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entry_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr("ledger_compensation_counters.count + 1"),
				"updated_at": now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("entry_id = ?", entryID).Take(&counter).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment compensations: %w", err)
	}
	return counter.Count, nil
}
