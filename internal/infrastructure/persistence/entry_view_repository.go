package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormEntryViewRepository implements projection.EntryViewRepository using GORM
type GormEntryViewRepository struct {
	db *gorm.DB
}

var _ projection.EntryViewRepository = (*GormEntryViewRepository)(nil)

// NewGormEntryViewRepository creates a new GormEntryViewRepository
func NewGormEntryViewRepository(db *gorm.DB) *GormEntryViewRepository {
	return &GormEntryViewRepository{db: db}
}

// Upsert inserts or replaces the view when v carries a newer version. A
// deleted entry is never replaced.
func (r *GormEntryViewRepository) Upsert(ctx context.Context, v projection.EntryView) (bool, error) {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entry_id"}},
		Where:   clause.Where{Exprs: []clause.Expression{gorm.Expr("NOT reporting_entry_views.deleted AND reporting_entry_views.version < excluded.version")}},
		DoUpdates: clause.AssignmentColumns([]string{
			"entry_number", "date", "description", "reference", "status", "is_adjustment",
			"total_amount", "line_count", "reversal_of_id", "version", "updated_at",
		}),
	}).Create(models.EntryViewModelFromDomain(v))
	if res.Error != nil {
		return false, fmt.Errorf("failed to upsert entry view: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete replaces the view with a tombstone, creating one when the entry
// was never seen
func (r *GormEntryViewRepository) Delete(ctx context.Context, entryID uuid.UUID) error {
	now := time.Now().UTC()
	row := models.EntryViewModel{
		EntryID:     entryID,
		TotalAmount: decimal.Zero,
		Deleted:     true,
		UpdatedAt:   now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entry_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"deleted":    true,
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to delete entry view: %w", err)
	}
	return nil
}

// FindByID returns projection.ErrViewNotFound for an unknown entry
func (r *GormEntryViewRepository) FindByID(ctx context.Context, entryID uuid.UUID) (*projection.EntryView, error) {
	var row models.EntryViewModel
	if err := r.db.WithContext(ctx).Where("entry_id = ? AND deleted = ?", entryID, false).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, projection.ErrViewNotFound
		}
		return nil, fmt.Errorf("failed to load entry view: %w", err)
	}
	return row.ToDomain(), nil
}

// RecomputeDailyTotal sums the posted views dated on day and stores the result
func (r *GormEntryViewRepository) RecomputeDailyTotal(ctx context.Context, day time.Time) (*projection.DailyTotal, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	var agg struct {
		Total decimal.NullDecimal
		Count int
	}
	err := r.db.WithContext(ctx).
		Model(&models.EntryViewModel{}).
		Select("SUM(total_amount) AS total, COUNT(*) AS count").
		Where("status = ? AND deleted = ? AND date >= ? AND date < ?", ledger.StatusPosted, false, start, end).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum posted entries: %w", err)
	}

	row := models.DailyTotalModel{
		Day:         start,
		PostedTotal: agg.Total.Decimal,
		EntryCount:  agg.Count,
		UpdatedAt:   time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"posted_total", "entry_count", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store daily total: %w", err)
	}

	return &projection.DailyTotal{
		Day:         row.Day,
		PostedTotal: row.PostedTotal,
		EntryCount:  row.EntryCount,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}
