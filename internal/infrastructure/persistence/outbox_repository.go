package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOutboxEntryNotFound is returned for an unknown outbox entry ID
var ErrOutboxEntryNotFound = shared.ErrNotFound.WithMessage("Outbox entry not found")

// GormOutboxRepository implements shared.OutboxRepository using GORM
type GormOutboxRepository struct {
	db *gorm.DB
}

var _ shared.OutboxRepository = (*GormOutboxRepository)(nil)

// NewGormOutboxRepository creates a new GormOutboxRepository
func NewGormOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

// Save inserts entries. An entry whose event is already parked is skipped.
func (r *GormOutboxRepository) Save(ctx context.Context, entries ...*shared.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]*models.OutboxEntryModel, len(entries))
	for i, e := range entries {
		rows[i] = models.OutboxEntryModelFromDomain(e)
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(rows).Error
	if err != nil {
		return fmt.Errorf("failed to save outbox entries: %w", err)
	}
	return nil
}

// FindPending returns pending entries, oldest first. An entry is held back
// while an older entry of the same partition is in flight or waiting for
// its next attempt.
func (r *GormOutboxRepository) FindPending(ctx context.Context, limit int) ([]*shared.OutboxEntry, error) {
	var rows []models.OutboxEntryModel
	err := r.db.WithContext(ctx).
		Where("status = ?", shared.OutboxStatusPending).
		Where(notBehind(time.Now().UTC(), shared.OutboxStatusProcessing)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending outbox entries: %w", err)
	}
	return toOutboxEntries(rows), nil
}

// FindRetryable returns failed entries due before the given time, oldest
// first. An entry is held back while an older entry of the same partition is
// still unsent.
func (r *GormOutboxRepository) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*shared.OutboxEntry, error) {
	var rows []models.OutboxEntryModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", shared.OutboxStatusFailed, before).
		Where(notBehind(before, shared.OutboxStatusPending, shared.OutboxStatusProcessing)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find retryable outbox entries: %w", err)
	}
	return toOutboxEntries(rows), nil
}

// notBehind excludes rows that have an older row of the same partition in
// one of blocking, or failed and not due at now
func notBehind(now time.Time, blocking ...shared.OutboxStatus) clause.Expr {
	return gorm.Expr(`NOT EXISTS (
		SELECT 1 FROM outbox_events older
		WHERE older.partition_key = outbox_events.partition_key
		AND older.created_at < outbox_events.created_at
		AND (older.status IN ? OR (older.status = ? AND older.next_retry_at > ?)))`,
		blocking, shared.OutboxStatusFailed, now)
}

// HasUnsent reports whether the partition has an entry that is not yet sent
// or dead
func (r *GormOutboxRepository) HasUnsent(ctx context.Context, partitionKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OutboxEntryModel{}).
		Where("partition_key = ? AND status IN ?", partitionKey, shared.UnsentOutboxStatuses).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check outbox partition: %w", err)
	}
	return count > 0, nil
}

// FindDead returns dead entries, most recently failed first
func (r *GormOutboxRepository) FindDead(ctx context.Context, page, pageSize int) ([]*shared.OutboxEntry, int64, error) {
	filter := shared.Filter{Page: page, PageSize: pageSize}.Normalize()
	query := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.OutboxEntryModel{}).Where("status = ?", shared.OutboxStatusDead)
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count dead outbox entries: %w", err)
	}

	var rows []models.OutboxEntryModel
	err := query().Order("updated_at DESC").
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead outbox entries: %w", err)
	}
	return toOutboxEntries(rows), total, nil
}

func (r *GormOutboxRepository) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxEntry, error) {
	var row models.OutboxEntryModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOutboxEntryNotFound
		}
		return nil, fmt.Errorf("failed to load outbox entry: %w", err)
	}
	return row.ToDomain(), nil
}

// MarkProcessing claims the entries that are still pending or failed.
// Rows locked by another relay are skipped rather than waited on.
func (r *GormOutboxRepository) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*shared.OutboxEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []models.OutboxEntryModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id IN ? AND status IN ?", ids, []shared.OutboxStatus{
				shared.OutboxStatusPending,
				shared.OutboxStatusFailed,
			}).
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}

		claimed := make([]uuid.UUID, len(rows))
		for i := range rows {
			claimed[i] = rows[i].ID
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.OutboxEntryModel{}).
			Where("id IN ?", claimed).
			Updates(map[string]any{"status": shared.OutboxStatusProcessing, "updated_at": now}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].Status = shared.OutboxStatusProcessing
			rows[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	return toOutboxEntries(rows), nil
}

// Update stores the entry's delivery state
func (r *GormOutboxRepository) Update(ctx context.Context, entry *shared.OutboxEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.OutboxEntryModel{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{
			"status":        entry.Status,
			"retry_count":   entry.RetryCount,
			"max_retries":   entry.MaxRetries,
			"last_error":    entry.LastError,
			"next_retry_at": entry.NextRetryAt,
			"processed_at":  entry.ProcessedAt,
			"updated_at":    entry.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update outbox entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

// DeleteOlderThan removes sent entries processed before the cutoff
func (r *GormOutboxRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", shared.OutboxStatusSent, before).
		Delete(&models.OutboxEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete sent outbox entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormOutboxRepository) CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	var results []struct {
		Status shared.OutboxStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.OutboxEntryModel{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	counts := make(map[shared.OutboxStatus]int64, len(results))
	for _, c := range results {
		counts[c.Status] = c.Count
	}
	return counts, nil
}

func toOutboxEntries(rows []models.OutboxEntryModel) []*shared.OutboxEntry {
	entries := make([]*shared.OutboxEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToDomain()
	}
	return entries
}
