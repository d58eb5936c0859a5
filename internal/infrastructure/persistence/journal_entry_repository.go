package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormJournalEntryRepository implements ledger.JournalEntryRepository using GORM.
// Every multi-row write runs inside one transaction.
type GormJournalEntryRepository struct {
	db               *gorm.DB
	statementTimeout time.Duration
	now              func() time.Time
}

var _ ledger.JournalEntryRepository = (*GormJournalEntryRepository)(nil)

// NewGormJournalEntryRepository creates a repository whose calls are bounded
// by statementTimeout (zero disables the bound).
func NewGormJournalEntryRepository(db *gorm.DB, statementTimeout time.Duration) *GormJournalEntryRepository {
	return &GormJournalEntryRepository{
		db:               db,
		statementTimeout: statementTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func orderLines(db *gorm.DB) *gorm.DB {
	return db.Order("line_no ASC")
}

// FindAll returns a page of entries with their lines, plus the total match count
func (r *GormJournalEntryRepository) FindAll(ctx context.Context, filter ledger.JournalEntryFilter) ([]ledger.JournalEntry, int64, error) {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	filter.Filter = filter.Filter.Normalize()
	query := func() *gorm.DB {
		return r.applyFilter(r.db.WithContext(ctx).Model(&models.JournalEntryModel{}), filter)
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count journal entries: %w", err)
	}

	var rows []models.JournalEntryModel
	err := query().
		Preload("Lines", orderLines).
		Clauses(journalEntryOrder(filter.OrderBy, filter.OrderDir)).
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list journal entries: %w", err)
	}

	entries := make([]ledger.JournalEntry, len(rows))
	for i := range rows {
		entries[i] = *rows[i].ToDomain()
	}
	return entries, total, nil
}

func (r *GormJournalEntryRepository) applyFilter(query *gorm.DB, filter ledger.JournalEntryFilter) *gorm.DB {
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.IsAdjustment != nil {
		query = query.Where("is_adjustment = ?", *filter.IsAdjustment)
	}
	if filter.DateFrom != nil {
		query = query.Where("date >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("date <= ?", *filter.DateTo)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(description) LIKE ? OR LOWER(reference) LIKE ? OR LOWER(entry_number) LIKE ?",
			like, like, like,
		)
	}
	return query
}

// FindOne returns the entry with its lines in submitted order
func (r *GormJournalEntryRepository) FindOne(ctx context.Context, id uuid.UUID) (*ledger.JournalEntry, error) {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	return findEntry(r.db.WithContext(ctx), id)
}

func findEntry(db *gorm.DB, id uuid.UUID) (*ledger.JournalEntry, error) {
	var model models.JournalEntryModel
	if err := db.Preload("Lines", orderLines).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to load journal entry: %w", err)
	}
	return model.ToDomain(), nil
}

// Create stores the entry header and lines in one transaction and assigns
// the next entry number.
func (r *GormJournalEntryRepository) Create(ctx context.Context, entry *ledger.JournalEntry) error {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertEntry(tx, entry)
	})
}

func insertEntry(tx *gorm.DB, entry *ledger.JournalEntry) error {
	number, err := nextEntryNumber(tx)
	if err != nil {
		return err
	}

	model := &models.JournalEntryModel{}
	model.FromDomain(entry)
	model.EntryNumber = number
	if err := tx.Omit("Lines").Create(model).Error; err != nil {
		return fmt.Errorf("failed to create journal entry: %w", err)
	}
	if len(model.Lines) > 0 {
		if err := tx.Create(&model.Lines).Error; err != nil {
			return fmt.Errorf("failed to create journal entry lines: %w", err)
		}
	}

	entry.EntryNumber = number
	return nil
}

// nextEntryNumber increments the counter row first so concurrent
// transactions serialize on its row lock.
func nextEntryNumber(tx *gorm.DB) (string, error) {
	res := tx.Model(&models.LedgerSequenceModel{}).
		Where("name = ?", models.JournalEntrySequence).
		UpdateColumn("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return "", fmt.Errorf("failed to advance entry sequence: %w", res.Error)
	}

	seq := models.LedgerSequenceModel{Name: models.JournalEntrySequence, Value: 1}
	if res.RowsAffected == 0 {
		if err := tx.Create(&seq).Error; err != nil {
			return "", fmt.Errorf("failed to seed entry sequence: %w", err)
		}
	} else if err := tx.Where("name = ?", models.JournalEntrySequence).Take(&seq).Error; err != nil {
		return "", fmt.Errorf("failed to read entry sequence: %w", err)
	}

	return fmt.Sprintf("JE-%06d", seq.Value), nil
}

// Update applies the patch when the stored version matches. Lines, when
// present, are replaced by delete-then-recreate.
func (r *GormJournalEntryRepository) Update(ctx context.Context, id uuid.UUID, patch ledger.JournalEntryPatch) (*ledger.JournalEntry, error) {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	var updated *ledger.JournalEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"updated_at": r.now(),
			"version":    gorm.Expr("version + 1"),
		}
		if patch.Date != nil {
			updates["date"] = *patch.Date
		}
		if patch.Description != nil {
			updates["description"] = *patch.Description
		}
		if patch.Reference != nil {
			updates["reference"] = *patch.Reference
		}
		if patch.IsAdjustment != nil {
			updates["is_adjustment"] = *patch.IsAdjustment
		}

		res := tx.Model(&models.JournalEntryModel{}).
			Where("id = ? AND version = ?", id, patch.ExpectedVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update journal entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(tx, id)
		}

		if patch.Lines != nil {
			if err := tx.Where("journal_entry_id = ?", id).Delete(&models.JournalEntryLineModel{}).Error; err != nil {
				return fmt.Errorf("failed to delete journal entry lines: %w", err)
			}
			lines := models.LineModelsFromDomain(id, patch.Lines)
			if len(lines) > 0 {
				if err := tx.Create(&lines).Error; err != nil {
					return fmt.Errorf("failed to create journal entry lines: %w", err)
				}
			}
		}

		var err error
		updated, err = findEntry(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the entry and its lines when the stored version matches
func (r *GormJournalEntryRepository) Remove(ctx context.Context, id uuid.UUID, expectedVersion int) error {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&models.JournalEntryModel{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete journal entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(tx, id)
		}
		if err := tx.Where("journal_entry_id = ?", id).Delete(&models.JournalEntryLineModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete journal entry lines: %w", err)
		}
		return nil
	})
}

// UpdateStatus sets the status when the stored version matches
func (r *GormJournalEntryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status ledger.EntryStatus, expectedVersion int) error {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	res := db.Model(&models.JournalEntryModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"status":     status,
			"updated_at": r.now(),
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update journal entry status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return missingOrConflict(db, id)
	}
	return nil
}

// CreateReversalEntry locks the original, checks it can still be reversed
// and stores its swapped copy as POSTED, all in one transaction. The unique
// index on reversal_of_id rejects a concurrent second reversal.
func (r *GormJournalEntryRepository) CreateReversalEntry(ctx context.Context, originalID uuid.UUID) (*ledger.JournalEntry, error) {
	ctx, cancel := withTimeout(ctx, r.statementTimeout)
	defer cancel()

	var reversal *ledger.JournalEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.JournalEntryModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Lines", orderLines).
			Where("id = ?", originalID).
			First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrEntryNotFound
			}
			return fmt.Errorf("failed to lock journal entry: %w", err)
		}

		original := model.ToDomain()
		if err := original.CanReverse(); err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&models.JournalEntryModel{}).Where("reversal_of_id = ?", originalID).Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check existing reversal: %w", err)
		}
		if existing > 0 {
			return ledger.ErrAlreadyReversed
		}

		built, err := original.BuildReversal(r.today())
		if err != nil {
			return err
		}
		if err := insertEntry(tx, built); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ledger.ErrAlreadyReversed
			}
			return err
		}
		reversal = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

// today is the reversal date: the server's current calendar day in UTC,
// whatever the caller's time zone
func (r *GormJournalEntryRepository) today() time.Time {
	now := r.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// missingOrConflict explains a guarded write that touched no rows
func missingOrConflict(db *gorm.DB, id uuid.UUID) error {
	var count int64
	if err := db.Model(&models.JournalEntryModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check journal entry: %w", err)
	}
	if count == 0 {
		return ledger.ErrEntryNotFound
	}
	return shared.ErrConcurrencyConflict
}
