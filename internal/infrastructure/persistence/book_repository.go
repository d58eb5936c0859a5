package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBookRepository implements projection.BookRepository using GORM.
// All books share the same tables, keyed by book name.
type GormBookRepository struct {
	db *gorm.DB
}

var _ projection.BookRepository = (*GormBookRepository)(nil)

// NewGormBookRepository creates a new GormBookRepository
func NewGormBookRepository(db *gorm.DB) *GormBookRepository {
	return &GormBookRepository{db: db}
}

// ApplyPosted records entryID as applied to the book, adds its postings to
// the balances and closes its pending row in the same transaction. A second
// call for the same entry changes nothing and returns false.
func (r *GormBookRepository) ApplyPosted(ctx context.Context, book projection.Book, entryID uuid.UUID, postings []projection.Posting) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := closePending(tx, book, entryID, now); err != nil {
			return err
		}
		marker := models.BookAppliedEntryModel{Book: book, EntryID: entryID, AppliedAt: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return fmt.Errorf("failed to mark entry applied: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		for _, p := range postings {
			row := models.BookBalanceModel{
				Book:       book,
				AccountID:  p.AccountID,
				Debit:      p.Debit,
				Credit:     p.Credit,
				EntryCount: 1,
				UpdatedAt:  now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "book"}, {Name: "account_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"debit":       gorm.Expr("book_account_balances.debit + excluded.debit"),
					"credit":      gorm.Expr("book_account_balances.credit + excluded.credit"),
					"entry_count": gorm.Expr("book_account_balances.entry_count + 1"),
					"updated_at":  now,
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to update %s balance: %w", book, err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// UpsertPending stores p unless the stored row has a newer version or is
// closed
func (r *GormBookRepository) UpsertPending(ctx context.Context, p projection.PendingEntry) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	row := models.BookPendingEntryModel{
		Book:        p.Book,
		EntryID:     p.EntryID,
		EntryNumber: p.EntryNumber,
		Amount:      p.Amount,
		Version:     p.Version,
		UpdatedAt:   p.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book"}, {Name: "entry_id"}},
		Where:     clause.Where{Exprs: []clause.Expression{gorm.Expr("NOT book_pending_entries.closed AND book_pending_entries.version < excluded.version")}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_number", "amount", "version", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert pending entry: %w", err)
	}
	return nil
}

// ClosePending takes the entry out of the book's pending list for good. The
// closed row stays behind so a late draft event cannot reopen it.
func (r *GormBookRepository) ClosePending(ctx context.Context, book projection.Book, entryID uuid.UUID) error {
	return closePending(r.db.WithContext(ctx), book, entryID, time.Now().UTC())
}

func closePending(tx *gorm.DB, book projection.Book, entryID uuid.UUID, now time.Time) error {
	row := models.BookPendingEntryModel{
		Book:      book,
		EntryID:   entryID,
		Amount:    decimal.Zero,
		Closed:    true,
		UpdatedAt: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "book"}, {Name: "entry_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"closed":     true,
			"amount":     decimal.Zero,
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to close pending entry: %w", err)
	}
	return nil
}

// FindBalance returns projection.ErrBalanceNotFound for an account the book has never seen
func (r *GormBookRepository) FindBalance(ctx context.Context, book projection.Book, accountID uuid.UUID) (*projection.AccountBalance, error) {
	var row models.BookBalanceModel
	err := r.db.WithContext(ctx).Where("book = ? AND account_id = ?", book, accountID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, projection.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	balance := row.ToDomain()
	return &balance, nil
}

// ListBalances returns every balance of the book
func (r *GormBookRepository) ListBalances(ctx context.Context, book projection.Book) ([]projection.AccountBalance, error) {
	var rows []models.BookBalanceModel
	if err := r.db.WithContext(ctx).Where("book = ?", book).Order("account_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	balances := make([]projection.AccountBalance, len(rows))
	for i := range rows {
		balances[i] = rows[i].ToDomain()
	}
	return balances, nil
}

// ListPending returns the book's open entries with exposure, latest first
func (r *GormBookRepository) ListPending(ctx context.Context, book projection.Book) ([]projection.PendingEntry, error) {
	var rows []models.BookPendingEntryModel
	err := r.db.WithContext(ctx).
		Where("book = ? AND closed = ?", book, false).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	pending := make([]projection.PendingEntry, 0, len(rows))
	for i := range rows {
		if rows[i].Amount.IsZero() {
			continue
		}
		pending = append(pending, rows[i].ToDomain())
	}
	return pending, nil
}
