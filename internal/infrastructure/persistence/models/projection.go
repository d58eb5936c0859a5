package models

import (
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/projection"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookBalanceModel stores projection.AccountBalance
type BookBalanceModel struct {
	Book       projection.Book `gorm:"type:varchar(20);primaryKey"`
	AccountID  uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Debit      decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Credit     decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	EntryCount int             `gorm:"not null;default:0"`
	UpdatedAt  time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (BookBalanceModel) TableName() string {
	return "book_account_balances"
}

// ToDomain converts the model to a domain balance
func (m *BookBalanceModel) ToDomain() projection.AccountBalance {
	return projection.AccountBalance{
		Book:       m.Book,
		AccountID:  m.AccountID,
		Debit:      m.Debit,
		Credit:     m.Credit,
		EntryCount: m.EntryCount,
		UpdatedAt:  m.UpdatedAt,
	}
}

// BookAppliedEntryModel marks a posted entry as applied to a book
type BookAppliedEntryModel struct {
	Book      projection.Book `gorm:"type:varchar(20);primaryKey"`
	EntryID   uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AppliedAt time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (BookAppliedEntryModel) TableName() string {
	return "book_applied_entries"
}

// BookPendingEntryModel stores projection.PendingEntry. A closed row marks
// an entry that was posted or deleted and is never pending again.
type BookPendingEntryModel struct {
	Book        projection.Book `gorm:"type:varchar(20);primaryKey"`
	EntryID     uuid.UUID       `gorm:"type:uuid;primaryKey"`
	EntryNumber string          `gorm:"type:varchar(32)"`
	Amount      decimal.Decimal `gorm:"type:decimal(19,4);not null"`
	Version     int             `gorm:"not null"`
	Closed      bool            `gorm:"not null;default:false"`
	UpdatedAt   time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (BookPendingEntryModel) TableName() string {
	return "book_pending_entries"
}

// ToDomain converts the model to a domain pending entry
func (m *BookPendingEntryModel) ToDomain() projection.PendingEntry {
	return projection.PendingEntry{
		Book:        m.Book,
		EntryID:     m.EntryID,
		EntryNumber: m.EntryNumber,
		Amount:      m.Amount,
		Version:     m.Version,
		UpdatedAt:   m.UpdatedAt,
	}
}

// EntryViewModel stores projection.EntryView. A deleted row is kept as a
// tombstone so a late event for the entry cannot bring the view back.
type EntryViewModel struct {
	EntryID      uuid.UUID          `gorm:"type:uuid;primaryKey"`
	EntryNumber  string             `gorm:"type:varchar(32)"`
	Date         time.Time          `gorm:"type:date;index"`
	Description  string             `gorm:"type:text"`
	Reference    string             `gorm:"type:varchar(100)"`
	Status       ledger.EntryStatus `gorm:"type:varchar(20);index"`
	IsAdjustment bool
	TotalAmount  decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	LineCount    int
	ReversalOfID *uuid.UUID `gorm:"type:uuid"`
	Version      int        `gorm:"not null"`
	Deleted      bool       `gorm:"not null;default:false"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EntryViewModel) TableName() string {
	return "reporting_entry_views"
}

// ToDomain converts the model to a domain view
func (m *EntryViewModel) ToDomain() *projection.EntryView {
	return &projection.EntryView{
		EntryID:      m.EntryID,
		EntryNumber:  m.EntryNumber,
		Date:         m.Date,
		Description:  m.Description,
		Reference:    m.Reference,
		Status:       m.Status,
		IsAdjustment: m.IsAdjustment,
		TotalAmount:  m.TotalAmount,
		LineCount:    m.LineCount,
		ReversalOfID: m.ReversalOfID,
		Version:      m.Version,
		UpdatedAt:    m.UpdatedAt,
	}
}

// EntryViewModelFromDomain maps a view to its model
func EntryViewModelFromDomain(v projection.EntryView) *EntryViewModel {
	return &EntryViewModel{
		EntryID:      v.EntryID,
		EntryNumber:  v.EntryNumber,
		Date:         v.Date,
		Description:  v.Description,
		Reference:    v.Reference,
		Status:       v.Status,
		IsAdjustment: v.IsAdjustment,
		TotalAmount:  v.TotalAmount,
		LineCount:    v.LineCount,
		ReversalOfID: v.ReversalOfID,
		Version:      v.Version,
		UpdatedAt:    v.UpdatedAt,
	}
}

// DailyTotalModel stores the reporting roll-up per day
type DailyTotalModel struct {
	Day         time.Time       `gorm:"type:date;primaryKey"`
	PostedTotal decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	EntryCount  int             `gorm:"not null"`
	UpdatedAt   time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (DailyTotalModel) TableName() string {
	return "reporting_daily_totals"
}
