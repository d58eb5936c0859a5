package projection

import (
	"context"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrViewNotFound = shared.ErrNotFound.WithMessage("Entry view not found")

// EntryView is the reporting service's denormalized row for one entry
type EntryView struct {
	EntryID      uuid.UUID
	EntryNumber  string
	Date         time.Time
	Description  string
	Reference    string
	Status       ledger.EntryStatus
	IsAdjustment bool
	TotalAmount  decimal.Decimal
	LineCount    int
	ReversalOfID *uuid.UUID
	Version      int
	UpdatedAt    time.Time
}

// NewEntryView flattens a snapshot into a view row
func NewEntryView(s ledger.EntrySnapshot) EntryView {
	return EntryView{
		EntryID:      s.ID,
		EntryNumber:  s.EntryNumber,
		Date:         s.Date,
		Description:  s.Description,
		Reference:    s.Reference,
		Status:       s.Status,
		IsAdjustment: s.IsAdjustment,
		TotalAmount:  s.TotalAmount,
		LineCount:    len(s.Lines),
		ReversalOfID: s.ReversalOfID,
		Version:      s.Version,
	}
}

// DailyTotal is the posted volume for one calendar day
type DailyTotal struct {
	Day         time.Time
	PostedTotal decimal.Decimal
	EntryCount  int
	UpdatedAt   time.Time
}

// EntryViewRepository stores the reporting projection
type EntryViewRepository interface {
	// Upsert stores v unless a newer version is already stored; it reports
	// whether the row changed.
	Upsert(ctx context.Context, v EntryView) (bool, error)
	// Delete leaves a tombstone; later upserts for the entry are ignored
	Delete(ctx context.Context, entryID uuid.UUID) error
	FindByID(ctx context.Context, entryID uuid.UUID) (*EntryView, error)
	// RecomputeDailyTotal rebuilds the roll-up for the day from posted views
	RecomputeDailyTotal(ctx context.Context, day time.Time) (*DailyTotal, error)
}
