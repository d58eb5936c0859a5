package models

import (
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalEntryModel is the persistence model for ledger.JournalEntry
type JournalEntryModel struct {
	VersionedModel
	EntryNumber  string                  `gorm:"type:varchar(32);not null;uniqueIndex"`
	Date         time.Time               `gorm:"type:date;not null;index"`
	Description  string                  `gorm:"type:text"`
	Reference    string                  `gorm:"type:varchar(100);index"`
	Status       ledger.EntryStatus      `gorm:"type:varchar(20);not null;index"`
	IsAdjustment bool                    `gorm:"not null;default:false"`
	ReversalOfID *uuid.UUID              `gorm:"type:uuid;uniqueIndex"`
	Lines        []JournalEntryLineModel `gorm:"foreignKey:JournalEntryID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (JournalEntryModel) TableName() string {
	return "journal_entries"
}

// JournalEntryLineModel is the persistence model for ledger.JournalEntryLine.
// LineNo keeps the submitted order.
type JournalEntryLineModel struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	JournalEntryID uuid.UUID           `gorm:"type:uuid;not null;index"`
	LineNo         int                 `gorm:"not null"`
	AccountID      uuid.UUID           `gorm:"type:uuid;not null;index"`
	Description    string              `gorm:"type:text"`
	Debit          decimal.NullDecimal `gorm:"type:decimal(18,4)"`
	Credit         decimal.NullDecimal `gorm:"type:decimal(18,4)"`
}

// TableName returns the table name for GORM
func (JournalEntryLineModel) TableName() string {
	return "journal_entry_lines"
}

// LedgerSequenceModel is a named counter used to number entries
type LedgerSequenceModel struct {
	Name  string `gorm:"type:varchar(50);primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM
func (LedgerSequenceModel) TableName() string {
	return "ledger_sequences"
}

// JournalEntrySequence names the counter behind entry numbers
const JournalEntrySequence = "journal_entry"

// ToDomain converts the model, including preloaded lines, to the aggregate
func (m *JournalEntryModel) ToDomain() *ledger.JournalEntry {
	entry := &ledger.JournalEntry{
		BaseAggregateRoot: m.root(),
		EntryNumber:       m.EntryNumber,
		Date:              m.Date,
		Description:       m.Description,
		Reference:         m.Reference,
		Status:            m.Status,
		IsAdjustment:      m.IsAdjustment,
		ReversalOfID:      m.ReversalOfID,
		Lines:             make([]ledger.JournalEntryLine, len(m.Lines)),
	}
	for i := range m.Lines {
		entry.Lines[i] = m.Lines[i].ToDomain()
	}
	return entry
}

// FromDomain populates the model from the aggregate, numbering lines in order
func (m *JournalEntryModel) FromDomain(e *ledger.JournalEntry) {
	m.VersionedModel = versionedModel(e.BaseAggregateRoot)
	m.EntryNumber = e.EntryNumber
	m.Date = e.Date
	m.Description = e.Description
	m.Reference = e.Reference
	m.Status = e.Status
	m.IsAdjustment = e.IsAdjustment
	m.ReversalOfID = e.ReversalOfID
	m.Lines = LineModelsFromDomain(e.ID, e.Lines)
}

// LineModelsFromDomain maps lines to models owned by entryID
func LineModelsFromDomain(entryID uuid.UUID, lines []ledger.JournalEntryLine) []JournalEntryLineModel {
	out := make([]JournalEntryLineModel, len(lines))
	for i, l := range lines {
		out[i] = JournalEntryLineModel{
			ID:             l.ID,
			JournalEntryID: entryID,
			LineNo:         i + 1,
			AccountID:      l.AccountID,
			Description:    l.Description,
			Debit:          toNullDecimal(l.Debit),
			Credit:         toNullDecimal(l.Credit),
		}
		if out[i].ID == uuid.Nil {
			out[i].ID = uuid.New()
		}
	}
	return out
}

// ToDomain converts a line model to the domain line
func (m *JournalEntryLineModel) ToDomain() ledger.JournalEntryLine {
	return ledger.JournalEntryLine{
		ID:             m.ID,
		JournalEntryID: m.JournalEntryID,
		AccountID:      m.AccountID,
		Description:    m.Description,
		Debit:          fromNullDecimal(m.Debit),
		Credit:         fromNullDecimal(m.Credit),
	}
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
