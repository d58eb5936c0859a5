package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryStatus is the lifecycle state of a journal entry
type EntryStatus string

const (
	StatusDraft  EntryStatus = "DRAFT"
	StatusPosted EntryStatus = "POSTED"
	// StatusReversed is accepted on the wire but never assigned: a reversed
	// entry keeps POSTED and is linked from its reversal through ReversalOfID.
	StatusReversed EntryStatus = "REVERSED"
)

// IsValid reports whether s is a known status
func (s EntryStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusPosted, StatusReversed:
		return true
	}
	return false
}

const reversalDescriptionPrefix = "Reversal of "

// JournalEntry is the aggregate root of the general ledger: an atomic,
// balanced set of debit and credit lines.
type JournalEntry struct {
	shared.BaseAggregateRoot
	EntryNumber  string
	Date         time.Time
	Description  string
	Reference    string
	Status       EntryStatus
	IsAdjustment bool
	ReversalOfID *uuid.UUID
	Lines        []JournalEntryLine
}

// NewJournalEntry validates the lines and creates a DRAFT entry.
// EntryNumber is assigned by the repository when the entry is stored.
func NewJournalEntry(date time.Time, description, reference string, isAdjustment bool, lines []JournalEntryLine) (*JournalEntry, error) {
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, shared.ErrInvalidInput.WithMessage("entry date is required")
	}

	entry := &JournalEntry{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Date:              date,
		Description:       strings.TrimSpace(description),
		Reference:         strings.TrimSpace(reference),
		Status:            StatusDraft,
		IsAdjustment:      isAdjustment,
	}
	entry.setLines(lines)
	entry.AddDomainEvent(NewJournalEntryEvent(EventCreated, entry.ID))
	return entry, nil
}

// EntryChanges carries the optional header and line changes of an update.
// A nil Lines slice leaves the lines untouched.
type EntryChanges struct {
	Date         *time.Time
	Description  *string
	Reference    *string
	IsAdjustment *bool
	Lines        []JournalEntryLine
}

// HasLines reports whether the change replaces the line set
func (c EntryChanges) HasLines() bool {
	return c.Lines != nil
}

// Update applies changes to a DRAFT entry, re-validating replaced lines.
func (e *JournalEntry) Update(changes EntryChanges) error {
	if e.Status != StatusDraft {
		return ErrNotDraft
	}
	if changes.HasLines() {
		if err := ValidateLines(changes.Lines); err != nil {
			return err
		}
	}

	if changes.Date != nil {
		if changes.Date.IsZero() {
			return shared.ErrInvalidInput.WithMessage("entry date is required")
		}
		e.Date = *changes.Date
	}
	if changes.Description != nil {
		e.Description = strings.TrimSpace(*changes.Description)
	}
	if changes.Reference != nil {
		e.Reference = strings.TrimSpace(*changes.Reference)
	}
	if changes.IsAdjustment != nil {
		e.IsAdjustment = *changes.IsAdjustment
	}
	if changes.HasLines() {
		e.setLines(changes.Lines)
	}

	e.Touch()
	e.AddDomainEvent(NewJournalEntryEvent(EventUpdated, e.ID))
	return nil
}

// Post moves a DRAFT entry to POSTED after checking the balance again,
// since stored lines may have drifted from what was validated on create.
func (e *JournalEntry) Post() error {
	if e.Status != StatusDraft {
		return ErrNotDraft
	}
	if err := ValidateLines(e.Lines); err != nil {
		return err
	}
	e.Status = StatusPosted
	e.Touch()
	e.AddDomainEvent(NewJournalEntryEvent(EventPosted, e.ID))
	return nil
}

// MarkRemoved checks that the entry may be deleted and records the event.
func (e *JournalEntry) MarkRemoved() error {
	if e.Status != StatusDraft {
		return ErrNotDraft
	}
	e.AddDomainEvent(NewJournalEntryEvent(EventDeleted, e.ID))
	return nil
}

// IsReversal reports whether the entry reverses another entry
func (e *JournalEntry) IsReversal() bool {
	return e.ReversalOfID != nil
}

// CanReverse checks the reversal preconditions that depend on the entry alone.
// Whether a reversal already exists is checked by the repository.
func (e *JournalEntry) CanReverse() error {
	if e.Status != StatusPosted {
		return ErrNotPosted
	}
	if e.IsReversal() {
		return ErrReversalOfReversal
	}
	return nil
}

// BuildReversal returns a new POSTED entry that cancels e by swapping every
// line's debit and credit. e itself is not modified.
func (e *JournalEntry) BuildReversal(date time.Time) (*JournalEntry, error) {
	if err := e.CanReverse(); err != nil {
		return nil, err
	}

	lines := make([]JournalEntryLine, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = l.Swapped()
	}
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}

	originalID := e.ID
	reversal := &JournalEntry{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Date:              date,
		Description:       e.reversalDescription(),
		Reference:         e.reversalReference(),
		Status:            StatusPosted,
		IsAdjustment:      e.IsAdjustment,
		ReversalOfID:      &originalID,
	}
	reversal.setLines(lines)
	reversal.AddDomainEvent(NewJournalEntryEvent(EventPosted, reversal.ID))
	return reversal, nil
}

func (e *JournalEntry) reversalDescription() string {
	label := e.EntryNumber
	if label == "" {
		label = e.ID.String()
	}
	if e.Description == "" {
		return reversalDescriptionPrefix + label
	}
	return fmt.Sprintf("%s%s: %s", reversalDescriptionPrefix, label, e.Description)
}

func (e *JournalEntry) reversalReference() string {
	if e.Reference != "" {
		return "REV-" + e.Reference
	}
	return "REV-" + e.EntryNumber
}

// Totals returns the debit and credit sums of the entry
func (e *JournalEntry) Totals() Totals {
	return SumLines(e.Lines)
}

// TotalAmount is the debit total, which equals the credit total for a balanced entry
func (e *JournalEntry) TotalAmount() decimal.Decimal {
	return e.Totals().Debit
}

func (e *JournalEntry) setLines(lines []JournalEntryLine) {
	e.Lines = make([]JournalEntryLine, len(lines))
	for i, l := range lines {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.JournalEntryID = e.ID
		e.Lines[i] = l
	}
}

