package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places an amount may carry
const AmountScale = 4

// MaxAmount is the smallest amount a line or an entry total may not reach
var MaxAmount = decimal.New(1, 14)

// JournalEntryLine is one debit or credit posting owned by a journal entry.
// Exactly one of Debit and Credit is set.
type JournalEntryLine struct {
	ID             uuid.UUID
	JournalEntryID uuid.UUID
	AccountID      uuid.UUID
	Description    string
	Debit          *decimal.Decimal
	Credit         *decimal.Decimal
}

// NewLine creates a line with a fresh ID. Amounts are validated with the entry.
func NewLine(accountID uuid.UUID, description string, debit, credit *decimal.Decimal) JournalEntryLine {
	return JournalEntryLine{
		ID:          uuid.New(),
		AccountID:   accountID,
		Description: description,
		Debit:       debit,
		Credit:      credit,
	}
}

// IsDebit reports whether the line posts to the debit side
func (l JournalEntryLine) IsDebit() bool {
	return l.Debit != nil
}

// Amount returns the posted amount regardless of side
func (l JournalEntryLine) Amount() decimal.Decimal {
	if l.Debit != nil {
		return *l.Debit
	}
	if l.Credit != nil {
		return *l.Credit
	}
	return decimal.Zero
}

// Swapped returns a copy with debit and credit exchanged and a new ID.
func (l JournalEntryLine) Swapped() JournalEntryLine {
	return JournalEntryLine{
		ID:          uuid.New(),
		AccountID:   l.AccountID,
		Description: l.Description,
		Debit:       copyAmount(l.Credit),
		Credit:      copyAmount(l.Debit),
	}
}

func (l JournalEntryLine) validate(index int) error {
	switch {
	case l.Debit != nil && l.Credit != nil:
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: debit and credit are mutually exclusive", index+1))
	case l.Debit == nil && l.Credit == nil:
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: either debit or credit is required", index+1))
	case !l.Amount().IsPositive():
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: amount must be greater than zero", index+1))
	case !l.Amount().Truncate(AmountScale).Equal(l.Amount()):
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: amount has more than %d decimal places", index+1, AmountScale))
	case l.Amount().GreaterThanOrEqual(MaxAmount):
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: amount must be less than %s", index+1, MaxAmount))
	case l.AccountID == uuid.Nil:
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("line %d: account is required", index+1))
	}
	return nil
}

func copyAmount(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
