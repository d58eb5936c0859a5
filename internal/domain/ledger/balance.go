package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BalanceEpsilon is the largest debit/credit difference still treated as balanced.
var BalanceEpsilon = decimal.New(1, -3)

// Totals holds the debit and credit sums of a set of lines
type Totals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Balanced reports whether debits equal credits within BalanceEpsilon
func (t Totals) Balanced() bool {
	return t.Debit.Sub(t.Credit).Abs().LessThanOrEqual(BalanceEpsilon)
}

// SumLines adds up the debit and credit sides
func SumLines(lines []JournalEntryLine) Totals {
	totals := Totals{Debit: decimal.Zero, Credit: decimal.Zero}
	for _, l := range lines {
		if l.Debit != nil {
			totals.Debit = totals.Debit.Add(*l.Debit)
		}
		if l.Credit != nil {
			totals.Credit = totals.Credit.Add(*l.Credit)
		}
	}
	return totals
}

// ValidateLines checks that lines are non-empty, individually well formed and balanced.
func ValidateLines(lines []JournalEntryLine) error {
	if len(lines) == 0 {
		return ErrEmptyEntry
	}
	for i, l := range lines {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	totals := SumLines(lines)
	if !totals.Balanced() {
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf(
			"debits %s do not equal credits %s", totals.Debit.StringFixed(4), totals.Credit.StringFixed(4)))
	}
	if totals.Debit.GreaterThanOrEqual(MaxAmount) || totals.Credit.GreaterThanOrEqual(MaxAmount) {
		return ErrUnbalancedEntry.WithMessage(fmt.Sprintf("entry total must be less than %s", MaxAmount))
	}
	return nil
}
