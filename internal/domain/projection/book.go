// Package projection models the local views that downstream services keep
// of the general ledger. They are fed only by ledger events.
package projection

import (
	"context"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book names a downstream subledger
type Book string

const (
	BookPayables    Book = "payables"
	BookReceivables Book = "receivables"
	BookInventory   Book = "inventory"
)

// ErrBalanceNotFound is returned when a book has never seen an account
var ErrBalanceNotFound = shared.ErrNotFound.WithMessage("Account balance not found")

// AccountBalance is the posted activity a book has seen for one account
type AccountBalance struct {
	Book       Book
	AccountID  uuid.UUID
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	EntryCount int
	UpdatedAt  time.Time
}

// Net returns debit minus credit
func (b AccountBalance) Net() decimal.Decimal {
	return b.Debit.Sub(b.Credit)
}

// Posting is one line of a posted entry as seen by a book
type Posting struct {
	AccountID uuid.UUID
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// PendingEntry tracks a draft entry that touches a book's accounts, so the
// downstream service can show exposure that is not posted yet.
type PendingEntry struct {
	Book        Book
	EntryID     uuid.UUID
	EntryNumber string
	Amount      decimal.Decimal
	Version     int
	UpdatedAt   time.Time
}

// AccountSet classifies ledger accounts as belonging to a book
type AccountSet map[uuid.UUID]struct{}

// NewAccountSet builds a set from account ids
func NewAccountSet(ids ...uuid.UUID) AccountSet {
	s := make(AccountSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id belongs to the set
func (s AccountSet) Contains(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Postings returns the lines of snapshot that hit accounts in the set,
// merged per account in first-seen order.
func (s AccountSet) Postings(snapshot ledger.EntrySnapshot) []Posting {
	index := map[uuid.UUID]int{}
	var postings []Posting
	for _, l := range snapshot.Lines {
		if !s.Contains(l.AccountID) {
			continue
		}
		i, ok := index[l.AccountID]
		if !ok {
			i = len(postings)
			index[l.AccountID] = i
			postings = append(postings, Posting{AccountID: l.AccountID})
		}
		if l.Debit != nil {
			postings[i].Debit = postings[i].Debit.Add(*l.Debit)
		}
		if l.Credit != nil {
			postings[i].Credit = postings[i].Credit.Add(*l.Credit)
		}
	}
	return postings
}

// Exposure is the gross amount of the postings
func Exposure(postings []Posting) decimal.Decimal {
	total := decimal.Zero
	for _, p := range postings {
		total = total.Add(p.Debit).Add(p.Credit)
	}
	return total
}

// BookRepository stores the AP, AR and inventory projections
type BookRepository interface {
	// ApplyPosted adds the postings of entryID to the book's balances once.
	// It reports false when the entry had already been applied.
	ApplyPosted(ctx context.Context, book Book, entryID uuid.UUID, postings []Posting) (bool, error)
	// UpsertPending stores p unless a newer version is already stored or
	// the entry was closed
	UpsertPending(ctx context.Context, p PendingEntry) error
	// ClosePending takes the entry out of the pending list for good
	ClosePending(ctx context.Context, book Book, entryID uuid.UUID) error
	FindBalance(ctx context.Context, book Book, accountID uuid.UUID) (*AccountBalance, error)
	ListBalances(ctx context.Context, book Book) ([]AccountBalance, error)
	ListPending(ctx context.Context, book Book) ([]PendingEntry, error)
}
