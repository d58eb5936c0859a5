package ledger

import (
	"context"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
)

// JournalEntryFilter narrows FindAll results
type JournalEntryFilter struct {
	shared.Filter
	Status       EntryStatus
	IsAdjustment *bool
	DateFrom     *time.Time
	DateTo       *time.Time
}

// DefaultJournalEntryFilter returns a filter ordered by newest first
func DefaultJournalEntryFilter() JournalEntryFilter {
	return JournalEntryFilter{Filter: shared.DefaultFilter()}
}

// JournalEntryPatch is the stored form of an update. Lines, when non-nil,
// replace the whole line set. ExpectedVersion guards against lost updates.
type JournalEntryPatch struct {
	Date            *time.Time
	Description     *string
	Reference       *string
	IsAdjustment    *bool
	Lines           []JournalEntryLine
	ExpectedVersion int
}

// JournalEntryRepository maps the ledger onto durable storage. It holds no
// business rules; every multi-row write is atomic.
type JournalEntryRepository interface {
	FindAll(ctx context.Context, filter JournalEntryFilter) ([]JournalEntry, int64, error)
	// FindOne returns shared.ErrNotFound for an unknown id
	FindOne(ctx context.Context, id uuid.UUID) (*JournalEntry, error)
	// Create stores the entry and its lines and assigns EntryNumber
	Create(ctx context.Context, entry *JournalEntry) error
	// Update applies the patch, replacing lines by delete-then-recreate
	Update(ctx context.Context, id uuid.UUID, patch JournalEntryPatch) (*JournalEntry, error)
	// Remove deletes the entry and its lines
	Remove(ctx context.Context, id uuid.UUID, expectedVersion int) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status EntryStatus, expectedVersion int) error
	// CreateReversalEntry stores a swapped copy of a posted entry in one transaction
	CreateReversalEntry(ctx context.Context, originalID uuid.UUID) (*JournalEntry, error)
}
