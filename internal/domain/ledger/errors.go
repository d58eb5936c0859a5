package ledger

import "github.com/erp/ledger/internal/domain/shared"

// Codes of the ledger rule violations
const (
	CodeUnbalancedEntry = "UNBALANCED_ENTRY"
	CodeEmptyEntry      = "EMPTY_ENTRY"
)

// NotFound and InvalidState variants reuse the shared sentinels, so
// errors.Is(err, shared.ErrInvalidState) holds for all of them.
var (
	ErrUnbalancedEntry    = shared.NewDomainError(CodeUnbalancedEntry, "Journal entry debits do not equal credits")
	ErrEmptyEntry         = shared.NewDomainError(CodeEmptyEntry, "Journal entry must have at least one line")
	ErrEntryNotFound      = shared.ErrNotFound.WithMessage("Journal entry not found")
	ErrNotDraft           = shared.ErrInvalidState.WithMessage("Only draft journal entries can be changed")
	ErrNotPosted          = shared.ErrInvalidState.WithMessage("Only posted journal entries can be reversed")
	ErrReversalOfReversal = shared.ErrInvalidState.WithMessage("A reversal entry cannot itself be reversed")
	ErrAlreadyReversed    = shared.ErrInvalidState.WithMessage("Journal entry has already been reversed")
)
