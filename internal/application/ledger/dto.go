package ledger

import (
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineRequest is one debit or credit line in a create or update request.
// Exactly one of Debit and Credit must be set.
type LineRequest struct {
	AccountID   uuid.UUID        `json:"account_id" binding:"required"`
	Description string           `json:"description"`
	Debit       *decimal.Decimal `json:"debit"`
	Credit      *decimal.Decimal `json:"credit"`
}

// CreateEntryRequest represents a request to create a draft journal entry
type CreateEntryRequest struct {
	Date         time.Time     `json:"date" binding:"required"`
	Description  string        `json:"description" binding:"max=500"`
	Reference    string        `json:"reference" binding:"max=100"`
	IsAdjustment bool          `json:"is_adjustment"`
	Lines        []LineRequest `json:"lines" binding:"dive"`
}

// UpdateEntryRequest represents a partial update of a draft entry.
// A missing lines field leaves the lines untouched.
type UpdateEntryRequest struct {
	Date         *time.Time    `json:"date"`
	Description  *string       `json:"description" binding:"omitempty,max=500"`
	Reference    *string       `json:"reference" binding:"omitempty,max=100"`
	IsAdjustment *bool         `json:"is_adjustment"`
	Lines        []LineRequest `json:"lines" binding:"omitempty,dive"`
}

// EntryListFilter defines filtering options for journal entry list queries
type EntryListFilter struct {
	Search       string     `form:"search"`
	Status       string     `form:"status" binding:"omitempty,oneof=DRAFT POSTED REVERSED"`
	IsAdjustment *bool      `form:"is_adjustment"`
	FromDate     *time.Time `form:"from_date" time_format:"2006-01-02"`
	ToDate       *time.Time `form:"to_date" time_format:"2006-01-02"`
	Page         int        `form:"page" binding:"omitempty,min=1"`
	PageSize     int        `form:"page_size" binding:"omitempty,min=1,max=100"`
	OrderBy      string     `form:"order_by"`
	OrderDir     string     `form:"order_dir" binding:"omitempty,oneof=asc desc"`
}

// LineResponse represents a journal entry line in API responses
type LineResponse struct {
	ID          uuid.UUID        `json:"id"`
	AccountID   uuid.UUID        `json:"account_id"`
	Description string           `json:"description,omitempty"`
	Debit       *decimal.Decimal `json:"debit"`
	Credit      *decimal.Decimal `json:"credit"`
}

// EntryResponse represents a journal entry in API responses
type EntryResponse struct {
	ID           uuid.UUID       `json:"id"`
	EntryNumber  string          `json:"entry_number"`
	Date         time.Time       `json:"date"`
	Description  string          `json:"description"`
	Reference    string          `json:"reference,omitempty"`
	Status       string          `json:"status"`
	IsAdjustment bool            `json:"is_adjustment"`
	TotalDebit   decimal.Decimal `json:"total_debit"`
	TotalCredit  decimal.Decimal `json:"total_credit"`
	ReversalOfID *uuid.UUID      `json:"reversal_of_id,omitempty"`
	Lines        []LineResponse  `json:"lines"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EntryListResponse is one page of journal entries
type EntryListResponse struct {
	Items    []EntryResponse `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

func toDomainLines(reqs []LineRequest) []ledger.JournalEntryLine {
	if reqs == nil {
		return nil
	}
	lines := make([]ledger.JournalEntryLine, len(reqs))
	for i, r := range reqs {
		lines[i] = ledger.NewLine(r.AccountID, r.Description, r.Debit, r.Credit)
	}
	return lines
}

// ToEntryResponse converts a domain entry to its API form
func ToEntryResponse(e *ledger.JournalEntry) EntryResponse {
	totals := e.Totals()
	lines := make([]LineResponse, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = LineResponse{
			ID:          l.ID,
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
		}
	}
	return EntryResponse{
		ID:           e.ID,
		EntryNumber:  e.EntryNumber,
		Date:         e.Date,
		Description:  e.Description,
		Reference:    e.Reference,
		Status:       string(e.Status),
		IsAdjustment: e.IsAdjustment,
		TotalDebit:   totals.Debit,
		TotalCredit:  totals.Credit,
		ReversalOfID: e.ReversalOfID,
		Lines:        lines,
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func (f EntryListFilter) toDomain() ledger.JournalEntryFilter {
	filter := ledger.DefaultJournalEntryFilter()
	filter.Search = f.Search
	if f.Page > 0 {
		filter.Page = f.Page
	}
	if f.PageSize > 0 {
		filter.PageSize = f.PageSize
	}
	if f.OrderBy != "" {
		filter.OrderBy = f.OrderBy
	}
	if f.OrderDir != "" {
		filter.OrderDir = f.OrderDir
	}
	filter.Status = ledger.EntryStatus(f.Status)
	filter.IsAdjustment = f.IsAdjustment
	filter.DateFrom = f.FromDate
	filter.DateTo = f.ToDate
	filter.Filter = filter.Filter.Normalize()
	return filter
}
