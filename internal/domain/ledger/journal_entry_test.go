package ledger

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func debitLine(account uuid.UUID, v string) JournalEntryLine {
	return NewLine(account, "", amount(v), nil)
}

func creditLine(account uuid.UUID, v string) JournalEntryLine {
	return NewLine(account, "", nil, amount(v))
}

var (
	cash    = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	revenue = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newBalancedEntry(t *testing.T) *JournalEntry {
	t.Helper()
	entry, err := NewJournalEntry(time.Date(2023, 4, 15, 0, 0, 0, 0, time.UTC), "Invoice 1001", "INV-1001", false,
		[]JournalEntryLine{debitLine(cash, "2500"), creditLine(revenue, "2500")})
	require.NoError(t, err)
	entry.EntryNumber = "JE-000001"
	return entry
}

func TestValidateLines(t *testing.T) {
	tests := []struct {
		name    string
		lines   []JournalEntryLine
		wantErr *shared.DomainError
	}{
		{"balanced", []JournalEntryLine{debitLine(cash, "100"), creditLine(revenue, "100")}, nil},
		{"within epsilon", []JournalEntryLine{debitLine(cash, "100.0005"), creditLine(revenue, "100")}, nil},
		{"exactly epsilon", []JournalEntryLine{debitLine(cash, "100.001"), creditLine(revenue, "100")}, nil},
		{"beyond epsilon", []JournalEntryLine{debitLine(cash, "100.002"), creditLine(revenue, "100")}, ErrUnbalancedEntry},
		{"debit only", []JournalEntryLine{debitLine(cash, "100")}, ErrUnbalancedEntry},
		{"empty", nil, ErrEmptyEntry},
		{"both sides", []JournalEntryLine{NewLine(cash, "", amount("1"), amount("1"))}, ErrUnbalancedEntry},
		{"no side", []JournalEntryLine{NewLine(cash, "", nil, nil)}, ErrUnbalancedEntry},
		{"zero amount", []JournalEntryLine{debitLine(cash, "0"), creditLine(revenue, "0")}, ErrUnbalancedEntry},
		{"negative amount", []JournalEntryLine{debitLine(cash, "-5"), creditLine(revenue, "-5")}, ErrUnbalancedEntry},
		{"missing account", []JournalEntryLine{debitLine(uuid.Nil, "5"), creditLine(revenue, "5")}, ErrUnbalancedEntry},
		{"four decimal places", []JournalEntryLine{debitLine(cash, "0.0001"), creditLine(revenue, "0.0001")}, nil},
		{"trailing zeros", []JournalEntryLine{debitLine(cash, "12.340000"), creditLine(revenue, "12.34")}, nil},
		{"five decimal places", []JournalEntryLine{debitLine(cash, "0.00001"), creditLine(revenue, "0.00001")}, ErrUnbalancedEntry},
		{"largest amount", []JournalEntryLine{debitLine(cash, "99999999999999.9999"), creditLine(revenue, "99999999999999.9999")}, nil},
		{"amount too large", []JournalEntryLine{debitLine(cash, "100000000000000"), creditLine(revenue, "100000000000000")}, ErrUnbalancedEntry},
		{"total too large", []JournalEntryLine{
			debitLine(cash, "60000000000000"), debitLine(cash, "60000000000000"),
			creditLine(revenue, "60000000000000"), creditLine(revenue, "60000000000000"),
		}, ErrUnbalancedEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLines(tt.lines)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestNewJournalEntry(t *testing.T) {
	entry := newBalancedEntry(t)

	assert.Equal(t, StatusDraft, entry.Status)
	assert.Len(t, entry.Lines, 2)
	for _, l := range entry.Lines {
		assert.Equal(t, entry.ID, l.JournalEntryID)
	}
	assert.True(t, entry.TotalAmount().Equal(decimal.NewFromInt(2500)))

	events := entry.GetDomainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "journal-entry.created", events[0].EventType())
	assert.Equal(t, entry.ID, events[0].AggregateID())
}

func TestNewJournalEntry_Unbalanced(t *testing.T) {
	_, err := NewJournalEntry(time.Now(), "bad", "", false, []JournalEntryLine{debitLine(cash, "100")})
	assert.ErrorIs(t, err, ErrUnbalancedEntry)
}

func TestJournalEntry_Update(t *testing.T) {
	t.Run("replaces lines on draft", func(t *testing.T) {
		entry := newBalancedEntry(t)
		desc := "Invoice 1001 corrected"
		err := entry.Update(EntryChanges{
			Description: &desc,
			Lines:       []JournalEntryLine{debitLine(cash, "10"), creditLine(revenue, "4"), creditLine(revenue, "6")},
		})
		require.NoError(t, err)
		assert.Equal(t, desc, entry.Description)
		assert.Len(t, entry.Lines, 3)
		assert.Len(t, entry.GetDomainEvents(), 2)
	})

	t.Run("rejects unbalanced lines", func(t *testing.T) {
		entry := newBalancedEntry(t)
		err := entry.Update(EntryChanges{Lines: []JournalEntryLine{debitLine(cash, "10")}})
		assert.ErrorIs(t, err, ErrUnbalancedEntry)
		assert.Len(t, entry.Lines, 2)
	})

	t.Run("rejects empty line set", func(t *testing.T) {
		entry := newBalancedEntry(t)
		err := entry.Update(EntryChanges{Lines: []JournalEntryLine{}})
		assert.ErrorIs(t, err, ErrEmptyEntry)
	})

	t.Run("rejects posted entry", func(t *testing.T) {
		entry := newBalancedEntry(t)
		require.NoError(t, entry.Post())
		desc := "late change"
		err := entry.Update(EntryChanges{Description: &desc})
		assert.ErrorIs(t, err, shared.ErrInvalidState)
	})
}

func TestJournalEntry_Post(t *testing.T) {
	entry := newBalancedEntry(t)
	require.NoError(t, entry.Post())
	assert.Equal(t, StatusPosted, entry.Status)

	err := entry.Post()
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestJournalEntry_Post_DriftedLines(t *testing.T) {
	entry := newBalancedEntry(t)
	entry.Lines[0].Debit = amount("2400")

	err := entry.Post()
	assert.ErrorIs(t, err, ErrUnbalancedEntry)
	assert.Equal(t, StatusDraft, entry.Status)
}

func TestJournalEntry_MarkRemoved(t *testing.T) {
	entry := newBalancedEntry(t)
	require.NoError(t, entry.MarkRemoved())

	posted := newBalancedEntry(t)
	require.NoError(t, posted.Post())
	assert.ErrorIs(t, posted.MarkRemoved(), shared.ErrInvalidState)
}

func TestJournalEntry_BuildReversal(t *testing.T) {
	entry := newBalancedEntry(t)
	require.NoError(t, entry.Post())
	before := entry.Snapshot()

	reversal, err := entry.BuildReversal(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.NotEqual(t, entry.ID, reversal.ID)
	assert.Equal(t, StatusPosted, reversal.Status)
	require.NotNil(t, reversal.ReversalOfID)
	assert.Equal(t, entry.ID, *reversal.ReversalOfID)
	assert.Equal(t, "Reversal of JE-000001: Invoice 1001", reversal.Description)
	assert.Equal(t, "REV-INV-1001", reversal.Reference)

	require.Len(t, reversal.Lines, 2)
	assert.Nil(t, reversal.Lines[0].Debit)
	assert.True(t, reversal.Lines[0].Credit.Equal(decimal.NewFromInt(2500)))
	assert.True(t, reversal.Lines[1].Debit.Equal(decimal.NewFromInt(2500)))
	assert.Nil(t, reversal.Lines[1].Credit)
	assert.NoError(t, ValidateLines(reversal.Lines))

	assert.Equal(t, before, entry.Snapshot(), "original must stay untouched")
	assert.Equal(t, StatusPosted, entry.Status)
}

func TestJournalEntry_BuildReversal_Preconditions(t *testing.T) {
	draft := newBalancedEntry(t)
	_, err := draft.BuildReversal(time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	posted := newBalancedEntry(t)
	require.NoError(t, posted.Post())
	reversal, err := posted.BuildReversal(time.Now())
	require.NoError(t, err)

	_, err = reversal.BuildReversal(time.Now())
	assert.ErrorIs(t, err, ErrReversalOfReversal)
}

func TestParseRoutingKey(t *testing.T) {
	for _, kind := range AllEventKinds {
		got, ok := ParseRoutingKey(kind.RoutingKey())
		assert.True(t, ok)
		assert.Equal(t, kind, got)
	}

	_, ok := ParseRoutingKey("journal-entry.archived")
	assert.False(t, ok)
	_, ok = ParseRoutingKey("invoice.created")
	assert.False(t, ok)
}

func TestEventEnvelope_JSON(t *testing.T) {
	entry := newBalancedEntry(t)
	require.NoError(t, entry.Post())
	event := entry.GetDomainEvents()[1].(*JournalEntryEvent)

	envelope := NewEnvelope(event, entry.Snapshot())
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "journal-entry", raw["entityType"])
	assert.Equal(t, "general-ledger", raw["serviceSource"])
	assert.Equal(t, "posted", raw["eventType"])
	assert.Equal(t, entry.ID.String(), raw["partitionKey"])

	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "POSTED", payload["status"])
	lines := payload["lines"].([]any)
	require.Len(t, lines, 2)
	assert.Nil(t, lines[0].(map[string]any)["credit"])

	var decoded EventEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, envelope.ID, decoded.ID)
	assert.True(t, decoded.Payload.TotalAmount.Equal(decimal.NewFromInt(2500)))
}
