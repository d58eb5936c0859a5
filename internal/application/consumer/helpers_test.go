package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeDelivery records how the dispatcher settled it
type fakeDelivery struct {
	msg     broker.Message
	retries int

	mu         sync.Mutex
	acked      bool
	nacked     bool
	deadReason string
}

func (d *fakeDelivery) Message() broker.Message { return d.msg }
func (d *fakeDelivery) RetryCount() int         { return d.retries }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	return nil
}

func (d *fakeDelivery) DeadLetter(_ context.Context, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadReason = reason
	return nil
}

func (d *fakeDelivery) state() (acked, nacked bool, deadReason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.deadReason
}

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// entrySnapshot describes a balanced two-line entry from debit to credit
func entrySnapshot(status ledger.EntryStatus, version int, debit, credit uuid.UUID, value string) ledger.EntrySnapshot {
	return ledger.EntrySnapshot{
		ID:          uuid.New(),
		EntryNumber: "JE-000001",
		Date:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description: "supplier invoice",
		Status:      status,
		TotalAmount: decimal.RequireFromString(value),
		Version:     version,
		Lines: []ledger.LineSnapshot{
			{ID: uuid.New(), AccountID: debit, Debit: amount(value)},
			{ID: uuid.New(), AccountID: credit, Credit: amount(value)},
		},
	}
}

func envelopeFor(kind ledger.EventKind, snapshot ledger.EntrySnapshot) ledger.EventEnvelope {
	return ledger.NewEnvelope(ledger.NewJournalEntryEvent(kind, snapshot.ID), snapshot)
}

func deliveryFor(t *testing.T, envelope ledger.EventEnvelope, retries int) *fakeDelivery {
	t.Helper()
	msg, err := event.ToMessage(envelope)
	require.NoError(t, err)
	return &fakeDelivery{msg: msg, retries: retries}
}
