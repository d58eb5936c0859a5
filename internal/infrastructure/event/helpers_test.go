package event

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newEnvelope(t *testing.T, kind ledger.EventKind) ledger.EventEnvelope {
	t.Helper()
	amount := decimal.NewFromInt(250)
	entry, err := ledger.NewJournalEntry(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "Office rent", "RENT-02", false,
		[]ledger.JournalEntryLine{
			ledger.NewLine(uuid.New(), "rent expense", &amount, nil),
			ledger.NewLine(uuid.New(), "bank", nil, &amount),
		})
	require.NoError(t, err)
	return ledger.NewEnvelope(ledger.NewJournalEntryEvent(kind, entry.ID), entry.Snapshot())
}

// followUp returns a later envelope of kind for the same journal entry
func followUp(envelope ledger.EventEnvelope, kind ledger.EventKind) ledger.EventEnvelope {
	next := envelope
	next.ID = uuid.New()
	next.EventType = kind
	next.Timestamp = envelope.Timestamp.Add(time.Millisecond)
	return next
}

// mockPublisher is a testify mock of broker.Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg broker.Message) error {
	return m.Called(ctx, msg).Error(0)
}

// fakeOutbox keeps outbox entries in memory
type fakeOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*shared.OutboxEntry
	saveErr error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{entries: make(map[uuid.UUID]*shared.OutboxEntry)}
}

func (r *fakeOutbox) Save(_ context.Context, entries ...*shared.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	for _, e := range entries {
		r.entries[e.ID] = e
	}
	return nil
}

func (r *fakeOutbox) byStatus(status shared.OutboxStatus, due func(*shared.OutboxEntry) bool, limit int) []*shared.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*shared.OutboxEntry
	for _, e := range r.entries {
		if e.Status == status && (due == nil || due(e)) {
			result = append(result, e)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result
}

func (r *fakeOutbox) FindPending(_ context.Context, limit int) ([]*shared.OutboxEntry, error) {
	return r.byStatus(shared.OutboxStatusPending, nil, limit), nil
}

func (r *fakeOutbox) FindRetryable(_ context.Context, before time.Time, limit int) ([]*shared.OutboxEntry, error) {
	return r.byStatus(shared.OutboxStatusFailed, func(e *shared.OutboxEntry) bool {
		return e.DueAt(before)
	}, limit), nil
}

func (r *fakeOutbox) FindDead(_ context.Context, _, _ int) ([]*shared.OutboxEntry, int64, error) {
	dead := r.byStatus(shared.OutboxStatusDead, nil, 0)
	return dead, int64(len(dead)), nil
}

func (r *fakeOutbox) FindByID(_ context.Context, id uuid.UUID) (*shared.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	return nil, shared.ErrNotFound
}

func (r *fakeOutbox) MarkProcessing(_ context.Context, ids []uuid.UUID) ([]*shared.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*shared.OutboxEntry
	for _, id := range ids {
		if e, ok := r.entries[id]; ok && e.MarkProcessing() == nil {
			result = append(result, e)
		}
	}
	return result, nil
}

func (r *fakeOutbox) Update(_ context.Context, entry *shared.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry
	return nil
}

func (r *fakeOutbox) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.entries {
		if e.Status == shared.OutboxStatusSent && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeOutbox) CountByStatus(_ context.Context) (map[shared.OutboxStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[shared.OutboxStatus]int64)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (r *fakeOutbox) HasUnsent(_ context.Context, partitionKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.PartitionKey == partitionKey && slices.Contains(shared.UnsentOutboxStatuses, e.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeOutbox) all() []*shared.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*shared.OutboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	return result
}

var _ shared.OutboxRepository = (*fakeOutbox)(nil)
