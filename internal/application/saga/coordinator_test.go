package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/reconciliation"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/erp/ledger/internal/infrastructure/persistence"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockEventPublisher is a mock implementation of ledger.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, envelope ledger.EventEnvelope) ledger.PublishResult {
	args := m.Called(ctx, envelope)
	return args.Get(0).(ledger.PublishResult)
}

func (m *MockEventPublisher) published() []ledger.EventEnvelope {
	var envelopes []ledger.EventEnvelope
	for _, call := range m.Calls {
		envelopes = append(envelopes, call.Arguments.Get(1).(ledger.EventEnvelope))
	}
	return envelopes
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []broker.DeadLetter
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, dl broker.DeadLetter) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, dl)
	return "dead-letters/" + dl.ConsumerGroup + "/" + dl.MessageID + ".json", nil
}

type sagaFixture struct {
	db      *gorm.DB
	entries *persistence.GormJournalEntryRepository
	reviews *persistence.GormManualReviewRepository
}

func setupLedgerDB(t *testing.T) sagaFixture {
	t.Helper()
	db, err := persistence.Open(sqlite.Open("file::memory:"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(context.Background(), models.LedgerModels()...))

	return sagaFixture{
		db:      db.DB,
		entries: persistence.NewGormJournalEntryRepository(db.DB, 5*time.Second),
		reviews: persistence.NewGormManualReviewRepository(db.DB),
	}
}

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func newEntry(t *testing.T) *ledger.JournalEntry {
	t.Helper()
	entry, err := ledger.NewJournalEntry(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "supplier invoice", "INV-1", false,
		[]ledger.JournalEntryLine{
			ledger.NewLine(uuid.New(), "", amount("80"), nil),
			ledger.NewLine(uuid.New(), "", nil, amount("80")),
		})
	require.NoError(t, err)
	return entry
}

// storeEntry persists a new entry and returns the envelope of its created event
func (f sagaFixture) storeEntry(t *testing.T) (*ledger.JournalEntry, ledger.EventEnvelope) {
	t.Helper()
	entry := newEntry(t)
	require.NoError(t, f.entries.Create(context.Background(), entry))
	created := entry.GetDomainEvents()[0].(*ledger.JournalEntryEvent)
	return entry, ledger.NewEnvelope(created, entry.Snapshot())
}

func deadLetterFor(t *testing.T, envelope ledger.EventEnvelope, group string) broker.DeadLetter {
	t.Helper()
	msg, err := event.ToMessage(envelope)
	require.NoError(t, err)
	return broker.DeadLetter{
		MessageID:     msg.ID,
		RoutingKey:    msg.RoutingKey,
		PartitionKey:  msg.PartitionKey,
		Body:          msg.Body,
		ConsumerGroup: group,
		Reason:        "handler exceeded 30s",
		Attempts:      5,
		FailedAt:      time.Now().UTC(),
	}
}

func openReviews(t *testing.T, repo reconciliation.ManualReviewRepository) []reconciliation.ManualReview {
	t.Helper()
	reviews, _, err := repo.FindByStatus(context.Background(), reconciliation.ReviewOpen, 1, 100)
	require.NoError(t, err)
	return reviews
}

func TestCoordinator_ReemitsPostedState(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	entry, created := f.storeEntry(t)
	require.NoError(t, f.entries.UpdateStatus(ctx, entry.ID, ledger.StatusPosted, entry.Version))

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true, Attempts: 1})
	archiver := &fakeArchiver{}
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop(), WithArchiver(archiver))

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "payables")))

	published := pub.published()
	require.Len(t, published, 1)
	reemit := published[0]
	assert.Equal(t, ledger.EventPosted, reemit.EventType)
	assert.True(t, reemit.Reconciliation)
	assert.NotEqual(t, created.ID, reemit.ID)
	assert.Equal(t, entry.ID, reemit.EntryID())
	assert.Equal(t, ledger.StatusPosted, reemit.Payload.Status)
	assert.Equal(t, 2, reemit.Payload.Version)
	assert.Len(t, reemit.Payload.Lines, 2)

	require.Len(t, archiver.archived, 1)
	assert.Equal(t, "payables", archiver.archived[0].ConsumerGroup)
	assert.Empty(t, openReviews(t, f.reviews))
}

func TestCoordinator_ReemitsDraftState(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "reporting")))
	require.Len(t, pub.published(), 1)
	assert.Equal(t, ledger.EventCreated, pub.published()[0].EventType)
}

func TestCoordinator_MissingEntryReemitsDeleted(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	entry, created := f.storeEntry(t)
	require.NoError(t, f.entries.Remove(ctx, entry.ID, entry.Version))

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "inventory")))

	require.Len(t, pub.published(), 1)
	reemit := pub.published()[0]
	assert.Equal(t, ledger.EventDeleted, reemit.EventType)
	assert.True(t, reemit.Reconciliation)
	assert.Equal(t, entry.ID, reemit.EntryID())
	assert.Equal(t, created.Payload.EntryNumber, reemit.Payload.EntryNumber)
}

func TestCoordinator_EscalatesAfterMaxCompensations(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})
	c := NewCoordinator(f.entries, f.reviews, pub, Config{MaxCompensations: 2}, zap.NewNop())

	dl := deadLetterFor(t, created, "payables")
	require.NoError(t, c.Compensate(ctx, dl))
	require.NoError(t, c.Compensate(ctx, dl))
	assert.Empty(t, openReviews(t, f.reviews))

	require.NoError(t, c.Compensate(ctx, dl))
	pub.AssertNumberOfCalls(t, "Publish", 2)

	reviews := openReviews(t, f.reviews)
	require.Len(t, reviews, 1)
	review := reviews[0]
	assert.Equal(t, created.EntryID(), review.EntryID)
	assert.Equal(t, created.ID, review.EventID)
	assert.Equal(t, ledger.EventCreated, review.EventType)
	assert.Equal(t, "payables", review.ConsumerGroup)
	assert.Equal(t, 5, review.Attempts)
	assert.Equal(t, 3, review.Compensations)
	assert.Contains(t, review.Reason, "compensation limit 2 reached")
	assert.Contains(t, review.Reason, "handler exceeded 30s")
}

func TestCoordinator_FailedReloadIsNotCounted(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})
	c := NewCoordinator(f.entries, f.reviews, pub, Config{MaxCompensations: 1}, zap.NewNop())
	dl := deadLetterFor(t, created, "payables")

	require.NoError(t, f.db.Exec("ALTER TABLE journal_entries RENAME TO journal_entries_moved").Error)
	assert.Error(t, c.Compensate(ctx, dl))
	require.NoError(t, f.db.Exec("ALTER TABLE journal_entries_moved RENAME TO journal_entries").Error)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)

	// the one allowed compensation is still available
	require.NoError(t, c.Compensate(ctx, dl))
	pub.AssertNumberOfCalls(t, "Publish", 1)
	assert.Empty(t, openReviews(t, f.reviews))
}

func TestCoordinator_EscalatesWhenReemitFails(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).
		Return(ledger.PublishResult{Attempts: 3, Err: errors.New("broker unavailable")})
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "receivables")))

	reviews := openReviews(t, f.reviews)
	require.Len(t, reviews, 1)
	assert.Contains(t, reviews[0].Reason, "re-emit failed: broker unavailable")
	assert.Equal(t, 1, reviews[0].Compensations)
}

func TestCoordinator_QueuedReemitIsNotEscalated(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).
		Return(ledger.PublishResult{Attempts: 3, Queued: true, Err: errors.New("broker unavailable")})
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "receivables")))
	assert.Empty(t, openReviews(t, f.reviews))
}

func TestCoordinator_ArchiveFailureDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})
	archiver := &fakeArchiver{err: errors.New("bucket missing")}
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop(), WithArchiver(archiver))

	require.NoError(t, c.Compensate(ctx, deadLetterFor(t, created, "payables")))
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestCoordinator_UndecodableEventIsEscalated(t *testing.T) {
	ctx := context.Background()
	f := setupLedgerDB(t)
	pub := new(MockEventPublisher)
	c := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())

	entryID := uuid.New()
	dl := broker.DeadLetter{
		MessageID:     "m1",
		RoutingKey:    "journal-entry.posted",
		PartitionKey:  entryID.String(),
		Body:          []byte("{broken"),
		ConsumerGroup: "reporting",
		Reason:        "failed to decode envelope m1",
		Attempts:      1,
	}
	require.NoError(t, c.Compensate(ctx, dl))

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	reviews := openReviews(t, f.reviews)
	require.Len(t, reviews, 1)
	assert.Equal(t, entryID, reviews[0].EntryID)
	assert.Equal(t, uuid.Nil, reviews[0].EventID)
	assert.Contains(t, reviews[0].Reason, "undecodable event")
}

func TestKindForStatus(t *testing.T) {
	entry := newEntry(t)
	assert.Equal(t, ledger.EventCreated, KindForStatus(entry))

	entry.Version = 3
	assert.Equal(t, ledger.EventUpdated, KindForStatus(entry))

	require.NoError(t, entry.Post())
	assert.Equal(t, ledger.EventPosted, KindForStatus(entry))
}

// failingReviews cannot record anything, so a dead letter must stay unsettled
type failingReviews struct {
	reconciliation.ManualReviewRepository
}

func (failingReviews) IncrementCompensations(context.Context, uuid.UUID) (int, error) {
	return 0, shared.ErrConcurrencyConflict
}

type fakeDelivery struct {
	msg    broker.Message
	acked  bool
	nacked bool
}

func (d *fakeDelivery) Message() broker.Message { return d.msg }
func (d *fakeDelivery) RetryCount() int         { return 0 }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.nacked = true
	return nil
}

func (d *fakeDelivery) DeadLetter(context.Context, string) error {
	d.acked = true
	return nil
}

func TestCoordinator_HandleSettlesDeadLetters(t *testing.T) {
	f := setupLedgerDB(t)
	_, created := f.storeEntry(t)

	msg, err := deadLetterFor(t, created, "payables").Message()
	require.NoError(t, err)

	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ledger.PublishResult{Delivered: true})

	broken := NewCoordinator(f.entries, failingReviews{}, pub, DefaultConfig(), zap.NewNop())
	unsettled := &fakeDelivery{msg: msg}
	broken.Handle(context.Background(), unsettled)
	assert.True(t, unsettled.nacked)
	assert.False(t, unsettled.acked)

	working := NewCoordinator(f.entries, f.reviews, pub, DefaultConfig(), zap.NewNop())
	retried := &fakeDelivery{msg: msg}
	working.Handle(context.Background(), retried)
	assert.True(t, retried.acked)
	pub.AssertNumberOfCalls(t, "Publish", 1)

	garbage := &fakeDelivery{msg: broker.Message{ID: "x", Body: []byte("nope")}}
	working.Handle(context.Background(), garbage)
	assert.True(t, garbage.acked)
}
