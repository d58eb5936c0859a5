package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupProjectionDB(t *testing.T) *GormBookRepository {
	return NewGormBookRepository(setupSQLite(t, models.ProjectionModels()...))
}

func TestBookRepository_ApplyPostedOnce(t *testing.T) {
	repo := setupProjectionDB(t)
	ctx := context.Background()

	payable := uuid.New()
	entryID := uuid.New()
	postings := []projection.Posting{{AccountID: payable, Credit: decimal.NewFromInt(300)}}

	require.NoError(t, repo.UpsertPending(ctx, projection.PendingEntry{
		Book: projection.BookPayables, EntryID: entryID, EntryNumber: "JE-000001",
		Amount: decimal.NewFromInt(300), Version: 1,
	}))

	applied, err := repo.ApplyPosted(ctx, projection.BookPayables, entryID, postings)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyPosted(ctx, projection.BookPayables, entryID, postings)
	require.NoError(t, err)
	assert.False(t, applied, "replay must not apply twice")

	balance, err := repo.FindBalance(ctx, projection.BookPayables, payable)
	require.NoError(t, err)
	assert.True(t, balance.Credit.Equal(decimal.NewFromInt(300)), "credit %s", balance.Credit)
	assert.True(t, balance.Debit.IsZero())
	assert.Equal(t, 1, balance.EntryCount)
	assert.True(t, balance.Net().Equal(decimal.NewFromInt(-300)))

	pending, err := repo.ListPending(ctx, projection.BookPayables)
	require.NoError(t, err)
	assert.Empty(t, pending, "posting clears the pending row")
}

func TestBookRepository_ApplyPostedAccumulates(t *testing.T) {
	repo := setupProjectionDB(t)
	ctx := context.Background()
	account := uuid.New()

	_, err := repo.ApplyPosted(ctx, projection.BookReceivables, uuid.New(), []projection.Posting{
		{AccountID: account, Debit: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)
	_, err = repo.ApplyPosted(ctx, projection.BookReceivables, uuid.New(), []projection.Posting{
		{AccountID: account, Credit: decimal.NewFromInt(40)},
	})
	require.NoError(t, err)

	balance, err := repo.FindBalance(ctx, projection.BookReceivables, account)
	require.NoError(t, err)
	assert.True(t, balance.Debit.Equal(decimal.NewFromInt(100)))
	assert.True(t, balance.Credit.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 2, balance.EntryCount)

	balances, err := repo.ListBalances(ctx, projection.BookReceivables)
	require.NoError(t, err)
	assert.Len(t, balances, 1)

	_, err = repo.FindBalance(ctx, projection.BookPayables, account)
	assert.True(t, errors.Is(err, shared.ErrNotFound), "books are isolated")
}

func TestBookRepository_PendingIsVersionGuarded(t *testing.T) {
	repo := setupProjectionDB(t)
	ctx := context.Background()
	entryID := uuid.New()

	upsert := func(version int, amount int64) {
		require.NoError(t, repo.UpsertPending(ctx, projection.PendingEntry{
			Book: projection.BookInventory, EntryID: entryID, EntryNumber: "JE-000009",
			Amount: decimal.NewFromInt(amount), Version: version,
		}))
	}
	upsert(2, 200)
	upsert(1, 100)

	pending, err := repo.ListPending(ctx, projection.BookInventory)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
	assert.True(t, pending[0].Amount.Equal(decimal.NewFromInt(200)))

	upsert(3, 300)
	pending, err = repo.ListPending(ctx, projection.BookInventory)
	require.NoError(t, err)
	assert.Equal(t, 3, pending[0].Version)

	require.NoError(t, repo.ClosePending(ctx, projection.BookInventory, entryID))
	require.NoError(t, repo.ClosePending(ctx, projection.BookInventory, entryID))
	pending, err = repo.ListPending(ctx, projection.BookInventory)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// closed is final, even for a newer version
	upsert(4, 400)
	pending, err = repo.ListPending(ctx, projection.BookInventory)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBookRepository_PostedEntryIsNeverPendingAgain(t *testing.T) {
	repo := setupProjectionDB(t)
	ctx := context.Background()
	entryID := uuid.New()

	// posted arrives before any draft event of the entry
	_, err := repo.ApplyPosted(ctx, projection.BookPayables, entryID, []projection.Posting{
		{AccountID: uuid.New(), Credit: decimal.NewFromInt(80)},
	})
	require.NoError(t, err)

	require.NoError(t, repo.UpsertPending(ctx, projection.PendingEntry{
		Book: projection.BookPayables, EntryID: entryID, EntryNumber: "JE-000004",
		Amount: decimal.NewFromInt(80), Version: 1,
	}))
	pending, err := repo.ListPending(ctx, projection.BookPayables)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// an entry never seen by the book can be closed too
	require.NoError(t, repo.ClosePending(ctx, projection.BookReceivables, uuid.New()))
}

func TestBookRepository_ListPendingSkipsZeroExposure(t *testing.T) {
	repo := setupProjectionDB(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertPending(ctx, projection.PendingEntry{
		Book: projection.BookPayables, EntryID: uuid.New(), Amount: decimal.Zero, Version: 2,
	}))
	pending, err := repo.ListPending(ctx, projection.BookPayables)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEntryViewRepository_UpsertByVersion(t *testing.T) {
	repo := NewGormEntryViewRepository(setupSQLite(t, models.ProjectionModels()...))
	ctx := context.Background()

	view := projection.EntryView{
		EntryID:     uuid.New(),
		EntryNumber: "JE-000001",
		Date:        testDate,
		Description: "draft",
		Status:      ledger.StatusDraft,
		TotalAmount: decimal.NewFromInt(50),
		LineCount:   2,
		Version:     1,
	}
	changed, err := repo.Upsert(ctx, view)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Upsert(ctx, view)
	require.NoError(t, err)
	assert.False(t, changed, "same version is a no-op")

	view.Status = ledger.StatusPosted
	view.Version = 2
	changed, err = repo.Upsert(ctx, view)
	require.NoError(t, err)
	assert.True(t, changed)

	stale := view
	stale.Description = "stale"
	stale.Version = 1
	changed, err = repo.Upsert(ctx, stale)
	require.NoError(t, err)
	assert.False(t, changed)

	found, err := repo.FindByID(ctx, view.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, found.Status)
	assert.Equal(t, "draft", found.Description)
	assert.Equal(t, 2, found.Version)

	require.NoError(t, repo.Delete(ctx, view.EntryID))
	_, err = repo.FindByID(ctx, view.EntryID)
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	// the tombstone outlives any later version
	view.Version = 3
	changed, err = repo.Upsert(ctx, view)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = repo.FindByID(ctx, view.EntryID)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestEntryViewRepository_DeleteBeforeCreate(t *testing.T) {
	repo := NewGormEntryViewRepository(setupSQLite(t, models.ProjectionModels()...))
	ctx := context.Background()
	entryID := uuid.New()

	require.NoError(t, repo.Delete(ctx, entryID))
	require.NoError(t, repo.Delete(ctx, entryID))

	changed, err := repo.Upsert(ctx, projection.EntryView{
		EntryID: entryID, Date: testDate, Status: ledger.StatusPosted,
		TotalAmount: decimal.NewFromInt(30), Version: 1,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	total, err := repo.RecomputeDailyTotal(ctx, testDate)
	require.NoError(t, err)
	assert.Zero(t, total.EntryCount)
}

func TestEntryViewRepository_RecomputeDailyTotal(t *testing.T) {
	repo := NewGormEntryViewRepository(setupSQLite(t, models.ProjectionModels()...))
	ctx := context.Background()

	add := func(status ledger.EntryStatus, date time.Time, amount int64) {
		_, err := repo.Upsert(ctx, projection.EntryView{
			EntryID: uuid.New(), Date: date, Status: status,
			TotalAmount: decimal.NewFromInt(amount), Version: 1,
		})
		require.NoError(t, err)
	}
	add(ledger.StatusPosted, testDate, 100)
	add(ledger.StatusPosted, testDate, 250)
	add(ledger.StatusDraft, testDate, 999)
	add(ledger.StatusPosted, testDate.AddDate(0, 0, 1), 7)

	total, err := repo.RecomputeDailyTotal(ctx, testDate.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, testDate, total.Day)
	assert.Equal(t, 2, total.EntryCount)
	assert.True(t, total.PostedTotal.Equal(decimal.NewFromInt(350)), "total %s", total.PostedTotal)

	empty, err := repo.RecomputeDailyTotal(ctx, testDate.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, empty.EntryCount)
	assert.True(t, empty.PostedTotal.IsZero())

	add(ledger.StatusPosted, testDate, 50)
	total, err = repo.RecomputeDailyTotal(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, total.EntryCount)
	assert.True(t, total.PostedTotal.Equal(decimal.NewFromInt(400)))
}
