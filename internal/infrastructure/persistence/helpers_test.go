package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupSQLite opens an in-memory sqlite database migrated with tables.
// A single connection keeps every statement on the same in-memory database.
func setupSQLite(t *testing.T, tables ...any) *gorm.DB {
	t.Helper()

	db, err := Open(sqlite.Open("file::memory:"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(context.Background(), tables...))
	return db.DB
}

func setupLedgerDB(t *testing.T) *gorm.DB {
	return setupSQLite(t, models.LedgerModels()...)
}

// newMockDB wraps sqlmock with the postgres dialector
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), nil)
	require.NoError(t, err)
	return db.DB, mock, mockDB
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

var testDate = time.Date(2023, 4, 15, 0, 0, 0, 0, time.UTC)

// newBalancedEntry builds a two-line DRAFT entry for amount
func newBalancedEntry(t *testing.T, description, reference, amount string) *ledger.JournalEntry {
	t.Helper()
	entry, err := ledger.NewJournalEntry(testDate, description, reference, false, []ledger.JournalEntryLine{
		ledger.NewLine(uuid.New(), "debit side", dec(amount), nil),
		ledger.NewLine(uuid.New(), "credit side", nil, dec(amount)),
	})
	require.NoError(t, err)
	return entry
}
