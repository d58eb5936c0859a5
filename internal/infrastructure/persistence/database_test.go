package persistence

import (
	"context"
	"testing"

	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func TestDatabase_MigrateSeedsSequence(t *testing.T) {
	db, err := Open(sqlite.Open("file::memory:"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, models.LedgerModels()...))
	// a second run must not fail on the seeded row
	require.NoError(t, db.Migrate(ctx, models.LedgerModels()...))

	var seq models.LedgerSequenceModel
	require.NoError(t, db.DB.Where("name = ?", models.JournalEntrySequence).Take(&seq).Error)
	assert.Equal(t, int64(0), seq.Value)

	assert.NoError(t, db.Ping(ctx))
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections)
}

func TestDatabase_MigrateProjectionTables(t *testing.T) {
	db := setupSQLite(t, models.ProjectionModels()...)
	for _, table := range []string{
		"book_account_balances",
		"book_applied_entries",
		"book_pending_entries",
		"reporting_entry_views",
		"reporting_daily_totals",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.False(t, db.Migrator().HasTable("journal_entries"))
}

func TestJournalEntryOrder(t *testing.T) {
	tests := []struct {
		name    string
		orderBy string
		dir     string
		columns []string
		desc    bool
	}{
		{"defaults", "", "", []string{"created_at", "entry_number"}, true},
		{"ascending date", "date", " ASC ", []string{"date", "entry_number"}, false},
		{"entry number has no tiebreak", "entry_number", "asc", []string{"entry_number"}, false},
		{"unknown column", "password", "desc", []string{"created_at", "entry_number"}, true},
		{"injected direction", "status", "ASC; DROP TABLE journal_entries;--", []string{"status", "entry_number"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := journalEntryOrder(tt.orderBy, tt.dir)
			require.Len(t, order.Columns, len(tt.columns))
			for i, col := range order.Columns {
				assert.Equal(t, tt.columns[i], col.Column.Name)
				assert.Equal(t, tt.desc, col.Desc)
			}
		})
	}
}
