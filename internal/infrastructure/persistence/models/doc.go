// Package models contains the GORM persistence models. They are kept apart
// from the domain types so the domain stays free of ORM tags; each model
// has ToDomain/FromDomain mappers used by the repositories.
//
// Ledger tables: journal_entries, journal_entry_lines, ledger_sequences,
// outbox_events, ledger_manual_reviews, ledger_compensation_counters.
// Consumer tables: book_account_balances, book_applied_entries,
// book_pending_entries, reporting_entry_views, reporting_daily_totals.
package models
