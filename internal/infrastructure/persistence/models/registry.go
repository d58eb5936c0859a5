package models

// LedgerModels are migrated by the ledger service
func LedgerModels() []any {
	return []any{
		&JournalEntryModel{},
		&JournalEntryLineModel{},
		&LedgerSequenceModel{},
		&OutboxEntryModel{},
		&ManualReviewModel{},
		&CompensationCounterModel{},
	}
}

// ProjectionModels are migrated by the consumer service
func ProjectionModels() []any {
	return []any{
		&BookBalanceModel{},
		&BookAppliedEntryModel{},
		&BookPendingEntryModel{},
		&EntryViewModel{},
		&DailyTotalModel{},
	}
}
