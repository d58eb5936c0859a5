package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/infrastructure/scheduler"
	"go.uber.org/zap"
)

// BookProjector keeps a subledger view (AP, AR or inventory) of the entries
// that touch the book's accounts. Posted entries are added to the balances
// once per entry; drafts are tracked as pending exposure.
type BookProjector struct {
	book     projection.Book
	accounts projection.AccountSet
	repo     projection.BookRepository
	logger   *zap.Logger
}

// NewBookProjector creates a projector for book over accounts
func NewBookProjector(book projection.Book, accounts projection.AccountSet, repo projection.BookRepository, logger *zap.Logger) *BookProjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookProjector{
		book:     book,
		accounts: accounts,
		repo:     repo,
		logger:   logger.With(zap.String("book", string(book))),
	}
}

// Book returns the book the projector maintains
func (p *BookProjector) Book() projection.Book {
	return p.book
}

// Handle applies one envelope to the book
func (p *BookProjector) Handle(ctx context.Context, envelope ledger.EventEnvelope) error {
	snapshot := envelope.Payload
	postings := p.accounts.Postings(snapshot)

	switch envelope.EventType {
	case ledger.EventPosted:
		if len(postings) == 0 {
			return p.repo.ClosePending(ctx, p.book, snapshot.ID)
		}
		applied, err := p.repo.ApplyPosted(ctx, p.book, snapshot.ID, postings)
		if err != nil {
			return err
		}
		if !applied {
			p.logger.Debug("posted entry already applied",
				zap.String("entry_id", snapshot.ID.String()),
				zap.Bool("reconciliation", envelope.Reconciliation),
			)
		}
		return nil

	case ledger.EventCreated, ledger.EventUpdated:
		if snapshot.Status != ledger.StatusDraft {
			return p.repo.ClosePending(ctx, p.book, snapshot.ID)
		}
		// an update that moves every line off the book's accounts is stored
		// with no exposure, so an older version cannot come back
		return p.repo.UpsertPending(ctx, projection.PendingEntry{
			Book:        p.book,
			EntryID:     snapshot.ID,
			EntryNumber: snapshot.EntryNumber,
			Amount:      projection.Exposure(postings),
			Version:     snapshot.Version,
		})

	case ledger.EventDeleted:
		return p.repo.ClosePending(ctx, p.book, snapshot.ID)
	}
	return fmt.Errorf("unsupported event type %q", envelope.EventType)
}

const dailyTotalTask = "reporting.daily-total"

// ReportingProjector keeps the denormalized per-entry view and hands the
// daily roll-up of posted volume to the task queue.
type ReportingProjector struct {
	repo   projection.EntryViewRepository
	tasks  *scheduler.TaskQueue
	logger *zap.Logger
}

// NewReportingProjector creates a reporting projector. With a nil task
// queue the roll-up runs inline.
func NewReportingProjector(repo projection.EntryViewRepository, tasks *scheduler.TaskQueue, logger *zap.Logger) *ReportingProjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportingProjector{
		repo:   repo,
		tasks:  tasks,
		logger: logger,
	}
}

// Handle applies one envelope to the reporting view
func (p *ReportingProjector) Handle(ctx context.Context, envelope ledger.EventEnvelope) error {
	snapshot := envelope.Payload

	if envelope.EventType == ledger.EventDeleted {
		return p.repo.Delete(ctx, snapshot.ID)
	}

	changed, err := p.repo.Upsert(ctx, projection.NewEntryView(snapshot))
	if err != nil {
		return err
	}
	if changed && snapshot.Status == ledger.StatusPosted {
		return p.scheduleDailyTotal(ctx, snapshot.Date)
	}
	return nil
}

func (p *ReportingProjector) scheduleDailyTotal(ctx context.Context, date time.Time) error {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	run := func(ctx context.Context) error {
		total, err := p.repo.RecomputeDailyTotal(ctx, day)
		if err != nil {
			return err
		}
		p.logger.Debug("daily total recomputed",
			zap.Time("day", total.Day),
			zap.String("posted_total", total.PostedTotal.String()),
			zap.Int("entries", total.EntryCount),
		)
		return nil
	}

	if p.tasks != nil {
		err := p.tasks.Submit(scheduler.NewTask(dailyTotalTask, day.Format(time.DateOnly), run))
		if err == nil {
			return nil
		}
		p.logger.Warn("task queue rejected daily total, running inline",
			zap.Time("day", day),
			zap.Error(err),
		)
	}
	return run(ctx)
}
