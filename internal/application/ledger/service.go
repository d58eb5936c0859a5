// Package ledger implements the journal entry use cases: it validates
// requests through the domain aggregate, persists through the repository and
// emits one envelope per recorded domain event after the write commits.
package ledger

import (
	"context"
	"errors"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/event"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/erp/ledger/internal/application/ledger"

var attrEntryID = attribute.Key("ledger.entry_id")

// Service provides the journal entry operations
type Service struct {
	repo      ledger.JournalEntryRepository
	publisher ledger.EventPublisher
	metrics   *telemetry.LedgerMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithMetrics records entry lifecycle counters
func WithMetrics(m *telemetry.LedgerMetrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService creates a new Service
func NewService(repo ledger.JournalEntryRepository, publisher ledger.EventPublisher, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   telemetry.NewNopLedgerMetrics(),
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new DRAFT entry
func (s *Service) Create(ctx context.Context, req CreateEntryRequest) (*EntryResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Create")
	defer span.End()

	entry, err := ledger.NewJournalEntry(req.Date, req.Description, req.Reference, req.IsAdjustment, toDomainLines(req.Lines))
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	span.SetAttributes(attrEntryID.String(entry.ID.String()))

	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, s.fail(ctx, span, err)
	}
	s.metrics.RecordEntryCreated(ctx)
	s.logger.Info("journal entry created",
		zap.String("entry_id", entry.ID.String()),
		zap.String("entry_number", entry.EntryNumber),
	)

	s.publish(ctx, entry, entry.Snapshot())
	resp := ToEntryResponse(entry)
	return &resp, nil
}

// Update changes a DRAFT entry. Supplied lines replace the stored ones.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateEntryRequest) (*EntryResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Update", trace.WithAttributes(attrEntryID.String(id.String())))
	defer span.End()

	entry, err := s.repo.FindOne(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	changes := ledger.EntryChanges{
		Date:         req.Date,
		Description:  req.Description,
		Reference:    req.Reference,
		IsAdjustment: req.IsAdjustment,
		Lines:        toDomainLines(req.Lines),
	}
	if err := entry.Update(changes); err != nil {
		return nil, s.fail(ctx, span, err)
	}

	patch := ledger.JournalEntryPatch{
		Date:            changes.Date,
		Description:     changes.Description,
		Reference:       changes.Reference,
		IsAdjustment:    changes.IsAdjustment,
		ExpectedVersion: entry.Version,
	}
	if changes.HasLines() {
		patch.Lines = entry.Lines
	}
	if patch.Description != nil {
		patch.Description = &entry.Description
	}
	if patch.Reference != nil {
		patch.Reference = &entry.Reference
	}

	updated, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	s.publishEvents(ctx, entry.PullDomainEvents(), updated.Snapshot())
	resp := ToEntryResponse(updated)
	return &resp, nil
}

// Remove deletes a DRAFT entry and its lines
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "ledger.Remove", trace.WithAttributes(attrEntryID.String(id.String())))
	defer span.End()

	entry, err := s.repo.FindOne(ctx, id)
	if err != nil {
		return s.fail(ctx, span, err)
	}
	if err := entry.MarkRemoved(); err != nil {
		return s.fail(ctx, span, err)
	}
	if err := s.repo.Remove(ctx, id, entry.Version); err != nil {
		return s.fail(ctx, span, err)
	}
	s.metrics.RecordEntryRemoved(ctx)
	s.logger.Info("journal entry removed", zap.String("entry_id", id.String()))

	s.publish(ctx, entry, entry.Snapshot())
	return nil
}

// Post moves a DRAFT entry to POSTED
func (s *Service) Post(ctx context.Context, id uuid.UUID) (*EntryResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Post", trace.WithAttributes(attrEntryID.String(id.String())))
	defer span.End()

	entry, err := s.repo.FindOne(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	if err := entry.Post(); err != nil {
		return nil, s.fail(ctx, span, err)
	}
	if err := s.repo.UpdateStatus(ctx, id, ledger.StatusPosted, entry.Version); err != nil {
		return nil, s.fail(ctx, span, err)
	}
	entry.IncrementVersion()
	s.metrics.RecordEntryPosted(ctx)
	s.logger.Info("journal entry posted",
		zap.String("entry_id", id.String()),
		zap.String("entry_number", entry.EntryNumber),
	)

	s.publish(ctx, entry, entry.Snapshot())
	resp := ToEntryResponse(entry)
	return &resp, nil
}

// Reverse stores a POSTED entry that cancels the given POSTED entry. The
// original is left untouched.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID) (*EntryResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Reverse", trace.WithAttributes(attrEntryID.String(id.String())))
	defer span.End()

	reversal, err := s.repo.CreateReversalEntry(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	s.metrics.RecordEntryReversed(ctx)
	s.logger.Info("journal entry reversed",
		zap.String("entry_id", id.String()),
		zap.String("reversal_id", reversal.ID.String()),
		zap.String("reversal_number", reversal.EntryNumber),
	)

	s.publish(ctx, reversal, reversal.Snapshot())
	resp := ToEntryResponse(reversal)
	return &resp, nil
}

// Get returns one entry with its lines
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*EntryResponse, error) {
	entry, err := s.repo.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := ToEntryResponse(entry)
	return &resp, nil
}

// List returns a page of entries
func (s *Service) List(ctx context.Context, filter EntryListFilter) (*EntryListResponse, error) {
	domainFilter := filter.toDomain()
	entries, total, err := s.repo.FindAll(ctx, domainFilter)
	if err != nil {
		return nil, err
	}
	items := make([]EntryResponse, len(entries))
	for i := range entries {
		items[i] = ToEntryResponse(&entries[i])
	}
	return &EntryListResponse{
		Items:    items,
		Total:    total,
		Page:     domainFilter.Page,
		PageSize: domainFilter.PageSize,
	}, nil
}

func (s *Service) publish(ctx context.Context, entry *ledger.JournalEntry, snapshot ledger.EntrySnapshot) {
	s.publishEvents(ctx, entry.PullDomainEvents(), snapshot)
}

// publishEvents emits one envelope per recorded event. Results are logged
// only: the write has committed and the event is a notification.
func (s *Service) publishEvents(ctx context.Context, events []shared.DomainEvent, snapshot ledger.EntrySnapshot) {
	for _, e := range events {
		ev, ok := e.(*ledger.JournalEntryEvent)
		if !ok {
			continue
		}
		result := s.publisher.Publish(ctx, ledger.NewEnvelope(ev, snapshot))
		event.LogPublishResult(s.logger, result)
	}
}

func (s *Service) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		s.metrics.RecordEntryRejected(ctx, domainErr.Code)
	}
	return err
}
