package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parkEnvelope(t *testing.T, outbox *fakeOutbox, kind ledger.EventKind, maxRetries int) *shared.OutboxEntry {
	t.Helper()
	envelope := newEnvelope(t, kind)
	msg, err := ToMessage(envelope)
	require.NoError(t, err)
	entry := NewOutboxEntry(envelope, msg, maxRetries)
	require.NoError(t, outbox.Save(context.Background(), entry))
	return entry
}

func TestOutboxProcessor_RelaysPendingEntries(t *testing.T) {
	outbox := newFakeOutbox()
	entry := parkEnvelope(t, outbox, ledger.EventPosted, 5)
	b := broker.NewMemoryBroker(time.Millisecond, zap.NewNop())

	processor := NewOutboxProcessor(outbox, b, OutboxProcessorConfig{BatchSize: 10, PollInterval: 10 * time.Millisecond}, nil, zap.NewNop())
	require.NoError(t, processor.Start(context.Background()))

	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, processor.Stop(context.Background()))

	msg := b.Messages()[0]
	assert.Equal(t, entry.EventID.String(), msg.ID)
	assert.Equal(t, "journal-entry.posted", msg.RoutingKey)

	got, err := outbox.FindByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.OutboxStatusSent, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	envelope, err := DecodeEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, entry.AggregateID, envelope.EntryID())
}

func TestOutboxProcessor_FailureSchedulesRetryThenDies(t *testing.T) {
	outbox := newFakeOutbox()
	entry := parkEnvelope(t, outbox, ledger.EventCreated, 2)
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	processor := NewOutboxProcessor(outbox, pub, DefaultOutboxProcessorConfig(), nil, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, 0, processor.ProcessBatch(ctx))
	got, _ := outbox.FindByID(ctx, entry.ID)
	assert.Equal(t, shared.OutboxStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	// not yet due
	assert.Equal(t, 0, processor.ProcessBatch(ctx))
	pub.AssertNumberOfCalls(t, "Publish", 1)

	due := time.Now().UTC().Add(-time.Second)
	got.NextRetryAt = &due
	processor.ProcessBatch(ctx)

	got, _ = outbox.FindByID(ctx, entry.ID)
	assert.Equal(t, shared.OutboxStatusDead, got.Status)
	assert.Equal(t, "broker down", got.LastError)
	dead, total, err := outbox.FindDead(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, entry.ID, dead[0].ID)
}

func TestOutboxProcessor_RetriedDeadEntryIsRelayed(t *testing.T) {
	outbox := newFakeOutbox()
	entry := parkEnvelope(t, outbox, ledger.EventCreated, 1)
	entry.MarkFailed("rejected")
	require.True(t, entry.IsDead())
	require.NoError(t, entry.ResetForRetry())

	b := broker.NewMemoryBroker(time.Millisecond, zap.NewNop())
	processor := NewOutboxProcessor(outbox, b, DefaultOutboxProcessorConfig(), nil, zap.NewNop())

	assert.Equal(t, 1, processor.ProcessBatch(context.Background()))
	assert.Len(t, b.Messages(), 1)
}

func TestOutboxProcessor_Cleanup(t *testing.T) {
	outbox := newFakeOutbox()
	old := parkEnvelope(t, outbox, ledger.EventPosted, 5)
	old.MarkSent()
	past := time.Now().UTC().Add(-8 * 24 * time.Hour)
	old.ProcessedAt = &past
	recent := parkEnvelope(t, outbox, ledger.EventPosted, 5)
	recent.MarkSent()

	processor := NewOutboxProcessor(outbox, new(mockPublisher), DefaultOutboxProcessorConfig(), nil, zap.NewNop())
	processor.Cleanup(context.Background())

	_, err := outbox.FindByID(context.Background(), old.ID)
	assert.Error(t, err)
	_, err = outbox.FindByID(context.Background(), recent.ID)
	assert.NoError(t, err)
}

func TestOutboxProcessor_StopGracefully(t *testing.T) {
	processor := NewOutboxProcessor(newFakeOutbox(), new(mockPublisher), DefaultOutboxProcessorConfig(), nil, zap.NewNop())
	require.NoError(t, processor.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, processor.Stop(ctx))
}

func TestDefaultOutboxProcessorConfig(t *testing.T) {
	config := DefaultOutboxProcessorConfig()

	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 5*time.Second, config.PollInterval)
	assert.True(t, config.CleanupEnabled)
	assert.Equal(t, 7*24*time.Hour, config.CleanupRetention)
	assert.Equal(t, time.Hour, config.CleanupInterval)
}

func TestOutboxProcessor_KeepsEntryOrderAfterFailure(t *testing.T) {
	outbox := newFakeOutbox()
	created := parkEnvelope(t, outbox, ledger.EventCreated, 5)
	posted := parkEnvelope(t, outbox, ledger.EventPosted, 5)
	other := parkEnvelope(t, outbox, ledger.EventCreated, 5)

	// posted belongs to the same journal entry as created and was parked later
	posted.AggregateID = created.AggregateID
	posted.PartitionKey = created.PartitionKey
	base := time.Now().Add(-time.Minute)
	created.CreatedAt = base
	posted.CreatedAt = base.Add(time.Second)
	other.CreatedAt = base.Add(2 * time.Second)

	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(msg broker.Message) bool {
		return msg.ID == created.EventID.String()
	})).Return(errors.New("broker down"))
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	processor := NewOutboxProcessor(outbox, pub, DefaultOutboxProcessorConfig(), nil, zap.NewNop())
	assert.Equal(t, 1, processor.ProcessBatch(context.Background()))

	assert.Equal(t, shared.OutboxStatusFailed, created.Status)
	assert.Equal(t, 1, created.RetryCount)

	// deferred behind created without spending an attempt
	assert.Equal(t, shared.OutboxStatusFailed, posted.Status)
	assert.Zero(t, posted.RetryCount)
	require.NotNil(t, posted.NextRetryAt)
	assert.Equal(t, *created.NextRetryAt, *posted.NextRetryAt)

	assert.Equal(t, shared.OutboxStatusSent, other.Status)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

type busyPartitions map[string]bool

func (b busyPartitions) Busy(partitionKey string) bool {
	return b[partitionKey]
}

func TestOutboxProcessor_HoldsBusyPartition(t *testing.T) {
	outbox := newFakeOutbox()
	held := parkEnvelope(t, outbox, ledger.EventPosted, 5)
	free := parkEnvelope(t, outbox, ledger.EventPosted, 5)

	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	config := DefaultOutboxProcessorConfig()
	processor := NewOutboxProcessor(outbox, pub, config, nil, zap.NewNop(),
		WithPartitionGate(busyPartitions{held.PartitionKey: true}))
	assert.Equal(t, 1, processor.ProcessBatch(context.Background()))

	assert.Equal(t, shared.OutboxStatusSent, free.Status)
	assert.Equal(t, shared.OutboxStatusFailed, held.Status)
	assert.Zero(t, held.RetryCount)
	require.NotNil(t, held.NextRetryAt)
	assert.True(t, held.NextRetryAt.After(time.Now()))
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestNewOutboxEntry_OrdersByEventTime(t *testing.T) {
	envelope := newEnvelope(t, ledger.EventCreated)
	envelope.Timestamp = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	msg, err := ToMessage(envelope)
	require.NoError(t, err)

	entry := NewOutboxEntry(envelope, msg, 0)
	assert.Equal(t, envelope.Timestamp, entry.CreatedAt)
	assert.Equal(t, shared.DefaultMaxRetries, entry.MaxRetries)
}
