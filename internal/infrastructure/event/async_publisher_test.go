package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// blockingPublisher holds every publish until release is closed
type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ broker.Message) error {
	p.started <- struct{}{}
	<-p.release
	return nil
}

func TestAsyncPublisher_PublishesInBackground(t *testing.T) {
	b := broker.NewMemoryBroker(time.Millisecond, zap.NewNop())
	p := NewAsyncPublisher(NewBrokerPublisher(b, fastConfig(), zap.NewNop()), AsyncConfig{QueueSize: 8, Workers: 2}, zap.NewNop())

	// a cancelled request context must not stop the publish
	ctx, cancel := context.WithCancel(context.Background())
	result := p.Publish(ctx, newEnvelope(t, ledger.EventCreated))
	cancel()

	assert.True(t, result.Queued)
	assert.NoError(t, result.Err)

	require.NoError(t, p.Stop(context.Background()))
	assert.Len(t, b.Messages(), 1)
}

func TestAsyncPublisher_FullQueueParksInOutbox(t *testing.T) {
	pub := newBlockingPublisher()
	outbox := newFakeOutbox()

	p := NewAsyncPublisher(NewBrokerPublisher(pub, fastConfig(), zap.NewNop(), WithOutbox(outbox)),
		AsyncConfig{QueueSize: 1, Workers: 1}, zap.NewNop())

	// first is taken by the worker, second fills the queue
	p.Publish(context.Background(), newEnvelope(t, ledger.EventCreated))
	<-pub.started
	p.Publish(context.Background(), newEnvelope(t, ledger.EventUpdated))

	overflow := newEnvelope(t, ledger.EventPosted)
	result := p.Publish(context.Background(), overflow)
	assert.True(t, result.Queued)
	assert.NoError(t, result.Err)

	entries := outbox.all()
	require.Len(t, entries, 1)
	assert.Equal(t, overflow.ID, entries[0].EventID)

	close(pub.release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestAsyncPublisher_FullQueueWithoutOutboxDrops(t *testing.T) {
	pub := newBlockingPublisher()
	core, logs := observer.New(zapcore.ErrorLevel)

	p := NewAsyncPublisher(NewBrokerPublisher(pub, fastConfig(), zap.NewNop()),
		AsyncConfig{QueueSize: 1, Workers: 1}, zap.New(core))

	p.Publish(context.Background(), newEnvelope(t, ledger.EventCreated))
	<-pub.started
	p.Publish(context.Background(), newEnvelope(t, ledger.EventUpdated))

	result := p.Publish(context.Background(), newEnvelope(t, ledger.EventPosted))
	assert.False(t, result.Queued)
	assert.ErrorIs(t, result.Err, ErrNoOutbox)
	assert.Equal(t, 1, logs.FilterMessage("publish queue full, ledger event dropped").Len())

	close(pub.release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestAsyncPublisher_Stop(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down"))
	p := NewAsyncPublisher(NewBrokerPublisher(pub, fastConfig(), zap.NewNop()), AsyncConfig{}, zap.NewNop())

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	result := p.Publish(context.Background(), newEnvelope(t, ledger.EventCreated))
	assert.ErrorIs(t, result.Err, ErrPublisherStopped)
}

func TestLogPublishResult(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	envelope := newEnvelope(t, ledger.EventPosted)

	delivered := ledger.NewPublishResult(envelope)
	delivered.Delivered = true
	LogPublishResult(logger, delivered)

	parked := ledger.NewPublishResult(envelope)
	parked.Queued = true
	parked.Err = errors.New("down")
	LogPublishResult(logger, parked)

	lost := ledger.NewPublishResult(envelope)
	lost.Err = errors.New("down")
	LogPublishResult(logger, lost)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "ledger event lost", entries[2].Message)
}

func TestAsyncPublisher_KeepsEntryOrderWhileRetrying(t *testing.T) {
	created := newEnvelope(t, ledger.EventCreated)
	posted := followUp(created, ledger.EventPosted)

	var mu sync.Mutex
	var delivered []string
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(msg broker.Message) bool {
		return msg.ID == created.ID.String()
	})).Return(errors.New("broker busy")).Once()
	pub.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, args.Get(1).(broker.Message).RoutingKey)
	}).Return(nil)

	p := NewAsyncPublisher(NewBrokerPublisher(pub, fastConfig(), zap.NewNop()),
		AsyncConfig{QueueSize: 16, Workers: 4}, zap.NewNop())
	p.Publish(context.Background(), created)
	p.Publish(context.Background(), posted)
	require.NoError(t, p.Stop(context.Background()))

	assert.Equal(t, []string{"journal-entry.created", "journal-entry.posted"}, delivered)
}

func TestAsyncPublisher_BusyUntilDelivered(t *testing.T) {
	pub := newBlockingPublisher()
	p := NewAsyncPublisher(NewBrokerPublisher(pub, fastConfig(), zap.NewNop()),
		AsyncConfig{QueueSize: 4, Workers: 2}, zap.NewNop())

	envelope := newEnvelope(t, ledger.EventCreated)
	p.Publish(context.Background(), envelope)
	<-pub.started

	assert.True(t, p.Busy(envelope.PartitionKey))
	assert.False(t, p.Busy(newEnvelope(t, ledger.EventCreated).PartitionKey))

	close(pub.release)
	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Busy(envelope.PartitionKey))
}
