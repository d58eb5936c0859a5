package event

import (
	"context"
	"errors"
	"sync"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"go.uber.org/zap"
)

// ErrPublisherStopped is reported for envelopes handed to a stopped AsyncPublisher
var ErrPublisherStopped = errors.New("async publisher stopped")

// AsyncConfig sizes the AsyncPublisher. QueueSize is split evenly between
// the workers.
type AsyncConfig struct {
	QueueSize int
	Workers   int
}

type publishJob struct {
	ctx      context.Context
	envelope ledger.EventEnvelope
}

// AsyncPublisher hands envelopes to bounded queues drained by workers, so a
// request never waits on broker retries. Each worker owns one queue and every
// envelope of a journal entry goes to the same worker, which keeps them in
// order. Envelopes that do not fit in their queue go straight to the outbox.
type AsyncPublisher struct {
	inner  *BrokerPublisher
	queues []chan publishJob
	logger *zap.Logger

	mu       sync.RWMutex
	stopped  bool
	inflight map[string]int
	wg       sync.WaitGroup
}

var _ ledger.EventPublisher = (*AsyncPublisher)(nil)

// NewAsyncPublisher starts the workers
func NewAsyncPublisher(inner *BrokerPublisher, cfg AsyncConfig, logger *zap.Logger) *AsyncPublisher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	perWorker := max((cfg.QueueSize+cfg.Workers-1)/cfg.Workers, 1)

	p := &AsyncPublisher{
		inner:    inner,
		queues:   make([]chan publishJob, cfg.Workers),
		logger:   logger,
		inflight: make(map[string]int),
	}
	for i := range p.queues {
		p.queues[i] = make(chan publishJob, perWorker)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

// Publish enqueues the envelope on the queue of its partition. The returned
// result only says whether it was accepted; the delivery outcome is logged by
// the worker.
func (p *AsyncPublisher) Publish(ctx context.Context, envelope ledger.EventEnvelope) ledger.PublishResult {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		result := ledger.NewPublishResult(envelope)
		result.Err = ErrPublisherStopped
		return result
	}

	job := publishJob{ctx: context.WithoutCancel(ctx), envelope: envelope}
	queue := p.queues[broker.Partition(envelope.PartitionKey, len(p.queues))]
	select {
	case queue <- job:
		p.inflight[envelope.PartitionKey]++
		p.mu.Unlock()
		result := ledger.NewPublishResult(envelope)
		result.Queued = true
		return result
	default:
	}
	p.mu.Unlock()

	result := p.inner.ParkOnly(job.ctx, envelope)
	if result.Err != nil {
		p.logger.Error("publish queue full, ledger event dropped",
			zap.String("event_id", envelope.ID.String()),
			zap.String("event_type", string(envelope.EventType)),
			zap.String("entry_id", envelope.EntryID().String()),
			zap.Error(result.Err),
		)
	} else {
		p.logger.Warn("publish queue full, ledger event parked in outbox",
			zap.String("event_id", envelope.ID.String()),
		)
	}
	return result
}

// Busy reports whether envelopes with partitionKey are still queued or being
// sent. The outbox relay holds parked envelopes of a busy partition back.
func (p *AsyncPublisher) Busy(partitionKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inflight[partitionKey] > 0
}

func (p *AsyncPublisher) worker(queue <-chan publishJob) {
	defer p.wg.Done()
	for job := range queue {
		result := p.inner.Publish(job.ctx, job.envelope)
		LogPublishResult(p.logger, result)
		p.done(job.envelope.PartitionKey)
	}
}

func (p *AsyncPublisher) done(partitionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[partitionKey] <= 1 {
		delete(p.inflight, partitionKey)
		return
	}
	p.inflight[partitionKey]--
}

// Stop rejects new envelopes and waits for the queues to drain or ctx to end
func (p *AsyncPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, queue := range p.queues {
			close(queue)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogPublishResult writes the outcome of a publish at a level matching it
func LogPublishResult(logger *zap.Logger, result ledger.PublishResult) {
	fields := []zap.Field{
		zap.String("event_id", result.EventID.String()),
		zap.String("event_type", string(result.EventType)),
		zap.String("entry_id", result.EntryID.String()),
		zap.Int("attempts", result.Attempts),
	}
	switch {
	case result.Delivered:
		logger.Debug("ledger event published", fields...)
	case result.Queued && result.Err == nil:
		logger.Debug("ledger event queued", fields...)
	case result.Queued:
		logger.Warn("ledger event parked in outbox", append(fields, zap.Error(result.Err))...)
	default:
		logger.Error("ledger event lost", append(fields, zap.Error(result.Err))...)
	}
}
