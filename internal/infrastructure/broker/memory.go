package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	memoryEvents      = "events"
	memoryDeadLetters = "dlq"
)

// MemoryBroker is an in-process broker. Each group reads the whole stream
// in order through its own cursor, so ordering is total rather than per
// partition. Nothing survives a restart.
type MemoryBroker struct {
	mu         sync.Mutex
	streams    map[string]*memoryStream
	wake       chan struct{}
	closed     bool
	retryDelay time.Duration
	logger     *zap.Logger
}

type memoryStream struct {
	messages []Message
	cursors  map[string]*memoryCursor
}

type memoryCursor struct {
	next       int
	deliveries int
}

// NewMemoryBroker creates an empty broker. A Nack redelivers after retryDelay.
func NewMemoryBroker(retryDelay time.Duration, logger *zap.Logger) *MemoryBroker {
	return &MemoryBroker{
		streams: map[string]*memoryStream{
			memoryEvents:      {cursors: map[string]*memoryCursor{}},
			memoryDeadLetters: {cursors: map[string]*memoryCursor{}},
		},
		wake:       make(chan struct{}),
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Publish appends msg to the event stream
func (b *MemoryBroker) Publish(_ context.Context, msg Message) error {
	return b.append(memoryEvents, msg)
}

func (b *MemoryBroker) append(stream string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.streams[stream]
	s.messages = append(s.messages, msg)
	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

// Consume delivers the event stream to group until ctx is cancelled
func (b *MemoryBroker) Consume(ctx context.Context, group string, handler Handler) error {
	return b.consume(ctx, memoryEvents, group, handler)
}

// ConsumeDeadLetters delivers the dead-letter stream to group
func (b *MemoryBroker) ConsumeDeadLetters(ctx context.Context, group string, handler Handler) error {
	return b.consume(ctx, memoryDeadLetters, group, handler)
}

func (b *MemoryBroker) consume(ctx context.Context, stream, group string, handler Handler) error {
	for {
		d, wake := b.next(stream, group)
		if d == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
			continue
		}

		handler(ctx, d)

		if d.settled() {
			b.advance(stream, group)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retryDelay):
		}
	}
}

// next returns the group's current message, or the channel closed by the next publish
func (b *MemoryBroker) next(stream, group string) (*memoryDelivery, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[stream]
	cur, ok := s.cursors[group]
	if !ok {
		cur = &memoryCursor{}
		s.cursors[group] = cur
	}
	if cur.next >= len(s.messages) {
		return nil, b.wake
	}
	cur.deliveries++
	return &memoryDelivery{
		broker:      b,
		group:       group,
		deadLetters: stream == memoryDeadLetters,
		msg:         s.messages[cur.next],
		retries:     cur.deliveries - 1,
	}, nil
}

func (b *MemoryBroker) advance(stream, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.streams[stream].cursors[group]
	cur.next++
	cur.deliveries = 0
}

// Messages returns a copy of the event stream
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.streams[memoryEvents].messages...)
}

// DeadLetters decodes the dead-letter stream
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	msgs := append([]Message(nil), b.streams[memoryDeadLetters].messages...)
	b.mu.Unlock()

	letters := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl, err := DecodeDeadLetter(m)
		if err != nil {
			continue
		}
		letters = append(letters, dl)
	}
	return letters
}

// Close rejects further publishes
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryDelivery struct {
	broker      *MemoryBroker
	group       string
	deadLetters bool
	msg         Message
	retries     int

	mu   sync.Mutex
	done bool
}

func (d *memoryDelivery) Message() Message { return d.msg }
func (d *memoryDelivery) RetryCount() int  { return d.retries }

func (d *memoryDelivery) Ack(context.Context) error {
	d.settle()
	return nil
}

func (d *memoryDelivery) Nack(context.Context) error {
	return nil
}

func (d *memoryDelivery) DeadLetter(_ context.Context, reason string) error {
	if !d.deadLetters {
		msg, err := NewDeadLetter(d, d.group, reason).Message()
		if err != nil {
			return err
		}
		if err := d.broker.append(memoryDeadLetters, msg); err != nil {
			return err
		}
		d.broker.logger.Warn("message dead-lettered",
			zap.String("message_id", d.msg.ID),
			zap.String("group", d.group),
			zap.String("reason", reason),
		)
	}
	d.settle()
	return nil
}

func (d *memoryDelivery) settle() {
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
}

func (d *memoryDelivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

var _ Broker = (*MemoryBroker)(nil)
