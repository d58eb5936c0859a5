package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream entry fields
const (
	fieldID           = "id"
	fieldRoutingKey   = "routing_key"
	fieldPartitionKey = "partition_key"
	fieldBody         = "body"
)

// RedisStreamsConfig configures the Redis Streams adapter
type RedisStreamsConfig struct {
	// Prefix names the streams: <prefix>.<partition> and <prefix>.dlq
	Prefix     string
	Partitions int
	// MaxLen caps each stream approximately; zero keeps everything
	MaxLen int64
	// Block is how long one XREADGROUP waits for new entries
	Block time.Duration
	// ClaimMinIdle is how long an entry stays pending on a dead consumer
	// before another consumer claims it
	ClaimMinIdle time.Duration
	RetryDelay   time.Duration
	// Consumer names this process inside its groups
	Consumer string
}

// RedisStreamBroker publishes to partitioned Redis streams and consumes them
// through consumer groups, one entry at a time per partition.
type RedisStreamBroker struct {
	client *redis.Client
	cfg    RedisStreamsConfig
	logger *zap.Logger
}

// NewRedisStreamBroker creates a broker on an existing client
func NewRedisStreamBroker(client *redis.Client, cfg RedisStreamsConfig, logger *zap.Logger) *RedisStreamBroker {
	if cfg.Prefix == "" {
		cfg.Prefix = "ledger.events"
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	return &RedisStreamBroker{client: client, cfg: cfg, logger: logger}
}

// StreamName returns the stream that carries partition p
func (b *RedisStreamBroker) StreamName(p int) string {
	return fmt.Sprintf("%s.%d", b.cfg.Prefix, p)
}

// DeadLetterStream returns the name of the dead-letter stream
func (b *RedisStreamBroker) DeadLetterStream() string {
	return b.cfg.Prefix + ".dlq"
}

// Publish appends msg to the stream of its partition
func (b *RedisStreamBroker) Publish(ctx context.Context, msg Message) error {
	stream := b.StreamName(Partition(msg.PartitionKey, b.cfg.Partitions))
	if err := b.client.XAdd(ctx, b.addArgs(stream, msg)).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

func (b *RedisStreamBroker) addArgs(stream string, msg Message) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxLen,
		Approx: b.cfg.MaxLen > 0,
		Values: map[string]any{
			fieldID:           msg.ID,
			fieldRoutingKey:   msg.RoutingKey,
			fieldPartitionKey: msg.PartitionKey,
			fieldBody:         string(msg.Body),
		},
	}
}

// Consume runs one reader per partition stream until ctx is cancelled
func (b *RedisStreamBroker) Consume(ctx context.Context, group string, handler Handler) error {
	streams := make([]string, b.cfg.Partitions)
	for p := range streams {
		streams[p] = b.StreamName(p)
	}
	return b.consumeAll(ctx, streams, group, handler, false)
}

// ConsumeDeadLetters reads the dead-letter stream until ctx is cancelled
func (b *RedisStreamBroker) ConsumeDeadLetters(ctx context.Context, group string, handler Handler) error {
	return b.consumeAll(ctx, []string{b.DeadLetterStream()}, group, handler, true)
}

func (b *RedisStreamBroker) consumeAll(ctx context.Context, streams []string, group string, handler Handler, deadLetters bool) error {
	for _, stream := range streams {
		if err := b.ensureGroup(ctx, stream, group); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeStream(ctx, stream, group, handler, deadLetters)
		}()
	}
	wg.Wait()
	return nil
}

// ensureGroup creates the group at the start of the stream so entries
// published before the first consumer started are still delivered.
func (b *RedisStreamBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *RedisStreamBroker) consumeStream(ctx context.Context, stream, group string, handler Handler, deadLetters bool) {
	log := b.logger.With(zap.String("stream", stream), zap.String("group", group))
	for ctx.Err() == nil {
		entries, err := b.next(ctx, stream, group)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to read stream", zap.Error(err))
			b.sleep(ctx)
			continue
		}

		for _, entry := range entries {
			d := b.newDelivery(ctx, stream, group, entry, deadLetters)
			if d == nil {
				continue
			}
			handler(ctx, d)
			if !d.settled() {
				// leave it pending; the history read picks it up again
				b.sleep(ctx)
				break
			}
		}
	}
}

// next returns, in order of preference, this consumer's own pending
// entries, entries claimed from idle consumers, and new entries.
func (b *RedisStreamBroker) next(ctx context.Context, stream, group string) ([]redis.XMessage, error) {
	history, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if msgs := firstStream(history); len(msgs) > 0 {
		return msgs, nil
	}

	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
		Consumer: b.cfg.Consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	fresh, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    b.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return firstStream(fresh), nil
}

func firstStream(streams []redis.XStream) []redis.XMessage {
	if len(streams) == 0 {
		return nil
	}
	return streams[0].Messages
}

// newDelivery wraps entry; entries trimmed away while pending are acked and skipped
func (b *RedisStreamBroker) newDelivery(ctx context.Context, stream, group string, entry redis.XMessage, deadLetters bool) *redisDelivery {
	if entry.Values == nil {
		_ = b.client.XAck(ctx, stream, group, entry.ID).Err()
		return nil
	}

	retries := 0
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  entry.ID,
		End:    entry.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 && pending[0].RetryCount > 1 {
		retries = int(pending[0].RetryCount - 1)
	}

	return &redisDelivery{
		broker:      b,
		stream:      stream,
		group:       group,
		entryID:     entry.ID,
		deadLetters: deadLetters,
		retries:     retries,
		msg: Message{
			ID:           stringValue(entry.Values, fieldID),
			RoutingKey:   stringValue(entry.Values, fieldRoutingKey),
			PartitionKey: stringValue(entry.Values, fieldPartitionKey),
			Body:         []byte(stringValue(entry.Values, fieldBody)),
		},
	}
}

func stringValue(values map[string]any, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func (b *RedisStreamBroker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.cfg.RetryDelay):
	}
}

// Close closes the Redis client
func (b *RedisStreamBroker) Close() error {
	return b.client.Close()
}

type redisDelivery struct {
	broker      *RedisStreamBroker
	stream      string
	group       string
	entryID     string
	deadLetters bool
	retries     int
	msg         Message
	done        bool
}

func (d *redisDelivery) Message() Message { return d.msg }
func (d *redisDelivery) RetryCount() int  { return d.retries }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.broker.client.XAck(ctx, d.stream, d.group, d.entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.entryID, err)
	}
	d.done = true
	return nil
}

// Nack leaves the entry pending so the next history read redelivers it
func (d *redisDelivery) Nack(context.Context) error {
	return nil
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	if d.deadLetters {
		return d.Ack(ctx)
	}

	msg, err := NewDeadLetter(d, d.group, reason).Message()
	if err != nil {
		return err
	}
	_, err = d.broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, d.broker.addArgs(d.broker.DeadLetterStream(), msg))
		pipe.XAck(ctx, d.stream, d.group, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", d.entryID, err)
	}
	d.done = true
	d.broker.logger.Warn("message dead-lettered",
		zap.String("message_id", d.msg.ID),
		zap.String("stream", d.stream),
		zap.String("group", d.group),
		zap.Int("attempts", d.retries+1),
		zap.String("reason", reason),
	)
	return nil
}

func (d *redisDelivery) settled() bool { return d.done }

var _ Broker = (*RedisStreamBroker)(nil)
