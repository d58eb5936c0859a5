package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisBroker(t *testing.T, partitions int) (*RedisStreamBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisStreamBroker(client, RedisStreamsConfig{
		Prefix:     "test.events",
		Partitions: partitions,
		Block:      50 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
		Consumer:   "c1",
	}, zap.NewNop())
	return b, client
}

func TestRedisStreamBroker_PublishPartitionsByKey(t *testing.T) {
	b, client := newRedisBroker(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, msg("m1", "entry-a")))
	require.NoError(t, b.Publish(ctx, msg("m2", "entry-a")))

	stream := b.StreamName(Partition("entry-a", 4))
	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].Values["id"])
	assert.Equal(t, "m2", entries[1].Values["id"])
	assert.Equal(t, "journal-entry.created", entries[0].Values["routing_key"])
	assert.Equal(t, `{"id":"m1"}`, entries[0].Values["body"])
	assert.Equal(t, "test.events.dlq", b.DeadLetterStream())
}

func TestRedisStreamBroker_ConsumeAndAck(t *testing.T) {
	b, client := newRedisBroker(t, 2)
	ctx := context.Background()

	// published before the group exists
	require.NoError(t, b.Publish(ctx, msg("m1", "entry-a")))

	var c collector
	runConsumer(t, func(ctx context.Context) error {
		return b.Consume(ctx, "payables", func(ctx context.Context, d Delivery) {
			assert.Equal(t, 0, d.RetryCount())
			c.add(d.Message().ID)
			_ = d.Ack(ctx)
		})
	})

	require.NoError(t, b.Publish(ctx, msg("m2", "entry-a")))
	require.NoError(t, b.Publish(ctx, msg("m3", "entry-a")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, c.snapshot())

	stream := b.StreamName(Partition("entry-a", 2))
	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, stream, "payables").Result()
		return err == nil && pending.Count == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRedisStreamBroker_NackRedelivers(t *testing.T) {
	b, _ := newRedisBroker(t, 1)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("m1", "entry-a")))
	require.NoError(t, b.Publish(ctx, msg("m2", "entry-a")))

	var c collector
	retries := make(chan int, 10)
	runConsumer(t, func(ctx context.Context) error {
		return b.Consume(ctx, "receivables", func(ctx context.Context, d Delivery) {
			if d.Message().ID == "m1" {
				retries <- d.RetryCount()
				if d.RetryCount() < 2 {
					_ = d.Nack(ctx)
					return
				}
			}
			c.add(d.Message().ID)
			_ = d.Ack(ctx)
		})
	})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, c.snapshot())
	assert.Equal(t, 0, <-retries)
	assert.Equal(t, 1, <-retries)
	assert.Equal(t, 2, <-retries)
}

func TestRedisStreamBroker_DeadLetter(t *testing.T) {
	b, client := newRedisBroker(t, 1)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("m1", "entry-a")))
	require.NoError(t, b.Publish(ctx, msg("m2", "entry-a")))

	var c collector
	runConsumer(t, func(ctx context.Context) error {
		return b.Consume(ctx, "inventory", func(ctx context.Context, d Delivery) {
			if d.Message().ID == "m1" {
				_ = d.DeadLetter(ctx, "no handler")
				return
			}
			c.add(d.Message().ID)
			_ = d.Ack(ctx)
		})
	})
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	entries, err := client.XRange(ctx, b.DeadLetterStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1:inventory", entries[0].Values["id"])

	var saga collector
	letters := make(chan DeadLetter, 1)
	runConsumer(t, func(ctx context.Context) error {
		return b.ConsumeDeadLetters(ctx, "saga", func(ctx context.Context, d Delivery) {
			dl, err := DecodeDeadLetter(d.Message())
			if err == nil {
				letters <- dl
			}
			saga.add(d.Message().ID)
			_ = d.Ack(ctx)
		})
	})
	require.Eventually(t, func() bool { return len(saga.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	dl := <-letters
	assert.Equal(t, "m1", dl.MessageID)
	assert.Equal(t, "inventory", dl.ConsumerGroup)
	assert.Equal(t, "no handler", dl.Reason)
	assert.Equal(t, 1, dl.Attempts)
}
