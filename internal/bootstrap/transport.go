package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/cache"
	"github.com/erp/ledger/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Transport is the broker selected by broker.driver. Redis is set only for
// the redis driver and is shared with the idempotency store.
type Transport struct {
	Driver string
	Broker broker.Broker
	Redis  *redis.Client
}

// OpenTransport connects the configured broker
func OpenTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Transport, error) {
	switch cfg.Broker.Driver {
	case config.BrokerMemory:
		logger.Warn("Using the in-process broker; events do not leave this process")
		return &Transport{
			Driver: config.BrokerMemory,
			Broker: broker.NewMemoryBroker(cfg.Broker.RetryDelay, logger.Named("broker")),
		}, nil

	case config.BrokerRedis:
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisTransport(client, cfg.Broker, logger), nil

	case config.BrokerSQS:
		client, err := newSQSClient(ctx, cfg.Broker, cfg.Storage)
		if err != nil {
			return nil, err
		}
		logger.Info("Using SQS broker", zap.String("queue_url", cfg.Broker.SQSQueueURL))
		return &Transport{
			Driver: config.BrokerSQS,
			Broker: broker.NewSQSBroker(client, broker.SQSConfig{
				QueueURL:      cfg.Broker.SQSQueueURL,
				DeadLetterURL: cfg.Broker.SQSDLQURL,
				Groups:        cfg.Consumer.Groups,
				WaitSeconds:   cfg.Broker.SQSWaitSeconds,
				Visibility:    cfg.Broker.SQSVisibility,
				RetryDelay:    cfg.Broker.RetryDelay,
			}, logger.Named("broker")),
		}, nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
}

// NewRedisTransport runs the Redis Streams broker on an existing client
func NewRedisTransport(client *redis.Client, cfg config.BrokerConfig, logger *zap.Logger) *Transport {
	logger.Info("Using Redis Streams broker",
		zap.String("addr", client.Options().Addr),
		zap.String("prefix", cfg.StreamPrefix),
		zap.Int("partitions", cfg.Partitions),
	)
	return &Transport{
		Driver: config.BrokerRedis,
		Broker: broker.NewRedisStreamBroker(client, broker.RedisStreamsConfig{
			Prefix:       cfg.StreamPrefix,
			Partitions:   cfg.Partitions,
			MaxLen:       cfg.StreamMaxLen,
			Block:        cfg.BlockTimeout,
			ClaimMinIdle: cfg.ClaimMinIdle,
			RetryDelay:   cfg.RetryDelay,
			Consumer:     consumerName(),
		}, logger.Named("broker")),
		Redis: client,
	}
}

func newSQSClient(ctx context.Context, cfg config.BrokerConfig, storage config.StorageConfig) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if storage.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(storage.AccessKeyID, storage.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	}), nil
}

// consumerName identifies this process inside Redis consumer groups
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "ledger"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Ping reports whether the broker connection is usable
func (t *Transport) Ping(ctx context.Context) error {
	if t.Redis == nil {
		return nil
	}
	return t.Redis.Ping(ctx).Err()
}

// Close closes the broker. The Redis broker closes its client.
func (t *Transport) Close() error {
	return t.Broker.Close()
}
