package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// GroupPlaceholder in a queue URL is replaced by the consumer group name
const GroupPlaceholder = "{group}"

const (
	attrMessageID    = "message_id"
	attrRoutingKey   = "routing_key"
	attrPartitionKey = "partition_key"
)

// SQSAPI is the subset of the SQS client the broker uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig configures the SQS FIFO adapter
type SQSConfig struct {
	// QueueURL is the FIFO queue of a group, with GroupPlaceholder standing
	// for the group name. Every publish is sent to the queue of each group.
	QueueURL string
	// DeadLetterURL is the FIFO queue read by the saga
	DeadLetterURL string
	Groups        []string
	WaitSeconds   int32
	Visibility    int32
	// RetryDelay is how long a nacked message stays invisible
	RetryDelay time.Duration
}

// SQSBroker fans each message out to one FIFO queue per consumer group.
// The message group id is the partition key, which keeps per-entry order.
type SQSBroker struct {
	client SQSAPI
	cfg    SQSConfig
	logger *zap.Logger
}

// NewSQSBroker creates a broker on an existing client
func NewSQSBroker(client SQSAPI, cfg SQSConfig, logger *zap.Logger) *SQSBroker {
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 60
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &SQSBroker{client: client, cfg: cfg, logger: logger}
}

// QueueURL returns the queue read by group
func (b *SQSBroker) QueueURL(group string) string {
	return strings.ReplaceAll(b.cfg.QueueURL, GroupPlaceholder, group)
}

func (b *SQSBroker) publishURLs() []string {
	if !strings.Contains(b.cfg.QueueURL, GroupPlaceholder) || len(b.cfg.Groups) == 0 {
		return []string{b.cfg.QueueURL}
	}
	urls := make([]string, len(b.cfg.Groups))
	for i, g := range b.cfg.Groups {
		urls[i] = b.QueueURL(g)
	}
	return urls
}

// Publish sends msg to the queue of every group. The message id doubles as
// the FIFO deduplication id, so a retried publish is not delivered twice.
func (b *SQSBroker) Publish(ctx context.Context, msg Message) error {
	for _, url := range b.publishURLs() {
		if err := b.send(ctx, url, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQSBroker) send(ctx context.Context, queueURL string, msg Message) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(queueURL),
		MessageBody:            aws.String(string(msg.Body)),
		MessageGroupId:         aws.String(msg.PartitionKey),
		MessageDeduplicationId: aws.String(msg.ID),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrMessageID:    stringAttr(msg.ID),
			attrRoutingKey:   stringAttr(msg.RoutingKey),
			attrPartitionKey: stringAttr(msg.PartitionKey),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// Consume long-polls the group's queue one message at a time
func (b *SQSBroker) Consume(ctx context.Context, group string, handler Handler) error {
	b.consumeQueue(ctx, b.QueueURL(group), group, handler, false)
	return nil
}

// ConsumeDeadLetters long-polls the dead-letter queue
func (b *SQSBroker) ConsumeDeadLetters(ctx context.Context, group string, handler Handler) error {
	b.consumeQueue(ctx, b.cfg.DeadLetterURL, group, handler, true)
	return nil
}

func (b *SQSBroker) consumeQueue(ctx context.Context, queueURL, group string, handler Handler, deadLetters bool) {
	log := b.logger.With(zap.String("queue_url", queueURL), zap.String("group", group))
	for ctx.Err() == nil {
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(queueURL),
			MaxNumberOfMessages:         1,
			WaitTimeSeconds:             b.cfg.WaitSeconds,
			VisibilityTimeout:           b.cfg.Visibility,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to receive from SQS", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.cfg.RetryDelay):
			}
			continue
		}
		for _, m := range out.Messages {
			handler(ctx, b.newDelivery(queueURL, group, m, deadLetters))
		}
	}
}

func (b *SQSBroker) newDelivery(queueURL, group string, m types.Message, deadLetters bool) *sqsDelivery {
	retries := 0
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 1 {
		retries = n - 1
	}
	return &sqsDelivery{
		broker:        b,
		queueURL:      queueURL,
		group:         group,
		receiptHandle: aws.ToString(m.ReceiptHandle),
		deadLetters:   deadLetters,
		retries:       retries,
		msg: Message{
			ID:           attrValue(m, attrMessageID, aws.ToString(m.MessageId)),
			RoutingKey:   attrValue(m, attrRoutingKey, ""),
			PartitionKey: attrValue(m, attrPartitionKey, ""),
			Body:         []byte(aws.ToString(m.Body)),
		},
	}
}

func attrValue(m types.Message, name, fallback string) string {
	if v, ok := m.MessageAttributes[name]; ok && v.StringValue != nil {
		return *v.StringValue
	}
	return fallback
}

// Close is a no-op; the SQS client holds no connections of its own
func (b *SQSBroker) Close() error {
	return nil
}

type sqsDelivery struct {
	broker        *SQSBroker
	queueURL      string
	group         string
	receiptHandle string
	deadLetters   bool
	retries       int
	msg           Message
}

func (d *sqsDelivery) Message() Message { return d.msg }
func (d *sqsDelivery) RetryCount() int  { return d.retries }

func (d *sqsDelivery) Ack(ctx context.Context) error {
	_, err := d.broker.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: aws.String(d.receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

// Nack hides the message for the retry delay; the FIFO group stays blocked
// until it is redelivered.
func (d *sqsDelivery) Nack(ctx context.Context) error {
	_, err := d.broker.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queueURL),
		ReceiptHandle:     aws.String(d.receiptHandle),
		VisibilityTimeout: int32(d.broker.cfg.RetryDelay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to release SQS message: %w", err)
	}
	return nil
}

func (d *sqsDelivery) DeadLetter(ctx context.Context, reason string) error {
	if !d.deadLetters {
		msg, err := NewDeadLetter(d, d.group, reason).Message()
		if err != nil {
			return err
		}
		if err := d.broker.send(ctx, d.broker.cfg.DeadLetterURL, msg); err != nil {
			return err
		}
		d.broker.logger.Warn("message dead-lettered",
			zap.String("message_id", d.msg.ID),
			zap.String("group", d.group),
			zap.Int("attempts", d.retries+1),
			zap.String("reason", reason),
		)
	}
	return d.Ack(ctx)
}

var _ Broker = (*SQSBroker)(nil)
