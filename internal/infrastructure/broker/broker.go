// Package broker moves ledger envelopes between the publisher and the
// downstream consumer groups. Adapters exist for Redis Streams, SQS FIFO
// queues and an in-process broker used by tests and local runs.
//
// Every adapter keeps per-partition ordering: messages with the same
// partition key are delivered to a group one at a time, in publish order.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// ErrClosed is returned when publishing on a closed broker
var ErrClosed = errors.New("broker is closed")

// Message is a published envelope and its routing metadata
type Message struct {
	ID           string
	RoutingKey   string
	PartitionKey string
	Body         []byte
}

// Delivery is a received message. The handler must settle it with exactly
// one of Ack, Nack or DeadLetter.
type Delivery interface {
	Message() Message
	// RetryCount is the number of earlier deliveries of this message to the group
	RetryCount() int
	Ack(ctx context.Context) error
	// Nack returns the message for redelivery after the broker's retry delay
	Nack(ctx context.Context) error
	// DeadLetter moves the message to the dead-letter stream with reason
	// and removes it from the group. On the dead-letter stream itself it
	// only acknowledges.
	DeadLetter(ctx context.Context, reason string) error
}

// Handler processes one delivery
type Handler func(ctx context.Context, d Delivery)

// Publisher sends messages to every consumer group
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Broker is implemented by every adapter. Consume and ConsumeDeadLetters
// block until ctx is cancelled.
type Broker interface {
	Publisher
	Consume(ctx context.Context, group string, handler Handler) error
	ConsumeDeadLetters(ctx context.Context, group string, handler Handler) error
	Close() error
}

// DeadLetter is the body of a message on the dead-letter stream
type DeadLetter struct {
	MessageID     string    `json:"messageId"`
	RoutingKey    string    `json:"routingKey"`
	PartitionKey  string    `json:"partitionKey"`
	Body          []byte    `json:"body"`
	ConsumerGroup string    `json:"consumerGroup"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failedAt"`
}

// NewDeadLetter describes a delivery that group gave up on
func NewDeadLetter(d Delivery, group, reason string) DeadLetter {
	msg := d.Message()
	return DeadLetter{
		MessageID:     msg.ID,
		RoutingKey:    msg.RoutingKey,
		PartitionKey:  msg.PartitionKey,
		Body:          msg.Body,
		ConsumerGroup: group,
		Reason:        reason,
		Attempts:      d.RetryCount() + 1,
		FailedAt:      time.Now().UTC(),
	}
}

// Message wraps the dead letter for the dead-letter stream
func (dl DeadLetter) Message() (Message, error) {
	body, err := json.Marshal(dl)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode dead letter: %w", err)
	}
	return Message{
		ID:           dl.MessageID + ":" + dl.ConsumerGroup,
		RoutingKey:   dl.RoutingKey,
		PartitionKey: dl.PartitionKey,
		Body:         body,
	}, nil
}

// DecodeDeadLetter reads a message received from the dead-letter stream
func DecodeDeadLetter(msg Message) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(msg.Body, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to decode dead letter: %w", err)
	}
	return dl, nil
}

// Partition maps a partition key onto one of n ordered partitions
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
