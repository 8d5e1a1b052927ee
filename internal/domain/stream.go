package domain

import (
	"context"
)

// Stream defines the interface for event-driven communication between the
// ingress, the processor and downstream consumers. Supports Go channels
// (single process), NATS, or Kafka.
//
// Delivery contract, which every implementation must honor:
//
//   - At-least-once: a handler returning a non-nil error causes the message
//     to be delivered again; returning nil acknowledges it. A message may
//     therefore be handled more than once but is never lost.
//   - Per-key ordering: messages published with the same key are delivered
//     to a group's handlers in publish order. This is what makes per-user
//     state safe without locks; it is a precondition the processor relies
//     on, not something it re-derives.
//
// Ordering across different keys is unspecified.
type Stream interface {
	// Publish sends a payload to a topic. Key selects the ordered
	// partition; the pipeline always keys by userId.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic within a consumer group.
	// Messages are spread across the group's members by partition.
	Subscribe(ctx context.Context, topic string, group string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes one delivered message. A nil return acknowledges
// the message; an error requests redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents one delivered event.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int `json:"attempt"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// StreamConfig holds configuration for stream initialization.
type StreamConfig struct {
	// Type is the stream type: "channel", "nats" or "kafka"
	Type string `yaml:"type"`

	// Channel settings
	ChannelPartitions int `yaml:"channelPartitions"`
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds

	// Kafka settings
	KafkaBrokers string `yaml:"kafkaBrokers"`
}

// Topic names for the detection pipeline. Names match the original wire
// contract so external producers and consumers interoperate unchanged.
const (
	TopicTransactions = "transactions"
	TopicAlerts       = "fraud-alerts"
	TopicDeadLetter   = "transactions-dlq"
)

// Consumer group names.
const (
	GroupDetection = "fraud-detection-group"
	GroupAlerts    = "fraud-alert-group"
)
