package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KafkaStream implements Stream using Kafka, the reference deployment's
// broker. Per-key ordering comes from Kafka's own partitioning: messages
// are produced with the userId as the record key, so the broker routes a
// user's events to one partition and a group member drains that partition
// in order.
//
// Commits are manual and happen only after the handler returns nil, which
// is what gives at-least-once delivery: a crash between processing and
// commit redelivers the message on restart.
type KafkaStream struct {
	mu       sync.Mutex
	brokers  string
	producer *kafka.Producer
	subs     map[string]*kafkaSubscription
	closed   bool
}

type kafkaSubscription struct {
	topic    string
	group    string
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafkaStream creates a Kafka-backed stream with an idempotent producer.
func NewKafkaStream(cfg domain.StreamConfig) (*KafkaStream, error) {
	brokers := cfg.KafkaBrokers
	if brokers == "" {
		brokers = "localhost:9092"
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaStream{
		brokers:  brokers,
		producer: producer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish produces a record keyed for partition routing and waits for the
// broker's delivery report.
func (s *KafkaStream) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	deliveryCh := make(chan kafka.Event, 1)

	err := s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
	}, deliveryCh)
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Subscribe starts a consumer in the given group with manual commits.
func (s *KafkaStream) Subscribe(ctx context.Context, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  s.brokers,
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		topic:    topic,
		group:    group,
		consumer: consumer,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go sub.consume(subCtx, handler)

	s.mu.Lock()
	s.subs[topic+":"+group] = sub
	s.mu.Unlock()

	slog.Info("kafka consumer started",
		"topic", topic,
		"group", group,
	)

	return sub, nil
}

// consume drains the partition assignment in order. The handler is retried
// in place on error, which keeps the uncommitted offset from being skipped
// and preserves ordering within the partition.
func (sub *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		kmsg, err := sub.consumer.ReadMessage(250 * time.Millisecond)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			slog.Error("kafka read failed",
				"topic", sub.topic,
				"error", err,
			)
			continue
		}

		msg := envelope(kmsg)

		wait := 100 * time.Millisecond
		const maxWait = 5 * time.Second
		for {
			err := handler(ctx, msg)
			if err == nil {
				break
			}
			slog.Warn("handler failed, holding offset",
				"topic", sub.topic,
				"group", sub.group,
				"message_id", msg.ID,
				"attempt", msg.Attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			msg.Attempt++
			if wait < maxWait {
				wait *= 2
			}
		}

		if _, err := sub.consumer.CommitMessage(kmsg); err != nil {
			// Redelivery after rebalance is acceptable; duplicates are
			// the at-least-once trade-off.
			slog.Error("failed to commit offset",
				"topic", sub.topic,
				"error", err,
			)
		}
	}
}

// envelope converts a Kafka record into the stream's message shape.
func envelope(kmsg *kafka.Message) *domain.Message {
	metadata := make(map[string]string, len(kmsg.Headers))
	for _, h := range kmsg.Headers {
		metadata[h.Key] = string(h.Value)
	}

	topic := ""
	if kmsg.TopicPartition.Topic != nil {
		topic = *kmsg.TopicPartition.Topic
	}

	return &domain.Message{
		ID:        fmt.Sprintf("%s/%d/%d", topic, kmsg.TopicPartition.Partition, kmsg.TopicPartition.Offset),
		Topic:     topic,
		Key:       string(kmsg.Key),
		Payload:   kmsg.Value,
		Metadata:  metadata,
		Timestamp: kmsg.Timestamp.UnixNano(),
		Attempt:   1,
	}
}

// Ping checks broker connectivity.
func (s *KafkaStream) Ping(ctx context.Context) error {
	_, err := s.producer.GetMetadata(nil, true, 5000)
	if err != nil {
		return fmt.Errorf("kafka metadata request failed: %w", err)
	}
	return nil
}

// Close stops all consumers and flushes the producer.
func (s *KafkaStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*kafkaSubscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
		if err := sub.consumer.Close(); err != nil {
			slog.Error("failed to close kafka consumer",
				"topic", sub.topic,
				"error", err,
			)
		}
	}

	s.producer.Flush(5000)
	s.producer.Close()
	return nil
}

// Unsubscribe stops the consumer loop.
func (sub *kafkaSubscription) Unsubscribe() error {
	sub.cancel()
	<-sub.done
	return sub.consumer.Close()
}

// Topic returns the subscribed topic.
func (sub *kafkaSubscription) Topic() string {
	return sub.topic
}
