package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSStream implements Stream using NATS with queue groups for
// consumer-group semantics.
//
// Core NATS neither persists messages nor spreads one key to one member, so
// two caveats apply and must be weighed before choosing this backend over
// Kafka: redelivery after a crash requires JetStream (handler errors here
// are retried in-process only), and per-key ordering holds only while a
// queue group has a single member.
type NATSStream struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.StreamConfig
}

type natsSubscription struct {
	id    string
	topic string
	group string
	sub   *nats.Subscription
}

// NewNATSStream creates a NATS-based stream with resilience.
func NewNATSStream(cfg domain.StreamConfig) (*NATSStream, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected",
				"url", nc.ConnectedUrl(),
			)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("NATS error",
				"error", err,
				"subject", sub.Subject,
			)
		}),
	}

	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	// Connect with retry
	var conn *nats.Conn
	var err error
	for i := 0; i < cfg.NATSMaxReconnects; i++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", i+1,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(time.Duration(cfg.NATSReconnectWait) * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSStream{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

// Publish sends a message envelope to a NATS subject.
func (s *NATSStream) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
		Attempt:   1,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.conn.Publish(makeSubject(topic), data)
}

// Subscribe registers a handler on a queue group. Handler errors are
// retried in-process with capped backoff.
func (s *NATSStream) Subscribe(ctx context.Context, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	subject := makeSubject(topic)

	natsSub, err := s.conn.QueueSubscribe(subject, group, func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message",
				"subject", m.Subject,
				"error", err,
			)
			return
		}

		wait := 10 * time.Millisecond
		const maxWait, maxAttempts = time.Second, 10
		for {
			err := handler(ctx, &msg)
			if err == nil {
				return
			}
			if msg.Attempt >= maxAttempts {
				slog.Error("handler exhausted retries, dropping message",
					"subject", m.Subject,
					"message_id", msg.ID,
					"attempts", msg.Attempt,
					"error", err,
				)
				return
			}
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
	})

	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		group: group,
		sub:   natsSub,
	}

	s.mu.Lock()
	s.subscriptions[sub.id] = sub
	s.mu.Unlock()

	return sub, nil
}

// Ping checks NATS connectivity.
func (s *NATSStream) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return s.conn.FlushWithContext(ctx)
}

// Close closes the NATS connection.
func (s *NATSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	s.subscriptions = make(map[string]*natsSubscription)

	s.conn.Close()
	return nil
}

// makeSubject namespaces topics under the kestrel subject tree.
func makeSubject(topic string) string {
	return "kestrel." + topic
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
