// Package notifier consumes emitted alerts and hands them to a sink.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Sink receives decoded alerts. Implementations push to pagers, webhooks or
// case-management systems; the built-in default just logs.
type Sink interface {
	Deliver(ctx context.Context, alert *domain.Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, alert *domain.Alert) error

func (f SinkFunc) Deliver(ctx context.Context, alert *domain.Alert) error {
	return f(ctx, alert)
}

// Notifier subscribes to the alerts topic as the alert group and forwards
// each alert to its sink. Alerts arrive at least once, so sinks must be
// idempotent on (userId, reason, transaction.id).
type Notifier struct {
	stream domain.Stream
	sink   Sink
	log    *slog.Logger
	sub    domain.Subscription
}

// New creates a notifier. A nil sink falls back to logging only.
func New(stream domain.Stream, sink Sink, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		stream: stream,
		sink:   sink,
		log:    log,
	}
}

// Start subscribes to the alerts topic.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.stream.Subscribe(ctx, domain.TopicAlerts, domain.GroupAlerts, n.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicAlerts, err)
	}
	n.sub = sub

	n.log.Info("notifier started",
		"topic", domain.TopicAlerts,
		"group", domain.GroupAlerts,
	)
	return nil
}

// Stop unsubscribes from the stream.
func (n *Notifier) Stop() error {
	if n.sub == nil {
		return nil
	}
	err := n.sub.Unsubscribe()
	n.sub = nil
	return err
}

func (n *Notifier) handleMessage(ctx context.Context, msg *domain.Message) error {
	var alert domain.Alert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		// An undecodable alert came from our own emitter; redelivering
		// it cannot help. Log and acknowledge.
		n.log.Error("failed to decode alert, dropping",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	n.log.Warn("fraud alert received",
		"user_id", alert.UserID,
		"reason", alert.Reason,
		"tx_id", alert.Transaction.ID,
		"amount", alert.Transaction.Amount,
		"location", alert.Transaction.Location,
	)

	if n.sink != nil {
		if err := n.sink.Deliver(ctx, &alert); err != nil {
			return fmt.Errorf("sink delivery failed: %w", err)
		}
	}

	metrics.AlertsDelivered.WithLabelValues(string(alert.Reason)).Inc()
	return nil
}
