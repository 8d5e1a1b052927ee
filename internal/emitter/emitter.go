// Package emitter publishes alert events to the outbound stream.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Emitter publishes alerts to the alerts topic, keyed by userId.
//
// Delivery is at-least-once and carries no retry policy of its own: a
// publish failure surfaces to the processor, which owns retries for the
// whole event. Optional deduplication on (userId, reason, transaction.id)
// suppresses the duplicates redelivery would otherwise produce; it is an
// extra belt, consumers must still be idempotent on the same key.
type Emitter struct {
	stream domain.Stream
	topic  string
	seen   *dedupSet
	log    *slog.Logger
}

// New creates an emitter. A nil logger falls back to the default.
func New(stream domain.Stream, cfg domain.EmitterConfig, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}

	var seen *dedupSet
	if cfg.Dedup {
		seen = newDedupSet(cfg.DedupSize)
	}

	return &Emitter{
		stream: stream,
		topic:  domain.TopicAlerts,
		seen:   seen,
		log:    log,
	}
}

// Emit publishes one alert. Returns nil for suppressed duplicates.
func (e *Emitter) Emit(ctx context.Context, alert *domain.Alert) error {
	key := dedupKey(alert)

	if e.seen != nil && e.seen.contains(key) {
		metrics.AlertsSuppressed.Inc()
		e.log.Debug("duplicate alert suppressed",
			"user_id", alert.UserID,
			"reason", alert.Reason,
			"tx_id", alert.Transaction.ID,
		)
		return nil
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := e.stream.Publish(ctx, e.topic, alert.UserID, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	// Remember only after a confirmed publish, otherwise a failed attempt
	// would suppress its own retry.
	if e.seen != nil {
		e.seen.add(key)
	}

	metrics.AlertsEmitted.WithLabelValues(string(alert.Reason)).Inc()
	e.log.Info("fraud alert sent",
		"user_id", alert.UserID,
		"reason", alert.Reason,
		"tx_id", alert.Transaction.ID,
		"amount", alert.Transaction.Amount,
	)
	return nil
}

func dedupKey(alert *domain.Alert) string {
	return alert.UserID + "|" + string(alert.Reason) + "|" + alert.Transaction.ID
}
