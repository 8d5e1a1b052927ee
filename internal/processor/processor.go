// Package processor drives the per-event detection pipeline.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emitter"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-processor")

// Processor consumes transaction events and runs each through the pipeline:
// load user state, evaluate heuristics, persist the successor state, emit
// alerts, acknowledge. The stream's per-key ordering guarantees that no two
// events for the same user are in flight at once, so the load/evaluate/store
// sequence needs no locking.
//
// Failure handling splits on the error taxonomy: malformed events are
// dead-lettered and acknowledged, everything else is retried in place with
// exponential backoff and, once MaxRetries is exhausted, handed back to the
// stream for redelivery by returning the error.
type Processor struct {
	stream    domain.Stream
	store     domain.StateStore
	evaluator *rules.Evaluator
	emitter   *emitter.Emitter
	cfg       domain.ProcessorConfig
	log       *slog.Logger

	// now is the detection clock, replaceable in tests.
	now func() time.Time

	sub domain.Subscription
}

// New creates a processor. A nil logger falls back to the default.
func New(stream domain.Stream, store domain.StateStore, evaluator *rules.Evaluator, em *emitter.Emitter, cfg domain.ProcessorConfig, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		stream:    stream,
		store:     store,
		evaluator: evaluator,
		emitter:   em,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Start subscribes to the transactions topic as the detection group.
func (p *Processor) Start(ctx context.Context) error {
	sub, err := p.stream.Subscribe(ctx, domain.TopicTransactions, domain.GroupDetection, p.HandleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactions, err)
	}
	p.sub = sub

	p.log.Info("processor started",
		"topic", domain.TopicTransactions,
		"group", domain.GroupDetection,
	)
	return nil
}

// Stop unsubscribes from the stream. In-flight events finish through the
// handler; nothing is acknowledged early.
func (p *Processor) Stop() error {
	if p.sub == nil {
		return nil
	}
	err := p.sub.Unsubscribe()
	p.sub = nil
	return err
}

// HandleMessage processes one delivered event. A nil return acknowledges the
// message, including the dead-letter path; an error requests redelivery.
func (p *Processor) HandleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "processor.handle_message",
		trace.WithAttributes(
			attribute.String("messaging.message_id", msg.ID),
			attribute.Int("messaging.delivery_attempt", msg.Attempt),
		),
	)
	defer span.End()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		return p.deadLetter(ctx, msg, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
	}
	if err := tx.Validate(); err != nil {
		return p.deadLetter(ctx, msg, err)
	}

	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("transaction.user_id", tx.UserID),
	)

	// Validation already ran, so everything process returns from here on
	// is transient and worth retrying in place.
	operation := func() error {
		err := p.process(ctx, &tx)
		if err != nil {
			metrics.EventsProcessed.WithLabelValues(metrics.OutcomeRetried).Inc()
			p.log.Warn("transient failure, retrying",
				"tx_id", tx.ID,
				"user_id", tx.UserID,
				"error", err,
			)
		}
		return err
	}

	err := backoff.Retry(operation, p.retryPolicy(ctx))
	if err != nil {
		// Retries exhausted: hand the event back to the stream. The
		// state write is a total overwrite, so reprocessing is safe.
		p.log.Error("processing failed, requesting redelivery",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"attempt", msg.Attempt,
			"error", err,
		)
		return err
	}

	metrics.EventsProcessed.WithLabelValues(metrics.OutcomeAcknowledged).Inc()
	metrics.ProcessingDuration.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// process runs the load -> evaluate -> persist -> emit sequence for one
// valid transaction. Any error leaves the stored state untouched or already
// overwritten with the successor; both are safe to reprocess.
func (p *Processor) process(ctx context.Context, tx *domain.Transaction) error {
	prior, err := p.store.Get(ctx, tx.UserID)
	if err != nil {
		return fmt.Errorf("failed to load state for user %s: %w", tx.UserID, err)
	}

	reasons, next := p.evaluator.Evaluate(tx, prior)

	if err := p.store.Put(ctx, tx.UserID, next); err != nil {
		return fmt.Errorf("failed to store state for user %s: %w", tx.UserID, err)
	}

	detectedAt := p.now()
	for _, reason := range reasons {
		if err := p.emitter.Emit(ctx, domain.NewAlert(reason, tx, detectedAt)); err != nil {
			return fmt.Errorf("failed to emit %s alert: %w", reason, err)
		}
	}

	p.log.Debug("transaction processed",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"alerts", len(reasons),
	)
	return nil
}

// deadLetter routes a poison event to the dead-letter topic and acknowledges
// it. The envelope keeps the raw payload verbatim next to the failure
// context so the event can be replayed after a fix.
func (p *Processor) deadLetter(ctx context.Context, msg *domain.Message, cause error) error {
	envelope := map[string]any{
		"payload":       json.RawMessage(msg.Payload),
		"failureReason": cause.Error(),
		"messageId":     msg.ID,
		"topic":         msg.Topic,
		"failedAt":      p.now().UTC().Format(time.RFC3339Nano),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		// The raw payload is not valid JSON even as a RawMessage; fall
		// back to a string copy so nothing is lost.
		envelope["payload"] = string(msg.Payload)
		body, _ = json.Marshal(envelope)
	}

	if err := p.stream.Publish(ctx, domain.TopicDeadLetter, msg.Key, body); err != nil {
		// Do not acknowledge: losing a poison event silently is worse
		// than redelivering it.
		return fmt.Errorf("failed to publish to dead-letter topic: %w", err)
	}

	metrics.DeadLettered.Inc()
	metrics.EventsProcessed.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
	p.log.Warn("event dead-lettered",
		"message_id", msg.ID,
		"error", cause,
	)
	return nil
}

// retryPolicy builds the backoff for in-place retries of one event.
func (p *Processor) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitialWait
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}

	var policy backoff.BackOff = b
	if p.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.cfg.MaxRetries))
	}
	return backoff.WithContext(policy, ctx)
}
