// Package metrics defines the Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_transactions_ingested_total",
		Help: "Total number of transactions accepted by the ingress API.",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_processed_total",
		Help: "Total number of inbound events by terminal outcome.",
	}, []string{"outcome"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_alerts_emitted_total",
		Help: "Total number of fraud alerts published, labelled by reason.",
	}, []string{"reason"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_suppressed_total",
		Help: "Total number of duplicate alerts suppressed by the emitter.",
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_events_dead_lettered_total",
		Help: "Total number of malformed events routed to the dead-letter topic.",
	})

	AlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_alerts_delivered_total",
		Help: "Total number of alerts handed to the notification sink, labelled by reason.",
	}, []string{"reason"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_event_processing_duration_ms",
		Help:    "Per-event pipeline latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
)

// Outcome labels for EventsProcessed.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRetried      = "retried"
)
