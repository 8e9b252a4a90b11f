package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "billing"
	subsystem = "reconciler"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// HandlerOutcomesTotal counts handler executions by event type and outcome
	// (applied, skipped, unresolved, duplicate, ignored, error).
	HandlerOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handler_outcomes_total",
		Help:      "Billing event handler executions by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// DedupeTotal counts event deduplication decisions.
	DedupeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dedupe_total",
		Help:      "Event deduplication decisions (processed, duplicate, in_flight, failed).",
	}, []string{"result"})

	// CreditsGrantedTotal sums credits granted by completed top-ups.
	CreditsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "credits_granted_total",
		Help:      "Total credits granted to organizations by completed top-ups.",
	})

	// TelemetryEventsTotal counts analytics deliveries by result.
	TelemetryEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "telemetry_events_total",
		Help:      "Analytics events by delivery result (sent, dropped, failed).",
	}, []string{"result"})

	// ReceiptsPrunedTotal counts event receipts removed by retention pruning.
	ReceiptsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "receipts_pruned_total",
		Help:      "Total processed-event receipts deleted by retention pruning.",
	})
)
