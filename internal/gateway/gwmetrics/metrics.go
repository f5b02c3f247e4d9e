package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountsByStatus tracks the number of accounts in each subscription status.
	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "accounts_by_status",
		Help:      "Number of accounts by subscription status.",
	}, []string{"status"})

	// AccountsFlagged tracks paid and opted-out account counts.
	AccountsFlagged = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "accounts_flagged",
		Help:      "Number of accounts carrying a flag (paid, opted_out).",
	}, []string{"flag"})

	// QuotaDecisionsTotal counts quota enforcement outcomes.
	QuotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "quota_decisions_total",
		Help:      "Quota enforcement decisions by reason.",
	}, []string{"reason"})

	// KeywordCommandsTotal counts recognised inbound keyword commands.
	KeywordCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "keyword_commands_total",
		Help:      "Inbound keyword commands by command.",
	}, []string{"command"})

	// InboundMessagesTotal counts inbound messages by handling outcome.
	InboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "inbound_messages_total",
		Help:      "Inbound messages by outcome (proceed, command, dropped, denied, error).",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementTransitionsTotal counts entitlement writes by event and result.
	EntitlementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "entitlement_transitions_total",
		Help:      "Entitlement transitions by event type and result (applied, stale, unknown_customer).",
	}, []string{"event_type", "result"})

	// CancellationsTotal counts outbound subscription cancellations by outcome.
	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "cancellations_total",
		Help:      "Subscription cancellation calls to the payment processor by outcome.",
	}, []string{"outcome"})

	// CarrierCallbacksTotal counts carrier status callbacks by merge outcome.
	CarrierCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "carrier_callbacks_total",
		Help:      "Carrier status callbacks by outcome (applied, duplicate, not_found, rejected).",
	}, []string{"outcome"})

	// CostRecordedTotal sums recorded cost amounts by source and currency.
	CostRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "cost_recorded_total",
		Help:      "Recorded cost amounts by source (generation, transport) and currency.",
	}, []string{"source", "currency"})

	// SweepTotal counts cost sweeper lookups by outcome.
	SweepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "cost_sweep_total",
		Help:      "Transport cost sweep lookups by outcome (filled, pending, failed).",
	}, []string{"outcome"})

	// NotificationsTotal counts outbound notifications by template and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textguide",
		Subsystem: "gateway",
		Name:      "notifications_total",
		Help:      "Outbound notifications by template and outcome.",
	}, []string{"template", "outcome"})
)
