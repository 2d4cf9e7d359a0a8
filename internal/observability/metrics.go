package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	FollowUpsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "followup_created_total", Help: "Follow-ups created by the rule engine"},
		[]string{"rule"},
	)
	FollowUpsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "followup_skipped_total", Help: "Follow-up candidates skipped"},
		[]string{"reason"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewaySendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook events by kind"},
		[]string{"kind"},
	)
	WebhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_rejected_total", Help: "Webhook requests rejected by guards"},
		[]string{"reason"},
	)
	StatusUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "status_updates_total", Help: "Status update outcomes"},
		[]string{"outcome"},
	)
	InboundReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_replies_total", Help: "Classified inbound replies"},
		[]string{"intent"},
	)
	ReconcileChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_checks_total", Help: "Reconciliation check outcomes"},
		[]string{"outcome"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		FollowUpsCreated, FollowUpsSkipped,
		GatewaySend, GatewaySendLatency,
		WebhookEvents, WebhookRejected,
		StatusUpdates, InboundReplies, ReconcileChecks,
	)
}
