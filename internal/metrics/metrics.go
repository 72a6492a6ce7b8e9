package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Payment intents created, by provider.",
	}, []string{"provider"})

	PaymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Payments reaching the confirmed state, by provider.",
	}, []string{"provider"})

	PaymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Payments reaching the failed state, by provider.",
	}, []string{"provider"})

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Inbound webhooks rejected for an invalid signature.",
	})

	StateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_state_conflicts_total",
		Help: "Transition attempts rejected because the transaction was already terminal.",
	})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)
