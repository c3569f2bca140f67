// Package metrics holds the process-wide synchronization metric surface.
// The registry is created once in main; components receive this handle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook ingress result labels.
const (
	ResultAccepted  = "ACCEPTED"
	ResultQueueFull = "QUEUE_FULL"
	ResultRejected  = "REJECTED"
)

// Metrics is the set of counters, gauges and histograms recorded across
// the synchronization engine.
type Metrics struct {
	KCFetchTotal           prometheus.Counter
	ScramUpsertsTotal      prometheus.Counter
	ScramDeletesTotal      prometheus.Counter
	ReconcileDuration      prometheus.Histogram
	ReconcileSkippedTotal  prometheus.Counter
	LastSuccessEpoch       prometheus.Gauge
	WebhookReceivedTotal   *prometheus.CounterVec
	SignatureFailuresTotal prometheus.Counter
	QueueBacklog           prometheus.Gauge
	RetryTotal             *prometheus.CounterVec
	AdminCallDuration      *prometheus.HistogramVec
	BreakerOpen            *prometheus.GaugeVec
}

// New registers the metric surface on r.
func New(r prometheus.Registerer) *Metrics {
	return &Metrics{
		KCFetchTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "sync_kc_fetch_total",
			Help: "Total number of full user fetches from the identity provider.",
		}),
		ScramUpsertsTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "sync_kafka_scram_upserts_total",
			Help: "Total number of SCRAM credential upserts submitted to Kafka.",
		}),
		ScramDeletesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "sync_kafka_scram_deletes_total",
			Help: "Total number of SCRAM credential deletions submitted to Kafka.",
		}),
		ReconcileDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_reconcile_duration_seconds",
			Help:    "Duration of full reconciliation cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileSkippedTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "sync_reconcile_skipped_total",
			Help: "Total number of periodic reconciliations skipped because one was running.",
		}),
		LastSuccessEpoch: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "sync_last_success_epoch_seconds",
			Help: "Unix time of the last error-free reconciliation.",
		}),
		WebhookReceivedTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "sync_webhook_received_total",
			Help: "Total number of webhook deliveries by ingress result.",
		}, []string{"result"}),
		SignatureFailuresTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "sync_webhook_signature_failures_total",
			Help: "Total number of webhook deliveries rejected for a bad signature.",
		}),
		QueueBacklog: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "sync_queue_backlog",
			Help: "Number of webhook events waiting in the queue.",
		}),
		RetryTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "sync_retry_total",
			Help: "Total number of event retries by reason and attempt.",
		}, []string{"reason", "attempt"}),
		AdminCallDuration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_kafka_admin_duration_seconds",
			Help:    "Duration of Kafka admin calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BreakerOpen: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_circuit_breaker_open",
			Help: "Whether the circuit breaker of a downstream is open (1) or not (0).",
		}, []string{"downstream"}),
	}
}
