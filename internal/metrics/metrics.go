// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Thread outcomes.
const (
	OutcomePersisted     = "persisted"
	OutcomeEmpty         = "empty"
	OutcomeNotJobLike    = "not_job_like"
	OutcomeFetchFailed   = "fetch_failed"
	OutcomeExtractFailed = "extract_failed"
	OutcomeUpsertFailed  = "upsert_failed"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_sync_passes_total",
		Help: "Sync passes by result.",
	}, []string{"result"})

	threadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_sync_threads_total",
		Help: "Threads handled by outcome.",
	}, []string{"outcome"})

	inferenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_inference_requests_total",
		Help: "Inference requests by provider and status.",
	}, []string{"provider", "status"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobmail_sync_pass_duration_seconds",
		Help:    "Wall time of a sync pass.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	outboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmail_outbox_events_total",
		Help: "Outbox events handed to the change feed, by result.",
	}, []string{"result"})

	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobmail_outbox_pending",
		Help: "Outbox rows not yet published.",
	})
)

// SyncPass records one finished pass.
func SyncPass(result string, took time.Duration) {
	passesTotal.WithLabelValues(result).Inc()
	passDuration.Observe(took.Seconds())
}

// Thread records one thread outcome.
func Thread(outcome string) {
	threadsTotal.WithLabelValues(outcome).Inc()
}

// InferenceRequest records one inference call.
func InferenceRequest(provider, status string) {
	inferenceTotal.WithLabelValues(provider, status).Inc()
}

// OutboxEvent records one dispatch attempt.
func OutboxEvent(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

// OutboxPending sets the unpublished outbox depth.
func OutboxPending(n int) {
	outboxPending.Set(float64(n))
}
