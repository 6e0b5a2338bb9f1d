// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TaskCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_task_created_total",
		Help: "Tasks accepted for execution, by command.",
	}, []string{"command"})

	TaskClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_task_claimed_total",
		Help: "Leases granted to workers, by command.",
	}, []string{"command"})

	TaskCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_task_completed_total",
		Help: "Tasks reaching a terminal state, by command and state.",
	}, []string{"command", "state"})

	LeaseExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_lease_expired_total",
		Help: "Leases that expired before the worker finished, by command.",
	}, []string{"command"})

	TaskProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codeq_task_processing_seconds",
		Help:    "Time from task creation to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"command", "state"})

	AuthFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_auth_failure_total",
		Help: "Token verification failures, by class.",
	}, []string{"class"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_http_requests_total",
		Help: "HTTP requests served, by route and status code.",
	}, []string{"route", "code"})

	KeySetRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeq_keyset_refresh_total",
		Help: "Key set refresh attempts, by outcome.",
	}, []string{"outcome"})

	StoreReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codeq_store_read_seconds",
		Help:    "Latency of point reads against the store.",
		Buckets: prometheus.ExponentialBuckets(0.000025, 4, 10),
	})

	StoreCommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codeq_store_commit_seconds",
		Help:    "Latency of batch commits against the store.",
		Buckets: prometheus.ExponentialBuckets(0.000025, 4, 10),
	})
)

// StoreObserver feeds the storage layer's read and commit timings into the
// histograms above. It satisfies the pebble wrapper's MetricsHook.
type StoreObserver struct{}

func (StoreObserver) ObserveRead(elapsed time.Duration, bytes int) {
	StoreReadSeconds.Observe(elapsed.Seconds())
}

func (StoreObserver) ObserveBatchCommit(elapsed time.Duration, numOps, bytes int) {
	StoreCommitSeconds.Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler that serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
