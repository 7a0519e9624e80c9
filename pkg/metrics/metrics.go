// Package metrics exposes the Prometheus collectors for the sync pipeline:
// events accepted by the dispatcher, Synchronizer outcomes and durations,
// retry attempts, and refs pushed to destinations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PushEventsTotal counts delivered messages by outcome. The dispatcher
	// records accepted, rejected (undecodable) and requeued; the
	// Application records untracked, and the dispatcher then also counts
	// that event as accepted.
	PushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githgsync_push_events_total",
			Help: "Total number of push events seen by the dispatcher, by result",
		},
		[]string{"result"}, // accepted, rejected, requeued, untracked
	)

	// SyncDuration measures wall-clock time of one Synchronizer.Sync call.
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "githgsync_sync_duration_seconds",
			Help:    "Time taken by one destination sync",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SyncTotal counts completed syncs by outcome.
	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githgsync_sync_total",
			Help: "Total number of destination syncs, by result",
		},
		[]string{"result"}, // success, failure
	)

	// RetryAttemptsTotal counts every non-final retry attempt, by the
	// action label passed to retry.Do.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githgsync_retry_attempts_total",
			Help: "Total number of retried attempts, by action",
		},
		[]string{"action"},
	)

	// RefsPushedTotal counts individual refspecs successfully pushed to a
	// destination remote.
	RefsPushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "githgsync_refs_pushed_total",
			Help: "Total number of refs pushed to destination repositories",
		},
	)
)

func init() {
	prometheus.MustRegister(PushEventsTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(RefsPushedTotal)
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Handler returns the promhttp handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
