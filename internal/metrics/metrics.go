// Package metrics exposes run and batch counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbackup_runs_total",
			Help: "Finished backup and restore runs by kind and final state.",
		},
		[]string{"kind", "state"},
	)
	metricRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbackup_records_total",
			Help: "Records appended (backup) or inserted (restore).",
		},
		[]string{"kind"},
	)
	metricSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbackup_records_skipped_total",
			Help: "Records skipped because they could not be serialized or parsed.",
		},
	)
	metricBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smsbackup_append_batch_duration_seconds",
			Help:    "Time to append one batch, including server acknowledgement.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	metricCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsbackup_cursor_timestamp_milliseconds",
			Help: "Persisted backup cursor.",
		},
	)
)

// RunFinished counts a run that ended in state.
func RunFinished(kind, state string) {
	metricRuns.WithLabelValues(kind, state).Inc()
}

// RecordsDone adds n processed records of the given run kind.
func RecordsDone(kind string, n int) {
	metricRecords.WithLabelValues(kind).Add(float64(n))
}

// RecordSkipped counts one record left out of a run.
func RecordSkipped() {
	metricSkipped.Inc()
}

// BatchAppended observes the duration of one acknowledged append.
func BatchAppended(d time.Duration) {
	metricBatchDuration.Observe(d.Seconds())
}

// CursorAdvanced sets the cursor gauge.
func CursorAdvanced(ts int64) {
	metricCursor.Set(float64(ts))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
