// Package metrics defines the Prometheus instruments for the ETL.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "sleepetl"

// ETLMetrics holds all Prometheus metrics for batch runs. Methods are safe on
// a nil receiver so callers can run without metrics.
type ETLMetrics struct {
	BatchesTotal       *prometheus.CounterVec
	BatchDuration      prometheus.Histogram
	LastSuccessSeconds prometheus.Gauge
	FilesTotal         *prometheus.CounterVec
	RowsTotal          *prometheus.CounterVec
	StepsEnqueuedTotal prometheus.Counter
	TriggerRequests    *prometheus.CounterVec
}

func NewETLMetrics(reg prometheus.Registerer) *ETLMetrics {
	factory := promauto.With(reg)

	return &ETLMetrics{
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "batches_total",
				Help:      "Batch runs by outcome",
			},
			[]string{"trigger", "outcome"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "batch_duration_seconds",
				Help:      "Wall time of batch runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		LastSuccessSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful batch",
			},
		),
		FilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "files_total",
				Help:      "Files handled by type and status",
			},
			[]string{"file_type", "status"},
		),
		RowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rows_total",
				Help:      "Rows by file type and result",
			},
			[]string{"file_type", "result"},
		),
		StepsEnqueuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "automation_steps_enqueued_total",
				Help:      "claims.submit steps queued",
			},
		),
		TriggerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "trigger_requests_total",
				Help:      "HTTP trigger requests by status code",
			},
			[]string{"code"},
		),
	}
}

// ObserveFile records one file's outcome.
func (m *ETLMetrics) ObserveFile(fileType, status string, persisted, failed, steps int) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(fileType, status).Inc()
	if persisted > 0 {
		m.RowsTotal.WithLabelValues(fileType, "persisted").Add(float64(persisted))
	}
	if failed > 0 {
		m.RowsTotal.WithLabelValues(fileType, "failed").Add(float64(failed))
	}
	if steps > 0 {
		m.StepsEnqueuedTotal.Add(float64(steps))
	}
}

// ObserveBatch records a finished batch.
func (m *ETLMetrics) ObserveBatch(trigger, outcome string, took time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(trigger, outcome).Inc()
	m.BatchDuration.Observe(took.Seconds())
	if outcome == "success" {
		m.LastSuccessSeconds.Set(float64(finished.Unix()))
	}
}

// ObserveTrigger counts an HTTP trigger response.
func (m *ETLMetrics) ObserveTrigger(code string) {
	if m == nil {
		return
	}
	m.TriggerRequests.WithLabelValues(code).Inc()
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
