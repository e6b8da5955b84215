package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ROI service.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Calculation metrics
	HorizonsComputed *prometheus.CounterVec
	HorizonsSkipped  *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	BatchRowsWritten prometheus.Counter
	BatchChunkErrors prometheus.Counter

	// Refresh metrics
	RefreshGuardHits *prometheus.CounterVec

	// Import metrics
	ImportRows *prometheus.CounterVec

	// Job metrics
	Jobs        *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses a fresh registry, which keeps tests independent of each other.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		HorizonsComputed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "horizons_computed_total",
				Help:      "ROI horizons computed and stored",
			},
			[]string{"day_count"},
		),
		HorizonsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "horizons_skipped_total",
				Help:      "ROI horizons skipped, by reason",
			},
			[]string{"reason"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_recompute_duration_seconds",
				Help:      "Duration of batch ROI recomputes",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
		),
		BatchRowsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_rows_written_total",
				Help:      "ROI rows written by batch recomputes",
			},
		),
		BatchChunkErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_chunk_errors_total",
				Help:      "ROI batch chunks that failed to persist",
			},
		),
		RefreshGuardHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_guard_total",
				Help:      "Refresh requests by guard outcome",
			},
			[]string{"outcome"},
		),
		ImportRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "import_rows_total",
				Help:      "Transaction rows processed by imports",
			},
			[]string{"result"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Background job attempts by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job attempt duration",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
			},
			[]string{"type"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
			},
			[]string{"method", "route"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "PostgreSQL pool connections by state",
			},
			[]string{"state"},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler returns the Prometheus metrics HTTP handler for the registry the
// metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordHorizonComputed records a stored ROI horizon.
func (m *Metrics) RecordHorizonComputed(dayCount int) {
	if m == nil {
		return
	}
	m.HorizonsComputed.WithLabelValues(strconv.Itoa(dayCount)).Inc()
}

// RecordHorizonSkipped records a horizon that produced no row.
func (m *Metrics) RecordHorizonSkipped(reason string) {
	if m == nil {
		return
	}
	m.HorizonsSkipped.WithLabelValues(reason).Inc()
}

// RecordBatch records a finished batch recompute.
func (m *Metrics) RecordBatch(rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchRowsWritten.Add(float64(rows))
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordChunkError records a failed ROI chunk write.
func (m *Metrics) RecordChunkError() {
	if m == nil {
		return
	}
	m.BatchChunkErrors.Inc()
}

// RecordRefresh records a refresh guard decision ("skipped", "recomputed", "forced").
func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshGuardHits.WithLabelValues(outcome).Inc()
}

// RecordImport records transaction rows written and skipped by an import.
func (m *Metrics) RecordImport(written, skipped int) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues("written").Add(float64(written))
	m.ImportRows.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordJob records one job attempt.
func (m *Metrics) RecordJob(jobType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
