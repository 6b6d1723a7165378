// Package metrics holds the Prometheus collectors shared by the engine and
// the HTTP API. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds all Prometheus metrics for a SkaldDB process.
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	// Transaction metrics
	commitsTotal   *prometheus.CounterVec
	commitDuration prometheus.Histogram
	commitBytes    prometheus.Histogram
	rollbacksTotal prometheus.Counter
	stagedOps      prometheus.Histogram

	// Table metrics
	tableRows  *prometheus.GaugeVec
	tableBytes *prometheus.GaugeVec

	authRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skald_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skald_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skald_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
			[]string{"method", "endpoint"},
		),

		commitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skald_commits_total",
				Help: "Total number of transaction commits by outcome",
			},
			[]string{"status"},
		),
		commitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skald_commit_duration_seconds",
				Help:    "Time spent in the commit critical section",
				Buckets: prometheus.DefBuckets,
			},
		),
		commitBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skald_commit_bytes",
				Help:    "Bytes written to the connector per committed transaction",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
		rollbacksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "skald_rollbacks_total",
				Help: "Total number of explicit rollbacks",
			},
		),
		stagedOps: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skald_transaction_ops",
				Help:    "Staged operations per committed transaction",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		tableRows: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skald_table_rows",
				Help: "Live rows per table",
			},
			[]string{"table"},
		),
		tableBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skald_table_segment_bytes",
				Help: "Segment size per table in bytes",
			},
			[]string{"table"},
		),

		authRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skald_auth_requests_total",
				Help: "Total number of authentication requests",
			},
			[]string{"status"},
		),
	}
}

func status(success bool) string {
	if success {
		return statusSuccess
	}
	return statusError
}

// RecordCommit records the outcome of a commit.
func (m *Metrics) RecordCommit(success bool, ops int, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(status(success)).Inc()
	m.commitDuration.Observe(duration.Seconds())
	if success {
		m.stagedOps.Observe(float64(ops))
		m.commitBytes.Observe(float64(bytes))
	}
}

// RecordRollback counts an explicit rollback.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.rollbacksTotal.Inc()
}

// UpdateTable sets the size gauges for one table.
func (m *Metrics) UpdateTable(table string, rows int, bytes int64) {
	if m == nil {
		return
	}
	m.tableRows.WithLabelValues(table).Set(float64(rows))
	m.tableBytes.WithLabelValues(table).Set(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAuthRequest records an authentication request
func (m *Metrics) RecordAuthRequest(success bool) {
	if m == nil {
		return
	}
	m.authRequestsTotal.WithLabelValues(status(success)).Inc()
}

// InstrumentHandler instruments an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(method, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		gauge := m.httpRequestsInFlight.WithLabelValues(method, endpoint)
		gauge.Inc()
		defer gauge.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(rw, r)

		m.RecordHTTPRequest(method, endpoint, rw.statusCode, time.Since(start))
	}
}

// InstrumentAuthMiddleware counts authentication outcomes for requests that
// carried an API key.
func (m *Metrics) InstrumentAuthMiddleware(next func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		inner := next(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hasAPIKey := r.Header.Get("X-API-Key") != ""
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			inner.ServeHTTP(rw, r)
			if hasAPIKey {
				m.RecordAuthRequest(rw.statusCode != http.StatusUnauthorized)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
