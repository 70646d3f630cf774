package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
	batchSizeBuckets     = []float64{1, 2, 5, 10, 25, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the lab service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Stage metrics
	StageTransitionsTotal   *prometheus.CounterVec
	StageTransitionDuration *prometheus.HistogramVec
	StageValidationFailures *prometheus.CounterVec
	RecordsByStage          *prometheus.GaugeVec

	// Batch metrics
	BatchAdvancesTotal     *prometheus.CounterVec
	BatchSize              prometheus.Histogram
	IdempotentReplaysTotal prometheus.Counter

	// System metrics
	CatalogReloadTotal   *prometheus.CounterVec
	CatalogTestTypes     prometheus.Gauge
	EventsPublishedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Stages
		StageTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_stage_transitions_total",
			Help: "Total number of stage submissions, edits and batch moves.",
		}, []string{"action", "to_stage", "status"}),
		StageTransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labflow_stage_transition_duration_seconds",
			Help:    "Time spent persisting a stage transition in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"action"}),
		StageValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_stage_validation_failures_total",
			Help: "Total number of stage form submissions rejected by validation.",
		}, []string{"stage"}),
		RecordsByStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labflow_records_by_stage",
			Help: "Number of test records currently in each stage.",
		}, []string{"stage"}),

		// Batches
		BatchAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_batch_advances_total",
			Help: "Total number of batch advance requests.",
		}, []string{"to_stage", "status"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labflow_batch_size",
			Help:    "Number of records per batch advance.",
			Buckets: batchSizeBuckets,
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labflow_batch_idempotent_replays_total",
			Help: "Total batch requests answered from the idempotency store.",
		}),

		// System
		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_catalog_reload_total",
			Help: "Total lab catalog reloads.",
		}, []string{"status"}),
		CatalogTestTypes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labflow_catalog_test_types",
			Help: "Number of test types in the loaded lab catalog.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labflow_events_published_total",
			Help: "Total stage events published to the broker.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Stages
		m.StageTransitionsTotal,
		m.StageTransitionDuration,
		m.StageValidationFailures,
		m.RecordsByStage,
		// Batches
		m.BatchAdvancesTotal,
		m.BatchSize,
		m.IdempotentReplaysTotal,
		// System
		m.CatalogReloadTotal,
		m.CatalogTestTypes,
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordStageTransition records one record moving (or failing to move) to a
// stage.
func (m *Metrics) RecordStageTransition(action, toStage, status string, duration time.Duration) {
	m.StageTransitionsTotal.WithLabelValues(action, toStage, status).Inc()
	m.StageTransitionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStageValidationFailure records a rejected stage form submission.
func (m *Metrics) RecordStageValidationFailure(stage string) {
	m.StageValidationFailures.WithLabelValues(stage).Inc()
}

// SetRecordsByStage sets the current record count of a stage.
func (m *Metrics) SetRecordsByStage(stage string, count float64) {
	m.RecordsByStage.WithLabelValues(stage).Set(count)
}

// RecordBatchAdvance records a batch advance request.
func (m *Metrics) RecordBatchAdvance(toStage, status string, size int) {
	m.BatchAdvancesTotal.WithLabelValues(toStage, status).Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordIdempotentReplay records a batch answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordCatalogReload records a catalog reload.
func (m *Metrics) RecordCatalogReload(status string) {
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogTestTypes sets the number of loaded test types.
func (m *Metrics) SetCatalogTestTypes(count float64) {
	m.CatalogTestTypes.Set(count)
}

// RecordEventPublished records a broker publish attempt.
func (m *Metrics) RecordEventPublished(status string) {
	m.EventsPublishedTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
