package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the CRM service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Status workflow metrics
	TransitionsTotal       *prometheus.CounterVec
	TransitionDenialsTotal *prometheus.CounterVec
	NoopsTotal             *prometheus.CounterVec
	ConflictsTotal         *prometheus.CounterVec
	HistoryFailuresTotal   prometheus.Counter

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreRetriesTotal      *prometheus.CounterVec

	// Idempotency metrics
	IdempotentReplaysTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Status workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_status_transitions_total",
			Help: "Committed status changes by field, resulting global status and actor role.",
		}, []string{"field", "status", "role"}),
		TransitionDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_status_transition_denials_total",
			Help: "Status changes refused by the transition policy.",
		}, []string{"field", "role"}),
		NoopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_status_noops_total",
			Help: "Requests whose target equalled the current status.",
		}, []string{"field"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_status_conflicts_total",
			Help: "Version conflicts on commit, by outcome (retried, surfaced).",
		}, []string{"outcome"}),
		HistoryFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_history_write_failures_total",
			Help: "History entries that could not be written after a committed change.",
		}),

		// Store
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_store_operation_duration_seconds",
			Help:    "Application store call duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation", "outcome"}),
		StoreRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_store_retries_total",
			Help: "Store calls retried after a transient failure.",
		}, []string{"operation"}),

		// Idempotency
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_idempotent_replays_total",
			Help: "Responses served from the idempotency store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransitionsTotal,
		m.TransitionDenialsTotal,
		m.NoopsTotal,
		m.ConflictsTotal,
		m.HistoryFailuresTotal,
		m.StoreOperationDuration,
		m.StoreRetriesTotal,
		m.IdempotentReplaysTotal,
	)

	return m
}

// --- Recording helpers ---
// Every helper is a no-op on a nil *Metrics so callers may run without a
// registry.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a committed status change.
func (m *Metrics) RecordTransition(field, status, role string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(field, status, role).Inc()
}

// RecordDenial records a refused status change.
func (m *Metrics) RecordDenial(field, role string) {
	if m == nil {
		return
	}
	m.TransitionDenialsTotal.WithLabelValues(field, role).Inc()
}

// RecordNoop records an identity request.
func (m *Metrics) RecordNoop(field string) {
	if m == nil {
		return
	}
	m.NoopsTotal.WithLabelValues(field).Inc()
}

// RecordConflict records a version conflict and whether it was retried.
func (m *Metrics) RecordConflict(outcome string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(outcome).Inc()
}

// RecordHistoryFailure records a lost history entry.
func (m *Metrics) RecordHistoryFailure() {
	if m == nil {
		return
	}
	m.HistoryFailuresTotal.Inc()
}

// RecordStoreOperation records one store call.
func (m *Metrics) RecordStoreOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperationDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordStoreRetry records a retried store call.
func (m *Metrics) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordIdempotentReplay records a cached response replay.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route
// pattern rather than the raw path, which keeps application ids out of the
// label set.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r, route := routeContext(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r, route), status, time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routeContext returns chi's route context for r. When r has none yet an
// empty one is installed; chi fills a context it finds in the request
// instead of allocating its own, so outer middleware can read the match.
func routeContext(r *http.Request) (*http.Request, *chi.Context) {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return r, rctx
	}
	rctx := chi.NewRouteContext()
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx)), rctx
}

// routePattern is the matched chi pattern, or the raw path when nothing matched.
func routePattern(r *http.Request, rctx *chi.Context) string {
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
