package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funnel"

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	remoteBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = prometheus.ExponentialBuckets(128, 8, 6)
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the instruments of the funnel BFF. A nil *Metrics is valid
// and records nothing, so components take one without checking.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreRollbacksTotal    *prometheus.CounterVec
	StoreStaleResponses    prometheus.Counter
	ActiveSessions         prometheus.Gauge
	SessionEvictionsTotal  prometheus.Counter

	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	SnapshotOperationsTotal *prometheus.CounterVec
	EventConnections        prometheus.Gauge
	EventsPublishedTotal    *prometheus.CounterVec
	EventsDroppedTotal      prometheus.Counter
}

// InitMetrics creates the instruments and registers them with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}
	total := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}

	return &Metrics{
		HTTPRequestsTotal: counter("http", "requests_total",
			"BFF requests by route and status.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogram("http", "request_duration_seconds",
			"BFF request latency.", latencyBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes: histogram("http", "request_size_bytes",
			"Declared request body size.", sizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogram("http", "response_size_bytes",
			"Response body size.", sizeBuckets, "method", "path_pattern"),

		StoreOperationsTotal: counter("store", "operations_total",
			"Pipeline store operations by outcome.", "operation", "outcome"),
		StoreOperationDuration: histogram("store", "operation_duration_seconds",
			"Pipeline store operation latency including the remote call.", remoteBuckets, "operation"),
		StoreRollbacksTotal: counter("store", "rollbacks_total",
			"Optimistic updates reverted after the pipeline service refused them.", "operation"),
		StoreStaleResponses: total("store", "stale_responses_total",
			"Opportunity lists discarded because a newer fetch had been issued."),
		ActiveSessions: gauge("", "active_sessions",
			"Pipeline stores held in memory."),
		SessionEvictionsTotal: total("session", "evictions_total",
			"Idle pipeline stores evicted."),

		BackendRequestsTotal: counter("backend", "requests_total",
			"Pipeline service calls by operation and status.", "operation", "status"),
		BackendRequestDuration: histogram("backend", "request_duration_seconds",
			"Pipeline service call latency.", remoteBuckets, "operation"),
		BackendCircuitBreakerState: gauge("backend", "circuit_breaker_state",
			"Circuit breaker state: 0 closed, 1 half-open, 2 open."),
		BackendRetriesTotal: counter("backend", "retries_total",
			"Pipeline service calls retried.", "operation"),

		SnapshotOperationsTotal: counter("snapshot", "operations_total",
			"Snapshot loads and saves by result.", "operation", "result"),
		EventConnections: gauge("event", "connections",
			"Open change feed connections."),
		EventsPublishedTotal: counter("events", "published_total",
			"Change events fanned out to the feed.", "action"),
		EventsDroppedTotal: total("events", "dropped_total",
			"Change events dropped for slow consumers."),
	}
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordStoreOperation counts one store operation; a non-nil err counts as
// a failure.
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.StoreOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordRollback(operation string) {
	if m != nil {
		m.StoreRollbacksTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordStaleResponse() {
	if m != nil {
		m.StoreStaleResponses.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

func (m *Metrics) RecordSessionEviction() {
	if m != nil {
		m.SessionEvictionsTotal.Inc()
	}
}

// RecordBackendRequest records one pipeline service call. Status is zero
// when no response arrived.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m != nil {
		m.BackendCircuitBreakerState.Set(state)
	}
}

func (m *Metrics) RecordBackendRetry(operation string) {
	if m != nil {
		m.BackendRetriesTotal.WithLabelValues(operation).Inc()
	}
}

// RecordSnapshotOperation records a snapshot load or save. Result is one of
// hit, miss, ok or error.
func (m *Metrics) RecordSnapshotOperation(operation, result string) {
	if m != nil {
		m.SnapshotOperationsTotal.WithLabelValues(operation, result).Inc()
	}
}

func (m *Metrics) AddEventConnections(delta int) {
	if m != nil {
		m.EventConnections.Add(float64(delta))
	}
}

func (m *Metrics) RecordEventPublished(action string) {
	if m != nil {
		m.EventsPublishedTotal.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) RecordEventDropped() {
	if m != nil {
		m.EventsDroppedTotal.Inc()
	}
}

// MetricsMiddleware records each request under chi's route pattern so
// opportunity ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), cw.status, time.Since(start), max(int(r.ContentLength), 0), cw.bytes)
	})
}

// Handler serves the exposition format for g, or for the default registry
// when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern joins chi's matched patterns, dropping the subrouter
// wildcards. Unrouted requests fall back to the raw path.
func routePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	p := strings.ReplaceAll(strings.Join(rc.RoutePatterns, ""), "/*/", "/")
	if p = strings.TrimSuffix(p, "/*"); p == "" {
		return r.URL.Path
	}
	return p
}

type countingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *countingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *countingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(w.ResponseWriter)
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer cannot be hijacked")
	}
	return h.Hijack()
}
