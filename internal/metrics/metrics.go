// Package metrics holds the Prometheus collectors shared by the HTTP layer,
// the data layer and the tool registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fastmango"

// Registry holds every fastmango collector plus the process and Go runtime
// collectors. It is separate from the prometheus default registry.
var Registry = prometheus.NewRegistry()

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	Registry.MustRegister(h)
	return h
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
	Registry.MustRegister(g)
	return g
}

var (
	httpInFlight = gauge("http", "inflight_requests", "Requests currently being served.")
	httpRequests = counter("http", "requests_total", "HTTP requests served.", "method", "path", "status")
	httpDuration = histogram("http", "request_duration_seconds", "HTTP request latency.",
		prometheus.ExponentialBuckets(0.005, 2, 10), "method", "path")

	dbOperations = counter("db", "operations_total", "Model operations by outcome.", "model", "operation", "outcome")
	dbDuration   = histogram("db", "operation_duration_seconds", "Model operation latency.",
		prometheus.ExponentialBuckets(0.0005, 2, 12), "model", "operation")
	dbSessions = gauge("db", "open_sessions", "Request-scoped sessions currently open.")

	toolExecutions = counter("tools", "executions_total", "Tool invocations by status.", "tool", "status")
	toolDuration   = histogram("tools", "execution_duration_seconds", "Tool invocation latency.",
		prometheus.ExponentialBuckets(0.001, 2, 12), "tool")

	scheduledRuns = counter("scheduler", "runs_total", "Scheduled tool runs.", "tool", "success")
)

func init() {
	Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler counts and times requests to next. pathLabel maps a
// request to a low-cardinality label; nil uses the first path segment.
// Scrapes of /metrics are not recorded.
func InstrumentHandler(next http.Handler, pathLabel func(*http.Request) string) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return firstSegment(r.URL.Path) }
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		method, path := strings.ToUpper(r.Method), pathLabel(r)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
	})
}

// RecordDBOperation records one model operation. outcome is "ok" or "error".
func RecordDBOperation(model, operation string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	dbOperations.WithLabelValues(model, operation, outcome).Inc()
	dbDuration.WithLabelValues(model, operation).Observe(duration.Seconds())
}

func SessionOpened() { dbSessions.Inc() }

func SessionClosed() { dbSessions.Dec() }

// RecordToolExecution records one tool invocation.
func RecordToolExecution(tool, status string, duration time.Duration) {
	toolExecutions.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordScheduledRun(tool string, success bool) {
	scheduledRuns.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// statusRecorder keeps the first status written. Zero means none yet.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func firstSegment(path string) string {
	seg, _, _ := strings.Cut(strings.TrimLeft(path, "/"), "/")
	return "/" + seg
}
