package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	uploadBytes       prometheus.Histogram
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	conversionsTotal  *prometheus.CounterVec
	imagesRendered    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	httpLabels := []string{"method", "route", "status"}

	return &metrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, httpLabels),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, httpLabels),
		uploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "upload_bytes",
			Help:      "Declared size of multipart upload bodies.",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
		}),
		rateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests refused by the rate limiter.",
		}, []string{"route"}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasfit",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Conversion jobs handed to the worker.",
		}, []string{"queue"}),
		conversionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "conversions_total",
			Help:      "Synchronous form conversions by profile and outcome.",
		}, []string{"profile", "status"}),
		imagesRendered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasfit",
			Subsystem: "api",
			Name:      "images_rendered_total",
			Help:      "Canvas images produced by synchronous form conversions.",
		}, []string{"profile"}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method == http.MethodPost && r.ContentLength > 0 {
			m.uploadBytes.Observe(float64(r.ContentLength))
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r.URL.Path),
			"status": strconv.Itoa(recorder.status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// fixedRoutes are served verbatim; anything else that is not a known
// parameterised route collapses to "other" so scanners cannot blow up label
// cardinality.
var fixedRoutes = map[string]bool{
	"/":                 true,
	"/convert":          true,
	"/healthz":          true,
	"/metrics":          true,
	"/session/archives": true,
	"/session/clear":    true,
	"/v1/jobs":          true,
	"/v1/profiles":      true,
}

func routeLabel(path string) string {
	if fixedRoutes[path] {
		return path
	}
	if key, ok := strings.CutPrefix(path, "/session/archives/"); ok && key != "" {
		return "/session/archives/{key}"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if id, tail, _ := strings.Cut(rest, "/"); id != "" && tail == "archive" {
			return "/v1/jobs/{id}/archive"
		}
		return "/v1/jobs/{id}"
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.status = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
