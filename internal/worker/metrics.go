package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	imagesRenderedTotal *prometheus.CounterVec
	pixelsRenderedTotal prometheus.Counter
	archiveBytesTotal   prometheus.Counter
	computeTimeMSTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	worker := promauto.With(prometheus.WrapRegistererWithPrefix("canvasfit_worker_", registry))
	usage := promauto.With(prometheus.WrapRegistererWithPrefix("canvasfit_usage_", registry))

	return &metrics{
		registry: registry,
		jobsTotal: worker.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Conversion jobs by profile and final status.",
		}, []string{"profile", "status"}),
		jobDuration: worker.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time spent on each conversion job.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"profile", "status"}),
		activeJobs: worker.NewGauge(prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Conversion jobs currently holding a worker slot.",
		}),
		imagesRenderedTotal: worker.NewCounterVec(prometheus.CounterOpts{
			Name: "images_rendered_total",
			Help: "Canvas images written into archives, by profile.",
		}, []string{"profile"}),
		pixelsRenderedTotal: usage.NewCounter(prometheus.CounterOpts{
			Name: "pixels_rendered_total",
			Help: "Canvas pixels rendered across successful jobs.",
		}),
		archiveBytesTotal: usage.NewCounter(prometheus.CounterOpts{
			Name: "archive_bytes_total",
			Help: "Archive bytes emitted across successful jobs.",
		}),
		computeTimeMSTotal: usage.NewCounter(prometheus.CounterOpts{
			Name: "compute_time_ms_total",
			Help: "Compute time in milliseconds across successful jobs.",
		}),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
