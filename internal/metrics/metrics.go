// Package metrics exposes orchestrator measurements in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/queue"
)

const namespace = "listingiq"

// Metrics records section and job outcomes. It implements queue.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	sections        *prometheus.CounterVec
	sectionDuration *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors on a private registry, along with Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_total",
			Help:      "Analysis sections processed, by section and outcome.",
		}, []string{"section", "outcome"}),
		sectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "section_duration_seconds",
			Help:      "Time spent generating one section.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}, []string{"section"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from a worker picking a job up to its terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.sections, m.sectionDuration, m.jobs, m.jobDuration, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SectionDone(section string, fallback bool, d time.Duration) {
	outcome := "model"
	if fallback {
		outcome = "fallback"
	}
	m.sections.WithLabelValues(section, outcome).Inc()
	m.sectionDuration.WithLabelValues(section).Observe(d.Seconds())
}

func (m *Metrics) JobFinished(status job.Status, d time.Duration) {
	m.jobs.WithLabelValues(string(status)).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// ObserveQueue registers gauges that read the queue's statistics at scrape time.
func (m *Metrics) ObserveQueue(q *queue.Queue) {
	m.registry.MustRegister(&statsCollector{q: q})
}

// Instrument counts requests handled by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.httpRequests, next)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

var (
	jobsDesc = prometheus.NewDesc(namespace+"_jobs",
		"Jobs currently held in the store, by status.", []string{"status"}, nil)
	queueDepthDesc = prometheus.NewDesc(namespace+"_queue_depth",
		"Jobs waiting for a worker.", nil, nil)
	queueCapacityDesc = prometheus.NewDesc(namespace+"_queue_capacity",
		"Maximum number of waiting jobs.", nil, nil)
	workersDesc = prometheus.NewDesc(namespace+"_active_workers",
		"Running worker goroutines.", nil, nil)
)

type statsCollector struct {
	q *queue.Queue
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- queueDepthDesc
	ch <- queueCapacityDesc
	ch <- workersDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.q.Statistics()
	for _, s := range job.Statuses {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(stats.StatusCounts[s]), string(s))
	}
	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(stats.QueueSize))
	ch <- prometheus.MustNewConstMetric(queueCapacityDesc, prometheus.GaugeValue, float64(stats.QueueCapacity))
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(stats.ActiveWorkers))
}
