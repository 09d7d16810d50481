package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects pipeline counters. A nil *Metrics is valid and records
// nothing, so tests can run pools without a registry.
type Metrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	backlog   prometheus.Gauge
	duration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octopus_jobs_processed_total",
			Help: "Jobs completed successfully, by job type.",
		}, []string{"job_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octopus_jobs_failed_total",
			Help: "Job executions that returned an error, by job type.",
		}, []string{"job_type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octopus_jobs_retried_total",
			Help: "Jobs rescheduled after a failed execution, by job type.",
		}, []string{"job_type"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octopus_jobs_backlog",
			Help: "Jobs waiting to be claimed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "octopus_job_duration_seconds",
			Help:    "Wall time of successful job executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.processed, m.failed, m.retried, m.backlog, m.duration)
	return m
}

func (m *Metrics) JobProcessed(jobType string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(jobType).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) JobFailed(jobType string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobRetried(jobType string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(jobType).Inc()
}

func (m *Metrics) SetBacklog(depth int64) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(depth))
}
