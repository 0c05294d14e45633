package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	jobsTotal prometheus.Counter
	completed prometheus.Counter
	failed    *prometheus.CounterVec
	retries   prometheus.Counter
	active    prometheus.Gauge
	duration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, queueLength func() int) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_queue_length",
		Help: "Number of jobs waiting in the processing queue",
	}, func() float64 {
		return float64(queueLength())
	})

	return &metrics{
		jobsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Total number of processing jobs queued",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Total number of processing jobs that completed",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_failed_total",
			Help: "Total number of processing jobs that failed, by error kind",
		}, []string{"kind"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_job_retries_total",
			Help: "Total number of failed jobs queued again",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_jobs_processing",
			Help: "Number of jobs currently being processed",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Wall-clock time of completed processing jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
