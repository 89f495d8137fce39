package jobserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	JobsCreated  prometheus.Counter
	JobsFinished *prometheus.CounterVec
	JobsRunning  prometheus.Gauge
	JobDuration  prometheus.Histogram
	UploadBytes  prometheus.Counter
	LegacyTotal  *prometheus.CounterVec
	SweptTotal   prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "interpd_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interpd_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"status"}), // completed, failed, canceled
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "interpd_jobs_running",
			Help: "Current number of jobs being processed",
		}),
		// 1s to ~68min.
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "interpd_job_duration_seconds",
			Help:    "Processing time of completed jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "interpd_upload_bytes_total",
			Help: "Bytes of video accepted by the upload endpoint",
		}),
		LegacyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interpd_legacy_requests_total",
			Help: "Synchronous interpolation requests",
		}, []string{"success"}),
		SweptTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "interpd_jobs_swept_total",
			Help: "Jobs removed after their TTL expired",
		}),
	}
}
