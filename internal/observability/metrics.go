// Package observability provides Prometheus metrics for monitoring the
// sensor pipeline.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline counters
	SegmentsProcessed    prometheus.Counter
	ClassificationErrors prometheus.Counter
	DetectionCounter     *prometheus.CounterVec

	// Classification latency
	ClassificationDuration prometheus.Histogram

	// Queue state
	QueuePendingGauge prometheus.Gauge
	UploadsTotal      prometheus.Counter
	UploadFailures    prometheus.Counter
	JobsEvicted       prometheus.Counter

	// Loop state
	SensorRunningGauge prometheus.Gauge
}

// NewMetrics creates and registers all metric collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SegmentsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsense_segments_processed_total",
		Help: "Total number of audio segments run through classification.",
	})
	m.ClassificationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsense_classification_errors_total",
		Help: "Total number of failed classification attempts.",
	})
	m.DetectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdsense_detections_total",
		Help: "Total number of positive detections partitioned by species.",
	}, []string{"species"})
	m.ClassificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdsense_classification_duration_seconds",
		Help:    "Time taken for a remote classification call.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.QueuePendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdsense_queue_pending_jobs",
		Help: "Number of upload jobs currently waiting in the queue.",
	})
	m.UploadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsense_uploads_total",
		Help: "Total number of jobs delivered to the backend.",
	})
	m.UploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsense_upload_failures_total",
		Help: "Total number of failed upload attempts.",
	})
	m.JobsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsense_jobs_evicted_total",
		Help: "Total number of jobs dropped after reaching the retry ceiling.",
	})
	m.SensorRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdsense_sensor_running",
		Help: "1 while the monitoring loop is running, 0 otherwise.",
	})

	collectors := []prometheus.Collector{
		m.SegmentsProcessed,
		m.ClassificationErrors,
		m.DetectionCounter,
		m.ClassificationDuration,
		m.QueuePendingGauge,
		m.UploadsTotal,
		m.UploadFailures,
		m.JobsEvicted,
		m.SensorRunningGauge,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics collector: %w", err)
		}
	}

	return m, nil
}

// Registry returns the Prometheus registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
