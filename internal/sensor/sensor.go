// Package sensor runs the monitoring loop: audio segments in, classified
// detections out to the durable upload queue and the local detection log.
// Segments are processed strictly one at a time.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/birdsense-go/internal/capture"
	"github.com/tphakala/birdsense-go/internal/classifier"
	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/datastore"
	"github.com/tphakala/birdsense-go/internal/detection"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/location"
	"github.com/tphakala/birdsense-go/internal/logging"
	"github.com/tphakala/birdsense-go/internal/observability"
	"github.com/tphakala/birdsense-go/internal/uploadqueue"
)

// Options carries the collaborators the sensor needs. Classifier, Source,
// Queue and Uploader are required; Store and Metrics are optional.
type Options struct {
	Classifier classifier.Interface
	Source     capture.Source
	Queue      *uploadqueue.Queue
	Uploader   uploadqueue.Uploader
	Location   location.Provider
	Store      datastore.Interface
	Metrics    *observability.Metrics
}

// Sensor owns the monitoring loop and its lifecycle.
type Sensor struct {
	settings   *conf.Settings
	classifier classifier.Interface
	source     capture.Source
	queue      *uploadqueue.Queue
	uploader   uploadqueue.Uploader
	locator    location.Provider
	store      datastore.Interface
	metrics    *observability.Metrics
	logger     *slog.Logger

	errorLimit    int
	errorCooldown time.Duration
	drainInterval time.Duration

	mu                sync.Mutex
	policy            *detection.Policy
	fallbackLat       float64
	fallbackLon       float64
	running           bool
	done              chan struct{}
	cancel            context.CancelFunc
	consecutiveErrors int
	stats             Stats
	statsCallback     func(Stats)
	lastErrorNotice   time.Time

	wg sync.WaitGroup
}

// New creates a sensor from settings and collaborators.
func New(settings *conf.Settings, opts *Options) (*Sensor, error) {
	if opts.Classifier == nil || opts.Source == nil || opts.Queue == nil || opts.Uploader == nil {
		return nil, errors.Newf("sensor requires classifier, source, queue and uploader").
			Component("sensor").
			Category(errors.CategoryConfiguration).
			Build()
	}

	logger := logging.ForService("sensor")
	if logger == nil {
		logger = slog.Default().With("service", "sensor")
	}

	locator := opts.Location
	if locator == nil {
		locator = location.FromSettings(settings)
	}

	drainInterval := time.Duration(settings.Queue.DrainInterval) * time.Second
	if drainInterval <= 0 {
		drainInterval = time.Minute
	}

	// Not started yet, so already "stopped"
	done := make(chan struct{})
	close(done)

	return &Sensor{
		settings:      settings,
		done:          done,
		classifier:    opts.Classifier,
		source:        opts.Source,
		queue:         opts.Queue,
		uploader:      opts.Uploader,
		locator:       locator,
		store:         opts.Store,
		metrics:       opts.Metrics,
		logger:        logger,
		policy:        detection.New(settings.Sensor.Threshold, settings.Sensor.Targets),
		fallbackLat:   settings.Sensor.FallbackLatitude,
		fallbackLon:   settings.Sensor.FallbackLongitude,
		errorLimit:    settings.Sensor.ErrorLimit,
		errorCooldown: time.Duration(settings.Sensor.ErrorCooldown) * time.Second,
		drainInterval: drainInterval,
	}, nil
}

// SetStatsCallback registers a callback invoked with a stats snapshot after
// every significant state change. The callback runs on the loop goroutine
// and must not block.
func (s *Sensor) SetStatsCallback(callback func(Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCallback = callback
}

// Start launches the capture source and the monitoring loop. Starting an
// already running sensor is a no-op. A capture source that cannot start
// fails the call; nothing is launched in that case.
func (s *Sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Start ignored, sensor already running")
		return nil
	}

	if err := s.source.Start(); err != nil {
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.done = make(chan struct{})
	s.cancel = cancel
	s.consecutiveErrors = 0
	s.stats.Running = true
	s.stats.StartedAt = time.Now()
	s.stats.ConsecutiveErrors = 0
	s.stats.LastError = ""
	s.stats.LastErrorAt = time.Time{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SensorRunningGauge.Set(1)
	}
	s.logger.Info("Sensor starting",
		"threshold", s.settings.Sensor.Threshold,
		"targets", s.settings.Sensor.Targets,
		"error_limit", s.errorLimit)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.source.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Capture source failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.loop(runCtx)
	}()

	return nil
}

// Stop cancels the loop and waits for in-flight work to finish. Stopping a
// stopped sensor is a no-op. An in-flight drain is cancelled along with the
// loop; pending jobs stay in the durable queue and the next Start or SyncData
// resumes them.
func (s *Sensor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// IsRunning reports whether the monitoring loop is active.
func (s *Sensor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done returns a channel closed when the monitoring loop has exited, whether
// through Stop or the consecutive failure limit.
func (s *Sensor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// UpdateDetectionPolicy swaps the detection parameters at runtime. The new
// policy applies from the next segment.
func (s *Sensor) UpdateDetectionPolicy(threshold float64, targets []string) {
	s.mu.Lock()
	s.policy = detection.New(threshold, targets)
	s.mu.Unlock()
	s.logger.Info("Detection policy updated", "threshold", threshold, "targets", targets)
}

// UpdateFallbackPosition changes the coordinates used when no live position
// fix is available. Applies from the next detection.
func (s *Sensor) UpdateFallbackPosition(latitude, longitude float64) {
	s.mu.Lock()
	s.fallbackLat = latitude
	s.fallbackLon = longitude
	s.mu.Unlock()
	s.logger.Info("Fallback position updated", "latitude", latitude, "longitude", longitude)
}

// SyncData drains the upload queue once, synchronously.
func (s *Sensor) SyncData(ctx context.Context) error {
	return s.drain(ctx)
}

// loop is the monitoring loop body. It exits when the context is cancelled
// or the segment channel closes.
func (s *Sensor) loop(ctx context.Context) {
	defer s.finishStop()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	// Push anything left over from the previous run
	s.drainAsync(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case segment, ok := <-s.source.Segments():
			if !ok {
				s.logger.Warn("Segment source closed, stopping")
				return
			}
			if stop := s.processSegment(ctx, segment); stop {
				return
			}

		case <-ticker.C:
			s.drainAsync(ctx)
		}
	}
}

// processSegment runs one segment through the pipeline. It returns true when
// the consecutive error limit was reached and the loop must stop.
func (s *Sensor) processSegment(ctx context.Context, segment capture.Segment) bool {
	if s.metrics != nil {
		s.metrics.SegmentsProcessed.Inc()
	}

	start := time.Now()
	predictions, err := s.classifier.Classify(ctx, segment.Path)
	if s.metrics != nil {
		s.metrics.ClassificationDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		return s.handleClassificationError(err)
	}

	s.mu.Lock()
	s.consecutiveErrors = 0
	s.stats.SegmentsProcessed++
	s.stats.ConsecutiveErrors = 0
	s.stats.LastError = ""
	s.stats.LastErrorAt = time.Time{}
	policy := s.policy
	s.mu.Unlock()

	result := policy.Evaluate(predictions)
	if !result.IsPositive {
		s.logger.Debug("No target detection", "segment", segment.Path, "predictions", len(predictions))
		s.discardSegment(segment.Path)
		s.notifyStats()
		return false
	}

	s.handleDetection(ctx, segment, &result)
	return false
}

// handleClassificationError counts a failed classification and stops the
// loop once the consecutive failure limit is reached.
func (s *Sensor) handleClassificationError(err error) bool {
	if s.metrics != nil {
		s.metrics.ClassificationErrors.Inc()
	}

	s.mu.Lock()
	s.consecutiveErrors++
	failures := s.consecutiveErrors
	s.stats.ConsecutiveErrors = failures
	s.stats.LastError = err.Error()
	s.stats.LastErrorAt = time.Now()
	s.mu.Unlock()

	s.logger.Error("Classification failed", "error", err, "consecutive_failures", failures)
	s.notifyError()

	if failures >= s.errorLimit {
		s.mu.Lock()
		s.stats.LastError = fmt.Sprintf("monitoring stopped after %d consecutive classification failures", failures)
		s.mu.Unlock()
		s.logger.Error("Consecutive failure limit reached, stopping sensor",
			"failures", failures, "limit", s.errorLimit)
		return true
	}
	return false
}

// discardSegment deletes a segment that produced no detection. Best effort;
// the segment is gone from the pipeline either way.
func (s *Sensor) discardSegment(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Debug("Could not remove segment", "segment", path, "error", err)
	}
}

// handleDetection records a positive detection and queues it for upload.
func (s *Sensor) handleDetection(ctx context.Context, segment capture.Segment, result *detection.Result) {
	position, err := s.locator.Resolve(ctx)
	s.mu.Lock()
	fallbackLat, fallbackLon := s.fallbackLat, s.fallbackLon
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("Position resolve failed, using configured fallback", "error", err)
		position = location.Position{Latitude: fallbackLat, Longitude: fallbackLon, Fallback: true}
	} else if position.Fallback {
		// Fallback coordinates can change at runtime; the sensor's copy wins
		position.Latitude, position.Longitude = fallbackLat, fallbackLon
	}

	extension := strings.TrimPrefix(filepath.Ext(segment.Path), ".")
	job := uploadqueue.NewJob(segment.Path, extension)
	if !segment.CapturedAt.IsZero() {
		job.CreatedAt = segment.CapturedAt
	}
	job.Species = result.Species
	job.ScientificName = result.ScientificName
	job.CommonName = result.CommonName
	job.Confidence = result.Confidence
	job.Latitude = position.Latitude
	job.Longitude = position.Longitude
	job.ModelName = s.classifier.ModelName()

	s.logger.Info("Target species detected",
		"species", result.Species,
		"confidence", result.Confidence,
		"segment", segment.Path)

	if err := s.queue.Enqueue(job); err != nil {
		// Losing the detection is the worst outcome this loop has; surface
		// it loudly and keep monitoring
		s.logger.Error("Failed to enqueue detection", "job_id", job.ID, "error", err)
		s.mu.Lock()
		s.stats.LastError = err.Error()
		s.stats.LastErrorAt = time.Now()
		s.mu.Unlock()
		s.notifyError()
		return
	}

	if s.store != nil {
		record := &datastore.Detection{
			JobID:          job.ID,
			Timestamp:      job.CreatedAt,
			Species:        job.Species,
			ScientificName: job.ScientificName,
			CommonName:     job.CommonName,
			Confidence:     job.Confidence,
			Latitude:       job.Latitude,
			Longitude:      job.Longitude,
			ModelName:      job.ModelName,
			AudioPath:      job.AudioPath,
		}
		if err := s.store.Save(record); err != nil {
			s.logger.Error("Failed to record detection locally", "job_id", job.ID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.DetectionCounter.WithLabelValues(result.Species).Inc()
	}

	s.mu.Lock()
	s.stats.Detections++
	s.stats.LastSpecies = result.Species
	s.stats.LastConfidence = result.Confidence
	s.stats.LastDetectionAt = job.CreatedAt
	s.mu.Unlock()
	s.notifyStats()

	s.drainAsync(ctx)
}

// drainAsync kicks off a queue drain without blocking the loop. Overlapping
// drains collapse into one inside the queue.
func (s *Sensor) drainAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Queue drain stopped on failure", "error", err)
		}
	}()
}

// drain runs one queue drain and reconciles the metrics afterwards.
func (s *Sensor) drain(ctx context.Context) error {
	before := s.queue.Stats()
	err := s.queue.Drain(ctx, s.uploader)
	after := s.queue.Stats()

	if s.metrics != nil {
		s.metrics.UploadsTotal.Add(float64(after.Uploaded - before.Uploaded))
		s.metrics.UploadFailures.Add(float64(after.FailedAttempts - before.FailedAttempts))
		s.metrics.JobsEvicted.Add(float64(after.Evicted - before.Evicted))
		s.metrics.QueuePendingGauge.Set(float64(after.Pending))
	}
	return err
}

// finishStop marks the sensor stopped once the loop has exited.
func (s *Sensor) finishStop() {
	s.mu.Lock()
	s.running = false
	s.stats.Running = false
	close(s.done)
	if s.cancel != nil {
		// Loop exited on its own (auto-stop or source closed); release the
		// source goroutine too
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SensorRunningGauge.Set(0)
	}
	s.logger.Info("Sensor stopped")
	s.notifyStats()
}
