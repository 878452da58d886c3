package sensor

import "time"

// Stats is a point-in-time snapshot of the monitoring loop state.
type Stats struct {
	Running           bool
	StartedAt         time.Time
	SegmentsProcessed int
	Detections        int
	ConsecutiveErrors int
	PendingUploads    int

	LastSpecies     string
	LastConfidence  float64
	LastDetectionAt time.Time

	LastError   string
	LastErrorAt time.Time
}

// Stats returns a snapshot of the current loop state.
func (s *Sensor) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	stats.PendingUploads = s.queue.PendingCount()
	return stats
}

// notifyStats delivers a snapshot to the registered callback, if any.
func (s *Sensor) notifyStats() {
	s.mu.Lock()
	callback := s.statsCallback
	s.mu.Unlock()

	if callback != nil {
		callback(s.Stats())
	}
}

// notifyError delivers an error snapshot, rate limited so a flapping
// classifier does not flood the operator.
func (s *Sensor) notifyError() {
	s.mu.Lock()
	callback := s.statsCallback
	throttled := time.Since(s.lastErrorNotice) < s.errorCooldown
	if !throttled {
		s.lastErrorNotice = time.Now()
	}
	s.mu.Unlock()

	if callback != nil && !throttled {
		callback(s.Stats())
	}
}
