package sensor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/birdsense-go/internal/capture"
	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/detection"
	"github.com/tphakala/birdsense-go/internal/uploadqueue"
)

// scriptedClassifier returns canned results in order, repeating the last one.
type scriptedClassifier struct {
	mu      sync.Mutex
	script  []func() ([]detection.Prediction, error)
	calls   int
	modelID string
}

func (c *scriptedClassifier) Classify(_ context.Context, _ string) ([]detection.Prediction, error) {
	c.mu.Lock()
	idx := min(c.calls, len(c.script)-1)
	c.calls++
	step := c.script[idx]
	c.mu.Unlock()
	return step()
}

func (c *scriptedClassifier) ModelName() string {
	return c.modelID
}

func targetHit() ([]detection.Prediction, error) {
	return []detection.Prediction{
		{Species: "Lathamus discolor_Swift Parrot", Confidence: 0.93},
	}, nil
}

func nonTargetHit() ([]detection.Prediction, error) {
	return []detection.Prediction{
		{Species: "Corvus corax_Common Raven", Confidence: 0.99},
	}, nil
}

func classifyFailure() ([]detection.Prediction, error) {
	return nil, assert.AnError
}

// fakeSource delivers segments pushed by the test and closes its channel
// when the run context is cancelled, like the directory source does.
type fakeSource struct {
	ch       chan capture.Segment
	startErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan capture.Segment)}
}

func (f *fakeSource) Segments() <-chan capture.Segment {
	return f.ch
}

func (f *fakeSource) Start() error {
	return f.startErr
}

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.ch)
	return ctx.Err()
}

// recordingUploader collects delivered jobs.
type recordingUploader struct {
	mu   sync.Mutex
	jobs []uploadqueue.Job
	err  error
}

func (u *recordingUploader) Upload(_ context.Context, job *uploadqueue.Job) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.jobs = append(u.jobs, *job)
	return nil
}

func (u *recordingUploader) uploaded() []uploadqueue.Job {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uploadqueue.Job(nil), u.jobs...)
}

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()

	s := &conf.Settings{}
	s.Sensor = conf.SensorSettings{
		DeviceID:          "sensor-test",
		Threshold:         0.8,
		Targets:           []string{"lathamus"},
		FallbackLatitude:  -42.88,
		FallbackLongitude: 147.33,
		SegmentDuration:   5,
		ErrorLimit:        3,
		ErrorCooldown:     1,
	}
	s.Queue = conf.QueueSettings{
		Path:          filepath.Join(t.TempDir(), "pending.json"),
		MaxRetries:    3,
		DrainInterval: 3600,
	}
	return s
}

type harness struct {
	sensor   *Sensor
	source   *fakeSource
	queue    *uploadqueue.Queue
	uploader *recordingUploader
}

func newHarness(t *testing.T, settings *conf.Settings, script ...func() ([]detection.Prediction, error)) *harness {
	t.Helper()

	queue, err := uploadqueue.New(settings.Queue.Path, settings.Queue.MaxRetries)
	require.NoError(t, err)

	source := newFakeSource()
	uploader := &recordingUploader{}

	s, err := New(settings, &Options{
		Classifier: &scriptedClassifier{script: script, modelID: "BirdNET"},
		Source:     source,
		Queue:      queue,
		Uploader:   uploader,
	})
	require.NoError(t, err)

	return &harness{sensor: s, source: source, queue: queue, uploader: uploader}
}

func (h *harness) push(t *testing.T, path string) {
	t.Helper()

	segment := capture.Segment{Path: path, CapturedAt: time.Now()}
	select {
	case h.source.ch <- segment:
	case <-time.After(5 * time.Second):
		t.Fatal("monitoring loop did not accept segment")
	}
}

func TestPositiveDetectionIsQueuedAndUploaded(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), targetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	h.push(t, "/spool/20260901-063000.m4a")

	require.Eventually(t, func() bool {
		return len(h.uploader.uploaded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	job := h.uploader.uploaded()[0]
	assert.Equal(t, "Lathamus discolor_Swift Parrot", job.Species)
	assert.Equal(t, "Lathamus discolor", job.ScientificName)
	assert.Equal(t, "Swift Parrot", job.CommonName)
	assert.InDelta(t, 0.93, job.Confidence, 1e-9)
	assert.InDelta(t, -42.88, job.Latitude, 1e-9)
	assert.Equal(t, "m4a", job.Extension)
	assert.Equal(t, "BirdNET", job.ModelName)

	stats := h.sensor.Stats()
	assert.Equal(t, 1, stats.Detections)
	assert.Equal(t, "Lathamus discolor_Swift Parrot", stats.LastSpecies)
}

func TestNonTargetDetectionIsNotQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), nonTargetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	audio := filepath.Join(t.TempDir(), "raven.m4a")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))
	h.push(t, audio)

	require.Eventually(t, func() bool {
		return h.sensor.Stats().SegmentsProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, h.sensor.Stats().Detections)
	assert.Zero(t, h.queue.PendingCount())
	assert.Empty(t, h.uploader.uploaded())
	assert.NoFileExists(t, audio)
}

func TestAutoStopAtConsecutiveErrorLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), classifyFailure)
	require.NoError(t, h.sensor.Start(context.Background()))

	for i := 0; i < 3; i++ {
		h.push(t, filepath.Join("/spool", "bad", time.Now().Format("150405"))+string(rune('a'+i))+".m4a")
	}

	require.Eventually(t, func() bool {
		return !h.sensor.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	h.sensor.Stop()

	stats := h.sensor.Stats()
	assert.Equal(t, 3, stats.ConsecutiveErrors)
	assert.Contains(t, stats.LastError, "consecutive classification failures")
}

func TestErrorCounterResetsOnSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t),
		classifyFailure, classifyFailure, nonTargetHit, classifyFailure, classifyFailure)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	for i := 0; i < 5; i++ {
		h.push(t, "/spool/segment.m4a")
	}

	// End state: one successful segment, then two failures after the reset
	require.Eventually(t, func() bool {
		stats := h.sensor.Stats()
		return stats.SegmentsProcessed == 1 && stats.ConsecutiveErrors == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Two failures after the reset never reach the limit of three
	assert.True(t, h.sensor.IsRunning())
}

func TestLastErrorClearedOnRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), classifyFailure, nonTargetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	h.push(t, "/spool/bad.m4a")
	require.Eventually(t, func() bool {
		return h.sensor.Stats().ConsecutiveErrors == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, h.sensor.Stats().LastError)

	h.push(t, "/spool/good.m4a")
	require.Eventually(t, func() bool {
		return h.sensor.Stats().SegmentsProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)

	stats := h.sensor.Stats()
	assert.Zero(t, stats.ConsecutiveErrors)
	assert.Empty(t, stats.LastError)
	assert.True(t, stats.LastErrorAt.IsZero())
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), nonTargetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	// Second start must neither fail nor disturb the running loop
	assert.NoError(t, h.sensor.Start(context.Background()))
	assert.True(t, h.sensor.IsRunning())

	h.push(t, "/spool/after-restart.m4a")
	require.Eventually(t, func() bool {
		return h.sensor.Stats().SegmentsProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartPropagatesCaptureFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), nonTargetHit)
	h.source.startErr = assert.AnError

	err := h.sensor.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, h.sensor.IsRunning())

	// A fixed capture subsystem allows a later start
	h.source.startErr = nil
	require.NoError(t, h.sensor.Start(context.Background()))
	h.sensor.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), nonTargetHit)
	require.NoError(t, h.sensor.Start(context.Background()))

	h.sensor.Stop()
	h.sensor.Stop()
	assert.False(t, h.sensor.IsRunning())
}

func TestUpdateDetectionPolicyTakesEffect(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), targetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	h.push(t, "/spool/first.m4a")
	require.Eventually(t, func() bool {
		return h.sensor.Stats().Detections == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Raise the threshold above the scripted confidence
	h.sensor.UpdateDetectionPolicy(0.95, []string{"lathamus"})

	h.push(t, "/spool/second.m4a")
	require.Eventually(t, func() bool {
		return h.sensor.Stats().SegmentsProcessed == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.sensor.Stats().Detections)
}

func TestUpdateFallbackPositionTakesEffect(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), targetHit)
	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	h.sensor.UpdateFallbackPosition(-41.5, 146.2)

	h.push(t, "/spool/relocated.m4a")
	require.Eventually(t, func() bool {
		return len(h.uploader.uploaded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	job := h.uploader.uploaded()[0]
	assert.InDelta(t, -41.5, job.Latitude, 1e-9)
	assert.InDelta(t, 146.2, job.Longitude, 1e-9)
}

func TestSyncDataDrainsBacklog(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testSettings(t), nonTargetHit)

	// Backlog from a previous run
	job := uploadqueue.NewJob("/spool/backlog.m4a", "m4a")
	job.Species = "Lathamus discolor_Swift Parrot"
	require.NoError(t, h.queue.Enqueue(job))

	require.NoError(t, h.sensor.SyncData(context.Background()))
	require.Len(t, h.uploader.uploaded(), 1)
	assert.Equal(t, job.ID, h.uploader.uploaded()[0].ID)
	assert.Zero(t, h.queue.PendingCount())
}

func TestErrorNotificationsAreRateLimited(t *testing.T) {
	defer goleak.VerifyNone(t)

	settings := testSettings(t)
	settings.Sensor.ErrorLimit = 10
	settings.Sensor.ErrorCooldown = 3600

	h := newHarness(t, settings, classifyFailure)

	var mu sync.Mutex
	var errorNotices int
	h.sensor.SetStatsCallback(func(stats Stats) {
		mu.Lock()
		defer mu.Unlock()
		if stats.Running && stats.ConsecutiveErrors > 0 {
			errorNotices++
		}
	})

	require.NoError(t, h.sensor.Start(context.Background()))
	defer h.sensor.Stop()

	for i := 0; i < 3; i++ {
		h.push(t, "/spool/flapping.m4a")
	}

	require.Eventually(t, func() bool {
		return h.sensor.Stats().ConsecutiveErrors == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, errorNotices)
}
