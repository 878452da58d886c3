package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdsense-go/internal/conf"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "birdsense.db")

	store := New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func testDetection(jobID string, ts time.Time) *Detection {
	return &Detection{
		JobID:          jobID,
		Timestamp:      ts,
		Species:        "Lathamus discolor_Swift Parrot",
		ScientificName: "Lathamus discolor",
		CommonName:     "Swift Parrot",
		Confidence:     0.91,
		Latitude:       -42.88,
		Longitude:      147.33,
		ModelName:      "BirdNET",
	}
}

func TestSaveAndGetLastDetections(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := time.Date(2026, 9, 1, 6, 30, 0, 0, time.UTC)

	for i, jobID := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, store.Save(testDetection(jobID, base.Add(time.Duration(i)*time.Minute))))
	}

	detections, err := store.GetLastDetections(2)
	require.NoError(t, err)
	require.Len(t, detections, 2)

	// Newest first
	assert.Equal(t, "job-3", detections[0].JobID)
	assert.Equal(t, "job-2", detections[1].JobID)
	assert.Equal(t, "Swift Parrot", detections[0].CommonName)
}

func TestSaveRejectsDuplicateJobID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ts := time.Now()

	require.NoError(t, store.Save(testDetection("job-1", ts)))
	assert.Error(t, store.Save(testDetection("job-1", ts)))
}

func TestCountSince(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(testDetection("old", base)))
	require.NoError(t, store.Save(testDetection("new", base.Add(time.Hour))))

	count, err := store.CountSince(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOperationsOnClosedStore(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "unused.db")
	store := New(settings)

	// Never opened
	assert.Error(t, store.Save(testDetection("job", time.Now())))
	_, err := store.GetLastDetections(5)
	assert.Error(t, err)
}
