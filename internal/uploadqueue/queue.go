package uploadqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Uploader delivers a single job to the backend. Implementations must be safe
// for repeated calls with the same job, since a crash between upload and
// persist causes a replay on restart.
type Uploader interface {
	Upload(ctx context.Context, job *Job) error
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pending        int
	Uploaded       int
	Evicted        int
	FailedAttempts int
}

// Queue is a mutex-guarded FIFO of upload jobs backed by a JSON state file.
// Only one drain runs at a time; concurrent Drain calls return immediately.
type Queue struct {
	mu          sync.Mutex
	jobs        []*Job
	path        string
	maxRetries  int
	isUploading bool

	uploaded       int
	evicted        int
	failedAttempts int

	logger *slog.Logger
}

// New opens the queue backed by the state file at path. A missing file yields
// an empty queue. An unreadable or corrupt file is moved aside so the sensor
// can keep operating; losing the pending jobs is preferred over refusing to
// start.
func New(path string, maxRetries int) (*Queue, error) {
	logger := logging.ForService("uploadqueue")
	if logger == nil {
		logger = slog.Default().With("service", "uploadqueue")
	}

	q := &Queue{
		path:       path,
		maxRetries: maxRetries,
		logger:     logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &q.jobs); err != nil {
			backupPath := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if renameErr := os.Rename(path, backupPath); renameErr != nil {
				return nil, errors.New(renameErr).
					Component("uploadqueue").
					Category(errors.CategoryPersistence).
					Context("operation", "backup-corrupt-state").
					FileContext(path, int64(len(data))).
					Build()
			}
			logger.Error("Queue state file is corrupt, starting empty",
				"path", path, "backup", backupPath, "error", err)
			q.jobs = nil
		}
	case os.IsNotExist(err):
		// First run, nothing pending
	default:
		return nil, errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "read-queue-state").
			FileContext(path, 0).
			Build()
	}

	logger.Info("Upload queue opened", "path", path, "pending", len(q.jobs), "max_retries", maxRetries)
	return q, nil
}

// Enqueue appends a job to the tail and persists the queue before returning.
// When persisting fails the job is not considered enqueued.
func (q *Queue) Enqueue(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = append(q.jobs, job)
	if err := q.persistLocked(); err != nil {
		q.jobs = q.jobs[:len(q.jobs)-1]
		return err
	}

	q.logger.Info("Job enqueued", "job_id", job.ID, "species", job.Species, "pending", len(q.jobs))
	return nil
}

// Drain uploads pending jobs in FIFO order until the queue is empty, a job
// fails without reaching its retry ceiling, or the context is cancelled. A
// job that reaches the ceiling is evicted and the drain moves on. If another
// drain is already running this call returns nil immediately.
func (q *Queue) Drain(ctx context.Context, uploader Uploader) error {
	q.mu.Lock()
	if q.isUploading {
		q.mu.Unlock()
		return nil
	}
	q.isUploading = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isUploading = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return nil
		}
		job := q.jobs[0]
		q.mu.Unlock()

		uploadErr := uploader.Upload(ctx, job)
		if uploadErr == nil {
			q.mu.Lock()
			q.jobs = q.jobs[1:]
			q.uploaded++
			perr := q.persistLocked()
			pending := len(q.jobs)
			q.mu.Unlock()
			if perr != nil {
				return perr
			}
			q.removeArtifact(job)
			q.logger.Info("Job uploaded", "job_id", job.ID, "pending", pending)
			continue
		}

		q.mu.Lock()
		job.RetryCount++
		q.failedAttempts++
		evict := job.RetryCount >= q.maxRetries
		if evict {
			q.jobs = q.jobs[1:]
			q.evicted++
		}
		perr := q.persistLocked()
		q.mu.Unlock()
		if perr != nil {
			return perr
		}

		if evict {
			q.removeArtifact(job)
			q.logger.Error("Job reached retry ceiling, evicting",
				"job_id", job.ID, "retries", job.RetryCount, "error", uploadErr)
			continue
		}

		q.logger.Warn("Upload failed, job stays at queue head",
			"job_id", job.ID, "retries", job.RetryCount, "error", uploadErr)
		return uploadErr
	}
}

// PendingCount returns the number of jobs waiting in the queue.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns a copy of the pending jobs in queue order.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]Job, len(q.jobs))
	for i, job := range q.jobs {
		jobs[i] = *job
	}
	return jobs
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:        len(q.jobs),
		Uploaded:       q.uploaded,
		Evicted:        q.evicted,
		FailedAttempts: q.failedAttempts,
	}
}

// removeArtifact deletes the audio file of a job that has left the queue.
// Best effort; a missing file is fine.
func (q *Queue) removeArtifact(job *Job) {
	if job.AudioPath == "" {
		return
	}
	if err := os.Remove(job.AudioPath); err != nil && !os.IsNotExist(err) {
		q.logger.Debug("Could not remove audio artifact",
			"job_id", job.ID, "path", job.AudioPath, "error", err)
	}
}

// persistLocked rewrites the state file atomically. Callers must hold q.mu.
func (q *Queue) persistLocked() error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "create-queue-directory").
			Build()
	}

	data, err := json.MarshalIndent(q.jobs, "", "  ")
	if err != nil {
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "marshal-queue-state").
			Build()
	}

	tempFile, err := os.CreateTemp(dir, "queue-*.json")
	if err != nil {
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "create-temp-state").
			Build()
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "write-temp-state").
			Build()
	}
	if err := tempFile.Close(); err != nil {
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "close-temp-state").
			Build()
	}

	if err := os.Rename(tempFileName, q.path); err != nil {
		return errors.New(err).
			Component("uploadqueue").
			Category(errors.CategoryPersistence).
			Context("operation", "replace-queue-state").
			FileContext(q.path, int64(len(data))).
			Build()
	}

	return nil
}
