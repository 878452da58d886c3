// Package uploadqueue provides a durable FIFO queue of pending detection
// uploads. Queue state survives process restarts through a JSON state file
// that is rewritten atomically after every mutation.
package uploadqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/birdsense-go/internal/errors"
)

// Job is one pending detection upload. All fields are persisted so a restart
// loses nothing but in-flight progress.
type Job struct {
	ID         string    `json:"id"`
	AudioPath  string    `json:"audio_path"`
	Extension  string    `json:"extension"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`

	// Detection metadata forwarded to the backend record.
	Species        string  `json:"species"`
	ScientificName string  `json:"scientific_name"`
	CommonName     string  `json:"common_name"`
	Confidence     float64 `json:"confidence"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	ModelName      string  `json:"model_name"`
}

// NewJob creates a job with a fresh identifier and creation timestamp.
// Detection metadata is filled in by the caller.
func NewJob(audioPath, extension string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		AudioPath: audioPath,
		Extension: extension,
		CreatedAt: time.Now(),
	}
}

// Validate checks the job for fields required by the backend.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.Newf("upload job has no identifier").
			Component("uploadqueue").
			Category(errors.CategoryValidation).
			Build()
	}
	if j.AudioPath == "" {
		return errors.Newf("upload job has no audio path").
			Component("uploadqueue").
			Category(errors.CategoryValidation).
			Context("job_id", j.ID).
			Build()
	}
	return nil
}
