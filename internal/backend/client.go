// Package backend implements the storage backend client that delivers a
// detection in two steps: the audio artifact goes to object storage, then a
// metadata record referencing it is inserted into the detections table.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
	"github.com/tphakala/birdsense-go/internal/uploadqueue"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 4096

// detectionRecord is the JSON payload inserted into the detections table.
type detectionRecord struct {
	JobID          string  `json:"job_id"`
	DeviceID       string  `json:"device_id"`
	Species        string  `json:"species"`
	ScientificName string  `json:"scientific_name"`
	CommonName     string  `json:"common_name"`
	Confidence     float64 `json:"confidence"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AudioURL       string  `json:"audio_url"`
	ModelName      string  `json:"model_name"`
	RecordedAt     string  `json:"recorded_at"`
}

// Client delivers detections to the storage backend. It implements
// uploadqueue.Uploader so a queue drain can push jobs directly.
type Client struct {
	baseURL  string
	apiKey   string
	bucket   string
	table    string
	deviceID string
	logger   *slog.Logger

	// HTTPClient is exported so tests can swap the transport.
	HTTPClient *http.Client
}

// New creates a backend client from settings. The HTTP client carries the
// configured request timeout so a stalled upload cannot block the queue
// drain indefinitely.
func New(settings *conf.Settings) *Client {
	logger := logging.ForService("backend")
	if logger == nil {
		logger = slog.Default().With("service", "backend")
	}

	timeout := time.Duration(settings.Backend.Timeout) * time.Second

	return &Client{
		baseURL:    strings.TrimRight(settings.Backend.URL, "/"),
		apiKey:     settings.Backend.APIKey,
		bucket:     settings.Backend.Bucket,
		table:      settings.Backend.Table,
		deviceID:   settings.Sensor.DeviceID,
		logger:     logger,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Upload delivers one queued job: object first, record second. The object
// path is derived from the job ID, so a replayed upload after a crash hits
// the same path; an already-exists response from storage is treated as
// success and the record insert proceeds.
func (c *Client) Upload(ctx context.Context, job *uploadqueue.Job) error {
	audioData, err := os.ReadFile(job.AudioPath)
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryFileIO).
			Context("operation", "read-audio-artifact").
			FileContext(job.AudioPath, 0).
			Build()
	}

	objectPath := fmt.Sprintf("%s/%s.%s", c.deviceID, job.ID, job.Extension)

	if err := c.uploadObject(ctx, objectPath, job.Extension, audioData); err != nil {
		return err
	}

	audioURL := fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, objectPath)

	if err := c.insertRecord(ctx, job, audioURL); err != nil {
		return err
	}

	c.logger.Info("Detection delivered to backend",
		"job_id", job.ID, "species", job.Species, "object", objectPath)
	return nil
}

// uploadObject sends the raw audio bytes to object storage.
func (c *Client) uploadObject(ctx context.Context, objectPath, extension string, audioData []byte) error {
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(audioData))
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryUpload).
			Context("operation", "build-object-request").
			Build()
	}
	c.setAuthHeaders(req)
	req.Header.Set("Content-Type", contentTypeForExtension(extension))

	c.logger.Debug("Uploading audio object", "url", uploadURL, "size", len(audioData))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return c.handleNetworkError(err, uploadURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Replay after a crash between upload and queue persist; the object
		// is already there under the same path
		c.logger.Warn("Audio object already exists, continuing", "object", objectPath)
		return nil
	default:
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Error("Object upload rejected",
			"url", uploadURL, "status", resp.StatusCode, "body", string(errBody))
		return errors.Newf("object storage returned status %d", resp.StatusCode).
			Component("backend").
			Category(errors.CategoryUpload).
			Context("status_code", resp.StatusCode).
			Context("object", objectPath).
			Build()
	}
}

// insertRecord posts the detection metadata referencing the stored object.
func (c *Client) insertRecord(ctx context.Context, job *uploadqueue.Job, audioURL string) error {
	record := detectionRecord{
		JobID:          job.ID,
		DeviceID:       c.deviceID,
		Species:        job.Species,
		ScientificName: job.ScientificName,
		CommonName:     job.CommonName,
		Confidence:     job.Confidence,
		Latitude:       job.Latitude,
		Longitude:      job.Longitude,
		AudioURL:       audioURL,
		ModelName:      job.ModelName,
		RecordedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryUpload).
			Context("operation", "marshal-detection-record").
			Build()
	}

	insertURL := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, c.table)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, insertURL, bytes.NewReader(payload))
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryUpload).
			Context("operation", "build-record-request").
			Build()
	}
	c.setAuthHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	c.logger.Debug("Inserting detection record", "url", insertURL, "job_id", job.ID)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return c.handleNetworkError(err, insertURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Error("Record insert rejected",
			"url", insertURL, "status", resp.StatusCode, "body", string(errBody))
		return errors.Newf("detections table returned status %d", resp.StatusCode).
			Component("backend").
			Category(errors.CategoryUpload).
			Context("status_code", resp.StatusCode).
			Context("table", c.table).
			Build()
	}

	return nil
}

// setAuthHeaders applies the key-based auth headers the backend expects.
func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// contentTypeForExtension maps an audio file extension to its MIME type.
func contentTypeForExtension(extension string) string {
	switch strings.ToLower(strings.TrimPrefix(extension, ".")) {
	case "m4a", "mp4":
		return "audio/mp4"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// handleNetworkError classifies a transport failure into the error taxonomy.
func (c *Client) handleNetworkError(err error, requestURL string) error {
	timeout := c.HTTPClient.Timeout

	if errors.Is(err, context.Canceled) {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryCancellation).
			Build()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn("Backend request timed out", "url", requestURL, "timeout", timeout)
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryTimeout).
			NetworkContext(requestURL, timeout).
			Build()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			c.logger.Error("DNS resolution failed for backend", "url", requestURL, "error", err)
			return errors.New(err).
				Component("backend").
				Category(errors.CategoryNetwork).
				Context("failure", "dns-resolution").
				NetworkContext(requestURL, timeout).
				Build()
		}
	}

	c.logger.Error("Network error talking to backend", "url", requestURL, "error", err)
	return errors.New(err).
		Component("backend").
		Category(errors.CategoryNetwork).
		NetworkContext(requestURL, timeout).
		Build()
}
