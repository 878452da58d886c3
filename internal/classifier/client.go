// Package classifier implements the HTTP client for the remote species
// inference service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/detection"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 4096

// speciesEntry mirrors one species guess inside an inference response window.
type speciesEntry struct {
	SpeciesName string  `json:"species_name"`
	Probability float64 `json:"probability"`
}

// predictionWindow mirrors one analyzed time window of the inference response.
type predictionWindow struct {
	StartTime float64        `json:"start_time"`
	StopTime  float64        `json:"stop_time"`
	Species   []speciesEntry `json:"species"`
}

// inferenceResponse is the JSON structure returned by the inference server.
type inferenceResponse struct {
	Predictions []predictionWindow `json:"predictions"`
}

// Interface defines what methods a classifier client must have.
type Interface interface {
	Classify(ctx context.Context, audioPath string) ([]detection.Prediction, error)
	ModelName() string
}

// Client talks to the inference server over HTTP.
type Client struct {
	endpoint  string
	modelName string
	logger    *slog.Logger

	// HTTPClient is exported so tests can swap the transport.
	HTTPClient *http.Client
}

// New creates a classifier client from settings. The HTTP client carries the
// configured request timeout so a stalled inference call cannot hang the
// monitoring loop.
func New(settings *conf.Settings) *Client {
	logger := logging.ForService("classifier")
	if logger == nil {
		logger = slog.Default().With("service", "classifier")
	}

	timeout := time.Duration(settings.Classifier.Timeout) * time.Second

	return &Client{
		endpoint:   strings.TrimRight(settings.Classifier.Endpoint, "/"),
		modelName:  settings.Classifier.ModelName,
		logger:     logger,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// ModelName returns the configured model name for detection metadata.
func (c *Client) ModelName() string {
	return c.modelName
}

// Classify submits the audio file at audioPath to the inference server and
// returns the flattened prediction list. Probabilities are clamped to [0,1];
// filtering against the detection threshold is the caller's job.
func (c *Client) Classify(ctx context.Context, audioPath string) ([]detection.Prediction, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryFileIO).
			Context("operation", "open-audio-segment").
			FileContext(audioPath, 0).
			Build()
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryClassification).
			Context("operation", "create-multipart-form").
			Build()
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryFileIO).
			Context("operation", "read-audio-segment").
			FileContext(audioPath, 0).
			Build()
	}
	if err := writer.Close(); err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryClassification).
			Context("operation", "finalize-multipart-form").
			Build()
	}

	inferenceURL := c.endpoint + "/inference/"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inferenceURL, &body)
	if err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryClassification).
			Context("operation", "build-inference-request").
			Build()
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, c.handleNetworkError(err, inferenceURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Error("Inference server returned error status",
			"status", resp.StatusCode, "url", inferenceURL, "body", string(errBody))
		return nil, errors.Newf("inference server returned status %d", resp.StatusCode).
			Component("classifier").
			Category(errors.CategoryHTTP).
			Context("status_code", resp.StatusCode).
			Context("url", inferenceURL).
			Build()
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.New(fmt.Errorf("decoding inference response: %w", err)).
			Component("classifier").
			Category(errors.CategoryClassification).
			Context("operation", "decode-inference-response").
			Build()
	}

	predictions := flattenResponse(&parsed)

	c.logger.Debug("Classification completed",
		"file", filepath.Base(audioPath),
		"windows", len(parsed.Predictions),
		"predictions", len(predictions),
		"duration_ms", time.Since(start).Milliseconds())

	return predictions, nil
}

// flattenResponse folds every window's species list into a single prediction
// slice, clamping probabilities to the valid confidence range.
func flattenResponse(resp *inferenceResponse) []detection.Prediction {
	var predictions []detection.Prediction
	for _, window := range resp.Predictions {
		for _, sp := range window.Species {
			predictions = append(predictions, detection.Prediction{
				Species:    sp.SpeciesName,
				Confidence: min(1.0, max(0.0, sp.Probability)),
			})
		}
	}
	return predictions
}

// handleNetworkError classifies a transport failure into the error taxonomy.
func (c *Client) handleNetworkError(err error, inferenceURL string) error {
	timeout := c.HTTPClient.Timeout

	if errors.Is(err, context.Canceled) {
		return errors.New(err).
			Component("classifier").
			Category(errors.CategoryCancellation).
			Build()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn("Inference request timed out", "url", inferenceURL, "timeout", timeout)
		return errors.New(err).
			Component("classifier").
			Category(errors.CategoryTimeout).
			NetworkContext(inferenceURL, timeout).
			Build()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			c.logger.Error("DNS resolution failed for inference server", "url", inferenceURL, "error", err)
			return errors.New(err).
				Component("classifier").
				Category(errors.CategoryNetwork).
				Context("failure", "dns-resolution").
				NetworkContext(inferenceURL, timeout).
				Build()
		}
	}

	c.logger.Error("Network error talking to inference server", "url", inferenceURL, "error", err)
	return errors.New(err).
		Component("classifier").
		Category(errors.CategoryNetwork).
		NetworkContext(inferenceURL, timeout).
		Build()
}
