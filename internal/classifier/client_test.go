package classifier

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
)

const testEndpoint = "http://classifier.test"

func newTestClient(t *testing.T) *Client {
	t.Helper()

	settings := &conf.Settings{}
	settings.Classifier = conf.ClassifierSettings{
		Endpoint:  testEndpoint,
		ModelName: "BirdNET",
		Timeout:   5,
	}

	client := New(settings)
	httpmock.ActivateNonDefault(client.HTTPClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	return client
}

func writeTestSegment(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "segment.m4a")
	require.NoError(t, os.WriteFile(path, []byte("not-really-audio"), 0o644))
	return path
}

func TestClassifySuccess(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseMultipartForm(1<<20))
			file, header, err := req.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, "segment.m4a", header.Filename)

			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"predictions": []map[string]any{
					{
						"start_time": 0.0,
						"stop_time":  3.0,
						"species": []map[string]any{
							{"species_name": "Lathamus discolor_Swift Parrot", "probability": 0.93},
							{"species_name": "Corvus corax_Common Raven", "probability": 0.12},
						},
					},
					{
						"start_time": 3.0,
						"stop_time":  6.0,
						"species": []map[string]any{
							{"species_name": "Lathamus discolor_Swift Parrot", "probability": 0.41},
						},
					},
				},
			})
		})

	predictions, err := client.Classify(context.Background(), segment)
	require.NoError(t, err)
	require.Len(t, predictions, 3)
	assert.Equal(t, "Lathamus discolor_Swift Parrot", predictions[0].Species)
	assert.InDelta(t, 0.93, predictions[0].Confidence, 1e-9)
	assert.InDelta(t, 0.41, predictions[2].Confidence, 1e-9)
}

func TestClassifyClampsProbabilities(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		httpmock.NewStringResponder(http.StatusOK,
			`{"predictions":[{"start_time":0,"stop_time":3,"species":[
				{"species_name":"A_B","probability":1.7},
				{"species_name":"C_D","probability":-0.3}]}]}`))

	predictions, err := client.Classify(context.Background(), segment)
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	assert.InDelta(t, 1.0, predictions[0].Confidence, 1e-9)
	assert.Zero(t, predictions[1].Confidence)
}

func TestClassifyEmptyResponse(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		httpmock.NewStringResponder(http.StatusOK, `{"predictions":[]}`))

	predictions, err := client.Classify(context.Background(), segment)
	require.NoError(t, err)
	assert.Empty(t, predictions)
}

func TestClassifyServerError(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		httpmock.NewStringResponder(http.StatusInternalServerError, "model crashed"))

	_, err := client.Classify(context.Background(), segment)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
}

func TestClassifyMalformedResponse(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		httpmock.NewStringResponder(http.StatusOK, `{"predictions": not-json`))

	_, err := client.Classify(context.Background(), segment)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryClassification))
}

func TestClassifyNetworkError(t *testing.T) {
	client := newTestClient(t)
	segment := writeTestSegment(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint+"/inference/",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := client.Classify(context.Background(), segment)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestClassifyMissingFile(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Classify(context.Background(), filepath.Join(t.TempDir(), "missing.m4a"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestModelName(t *testing.T) {
	client := newTestClient(t)
	assert.Equal(t, "BirdNET", client.ModelName())
}
