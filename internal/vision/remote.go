package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vigia-iot/vigia/internal/types"
)

// RemoteDetector calls an external inference service over HTTP with a
// bounded timeout.
type RemoteDetector struct {
	url    string
	model  string
	client *http.Client
}

// NewRemoteDetector creates a detector for the inference service at url.
func NewRemoteDetector(url, model string, timeout time.Duration) *RemoteDetector {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &RemoteDetector{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type inferRequest struct {
	Model      string  `json:"model"`
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence"`
}

// inferResponse tolerates the known response shapes: predictions may live
// at the top level under "predictions" or "preds", or nested under
// "data.predictions".
type inferResponse struct {
	Time        string          `json:"time"`
	Predictions json.RawMessage `json:"predictions"`
	Preds       json.RawMessage `json:"preds"`
	Data        struct {
		Predictions json.RawMessage `json:"predictions"`
	} `json:"data"`
}

// Detect encodes the image and runs one inference call. Network failures,
// timeouts, and non-success responses all surface as
// ErrBackendUnavailable.
func (d *RemoteDetector) Detect(ctx context.Context, img []byte, confidence float64) (Detection, error) {
	body, err := json.Marshal(inferRequest{
		Model:      d.model,
		Image:      base64.StdEncoding.EncodeToString(img),
		Confidence: confidence,
	})
	if err != nil {
		return Detection{}, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/infer", bytes.NewReader(body))
	if err != nil {
		return Detection{}, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Detection{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Detection{}, fmt.Errorf("%w: inference service returned %s", ErrBackendUnavailable, resp.Status)
	}

	var decoded inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Detection{}, fmt.Errorf("%w: undecodable inference response: %v", ErrBackendUnavailable, err)
	}

	return Detection{
		Time:        decoded.Time,
		Predictions: extractPredictions(decoded),
	}, nil
}

// extractPredictions picks the first present predictions field; an
// unrecognized shape yields an empty list, not an error.
func extractPredictions(resp inferResponse) []types.Prediction {
	for _, raw := range []json.RawMessage{resp.Predictions, resp.Preds, resp.Data.Predictions} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var preds []types.Prediction
		if err := json.Unmarshal(raw, &preds); err != nil {
			continue
		}
		if len(preds) > 0 {
			return preds
		}
	}
	return []types.Prediction{}
}
