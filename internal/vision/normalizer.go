package vision

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vigia-iot/vigia/internal/metrics"
	"github.com/vigia-iot/vigia/internal/types"
)

// Publisher publishes messages to the transport.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Normalizer runs the configured detection backend and republishes the
// normalized result onto the detections topic, so it flows through the
// router the same way third-party detections do.
type Normalizer struct {
	detector Detector
	pub      Publisher
	topic    string
	qos      byte
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewNormalizer creates a normalizer around the given backend.
func NewNormalizer(detector Detector, pub Publisher, topic string, qos byte, m *metrics.Metrics) *Normalizer {
	return &Normalizer{
		detector: detector,
		pub:      pub,
		topic:    topic,
		qos:      qos,
		metrics:  m,
		now:      time.Now,
	}
}

type loopbackMessage struct {
	Ts          string             `json:"ts"`
	Predictions []types.Prediction `json:"predictions"`
}

// Detect runs one detection and, on success, republishes the canonical
// predictions. Backend errors are returned to the caller and nothing is
// republished; a publish failure is logged but the detection is still
// considered accepted.
func (n *Normalizer) Detect(ctx context.Context, img []byte, confidence float64) (Detection, error) {
	start := time.Now()
	det, err := n.detector.Detect(ctx, img, confidence)
	n.metrics.DetectDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("detection backend failed",
			"error", err,
			"image_size", len(img),
			"confidence", confidence,
		)
		return Detection{}, err
	}

	if det.Time == "" {
		det.Time = n.now().UTC().Format(time.RFC3339Nano)
	}
	if det.Predictions == nil {
		det.Predictions = []types.Prediction{}
	}

	payload, err := json.Marshal(loopbackMessage{
		Ts:          det.Time,
		Predictions: det.Predictions,
	})
	if err != nil {
		slog.Error("failed to marshal loopback message", "error", err)
		return det, nil
	}

	if err := n.pub.Publish(n.topic, n.qos, payload); err != nil {
		slog.Error("loopback publish failed, detection still accepted",
			"topic", n.topic,
			"error", err,
		)
	} else {
		slog.Debug("normalized detections republished",
			"topic", n.topic,
			"predictions", len(det.Predictions),
		)
	}

	return det, nil
}
