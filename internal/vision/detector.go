// Package vision normalizes object-detection output from two pluggable
// backends into one canonical prediction schema.
package vision

import (
	"context"
	"errors"

	"github.com/vigia-iot/vigia/internal/types"
)

var (
	// ErrImageDecode reports invalid image bytes. Distinct from an empty
	// result: the caller submitted something that is not an image.
	ErrImageDecode = errors.New("vision: image decode failed")
	// ErrBackendUnavailable reports a backend network, timeout, or
	// process failure. Contained at the API boundary, never fatal.
	ErrBackendUnavailable = errors.New("vision: detection backend unavailable")
)

// Detection is the normalized result of one inference call.
type Detection struct {
	Time        string             `json:"time"`
	Predictions []types.Prediction `json:"predictions"`
}

// Detector produces predictions from raw image bytes. Implementations are
// selected once at startup by configuration, not per request.
type Detector interface {
	Detect(ctx context.Context, image []byte, confidence float64) (Detection, error)
}
