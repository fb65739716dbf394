package inference

import (
	"context"
	"io"
)

// Prediction is one label/score pair of a ranked classification.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Predictions is the ranked list returned by the remote model, highest
// confidence first. The remote ordering is kept as received.
type Predictions []Prediction

// Top returns the first ranked prediction.
func (p Predictions) Top() (Prediction, bool) {
	if len(p) == 0 {
		return Prediction{}, false
	}
	return p[0], true
}

// Upload is an image received from a caller. Open may be called once per
// outbound attempt and must return an independent reader each time.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Client classifies an uploaded image.
type Client interface {
	Classify(ctx context.Context, upload Upload) (Predictions, error)
}
