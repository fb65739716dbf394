package inference

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUpstreamUnavailable marks a 503 from the inference API, usually a
	// model that is still loading. Callers may retry later.
	ErrUpstreamUnavailable = errors.New("inference api unavailable")

	// ErrMissingCredential is returned when a client is built without a token.
	ErrMissingCredential = errors.New("inference api token is empty")
)

// UpstreamError is a response from the inference API that carries no usable
// predictions.
type UpstreamError struct {
	StatusCode int
	Message    string
	// RetryAfter is the remote estimate of how long the model needs to load.
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("inference api returned status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrUpstreamUnavailable) match 503 responses.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable && e.StatusCode == http.StatusServiceUnavailable
}
