package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/deepfake-detect/internal/logging"
)

// UserAgent is sent with every outbound inference request.
const UserAgent = "deepfake-detect/1.0"

const maxResponseBytes = 1 << 20

// Options configures a HuggingFaceClient.
type Options struct {
	// Endpoint is the full model URL, e.g. https://host/models/org/name.
	Endpoint string
	Token    string
	Timeout  time.Duration
	// RetryUnavailable is how many extra attempts a 503 earns.
	RetryUnavailable int
	RetryWait        time.Duration
	HTTPClient       *http.Client
}

// HuggingFaceClient posts raw image bytes to a hosted image-classification model.
type HuggingFaceClient struct {
	endpoint   string
	token      string
	httpc      *http.Client
	maxRetries int
	retryWait  time.Duration
	logger     *zap.Logger
}

// NewHuggingFaceClient validates the options and returns a ready client.
func NewHuggingFaceClient(opts Options, logger *zap.Logger) (*HuggingFaceClient, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, ErrMissingCredential
	}
	if opts.Endpoint == "" {
		return nil, errors.New("inference endpoint is empty")
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpc = &http.Client{Timeout: timeout}
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = time.Second
	}

	return &HuggingFaceClient{
		endpoint:   opts.Endpoint,
		token:      token,
		httpc:      httpc,
		maxRetries: opts.RetryUnavailable,
		retryWait:  retryWait,
		logger:     logger.Named("inference"),
	}, nil
}

// Classify streams the upload to the model and returns its ranked predictions.
// Only ErrUpstreamUnavailable is retried.
func (c *HuggingFaceClient) Classify(ctx context.Context, upload Upload) (Predictions, error) {
	var (
		result  Predictions
		attempt int
	)
	operation := func() error {
		attempt++
		preds, err := c.classifyOnce(ctx, upload)
		if err == nil {
			result = preds
			return nil
		}
		if errors.Is(err, ErrUpstreamUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), uint64(c.maxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("inference model unavailable, retrying",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HuggingFaceClient) classifyOnce(ctx context.Context, upload Upload) (Predictions, error) {
	if upload.Open == nil {
		return nil, errors.New("upload has no content")
	}
	body, err := upload.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	if upload.Size > 0 {
		req.ContentLength = upload.Size
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("inference.classify", "", err)
		c.logger.Error("inference call failed", zap.Error(wrapped), zap.String("endpoint", c.endpoint))
		return nil, wrapped
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}
	c.logger.Debug("inference response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
		zap.Int("bytes", len(payload)))

	if resp.StatusCode != http.StatusOK {
		return nil, parseUpstreamError(resp.StatusCode, payload)
	}

	var preds Predictions
	if err := json.Unmarshal(payload, &preds); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: "undecodable predictions: " + err.Error()}
	}
	return preds, nil
}

// apiError is the error body the inference API sends with non-200 responses.
// "error" is a string on most endpoints and a list on some.
type apiError struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime float64         `json:"estimated_time"`
}

func parseUpstreamError(status int, payload []byte) *UpstreamError {
	upErr := &UpstreamError{StatusCode: status}

	var body apiError
	if err := json.Unmarshal(payload, &body); err == nil {
		var single string
		var many []string
		switch {
		case json.Unmarshal(body.Error, &single) == nil:
			upErr.Message = single
		case json.Unmarshal(body.Error, &many) == nil:
			upErr.Message = strings.Join(many, "; ")
		}
		if body.EstimatedTime > 0 {
			upErr.RetryAfter = time.Duration(math.Ceil(body.EstimatedTime)) * time.Second
		}
	}
	if upErr.Message == "" {
		upErr.Message = truncate(strings.TrimSpace(string(payload)), 200)
	}
	return upErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
