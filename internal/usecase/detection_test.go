package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/deepfake-detect/internal/inference"
	"github.com/example/deepfake-detect/internal/repository"
	"github.com/example/deepfake-detect/internal/spool"
)

type stubStore struct {
	savedLogs []*repository.DetectionLog
	saveErr   error
	findLog   *repository.DetectionLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubStore) SaveLog(ctx context.Context, log *repository.DetectionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubStore) FindByDetectionID(ctx context.Context, detectionID string) (*repository.DetectionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	values  map[string]string
	setErr  error
	getErr  error
	setKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type stubClient struct {
	preds    inference.Predictions
	err      error
	calls    int
	lastType string
	lastBody []byte
	onCall   func(upload inference.Upload)
}

func (s *stubClient) Classify(ctx context.Context, upload inference.Upload) (inference.Predictions, error) {
	s.calls++
	s.lastType = upload.ContentType
	if s.onCall != nil {
		s.onCall(upload)
	}
	rc, err := upload.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	s.lastBody, _ = io.ReadAll(rc)
	if s.err != nil {
		return nil, s.err
	}
	return s.preds, nil
}

func memoryUpload(name, contentType string, data []byte) inference.Upload {
	return inference.Upload{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

var rankedFake = inference.Predictions{{Label: "fake", Score: 0.97}, {Label: "real", Score: 0.03}}

func TestDetectShapesTopPrediction(t *testing.T) {
	client := &stubClient{preds: inference.Predictions{{Label: "fake", Score: 0.973456}, {Label: "real", Score: 0.026544}}}
	store := &stubStore{}
	uc := NewDetectionUseCase(Dependencies{Client: client, Store: store}, zap.NewNop())

	d, err := uc.Detect(context.Background(), "req-1", memoryUpload("face.png", "image/png", []byte("pixels")))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.Prediction != "fake" {
		t.Fatalf("unexpected prediction %s", d.Prediction)
	}
	if d.Confidence != 0.9735 {
		t.Fatalf("expected confidence rounded to 4 decimals, got %v", d.Confidence)
	}
	if len(d.FullResult) != 2 || d.FullResult[1].Label != "real" {
		t.Fatalf("unexpected full result %+v", d.FullResult)
	}
	if d.RequestID != "req-1" {
		t.Fatalf("unexpected request id %s", d.RequestID)
	}
	if d.ID == "" || d.ID == "req-1" {
		t.Fatalf("expected a server generated id, got %q", d.ID)
	}
	if string(client.lastBody) != "pixels" {
		t.Fatalf("client received %q", client.lastBody)
	}
	if len(store.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(store.savedLogs))
	}
	saved := store.savedLogs[0]
	if saved.DetectionID != d.ID || saved.RequestID != "req-1" {
		t.Fatalf("unexpected saved ids %q %q", saved.DetectionID, saved.RequestID)
	}
	if saved.Prediction != "fake" || saved.Filename != "face.png" || saved.SHA256 == "" {
		t.Fatalf("unexpected saved log %+v", saved)
	}
}

func TestDetectRejectsMissingInput(t *testing.T) {
	client := &stubClient{preds: rankedFake}
	uc := NewDetectionUseCase(Dependencies{Client: client}, zap.NewNop())

	cases := map[string]inference.Upload{
		"no source":      {Filename: "a.png", Size: 3},
		"empty filename": memoryUpload("", "image/png", []byte("abc")),
		"empty body":     memoryUpload("a.png", "image/png", nil),
	}
	for name, upload := range cases {
		if _, err := uc.Detect(context.Background(), "req", upload); !errors.Is(err, ErrMissingInput) {
			t.Fatalf("%s: expected ErrMissingInput, got %v", name, err)
		}
	}

	unknownSize := memoryUpload("a.png", "image/png", nil)
	unknownSize.Size = -1
	if _, err := uc.Detect(context.Background(), "req", unknownSize); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput for a body that turns out empty, got %v", err)
	}

	if client.calls != 0 {
		t.Fatalf("expected no inference calls, got %d", client.calls)
	}
}

func TestDetectSniffsMissingContentType(t *testing.T) {
	client := &stubClient{preds: rankedFake}
	uc := NewDetectionUseCase(Dependencies{Client: client}, zap.NewNop())

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	if _, err := uc.Detect(context.Background(), "req", memoryUpload("x", "", png)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if client.lastType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %s", client.lastType)
	}
}

func TestDetectPropagatesUpstreamErrors(t *testing.T) {
	upstream := &inference.UpstreamError{StatusCode: 503, Message: "loading"}
	client := &stubClient{err: upstream}
	store := &stubStore{}
	uc := NewDetectionUseCase(Dependencies{Client: client, Store: store}, zap.NewNop())

	_, err := uc.Detect(context.Background(), "req", memoryUpload("a.png", "image/png", []byte("abc")))
	if !errors.Is(err, inference.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if len(store.savedLogs) != 0 {
		t.Fatal("failed detections must not be persisted")
	}
}

func TestDetectTreatsEmptyRankingAsUpstreamError(t *testing.T) {
	uc := NewDetectionUseCase(Dependencies{Client: &stubClient{preds: inference.Predictions{}}}, zap.NewNop())

	_, err := uc.Detect(context.Background(), "req", memoryUpload("a.png", "image/png", []byte("abc")))
	var upErr *inference.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestDetectIgnoresStoreAndCacheFailures(t *testing.T) {
	cache := newStubCache()
	cache.setErr = errors.New("redis down")
	store := &stubStore{saveErr: errors.New("db down")}
	uc := NewDetectionUseCase(Dependencies{Client: &stubClient{preds: rankedFake}, Store: store, Cache: cache}, zap.NewNop())

	d, err := uc.Detect(context.Background(), "req", memoryUpload("a.png", "image/png", []byte("abc")))
	if err != nil {
		t.Fatalf("expected success despite side-effect failures, got %v", err)
	}
	if d.Prediction != "fake" {
		t.Fatalf("unexpected prediction %s", d.Prediction)
	}
}

func TestDetectServesRepeatedImageFromCache(t *testing.T) {
	cache := newStubCache()
	client := &stubClient{preds: rankedFake}
	uc := NewDetectionUseCase(Dependencies{Client: client, Cache: cache, CacheNamespace: "model"}, zap.NewNop())

	first, err := uc.Detect(context.Background(), "req-1", memoryUpload("a.png", "image/png", []byte("same")))
	if err != nil {
		t.Fatalf("first detect failed: %v", err)
	}
	second, err := uc.Detect(context.Background(), "req-2", memoryUpload("b.png", "image/png", []byte("same")))
	if err != nil {
		t.Fatalf("second detect failed: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected one inference call, got %d", client.calls)
	}
	if first.Cached || !second.Cached {
		t.Fatalf("unexpected cached flags: %v %v", first.Cached, second.Cached)
	}
	if second.RequestID != "req-2" || second.Prediction != first.Prediction {
		t.Fatalf("unexpected cached detection %+v", second)
	}
	if second.ID == first.ID {
		t.Fatalf("cache hit reused detection id %s", first.ID)
	}

	got, err := uc.GetResult(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("expected cached result, got %v", err)
	}
	if got.ID != second.ID || got.RequestID != "req-2" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestDetectKeepsResultsApartWhenRequestIDRepeats(t *testing.T) {
	cache := newStubCache()
	client := &stubClient{preds: inference.Predictions{{Label: "real", Score: 0.9}}}
	uc := NewDetectionUseCase(Dependencies{Client: client, Cache: cache}, zap.NewNop())

	first, err := uc.Detect(context.Background(), "shared", memoryUpload("a.png", "image/png", []byte("one")))
	if err != nil {
		t.Fatalf("first detect failed: %v", err)
	}
	client.preds = inference.Predictions{{Label: "fake", Score: 0.99}}
	second, err := uc.Detect(context.Background(), "shared", memoryUpload("b.png", "image/png", []byte("two")))
	if err != nil {
		t.Fatalf("second detect failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, both were %s", first.ID)
	}

	got, err := uc.GetResult(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("expected first result, got %v", err)
	}
	if got.Prediction != "real" {
		t.Fatalf("first result was overwritten: %+v", got)
	}
}

func TestDetectRemovesSpooledFile(t *testing.T) {
	dir := t.TempDir()
	spooler, err := spool.New(dir)
	if err != nil {
		t.Fatalf("failed to create spooler: %v", err)
	}

	assertSpooled := func(upload inference.Upload) {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("expected one spooled file during the call, got %d", len(entries))
		}
	}

	for _, client := range []*stubClient{
		{preds: rankedFake, onCall: assertSpooled},
		{err: errors.New("connection reset"), onCall: assertSpooled},
	} {
		uc := NewDetectionUseCase(Dependencies{Client: client, Spooler: spooler}, zap.NewNop())
		_, _ = uc.Detect(context.Background(), "req", memoryUpload("face.png", "image/png", []byte("pixels")))

		if string(client.lastBody) != "pixels" {
			t.Fatalf("client read %q from spooled file", client.lastBody)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("expected spool dir to be empty after request, found %d entries", len(entries))
		}
	}
}

func TestGetResultFallsBackToStoreWhenCacheMiss(t *testing.T) {
	full, _ := json.Marshal(rankedFake)
	store := &stubStore{findLog: &repository.DetectionLog{
		DetectionID: "det",
		RequestID:   "req",
		Prediction:  "fake",
		Confidence:  0.97,
		FullResult:  string(full),
	}}
	uc := NewDetectionUseCase(Dependencies{Client: &stubClient{}, Store: store, Cache: newStubCache()}, zap.NewNop())

	d, err := uc.GetResult(context.Background(), "det")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.ID != "det" {
		t.Fatalf("unexpected id %s", d.ID)
	}
	if store.findCalls != 1 {
		t.Fatalf("expected store to be queried once, got %d", store.findCalls)
	}
	if d.Prediction != "fake" || len(d.FullResult) != 2 {
		t.Fatalf("unexpected detection %+v", d)
	}
}

func TestGetResultWithoutStorage(t *testing.T) {
	uc := NewDetectionUseCase(Dependencies{Client: &stubClient{}}, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrStoreDisabled) {
		t.Fatalf("expected ErrStoreDisabled, got %v", err)
	}

	uc = NewDetectionUseCase(Dependencies{Client: &stubClient{}, Cache: newStubCache()}, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	store := &stubStore{agg: &repository.MetricsAggregation{
		TotalCount:        4,
		FakeCount:         1,
		AverageConfidence: 0.912345,
		AverageLatencyMs:  120,
	}}
	uc := NewDetectionUseCase(Dependencies{Client: &stubClient{}, Store: store}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.FakeRate != 0.25 {
		t.Fatalf("unexpected fake rate %v", summary.FakeRate)
	}
	if summary.AverageConfidence != 0.9123 {
		t.Fatalf("unexpected average confidence %v", summary.AverageConfidence)
	}

	uc = NewDetectionUseCase(Dependencies{Client: &stubClient{}}, zap.NewNop())
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrStoreDisabled) {
		t.Fatalf("expected ErrStoreDisabled, got %v", err)
	}
}
