package usecase

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/deepfake-detect/internal/inference"
	"github.com/example/deepfake-detect/internal/logging"
	"github.com/example/deepfake-detect/internal/repository"
	"github.com/example/deepfake-detect/internal/spool"
)

var (
	// ErrMissingInput means the request carried no usable image.
	ErrMissingInput = errors.New("no image file provided")

	// ErrNotFound means no detection exists for an id.
	ErrNotFound = repository.ErrNotFound

	// ErrStoreDisabled means neither a cache nor a database is configured.
	ErrStoreDisabled = errors.New("detection history is not enabled")
)

const sniffLen = 512

// DetectionStore defines the persistence operations needed by the use case.
type DetectionStore interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByDetectionID(ctx context.Context, detectionID string) (*repository.DetectionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Detection is the shaped classification returned to callers. ID is minted
// by the server and keys result lookups; RequestID only correlates logs.
type Detection struct {
	ID         string                `json:"id"`
	RequestID  string                `json:"request_id"`
	Prediction string                `json:"prediction"`
	Confidence float64               `json:"confidence"`
	FullResult inference.Predictions `json:"full_result"`
	Cached     bool                  `json:"cached,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Dependencies wires the use case. Only Client is required.
type Dependencies struct {
	Client  inference.Client
	Store   DetectionStore
	Cache   Cache
	Spooler *spool.Spooler
	// CacheNamespace separates cached results of different models.
	CacheNamespace string
	CacheTTL       time.Duration
}

// DetectionUseCase classifies uploads through the inference client.
type DetectionUseCase struct {
	client         inference.Client
	store          DetectionStore
	cache          Cache
	spooler        *spool.Spooler
	cacheNamespace string
	cacheTTL       time.Duration
	logger         *zap.Logger
	now            func() time.Time
	newID          func() string
}

// NewDetectionUseCase builds the use case. Cache entries default to a ten
// minute TTL and the "default" namespace.
func NewDetectionUseCase(deps Dependencies, logger *zap.Logger) *DetectionUseCase {
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	namespace := deps.CacheNamespace
	if namespace == "" {
		namespace = "default"
	}
	return &DetectionUseCase{
		client:         deps.Client,
		store:          deps.Store,
		cache:          deps.Cache,
		spooler:        deps.Spooler,
		cacheNamespace: namespace,
		cacheTTL:       ttl,
		logger:         logger.Named("detection_usecase"),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Detect classifies one upload under a fresh detection id. Nothing is sent
// upstream for an empty upload.
func (uc *DetectionUseCase) Detect(ctx context.Context, requestID string, upload inference.Upload) (*Detection, error) {
	detectionID := uc.newID()
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID).
		With(zap.String("detection_id", detectionID))

	if upload.Open == nil || strings.TrimSpace(upload.Filename) == "" || upload.Size == 0 {
		return nil, ErrMissingInput
	}

	if uc.spooler != nil {
		spooled, err := uc.spool(upload)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.spool_upload", requestID, err)
			opLogger.Error("failed to spool upload", zap.Error(wrapped))
			return nil, wrapped
		}
		defer func() {
			if err := spooled.Remove(); err != nil {
				opLogger.Warn("failed to remove spooled upload", zap.Error(err), zap.String("path", spooled.Path))
			}
		}()
		upload.Open = spooled.Open
		upload.Size = spooled.Size
	}

	digest, size, head, err := inspect(upload)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.read_upload", requestID, err)
		opLogger.Error("failed to read upload", zap.Error(wrapped))
		return nil, wrapped
	}
	if size == 0 {
		return nil, ErrMissingInput
	}
	if ct := strings.TrimSpace(upload.ContentType); ct == "" || ct == "application/octet-stream" {
		upload.ContentType = http.DetectContentType(head)
	}

	if cached, ok := uc.lookupCached(ctx, opLogger, uc.digestKey(digest)); ok {
		cached.ID = detectionID
		cached.RequestID = requestID
		cached.Cached = true
		cached.CreatedAt = uc.now().UTC()
		uc.remember(ctx, opLogger, upload, digest, cached, 0)
		return cached, nil
	}

	start := uc.now()
	preds, err := uc.client.Classify(ctx, upload)
	latency := uc.now().Sub(start)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped), zap.Duration("latency", latency))
		return nil, wrapped
	}

	top, ok := preds.Top()
	if !ok {
		err := &inference.UpstreamError{StatusCode: http.StatusOK, Message: "empty prediction list"}
		opLogger.Error("inference returned no predictions")
		return nil, logging.NewOperationError("usecase.classify", requestID, err)
	}

	detection := &Detection{
		ID:         detectionID,
		RequestID:  requestID,
		Prediction: top.Label,
		Confidence: roundScore(top.Score),
		FullResult: preds,
		CreatedAt:  uc.now().UTC(),
	}
	opLogger.Info("image classified",
		zap.String("prediction", detection.Prediction),
		zap.Float64("confidence", detection.Confidence),
		zap.Duration("latency", latency))

	uc.remember(ctx, opLogger, upload, digest, detection, latency)
	return detection, nil
}

// GetResult loads a previous detection by id from the cache, then the database.
func (uc *DetectionUseCase) GetResult(ctx context.Context, detectionID string) (*Detection, error) {
	if uc.cache == nil && uc.store == nil {
		return nil, ErrStoreDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", "").
		With(zap.String("detection_id", detectionID))

	if cached, ok := uc.lookupCached(ctx, opLogger, uc.resultKey(detectionID)); ok {
		return cached, nil
	}
	if uc.store == nil {
		return nil, ErrNotFound
	}

	log, err := uc.store.FindByDetectionID(ctx, detectionID)
	if err != nil {
		return nil, err
	}
	detection := &Detection{
		ID:         log.DetectionID,
		RequestID:  log.RequestID,
		Prediction: log.Prediction,
		Confidence: log.Confidence,
		Cached:     log.CacheHit,
		CreatedAt:  log.CreatedAt,
	}
	if log.FullResult != "" {
		if err := json.Unmarshal([]byte(log.FullResult), &detection.FullResult); err != nil {
			opLogger.Warn("failed to decode stored predictions", zap.Error(err))
		}
	}
	return detection, nil
}

func (uc *DetectionUseCase) spool(upload inference.Upload) (*spool.File, error) {
	src, err := upload.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return uc.spooler.Spool(src, upload.Filename)
}

// remember writes the detection to the cache and the audit log. Failures
// are logged and do not fail the request.
func (uc *DetectionUseCase) remember(ctx context.Context, opLogger *zap.Logger, upload inference.Upload, digest string, d *Detection, latency time.Duration) {
	if uc.cache != nil {
		if payload, err := json.Marshal(d); err != nil {
			opLogger.Warn("failed to serialize detection", zap.Error(err))
		} else {
			if !d.Cached {
				if err := uc.cache.Set(ctx, uc.digestKey(digest), string(payload), uc.cacheTTL); err != nil {
					opLogger.Warn("failed to cache detection by digest", zap.Error(err))
				}
			}
			if err := uc.cache.Set(ctx, uc.resultKey(d.ID), string(payload), uc.cacheTTL); err != nil {
				opLogger.Warn("failed to cache detection by id", zap.Error(err))
			}
		}
	}

	if uc.store == nil {
		return
	}
	full, err := json.Marshal(d.FullResult)
	if err != nil {
		opLogger.Warn("failed to serialize predictions", zap.Error(err))
	}
	log := &repository.DetectionLog{
		DetectionID: d.ID,
		RequestID:   d.RequestID,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		SizeBytes:   upload.Size,
		SHA256:      digest,
		Prediction:  d.Prediction,
		Confidence:  d.Confidence,
		FullResult:  string(full),
		CacheHit:    d.Cached,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   d.CreatedAt,
	}
	if err := uc.store.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist detection log", zap.Error(err))
	}
}

func (uc *DetectionUseCase) lookupCached(ctx context.Context, opLogger *zap.Logger, key string) (*Detection, bool) {
	if uc.cache == nil {
		return nil, false
	}
	raw, err := uc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err), zap.String("key", key))
		}
		return nil, false
	}
	var d Detection
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		opLogger.Warn("failed to decode cached detection", zap.Error(err), zap.String("key", key))
		return nil, false
	}
	return &d, true
}

func (uc *DetectionUseCase) digestKey(digest string) string {
	return fmt.Sprintf("detection:%s:sha256:%s", uc.cacheNamespace, digest)
}

func (uc *DetectionUseCase) resultKey(detectionID string) string {
	return fmt.Sprintf("detection:id:%s", detectionID)
}

// inspect hashes the upload and returns its size and leading bytes.
func inspect(upload inference.Upload) (string, int64, []byte, error) {
	rc, err := upload.Open()
	if err != nil {
		return "", 0, nil, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	peeked, _ := br.Peek(sniffLen)
	head := append([]byte(nil), peeked...)

	h := sha256.New()
	n, err := io.Copy(h, br)
	if err != nil {
		return "", 0, nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, head, nil
}

func roundScore(score float64) float64 {
	return math.Round(score*1e4) / 1e4
}
