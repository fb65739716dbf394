package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/deepfake-detect/internal/logging"
)

// ErrNotFound is returned when no detection matches a lookup.
var ErrNotFound = errors.New("detection not found")

// DetectionLog is one classified upload.
type DetectionLog struct {
	ID          uint      `gorm:"primaryKey"`
	DetectionID string    `gorm:"column:detection_id;uniqueIndex;size:64"`
	RequestID   string    `gorm:"column:request_id;index;size:64"`
	Filename    string    `gorm:"column:filename;size:255"`
	ContentType string    `gorm:"column:content_type;size:128"`
	SizeBytes   int64     `gorm:"column:size_bytes"`
	SHA256      string    `gorm:"column:sha256;index;size:64"`
	Prediction  string    `gorm:"column:prediction;size:64"`
	Confidence  float64   `gorm:"column:confidence"`
	FullResult  string    `gorm:"column:full_result;type:text"`
	CacheHit    bool      `gorm:"column:cache_hit"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DetectionLog) TableName() string {
	return "detection_logs"
}

// MetricsAggregation holds raw aggregates over all detection logs.
type MetricsAggregation struct {
	TotalCount        int64
	FakeCount         int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// DetectionRepository persists detection logs in Postgres.
type DetectionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDetectionRepository wires a repository that retries transient database
// errors up to three times.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:             db,
		logger:         logger.Named("detection_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate creates or updates the detection_logs table.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DetectionLog{})
	})
}

// SaveLog inserts a detection log.
func (r *DetectionRepository) SaveLog(ctx context.Context, log *DetectionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByDetectionID returns the log for detectionID or ErrNotFound.
func (r *DetectionRepository) FindByDetectionID(ctx context.Context, detectionID string) (*DetectionLog, error) {
	var log DetectionLog
	err := r.executeWithRetry(ctx, "repository.find_by_detection_id", "", func() error {
		return r.db.WithContext(ctx).First(&log, "detection_id = ?", detectionID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics counts detections and averages their confidence and latency.
// Latency covers inference calls only; cache hits are left out of the average.
func (r *DetectionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return metricsQuery(r.db.WithContext(ctx)).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func metricsQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&DetectionLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN LOWER(prediction) = ? THEN 1 ELSE 0 END), 0) AS fake_count,
			COALESCE(AVG(confidence), 0) AS average_confidence,
			COALESCE(AVG(CASE WHEN cache_hit THEN NULL ELSE latency_ms END), 0) AS average_latency_ms`, "fake")
}

func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initialBackoff
	expo.MaxInterval = r.maxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil || isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("wait", wait))
	})
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt))
		}
		return logging.NewOperationError(operation, requestID, err)
	}
	if attempt > 1 {
		opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt))
	}
	return nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
