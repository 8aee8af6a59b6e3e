package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/androidvision/internal/logging"
)

// InferenceLog is the audit record of one /vision request. It holds metadata
// only: extracted text and image bytes are never persisted.
type InferenceLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Provider   string    `gorm:"column:provider;size:32;index"`
	Success    bool      `gorm:"column:success"`
	ErrorKind  string    `gorm:"column:error_kind;size:64"`
	MIMEType   string    `gorm:"column:mime_type;size:64"`
	ImageBytes int64     `gorm:"column:image_bytes"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (InferenceLog) TableName() string {
	return "inference_logs"
}

// MetricsAggregation is the raw aggregate computed by the database.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageLatencyMs  float64
	AverageImageBytes float64
}

// InferenceLogRepository provides persistence APIs for inference audit logs.
type InferenceLogRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInferenceLogRepository creates a new repository instance.
func NewInferenceLogRepository(db *gorm.DB, logger *zap.Logger) *InferenceLogRepository {
	return &InferenceLogRepository{
		db:             db,
		logger:         logger.Named("inference_log_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *InferenceLogRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&InferenceLog{})
}

// SaveLog persists an audit entry.
func (r *InferenceLogRepository) SaveLog(ctx context.Context, log *InferenceLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics computes request totals and averages over every log.
func (r *InferenceLogRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		SuccessCount      int64
		AverageLatencyMs  float64
		AverageImageBytes float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&InferenceLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms, " +
				"COALESCE(AVG(image_bytes), 0) AS average_image_bytes").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.TotalCount,
		SuccessCount:      row.SuccessCount,
		AverageLatencyMs:  row.AverageLatencyMs,
		AverageImageBytes: row.AverageImageBytes,
	}, nil
}

func (r *InferenceLogRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
