package usecase

import (
	"context"
	"errors"
)

// ErrAuditDisabled is returned by metrics queries when no audit repository is configured.
var ErrAuditDisabled = errors.New("audit log is not configured")

// MetricsSummary represents aggregated inference insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	AverageImageBytes  float64 `json:"average_image_bytes"`
}

// GetMetricsSummary aggregates inference metrics from persisted logs.
func (uc *VisionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		AverageImageBytes:  aggregation.AverageImageBytes,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
