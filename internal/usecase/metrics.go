package usecase

import "context"

// MetricsSummary represents aggregated detection insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	FakeCount         int64   `json:"fake_count"`
	FakeRate          float64 `json:"fake_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates detection metrics from persisted logs.
func (uc *DetectionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.store == nil {
		return nil, ErrStoreDisabled
	}
	aggregation, err := uc.store.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		FakeCount:         aggregation.FakeCount,
		AverageConfidence: roundScore(aggregation.AverageConfidence),
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.FakeRate = roundScore(float64(aggregation.FakeCount) / float64(aggregation.TotalCount))
	}
	return summary, nil
}
