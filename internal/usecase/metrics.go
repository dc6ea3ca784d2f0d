package usecase

import "context"

// MetricsSummary represents aggregated biometric store insights.
type MetricsSummary struct {
	TotalRecords        int64   `json:"total_records"`
	ActiveRecords       int64   `json:"active_records"`
	InactiveRecords     int64   `json:"inactive_records"`
	ActiveRate          float64 `json:"active_rate"`
	AverageQualityScore float64 `json:"average_quality_score"`
	UpdatedLast24h      int64   `json:"updated_last_24h"`
}

// GetMetricsSummary aggregates biometric metrics from persisted records.
func (uc *BiometryUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.records.AggregateMetrics(ctx)
	if err != nil {
		return nil, &StorageError{Op: "metrics_summary", Err: err}
	}

	summary := &MetricsSummary{
		TotalRecords:        aggregation.TotalCount,
		ActiveRecords:       aggregation.ActiveCount,
		InactiveRecords:     aggregation.TotalCount - aggregation.ActiveCount,
		AverageQualityScore: aggregation.AverageQuality,
		UpdatedLast24h:      aggregation.UpdatedLast24hCount,
	}

	if aggregation.TotalCount > 0 {
		summary.ActiveRate = float64(aggregation.ActiveCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
