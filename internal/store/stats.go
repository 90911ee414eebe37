package store

import (
	"context"
	"fmt"
	"time"
)

// CallStats aggregates call history for the dashboard stats feed. Active
// counts come from the in-memory registry, not from here.
type CallStats struct {
	TotalCalls     int64   `json:"total_calls"`
	CompletedCalls int64   `json:"completed_calls"`
	FailedCalls    int64   `json:"failed_calls"`
	CallsToday     int64   `json:"calls_today"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// Stats computes aggregate call statistics in a single round trip.
func (s *Store) Stats(ctx context.Context) (CallStats, error) {
	midnight := time.Now().Truncate(24 * time.Hour)
	var st CallStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE created_at >= $1),
			COALESCE(AVG(duration_ms) FILTER (WHERE status = 'completed'), 0)
		FROM calls`, midnight).
		Scan(&st.TotalCalls, &st.CompletedCalls, &st.FailedCalls, &st.CallsToday, &st.AvgDurationMs)
	if err != nil {
		return CallStats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}
