// internal/notification/logs.go

package notification

import (
	"context"
	"fmt"
	"time"
)

// DefaultLogRetention is how long delivery logs are kept
const DefaultLogRetention = 30 * 24 * time.Hour

func (s *service) ListDeliveryLogs(ctx context.Context, filter LogFilter) ([]*DeliveryLog, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.repo.ListDeliveryLogs(ctx, filter)
}

// ErrorRate is the share of error and critical entries logged since
func (s *service) ErrorRate(ctx context.Context, since time.Time) (*ErrorRate, error) {
	total, errs, err := s.repo.CountDeliveryLogs(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count delivery logs: %w", err)
	}
	rate := &ErrorRate{Since: since, Total: total, Errors: errs}
	if total > 0 {
		rate.Rate = float64(errs) / float64(total)
	}
	return rate, nil
}

// CleanupLogs deletes entries older than the retention window. It is the only
// delete path for delivery logs.
func (s *service) CleanupLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultLogRetention
	}
	deleted, err := s.repo.DeleteDeliveryLogsBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up delivery logs: %w", err)
	}
	if deleted > 0 {
		s.logger.Sugar().Infow("delivery logs cleaned up", "deleted", deleted, "retention", olderThan.String())
	}
	return deleted, nil
}
