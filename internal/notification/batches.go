// internal/notification/batches.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// activePair loads a template and channel that can be used together
func (s *service) activePair(ctx context.Context, templateID, channelID int64) (*Template, *Channel, error) {
	t, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if !t.IsActive {
		return nil, nil, fmt.Errorf("template %d: %w", t.ID, ErrInactive)
	}
	if !ch.IsActive {
		return nil, nil, fmt.Errorf("channel %d: %w", ch.ID, ErrInactive)
	}
	if t.ChannelType != ch.ChannelType {
		return nil, nil, fmt.Errorf("template is %s, channel is %s: %w", t.ChannelType, ch.ChannelType, ErrChannelMismatch)
	}
	return t, ch, nil
}

// CreateBatch resolves the target filters now, which fixes total_count
func (s *service) CreateBatch(ctx context.Context, req *CreateBatchRequest, createdBy int64) (*Batch, error) {
	b, err := s.newBatch(ctx, strings.TrimSpace(req.Name), req.TemplateID, req.ChannelID, req.BatchData, req.TargetFilters, createdBy)
	if err != nil {
		return nil, err
	}
	b.ScheduledAt = req.ScheduledAt

	if err := s.repo.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	s.logger.Info("batch created",
		zap.Int64("batch_id", b.ID),
		zap.String("reference", b.Reference),
		zap.Int("total", b.TotalCount),
	)

	if req.Start {
		return s.StartBatch(ctx, b.ID)
	}
	return b, nil
}

func (s *service) newBatch(ctx context.Context, name string, templateID, channelID int64, data map[string]string, filters JSONMap, createdBy int64) (*Batch, error) {
	if name == "" {
		return nil, invalid("name", "name is required")
	}
	if _, _, err := s.activePair(ctx, templateID, channelID); err != nil {
		return nil, err
	}

	targets, err := s.directory.ResolveTargets(ctx, filters)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Reference:     newReference("BAT"),
		Name:          name,
		TemplateID:    templateID,
		ChannelID:     channelID,
		Status:        BatchPending,
		TotalCount:    len(targets),
		BatchData:     StringMap(data).clone(),
		TargetFilters: filters.clone(),
		TargetUserIDs: targets,
	}
	if createdBy != 0 {
		b.CreatedBy = &createdBy
	}
	return b, nil
}

// StartBatch moves a pending batch to processing and queues one notification
// per target
func (s *service) StartBatch(ctx context.Context, id int64) (*Batch, error) {
	b, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	t, ch, err := s.activePair(ctx, b.TemplateID, b.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.StartBatch(ctx, id, s.now()); err != nil {
		return nil, err
	}

	if b.TotalCount == 0 {
		b.Status = BatchProcessing
		s.finishBatch(ctx, b)
		return s.repo.GetBatch(ctx, id)
	}

	created := 0
	for _, userID := range b.TargetUserIDs {
		vars := mergeVars(t.DefaultValues, b.BatchData)
		if recipient, err := s.directory.GetRecipient(ctx, userID); err == nil {
			vars = mergeVars(vars, recipientVars(recipient))
		} else if !errors.Is(err, ErrRecipientNotFound) {
			s.logger.Warn("failed to load batch recipient", zap.Int64("batch_id", id), zap.Int64("user_id", userID), zap.Error(err))
		}

		n := newNotification(t, userID, vars)
		n.ChannelID = &ch.ID
		n.BatchID = &b.ID
		n.ScheduledAt = b.ScheduledAt
		if err := s.repo.CreateNotification(ctx, n); err != nil {
			err = fmt.Errorf("failed to queue batch notification for user %d: %w", userID, err)
			s.abortBatch(ctx, id, err)
			return nil, err
		}
		created++
	}

	if err := s.repo.IncrementTemplateUsage(ctx, t.ID, created, s.now()); err != nil {
		s.logger.Warn("failed to record template usage", zap.Int64("template_id", t.ID), zap.Error(err))
	}
	s.logger.Info("batch started", zap.Int64("batch_id", id), zap.Int("notifications", created))
	s.kick()
	return s.repo.GetBatch(ctx, id)
}

// abortBatch settles a batch whose start could not queue every target. The
// batch is marked failed first so late outcomes no longer fold into it,
// then whatever was already queued is cancelled.
func (s *service) abortBatch(ctx context.Context, id int64, cause error) {
	if _, err := s.repo.FinishBatch(ctx, id, BatchFailed, s.now()); err != nil {
		s.logger.Error("failed to mark batch failed", zap.Int64("batch_id", id), zap.Error(err))
		return
	}
	recordBatchFinished(BatchFailed)

	cancelled, err := s.repo.CancelPendingBatchNotifications(ctx, id)
	if err != nil {
		s.logger.Error("failed to cancel notifications of aborted batch", zap.Int64("batch_id", id), zap.Error(err))
		return
	}
	for _, n := range cancelled {
		s.writeLog(ctx, n, n.ChannelID, LevelWarning, "notification cancelled, batch start failed", n.RetryCount+1, JSONMap{"batch_id": id, "error": cause.Error()})
	}
	s.logger.Error("batch start aborted",
		zap.Int64("batch_id", id),
		zap.Int("notifications_cancelled", len(cancelled)),
		zap.Error(cause),
	)
}

// CancelBatch stops a batch and cancels its notifications that have not
// been claimed yet
func (s *service) CancelBatch(ctx context.Context, id int64) (*Batch, error) {
	if err := s.repo.CancelBatch(ctx, id, s.now()); err != nil {
		return nil, err
	}

	cancelled, err := s.repo.CancelPendingBatchNotifications(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch notifications: %w", err)
	}
	for _, n := range cancelled {
		s.writeLog(ctx, n, n.ChannelID, LevelInfo, "notification cancelled with its batch", n.RetryCount+1, JSONMap{"batch_id": id})
	}

	s.logger.Info("batch cancelled", zap.Int64("batch_id", id), zap.Int("notifications_cancelled", len(cancelled)))
	recordBatchFinished(BatchCancelled)
	return s.repo.GetBatch(ctx, id)
}

func (s *service) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

func (s *service) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	return s.repo.ListBatches(ctx, filter)
}

func (s *service) GetBatchStats(ctx context.Context, id int64) (*BatchStats, error) {
	b, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, _, err := s.repo.CountNotifications(ctx, CountFilter{BatchID: &id})
	if err != nil {
		return nil, err
	}

	remaining := b.TotalCount - b.SentCount - b.FailedCount - b.SkippedCount
	if remaining < 0 {
		remaining = 0
	}
	return &BatchStats{
		Batch:       b,
		SuccessRate: b.SuccessRate(),
		Remaining:   remaining,
		ByStatus:    counts,
	}, nil
}
