// internal/notification/dispatcher.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatchNotification runs one pending notification through preference
// checks, routing, rate limiting and a single delivery attempt. Delivery
// failures are recorded as transitions and are not returned as errors.
func (s *service) DispatchNotification(ctx context.Context, id int64) (*Notification, error) {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPending {
		return n, ErrAlreadyClaimed
	}
	now := s.now()
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		return n, nil
	}

	pref, err := s.ResolvePreference(ctx, n.UserID, n.Category, n.ChannelType)
	if err != nil {
		return nil, err
	}
	switch d := Decide(pref, n, now); d.Action {
	case ActionSkip:
		return s.skip(ctx, n, d.Reason)
	case ActionDefer:
		return s.postpone(ctx, n, d.Until, d.Reason)
	}

	ch, err := s.route(ctx, n)
	if err != nil {
		return s.fail(ctx, n, StatusPending, nil, n.RetryCount+1, err.Error(), JSONMap{"stage": "routing"})
	}

	if s.limiter != nil && ch.RateLimit > 0 {
		allowed, retryAfter, err := s.limiter.Allow(ctx, ch.ID, ch.RateLimit)
		switch {
		case err != nil:
			s.logger.Warn("rate limiter unavailable, sending anyway", zap.Int64("channel_id", ch.ID), zap.Error(err))
		case !allowed:
			return s.postpone(ctx, n, now.Add(retryAfter), "rate limit")
		}
	}

	claimed, err := s.repo.ClaimNotification(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, claimed, ch)
}

// route picks the explicit channel or the default of the notification's type
func (s *service) route(ctx context.Context, n *Notification) (*Channel, error) {
	var (
		ch  *Channel
		err error
	)
	if n.ChannelID != nil {
		ch, err = s.repo.GetChannel(ctx, *n.ChannelID)
	} else {
		ch, err = s.repo.GetDefaultChannel(ctx, n.ChannelType)
	}
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, fmt.Errorf("channel %d: %w", ch.ID, ErrInactive)
	}
	if ch.ChannelType != n.ChannelType {
		return nil, ErrChannelMismatch
	}
	if err := s.openChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *service) deliver(ctx context.Context, n *Notification, ch *Channel) (*Notification, error) {
	attempt := n.RetryCount + 1

	recipient, err := s.directory.GetRecipient(ctx, n.UserID)
	if errors.Is(err, ErrRecipientNotFound) {
		return s.handleFailure(ctx, n, ch, attempt, &DeliveryError{Message: "recipient not found", Bounced: true}, 0)
	}
	if err != nil {
		return s.handleFailure(ctx, n, ch, attempt, fmt.Errorf("failed to load recipient: %w", err), 0)
	}

	sender, err := s.senders.For(ch)
	if err != nil {
		return s.fail(ctx, n, StatusSending, &ch.ID, attempt, err.Error(), JSONMap{"stage": "sender"})
	}

	sendCtx, cancel := context.WithTimeout(ctx, ch.Timeout())
	started := time.Now()
	result, err := sender.Send(sendCtx, &Message{Notification: n, Recipient: recipient, Channel: ch})
	took := time.Since(started)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		err = &DeliveryError{Message: fmt.Sprintf("delivery timed out after %s", ch.Timeout()), Err: err}
	}
	cancel()

	if err != nil {
		return s.handleFailure(ctx, n, ch, attempt, err, took)
	}
	return s.handleSuccess(ctx, n, ch, attempt, result, took)
}

func (s *service) handleSuccess(ctx context.Context, n *Notification, ch *Channel, attempt int, result *SendResult, took time.Duration) (*Notification, error) {
	sentAt := s.now()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.ExternalID = result.ExternalID
	n.ProviderResponse = result.Response
	n.ErrorMessage = ""
	if err := s.repo.UpdateNotificationStatus(ctx, n, StatusSending); err != nil {
		return s.lostRace(n, "sent", err)
	}

	recordAttempt(ch.ChannelType, string(StatusSent), took)
	details := JSONMap{"external_id": result.ExternalID, "duration_ms": took.Milliseconds()}
	if result.StatusCode != 0 {
		details["response_code"] = result.StatusCode
	}
	s.writeLog(ctx, n, &ch.ID, LevelInfo, fmt.Sprintf("sent via %s", ch.Name), attempt, details)

	if result.Delivered {
		deliveredAt := s.now()
		n.Status = StatusDelivered
		n.DeliveredAt = &deliveredAt
		if err := s.repo.UpdateNotificationStatus(ctx, n, StatusSent); err != nil {
			return s.lostRace(n, "delivered", err)
		}
		s.writeLog(ctx, n, &ch.ID, LevelInfo, "delivery confirmed by provider", attempt, nil)
	}

	s.foldBatch(ctx, n)
	return n, nil
}

// handleFailure settles a failed attempt: bounce, retry or terminal failure
func (s *service) handleFailure(ctx context.Context, n *Notification, ch *Channel, attempt int, sendErr error, took time.Duration) (*Notification, error) {
	details := JSONMap{"error": sendErr.Error()}
	var de *DeliveryError
	if errors.As(sendErr, &de) {
		if de.StatusCode != 0 {
			details["response_code"] = de.StatusCode
		}
		if de.Message != "" {
			details["response_message"] = de.Message
		}
	}

	if de != nil && de.Bounced {
		n.Status = StatusBounced
		n.ErrorMessage = sendErr.Error()
		if err := s.repo.UpdateNotificationStatus(ctx, n, StatusSending); err != nil {
			return s.lostRace(n, "bounced", err)
		}
		recordAttempt(ch.ChannelType, string(StatusBounced), took)
		s.writeLog(ctx, n, &ch.ID, LevelError, "recipient rejected by provider", attempt, details)
		s.foldBatch(ctx, n)
		return n, nil
	}

	n.RetryCount++
	if n.RetryCount > n.MaxRetries {
		n.RetryCount = n.MaxRetries
	}
	n.ErrorMessage = sendErr.Error()

	if n.RetryCount < n.MaxRetries {
		retryAt := s.now().Add(time.Duration(n.RetryDelayMinutes) * time.Minute)
		n.Status = StatusPending
		n.ScheduledAt = &retryAt
		if err := s.repo.UpdateNotificationStatus(ctx, n, StatusSending); err != nil {
			return s.lostRace(n, "pending", err)
		}
		recordAttempt(ch.ChannelType, "retry", took)
		details["retry_at"] = retryAt
		s.writeLog(ctx, n, &ch.ID, LevelWarning, fmt.Sprintf("attempt %d failed, retry scheduled", attempt), attempt, details)
		return n, nil
	}

	n.Status = StatusFailed
	if err := s.repo.UpdateNotificationStatus(ctx, n, StatusSending); err != nil {
		return s.lostRace(n, "failed", err)
	}
	recordAttempt(ch.ChannelType, string(StatusFailed), took)
	s.writeLog(ctx, n, &ch.ID, LevelError, fmt.Sprintf("attempt %d failed, giving up", attempt), attempt, details)
	s.foldBatch(ctx, n)
	return n, nil
}

// fail settles n at failed without a delivery attempt (no usable channel or sender)
func (s *service) fail(ctx context.Context, n *Notification, from Status, channelID *int64, attempt int, reason string, details JSONMap) (*Notification, error) {
	n.Status = StatusFailed
	n.ErrorMessage = reason
	if err := s.repo.UpdateNotificationStatus(ctx, n, from); err != nil {
		return s.lostRace(n, "failed", err)
	}
	if details == nil {
		details = JSONMap{}
	}
	details["error"] = reason
	s.writeLog(ctx, n, channelID, LevelError, "notification could not be dispatched", attempt, details)
	s.foldBatch(ctx, n)
	return n, nil
}

// skip settles n at skipped. Suppression is not a delivery outcome and
// leaves no log entry.
func (s *service) skip(ctx context.Context, n *Notification, reason string) (*Notification, error) {
	n.Status = StatusSkipped
	n.ErrorMessage = reason
	if err := s.repo.UpdateNotificationStatus(ctx, n, StatusPending); err != nil {
		return s.lostRace(n, "skipped", err)
	}
	recordSuppressed("preference")
	s.logger.Debug("notification skipped", zap.Int64("notification_id", n.ID), zap.String("reason", reason))
	s.foldBatch(ctx, n)
	return n, nil
}

// postpone keeps n pending and moves its release instant to until
func (s *service) postpone(ctx context.Context, n *Notification, until time.Time, reason string) (*Notification, error) {
	n.ScheduledAt = &until
	if err := s.repo.UpdateNotificationStatus(ctx, n, StatusPending); err != nil {
		return s.lostRace(n, "pending", err)
	}
	recordSuppressed(reason)
	s.logger.Debug("notification deferred",
		zap.Int64("notification_id", n.ID),
		zap.Time("until", until),
		zap.String("reason", reason),
	)
	return n, nil
}

func (s *service) lostRace(n *Notification, target string, err error) (*Notification, error) {
	s.logger.Warn("notification changed during dispatch",
		zap.Int64("notification_id", n.ID),
		zap.String("target_status", target),
		zap.Error(err),
	)
	return nil, err
}

// foldBatch counts the settled outcome of n into its batch once and closes
// the batch when every target has settled
func (s *service) foldBatch(ctx context.Context, n *Notification) {
	if n.BatchID == nil {
		return
	}
	outcome, ok := settledOutcome(n.Status)
	if !ok {
		return
	}

	b, err := s.repo.RecordBatchOutcome(ctx, n.ID, *n.BatchID, outcome)
	if err != nil {
		s.logger.Error("failed to update batch counters",
			zap.Int64("batch_id", *n.BatchID),
			zap.Int64("notification_id", n.ID),
			zap.Error(err),
		)
		return
	}
	if b != nil && b.settled() {
		s.finishBatch(ctx, b)
	}
}

func (s *service) finishBatch(ctx context.Context, b *Batch) {
	status := BatchFailed
	if b.SentCount > 0 || b.TotalCount == 0 {
		status = BatchCompleted
	}
	finished, err := s.repo.FinishBatch(ctx, b.ID, status, s.now())
	if err != nil {
		s.logger.Error("failed to finish batch", zap.Int64("batch_id", b.ID), zap.Error(err))
		return
	}
	if finished {
		recordBatchFinished(status)
		s.logger.Info("batch finished",
			zap.Int64("batch_id", b.ID),
			zap.String("status", string(status)),
			zap.Int("sent", b.SentCount),
			zap.Int("failed", b.FailedCount),
			zap.Int("skipped", b.SkippedCount),
		)
	}
}

// DispatchDue dispatches up to limit due notifications on a bounded pool of
// workers and returns how many were handled by this call
func (s *service) DispatchDue(ctx context.Context, limit, workers int) (int, error) {
	ids, err := s.repo.ListDueNotifications(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due notifications: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if workers < 1 {
		workers = 1
	}

	var (
		g         errgroup.Group
		processed int64
	)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.DispatchNotification(ctx, id)
			switch {
			case err == nil:
				atomic.AddInt64(&processed, 1)
			case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrConcurrentUpdate):
			default:
				s.logger.Error("dispatch failed", zap.Int64("notification_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed), nil
}

// RequeueStale returns notifications stuck in sending to pending
func (s *service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	requeued, err := s.repo.RequeueStaleSending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	for _, n := range requeued {
		s.writeLog(ctx, n, n.ChannelID, LevelWarning, "stale sending claim released", n.RetryCount+1, JSONMap{"stale_after_seconds": int(olderThan.Seconds())})
	}
	if len(requeued) > 0 {
		staleRequeuedTotal.Add(float64(len(requeued)))
		s.kick()
	}
	return len(requeued), nil
}
