// internal/notification/notifications.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultStatDays = 30
	maxStatDays     = 365
)

// recipientVars are the per-user values available to every template
func recipientVars(r *Recipient) map[string]string {
	name := r.FullName
	if name == "" {
		name = r.Username
	}
	return map[string]string{
		"user_id":  strconv.FormatInt(r.UserID, 10),
		"name":     name,
		"username": r.Username,
		"email":    r.Email,
	}
}

// newNotification renders t for one user
func newNotification(t *Template, userID int64, vars map[string]string) *Notification {
	templateID := t.ID
	data := make(JSONMap, len(vars))
	for k, v := range vars {
		data[k] = v
	}
	rendered := renderTemplate(t, vars)
	return &Notification{
		Reference:         newReference("NTF"),
		UserID:            userID,
		TemplateID:        &templateID,
		ChannelType:       t.ChannelType,
		Subject:           rendered.Subject,
		Title:             rendered.Title,
		Content:           rendered.Content,
		HTMLContent:       rendered.HTMLContent,
		Priority:          t.Priority,
		Category:          t.Category,
		Data:              data,
		Status:            StatusPending,
		MaxRetries:        t.RetryCount,
		RetryDelayMinutes: t.DelayMinutes,
	}
}

// SendNotification renders a template for one user and queues it
func (s *service) SendNotification(ctx context.Context, req *SendNotificationRequest) (*Notification, error) {
	t, err := s.repo.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("template %d: %w", t.ID, ErrInactive)
	}
	if req.ChannelID != nil {
		ch, err := s.repo.GetChannel(ctx, *req.ChannelID)
		if err != nil {
			return nil, err
		}
		if !ch.IsActive {
			return nil, fmt.Errorf("channel %d: %w", ch.ID, ErrInactive)
		}
		if ch.ChannelType != t.ChannelType {
			return nil, ErrChannelMismatch
		}
	}

	recipient, err := s.directory.GetRecipient(ctx, req.UserID)
	if errors.Is(err, ErrRecipientNotFound) {
		return nil, invalid("user_id", "user %d not found", req.UserID)
	}
	if err != nil {
		return nil, err
	}

	n := newNotification(t, recipient.UserID, mergeVars(t.DefaultValues, recipientVars(recipient), req.Data))
	n.ChannelID = req.ChannelID
	n.RelatedObjectType = req.RelatedObjectType
	n.RelatedObjectID = req.RelatedObjectID
	n.ScheduledAt = req.ScheduledAt

	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	if err := s.repo.IncrementTemplateUsage(ctx, t.ID, 1, s.now()); err != nil {
		s.logger.Sugar().Warnw("failed to record template usage", "template_id", t.ID, "error", err)
	}

	s.logger.Sugar().Infow("notification queued", "notification_id", n.ID, "user_id", n.UserID, "template_id", t.ID)
	s.kick()
	return n, nil
}

func authorize(n *Notification, caller Caller) error {
	if caller.Staff || n.UserID == caller.UserID {
		return nil
	}
	return ErrForbidden
}

func (s *service) GetNotification(ctx context.Context, id int64, caller Caller) (*Notification, error) {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(n, caller); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *service) ListNotifications(ctx context.Context, filter NotificationFilter) (*NotificationsResponse, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	notifications, total, err := s.repo.ListNotifications(ctx, filter)
	if err != nil {
		return nil, err
	}

	resp := &NotificationsResponse{
		Notifications: notifications,
		TotalCount:    total,
		HasMore:       filter.Offset+len(notifications) < total,
	}
	if filter.UserID != nil {
		_, unread, err := s.repo.CountNotifications(ctx, CountFilter{UserID: filter.UserID})
		if err != nil {
			return nil, err
		}
		resp.UnreadCount = unread
	}
	return resp, nil
}

func (s *service) MarkRead(ctx context.Context, id, userID int64) error {
	return s.repo.SetNotificationRead(ctx, id, userID, true, s.now())
}

func (s *service) MarkUnread(ctx context.Context, id, userID int64) error {
	return s.repo.SetNotificationRead(ctx, id, userID, false, s.now())
}

func (s *service) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID, s.now())
}

func (s *service) Archive(ctx context.Context, id, userID int64) error {
	return s.repo.SetNotificationArchived(ctx, id, userID, true, s.now())
}

func (s *service) Unarchive(ctx context.Context, id, userID int64) error {
	return s.repo.SetNotificationArchived(ctx, id, userID, false, s.now())
}

func (s *service) CancelNotification(ctx context.Context, id int64, caller Caller) (*Notification, error) {
	n, err := s.GetNotification(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if !CanTransition(n.Status, StatusCancelled) {
		return nil, fmt.Errorf("cannot cancel a %s notification: %w", n.Status, ErrInvalidTransition)
	}

	from := n.Status
	n.Status = StatusCancelled
	if err := s.repo.UpdateNotificationStatus(ctx, n, from); err != nil {
		return nil, err
	}
	s.writeLog(ctx, n, n.ChannelID, LevelInfo, "notification cancelled", n.RetryCount+1, JSONMap{"previous_status": string(from), "cancelled_by": caller.UserID})
	s.foldBatch(ctx, n)
	return n, nil
}

// ResendNotification puts a failed or cancelled notification back in the
// queue. It consumes one retry.
func (s *service) ResendNotification(ctx context.Context, id int64, caller Caller) (*Notification, error) {
	n, err := s.GetNotification(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusFailed && n.Status != StatusCancelled {
		return nil, fmt.Errorf("cannot resend a %s notification: %w", n.Status, ErrInvalidTransition)
	}

	from := n.Status
	n.Status = StatusPending
	n.RetryCount++
	if n.RetryCount > n.MaxRetries {
		n.RetryCount = n.MaxRetries
	}
	n.ErrorMessage = ""
	n.ScheduledAt = nil
	if err := s.repo.UpdateNotificationStatus(ctx, n, from); err != nil {
		return nil, err
	}
	s.writeLog(ctx, n, n.ChannelID, LevelInfo, "notification queued for resend", n.RetryCount+1, JSONMap{"previous_status": string(from), "requested_by": caller.UserID})
	s.kick()
	return n, nil
}

// engagementRank orders the post-send statuses an event can advance through
var engagementRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusOpened:    2,
	StatusClicked:   3,
}

// RecordEvent applies a provider or engagement callback. Owners may report
// opened and clicked; delivered and bounced come from staff integrations.
func (s *service) RecordEvent(ctx context.Context, id int64, caller Caller, req *EventRequest) (*Notification, error) {
	event := Status(req.Event)
	switch event {
	case StatusOpened, StatusClicked:
	case StatusDelivered, StatusBounced:
		if !caller.Staff {
			return nil, ErrForbidden
		}
	default:
		return nil, invalid("event", "unknown event %q", req.Event)
	}

	n, err := s.GetNotification(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	from := n.Status
	now := s.now()

	if event == StatusBounced {
		if from != StatusSent && from != StatusSending {
			return nil, fmt.Errorf("cannot bounce a %s notification: %w", from, ErrInvalidTransition)
		}
		n.Status = StatusBounced
		n.ErrorMessage = "bounced by provider"
		if err := s.repo.UpdateNotificationStatus(ctx, n, from); err != nil {
			return nil, err
		}
		s.writeLog(ctx, n, n.ChannelID, LevelError, "provider reported bounce", n.RetryCount+1, req.Details.clone())
		s.foldBatch(ctx, n)
		return n, nil
	}

	current, ok := engagementRank[from]
	if !ok {
		return nil, fmt.Errorf("cannot record %s on a %s notification: %w", event, from, ErrInvalidTransition)
	}
	if engagementRank[event] <= current {
		return n, nil
	}
	if from == StatusSent && event != StatusDelivered {
		if !CanTransition(StatusSent, StatusDelivered) || !CanTransition(StatusDelivered, event) {
			return nil, ErrInvalidTransition
		}
	} else if !CanTransition(from, event) {
		return nil, ErrInvalidTransition
	}

	if n.DeliveredAt == nil {
		n.DeliveredAt = &now
	}
	if event != StatusDelivered && n.OpenedAt == nil {
		n.OpenedAt = &now
	}
	if event == StatusClicked {
		n.ClickedAt = &now
	}
	n.Status = event
	if err := s.repo.UpdateNotificationStatus(ctx, n, from); err != nil {
		return nil, err
	}
	s.writeLog(ctx, n, n.ChannelID, LevelInfo, fmt.Sprintf("%s event recorded", event), n.RetryCount+1, req.Details.clone())
	s.foldBatch(ctx, n)
	return n, nil
}

// GetStats summarises the user's notifications of the last days
func (s *service) GetStats(ctx context.Context, userID int64, days int) (*NotificationStats, error) {
	if days <= 0 {
		days = defaultStatDays
	}
	if days > maxStatDays {
		days = maxStatDays
	}
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	counts, unread, err := s.repo.CountNotifications(ctx, CountFilter{UserID: &userID, Since: &since})
	if err != nil {
		return nil, err
	}

	stats := &NotificationStats{Days: days, Unread: unread, ByStatus: counts}
	for _, c := range counts {
		stats.Total += c
	}
	stats.Delivered = counts[StatusDelivered] + counts[StatusOpened] + counts[StatusClicked]
	stats.Failed = counts[StatusFailed] + counts[StatusBounced]
	stats.Skipped = counts[StatusSkipped]
	stats.Pending = counts[StatusPending] + counts[StatusSending]

	reached := counts[StatusSent] + stats.Delivered
	if stats.Total > 0 {
		stats.DeliveryRate = float64(reached) / float64(stats.Total)
	}
	if reached > 0 {
		stats.OpenRate = float64(counts[StatusOpened]+counts[StatusClicked]) / float64(reached)
		stats.ClickRate = float64(counts[StatusClicked]) / float64(reached)
	}
	return stats, nil
}
