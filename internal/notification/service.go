package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imadgeboyega/studyhub-backend/internal/common/security"
)

// Caller identifies who is acting on a notification
type Caller struct {
	UserID int64
	Staff  bool
}

type Service interface {
	// Templates
	CreateTemplate(ctx context.Context, req *CreateTemplateRequest, createdBy int64) (*Template, error)
	UpdateTemplate(ctx context.Context, id int64, req *UpdateTemplateRequest) (*Template, error)
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	SetTemplateActive(ctx context.Context, id int64, active bool) (*Template, error)
	TestTemplate(ctx context.Context, id int64, data map[string]string) (*RenderedTemplate, error)
	DuplicateTemplate(ctx context.Context, id int64, createdBy int64) (*Template, error)
	TemplatesByCategory(ctx context.Context) (map[Category][]*Template, error)
	TemplatesByChannelType(ctx context.Context) (map[ChannelType][]*Template, error)

	// Channels
	CreateChannel(ctx context.Context, req *CreateChannelRequest) (*Channel, error)
	UpdateChannel(ctx context.Context, id int64, req *UpdateChannelRequest) (*Channel, error)
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	ListChannels(ctx context.Context, filter ChannelFilter) ([]*Channel, error)
	SetChannelActive(ctx context.Context, id int64, active bool) (*Channel, error)
	SetDefaultChannel(ctx context.Context, id int64) (*Channel, error)
	TestChannel(ctx context.Context, id int64) (*ChannelTestResult, error)
	DefaultChannels(ctx context.Context) ([]*Channel, error)
	ChannelsByType(ctx context.Context) (map[ChannelType][]*Channel, error)

	// Preferences
	GetPreferences(ctx context.Context, userID int64) ([]*Preference, error)
	UpdatePreference(ctx context.Context, userID int64, req *UpdatePreferenceRequest) (*Preference, error)
	BulkUpdatePreferences(ctx context.Context, userID int64, req *BulkPreferenceRequest) ([]*Preference, error)
	ResolvePreference(ctx context.Context, userID int64, category Category, channelType ChannelType) (*Preference, error)

	// Notifications
	SendNotification(ctx context.Context, req *SendNotificationRequest) (*Notification, error)
	DispatchNotification(ctx context.Context, id int64) (*Notification, error)
	DispatchDue(ctx context.Context, limit, workers int) (int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	GetNotification(ctx context.Context, id int64, caller Caller) (*Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) (*NotificationsResponse, error)
	MarkRead(ctx context.Context, id, userID int64) error
	MarkUnread(ctx context.Context, id, userID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Archive(ctx context.Context, id, userID int64) error
	Unarchive(ctx context.Context, id, userID int64) error
	CancelNotification(ctx context.Context, id int64, caller Caller) (*Notification, error)
	ResendNotification(ctx context.Context, id int64, caller Caller) (*Notification, error)
	RecordEvent(ctx context.Context, id int64, caller Caller, req *EventRequest) (*Notification, error)
	GetStats(ctx context.Context, userID int64, days int) (*NotificationStats, error)

	// Batches
	CreateBatch(ctx context.Context, req *CreateBatchRequest, createdBy int64) (*Batch, error)
	StartBatch(ctx context.Context, id int64) (*Batch, error)
	CancelBatch(ctx context.Context, id int64) (*Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error)
	GetBatchStats(ctx context.Context, id int64) (*BatchStats, error)

	// Schedules
	CreateSchedule(ctx context.Context, req *CreateScheduleRequest, createdBy int64) (*Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	SetScheduleActive(ctx context.Context, id int64, active bool) (*Schedule, error)
	DueSchedules(ctx context.Context) ([]*Schedule, error)
	RunScheduleNow(ctx context.Context, id int64) (*Batch, error)
	RunDueSchedules(ctx context.Context) (int, error)

	// Delivery log
	ListDeliveryLogs(ctx context.Context, filter LogFilter) ([]*DeliveryLog, error)
	ErrorRate(ctx context.Context, since time.Time) (*ErrorRate, error)
	CleanupLogs(ctx context.Context, olderThan time.Duration) (int64, error)

	// Push tokens
	RegisterPushToken(ctx context.Context, userID int64, req *RegisterPushTokenRequest) (*PushToken, error)
	UnregisterPushToken(ctx context.Context, userID int64, token string) error

	// Wake signals that pending work was created
	Wake() <-chan struct{}
}

type service struct {
	repo       Repository
	directory  RecipientDirectory
	senders    *SenderRegistry
	sealer     *security.Sealer
	limiter    RateLimiter
	recurrence Recurrence
	clock      func() time.Time
	logger     *zap.Logger
	wake       chan struct{}
}

// Option customises the service
type Option func(*service)

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

// WithRateLimiter enables per-channel rate limits
func WithRateLimiter(l RateLimiter) Option {
	return func(s *service) { s.limiter = l }
}

// WithRecurrence replaces the custom schedule recurrence
func WithRecurrence(r Recurrence) Option {
	return func(s *service) { s.recurrence = r }
}

// NewService wires the notification service. sealer may be nil, in which
// case channel configuration is stored as plain JSON.
func NewService(repo Repository, directory RecipientDirectory, senders *SenderRegistry, sealer *security.Sealer, logger *zap.Logger, opts ...Option) Service {
	s := &service{
		repo:       repo,
		directory:  directory,
		senders:    senders,
		sealer:     sealer,
		recurrence: CronRecurrence{},
		clock:      time.Now,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) now() time.Time {
	return s.clock().UTC()
}

func (s *service) Wake() <-chan struct{} {
	return s.wake
}

// kick wakes the dispatcher without blocking
func (s *service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func newReference(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// writeLog appends a delivery log entry. Failures are logged and swallowed so
// that bookkeeping never undoes a status transition.
func (s *service) writeLog(ctx context.Context, n *Notification, channelID *int64, level LogLevel, message string, attempt int, details JSONMap) {
	entry := &DeliveryLog{
		NotificationID: n.ID,
		ChannelID:      channelID,
		Level:          level,
		Message:        message,
		Details:        details,
		AttemptNumber:  attempt,
	}
	if details != nil {
		if code, ok := details["response_code"].(int); ok {
			entry.ResponseCode = &code
		}
		if msg, ok := details["response_message"].(string); ok {
			entry.ResponseMessage = msg
		}
	}
	if entry.Details == nil {
		entry.Details = JSONMap{}
	}
	if err := s.repo.CreateDeliveryLog(ctx, entry); err != nil {
		s.logger.Error("failed to write delivery log",
			zap.Int64("notification_id", n.ID),
			zap.String("message", message),
			zap.Error(err),
		)
	}
}

// sealConfiguration encodes channel credentials for storage
func (s *service) sealConfiguration(config StringMap) (string, error) {
	if config == nil {
		config = StringMap{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	if s.sealer == nil {
		return string(raw), nil
	}
	return s.sealer.Seal(raw)
}

// openChannel decodes the stored credentials into ch.Configuration
func (s *service) openChannel(ch *Channel) error {
	ch.Configuration = StringMap{}
	stored := ch.SealedConfiguration
	if stored == "" {
		return nil
	}

	raw := []byte(stored)
	if security.IsSealed(stored) {
		if s.sealer == nil {
			return fmt.Errorf("channel %d configuration is sealed but no key is configured", ch.ID)
		}
		opened, err := s.sealer.Open(stored)
		if err != nil {
			return fmt.Errorf("failed to open channel %d configuration: %w", ch.ID, err)
		}
		raw = opened
	}
	if err := json.Unmarshal(raw, &ch.Configuration); err != nil {
		return fmt.Errorf("failed to decode channel %d configuration: %w", ch.ID, err)
	}
	return nil
}

// Push tokens

func (s *service) RegisterPushToken(ctx context.Context, userID int64, req *RegisterPushTokenRequest) (*PushToken, error) {
	token := &PushToken{
		UserID:   userID,
		Platform: req.Platform,
		Token:    req.Token,
		DeviceID: req.DeviceID,
	}
	if err := s.repo.SavePushToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save push token: %w", err)
	}
	return token, nil
}

func (s *service) UnregisterPushToken(ctx context.Context, userID int64, token string) error {
	if strings.TrimSpace(token) == "" {
		return invalid("token", "token is required")
	}
	return s.repo.DeletePushToken(ctx, userID, token)
}
