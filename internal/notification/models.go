// internal/notification/models.go

package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// ChannelType identifies the transport a template or channel targets
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelPush     ChannelType = "push"
	ChannelInApp    ChannelType = "in_app"
	ChannelWebhook  ChannelType = "webhook"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTeams    ChannelType = "teams"
	ChannelTelegram ChannelType = "telegram"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// Valid reports whether t is a known channel type
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook,
		ChannelSlack, ChannelDiscord, ChannelTeams, ChannelTelegram, ChannelWhatsApp:
		return true
	}
	return false
}

// needsWebhookURL reports whether channels of this type post to a configured URL
func (t ChannelType) needsWebhookURL() bool {
	switch t {
	case ChannelWebhook, ChannelSlack, ChannelDiscord, ChannelTeams:
		return true
	}
	return false
}

// Category groups notifications for preference purposes
type Category string

const (
	CategorySystem      Category = "system"
	CategoryUser        Category = "user"
	CategoryPayment     Category = "payment"
	CategoryApplication Category = "application"
	CategoryCourse      Category = "course"
	CategorySocial      Category = "social"
	CategoryMarketing   Category = "marketing"
	CategoryReminder    Category = "reminder"
	CategorySecurity    Category = "security"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategorySystem, CategoryUser, CategoryPayment, CategoryApplication, CategoryCourse,
		CategorySocial, CategoryMarketing, CategoryReminder, CategorySecurity:
		return true
	}
	return false
}

// Status is the delivery lifecycle state of a notification
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusOpened    Status = "opened"
	StatusClicked   Status = "clicked"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped" // suppressed by the recipient's preferences
)

// Frequency throttles how often a user receives a category on a channel
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyNever     Frequency = "never"
)

// BatchStatus is the lifecycle state of a batch
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// ScheduleFrequency controls how next_run advances
type ScheduleFrequency string

const (
	ScheduleOnce    ScheduleFrequency = "once"
	ScheduleDaily   ScheduleFrequency = "daily"
	ScheduleWeekly  ScheduleFrequency = "weekly"
	ScheduleMonthly ScheduleFrequency = "monthly"
	ScheduleYearly  ScheduleFrequency = "yearly"
	ScheduleCustom  ScheduleFrequency = "custom"
)

// LogLevel is the severity of a delivery log entry
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// Platform represents device platforms
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// JSONMap is a free-form JSON object column
type JSONMap map[string]interface{}

// Scan implements sql.Scanner interface
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for JSONMap")
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// StringMap is a JSON object column with string values
type StringMap map[string]string

// Scan implements sql.Scanner interface
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for StringMap")
	}
	if len(raw) == 0 {
		*m = StringMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer interface
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m StringMap) clone() StringMap {
	out := make(StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m JSONMap) clone() JSONMap {
	if m == nil {
		return JSONMap{}
	}
	raw, _ := json.Marshal(m)
	out := JSONMap{}
	json.Unmarshal(raw, &out)
	return out
}

// Template is a reusable message body for one channel type
type Template struct {
	ID            int64          `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description" db:"description"`
	ChannelType   ChannelType    `json:"channel_type" db:"channel_type"`
	Category      Category       `json:"category" db:"category"`
	IsActive      bool           `json:"is_active" db:"is_active"`
	Subject       string         `json:"subject" db:"subject"`
	Title         string         `json:"title" db:"title"`
	Content       string         `json:"content" db:"content"`
	HTMLContent   string         `json:"html_content" db:"html_content"`
	Variables     StringMap      `json:"variables" db:"variables"`           // name -> description
	DefaultValues StringMap      `json:"default_values" db:"default_values"` // sample values for test renders
	Priority      int            `json:"priority" db:"priority"`
	DelayMinutes  int            `json:"delay_minutes" db:"delay_minutes"`
	RetryCount    int            `json:"retry_count" db:"retry_count"` // retry ceiling
	Tags          pq.StringArray `json:"tags" db:"tags"`
	UsageCount    int64          `json:"usage_count" db:"usage_count"`
	LastUsedAt    *time.Time     `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedBy     *int64         `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Channel is a configured delivery endpoint
type Channel struct {
	ID             int64       `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	ChannelType    ChannelType `json:"channel_type" db:"channel_type"`
	Provider       string      `json:"provider" db:"provider"`
	IsActive       bool        `json:"is_active" db:"is_active"`
	IsDefault      bool        `json:"is_default" db:"is_default"`
	WebhookURL     string      `json:"webhook_url,omitempty" db:"webhook_url"`
	RateLimit      int         `json:"rate_limit" db:"rate_limit"` // messages per minute, 0 = unlimited
	TimeoutSeconds int         `json:"timeout_seconds" db:"timeout_seconds"`
	RetryAttempts  int         `json:"retry_attempts" db:"retry_attempts"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`

	// Configuration holds provider credentials in clear text. It is only
	// populated on the send path; storage sees SealedConfiguration.
	Configuration       StringMap `json:"configuration,omitempty" db:"-"`
	SealedConfiguration string    `json:"-" db:"configuration"`
}

// MaxChannelTimeout caps a channel's per-send deadline. Claims older than
// this are the only ones the stale sweep may requeue.
const MaxChannelTimeout = 5 * time.Minute

// Timeout returns the per-send deadline
func (c *Channel) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	if d := time.Duration(c.TimeoutSeconds) * time.Second; d < MaxChannelTimeout {
		return d
	}
	return MaxChannelTimeout
}

// Redacted returns a copy safe to return from the API
func (c *Channel) Redacted() *Channel {
	out := *c
	out.Configuration = make(StringMap, len(c.Configuration))
	for k := range c.Configuration {
		out.Configuration[k] = "****"
	}
	out.SealedConfiguration = ""
	return &out
}

// Notification is the delivery unit: one rendered message for one user on one channel
type Notification struct {
	ID                int64       `json:"id" db:"id"`
	Reference         string      `json:"reference" db:"reference"`
	UserID            int64       `json:"user_id" db:"user_id"`
	TemplateID        *int64      `json:"template_id,omitempty" db:"template_id"`
	ChannelID         *int64      `json:"channel_id,omitempty" db:"channel_id"`
	BatchID           *int64      `json:"batch_id,omitempty" db:"batch_id"`
	ChannelType       ChannelType `json:"channel_type" db:"channel_type"`
	Subject           string      `json:"subject" db:"subject"`
	Title             string      `json:"title" db:"title"`
	Content           string      `json:"content" db:"content"`
	HTMLContent       string      `json:"html_content,omitempty" db:"html_content"`
	Priority          int         `json:"priority" db:"priority"`
	Category          Category    `json:"category" db:"category"`
	RelatedObjectType string      `json:"related_object_type,omitempty" db:"related_object_type"`
	RelatedObjectID   string      `json:"related_object_id,omitempty" db:"related_object_id"`
	Data              JSONMap     `json:"data" db:"data"`
	Status            Status      `json:"status" db:"status"`
	ScheduledAt       *time.Time  `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt            *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time  `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt          *time.Time  `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt         *time.Time  `json:"clicked_at,omitempty" db:"clicked_at"`
	ExternalID        string      `json:"external_id,omitempty" db:"external_id"`
	ProviderResponse  JSONMap     `json:"provider_response,omitempty" db:"provider_response"`
	ErrorMessage      string      `json:"error_message,omitempty" db:"error_message"`
	RetryCount        int         `json:"retry_count" db:"retry_count"`
	MaxRetries        int         `json:"max_retries" db:"max_retries"`
	RetryDelayMinutes int         `json:"retry_delay_minutes" db:"retry_delay_minutes"`
	BatchCounted      bool        `json:"-" db:"batch_counted"`
	IsRead            bool        `json:"is_read" db:"is_read"`
	ReadAt            *time.Time  `json:"read_at,omitempty" db:"read_at"`
	IsArchived        bool        `json:"is_archived" db:"is_archived"`
	ArchivedAt        *time.Time  `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// IsDelivered reports whether the provider confirmed delivery
func (n *Notification) IsDelivered() bool {
	switch n.Status {
	case StatusDelivered, StatusOpened, StatusClicked:
		return true
	}
	return false
}

// IsFailed reports whether the notification ended without reaching the user
func (n *Notification) IsFailed() bool {
	switch n.Status {
	case StatusFailed, StatusBounced, StatusCancelled:
		return true
	}
	return false
}

// DeliveryTime is delivered_at - sent_at, nil unless both are known
func (n *Notification) DeliveryTime() *time.Duration {
	if n.SentAt == nil || n.DeliveredAt == nil {
		return nil
	}
	d := n.DeliveredAt.Sub(*n.SentAt)
	return &d
}

// MarshalJSON adds the derived delivery fields
func (n Notification) MarshalJSON() ([]byte, error) {
	type plain Notification
	out := struct {
		plain
		IsDelivered         bool     `json:"is_delivered"`
		IsFailed            bool     `json:"is_failed"`
		DeliveryTimeSeconds *float64 `json:"delivery_time_seconds,omitempty"`
	}{
		plain:       plain(n),
		IsDelivered: n.IsDelivered(),
		IsFailed:    n.IsFailed(),
	}
	if d := n.DeliveryTime(); d != nil {
		secs := d.Seconds()
		out.DeliveryTimeSeconds = &secs
	}
	return json.Marshal(out)
}

// Preference is a user's policy for one (category, channel type) pair
type Preference struct {
	ID              int64       `json:"id" db:"id"`
	UserID          int64       `json:"user_id" db:"user_id"`
	Category        Category    `json:"category" db:"category"`
	ChannelType     ChannelType `json:"channel_type" db:"channel_type"`
	IsEnabled       bool        `json:"is_enabled" db:"is_enabled"`
	Frequency       Frequency   `json:"frequency" db:"frequency"`
	QuietHoursStart string      `json:"quiet_hours_start,omitempty" db:"quiet_hours_start"` // "HH:MM"
	QuietHoursEnd   string      `json:"quiet_hours_end,omitempty" db:"quiet_hours_end"`
	Timezone        string      `json:"timezone" db:"timezone"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Batch groups notifications sent with one template through one channel
type Batch struct {
	ID            int64         `json:"id" db:"id"`
	Reference     string        `json:"reference" db:"reference"`
	Name          string        `json:"name" db:"name"`
	TemplateID    int64         `json:"template_id" db:"template_id"`
	ChannelID     int64         `json:"channel_id" db:"channel_id"`
	Status        BatchStatus   `json:"status" db:"status"`
	TotalCount    int           `json:"total_count" db:"total_count"`
	SentCount     int           `json:"sent_count" db:"sent_count"`
	FailedCount   int           `json:"failed_count" db:"failed_count"`
	SkippedCount  int           `json:"skipped_count" db:"skipped_count"`
	ScheduledAt   *time.Time    `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	BatchData     StringMap     `json:"batch_data" db:"batch_data"`
	TargetFilters JSONMap       `json:"target_filters" db:"target_filters"`
	TargetUserIDs pq.Int64Array `json:"-" db:"target_user_ids"`
	ScheduleID    *int64        `json:"schedule_id,omitempty" db:"schedule_id"`
	CreatedBy     *int64        `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// SuccessRate is sent/total, 0 for an empty batch
func (b *Batch) SuccessRate() float64 {
	if b.TotalCount == 0 {
		return 0
	}
	return float64(b.SentCount) / float64(b.TotalCount)
}

// settled reports whether every target has an outcome folded in
func (b *Batch) settled() bool {
	return b.SentCount+b.FailedCount+b.SkippedCount >= b.TotalCount
}

// MarshalJSON adds the derived success rate
func (b Batch) MarshalJSON() ([]byte, error) {
	type plain Batch
	return json.Marshal(struct {
		plain
		SuccessRate float64 `json:"success_rate"`
	}{plain(b), b.SuccessRate()})
}

// Schedule triggers batches on a recurrence
type Schedule struct {
	ID            int64             `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	Description   string            `json:"description" db:"description"`
	TemplateID    int64             `json:"template_id" db:"template_id"`
	ChannelID     int64             `json:"channel_id" db:"channel_id"`
	Frequency     ScheduleFrequency `json:"frequency" db:"frequency"`
	StartDate     time.Time         `json:"start_date" db:"start_date"`
	EndDate       *time.Time        `json:"end_date,omitempty" db:"end_date"`
	NextRun       time.Time         `json:"next_run" db:"next_run"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty" db:"last_run_at"`
	IsActive      bool              `json:"is_active" db:"is_active"`
	MaxRuns       *int              `json:"max_runs,omitempty" db:"max_runs"`
	RunCount      int               `json:"run_count" db:"run_count"`
	TargetFilters JSONMap           `json:"target_filters" db:"target_filters"`
	Conditions    JSONMap           `json:"conditions" db:"conditions"`
	BatchData     StringMap         `json:"batch_data" db:"batch_data"`
	CreatedBy     *int64            `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether now is past the end date
func (s *Schedule) IsExpired(now time.Time) bool {
	return s.EndDate != nil && now.After(*s.EndDate)
}

// runsExhausted reports whether max_runs has been reached
func (s *Schedule) runsExhausted() bool {
	return s.MaxRuns != nil && s.RunCount >= *s.MaxRuns
}

// CanRun reports whether the schedule is due at now
func (s *Schedule) CanRun(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now) && !s.runsExhausted() && !now.Before(s.NextRun)
}

// DeliveryLog is one audit entry for a notification
type DeliveryLog struct {
	ID              int64     `json:"id" db:"id"`
	NotificationID  int64     `json:"notification_id" db:"notification_id"`
	ChannelID       *int64    `json:"channel_id,omitempty" db:"channel_id"`
	Level           LogLevel  `json:"level" db:"level"`
	Message         string    `json:"message" db:"message"`
	Details         JSONMap   `json:"details" db:"details"`
	AttemptNumber   int       `json:"attempt_number" db:"attempt_number"`
	ResponseCode    *int      `json:"response_code,omitempty" db:"response_code"`
	ResponseMessage string    `json:"response_message,omitempty" db:"response_message"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// PushToken represents a device push token
type PushToken struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Platform  Platform  `json:"platform" db:"platform"`
	Token     string    `json:"token" db:"token"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Recipient is the contact information the user directory exposes
type Recipient struct {
	UserID     int64  `db:"id"`
	Email      string `db:"email"`
	Phone      string `db:"phone"`
	Username   string `db:"username"`
	FullName   string `db:"full_name"`
	PushTokens []string
}

// Filters

// TemplateFilter narrows template listings
type TemplateFilter struct {
	ChannelType ChannelType
	Category    Category
	IsActive    *bool
	Search      string
}

// ChannelFilter narrows channel listings
type ChannelFilter struct {
	ChannelType ChannelType
	IsActive    *bool
	IsDefault   *bool
}

// NotificationFilter narrows notification listings
type NotificationFilter struct {
	UserID          *int64
	BatchID         *int64
	Status          Status
	Category        Category
	Priority        int
	ChannelType     ChannelType
	Search          string
	UnreadOnly      bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

// BatchFilter narrows batch listings
type BatchFilter struct {
	Status     BatchStatus
	TemplateID int64
	ScheduleID int64
	Limit      int
	Offset     int
}

// ScheduleFilter narrows schedule listings
type ScheduleFilter struct {
	Frequency ScheduleFrequency
	IsActive  *bool
}

// LogFilter narrows delivery log listings
type LogFilter struct {
	NotificationID int64
	ChannelID      int64
	Levels         []LogLevel
	Since          *time.Time
	Limit          int
	Offset         int
}

// CountFilter scopes status counts
type CountFilter struct {
	UserID  *int64
	BatchID *int64
	Since   *time.Time
}

// Requests

// CreateTemplateRequest represents request to create a template
type CreateTemplateRequest struct {
	Name          string            `json:"name" validate:"required,max=200"`
	Description   string            `json:"description"`
	ChannelType   ChannelType       `json:"channel_type" validate:"required"`
	Category      Category          `json:"category" validate:"required"`
	Subject       string            `json:"subject" validate:"max=255"`
	Title         string            `json:"title" validate:"max=255"`
	Content       string            `json:"content"`
	HTMLContent   string            `json:"html_content"`
	Variables     map[string]string `json:"variables"`
	DefaultValues map[string]string `json:"default_values"`
	Priority      *int              `json:"priority" validate:"omitempty,min=1,max=5"`
	DelayMinutes  *int              `json:"delay_minutes" validate:"omitempty,min=0,max=10080"`
	RetryCount    *int              `json:"retry_count" validate:"omitempty,min=0,max=10"`
	Tags          []string          `json:"tags"`
	IsActive      *bool             `json:"is_active"`
}

// UpdateTemplateRequest represents a partial template update
type UpdateTemplateRequest struct {
	Name          *string           `json:"name" validate:"omitempty,max=200"`
	Description   *string           `json:"description"`
	Category      *Category         `json:"category"`
	Subject       *string           `json:"subject" validate:"omitempty,max=255"`
	Title         *string           `json:"title" validate:"omitempty,max=255"`
	Content       *string           `json:"content"`
	HTMLContent   *string           `json:"html_content"`
	Variables     map[string]string `json:"variables"`
	DefaultValues map[string]string `json:"default_values"`
	Priority      *int              `json:"priority" validate:"omitempty,min=1,max=5"`
	DelayMinutes  *int              `json:"delay_minutes" validate:"omitempty,min=0,max=10080"`
	RetryCount    *int              `json:"retry_count" validate:"omitempty,min=0,max=10"`
	Tags          []string          `json:"tags"`
}

// TestTemplateRequest carries sample values for a test render
type TestTemplateRequest struct {
	Data map[string]string `json:"data"`
}

// RenderedTemplate is the result of a test render
type RenderedTemplate struct {
	Subject     string            `json:"subject"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	HTMLContent string            `json:"html_content"`
	Variables   map[string]string `json:"variables_used"`
}

// CreateChannelRequest represents request to create a channel
type CreateChannelRequest struct {
	Name           string            `json:"name" validate:"required,max=200"`
	ChannelType    ChannelType       `json:"channel_type" validate:"required"`
	Provider       string            `json:"provider"`
	Configuration  map[string]string `json:"configuration"`
	WebhookURL     string            `json:"webhook_url" validate:"omitempty,url"`
	RateLimit      *int              `json:"rate_limit" validate:"omitempty,min=0"`
	TimeoutSeconds *int              `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	RetryAttempts  *int              `json:"retry_attempts" validate:"omitempty,min=0,max=10"`
	IsActive       *bool             `json:"is_active"`
	IsDefault      bool              `json:"is_default"`
}

// UpdateChannelRequest represents a partial channel update
type UpdateChannelRequest struct {
	Name           *string           `json:"name" validate:"omitempty,max=200"`
	Provider       *string           `json:"provider"`
	Configuration  map[string]string `json:"configuration"`
	WebhookURL     *string           `json:"webhook_url" validate:"omitempty,url"`
	RateLimit      *int              `json:"rate_limit" validate:"omitempty,min=0"`
	TimeoutSeconds *int              `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	RetryAttempts  *int              `json:"retry_attempts" validate:"omitempty,min=0,max=10"`
}

// ChannelTestResult is the outcome of a dry run
type ChannelTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SendNotificationRequest renders a template for one user
type SendNotificationRequest struct {
	UserID            int64             `json:"user_id" validate:"required"`
	TemplateID        int64             `json:"template_id" validate:"required"`
	ChannelID         *int64            `json:"channel_id"`
	Data              map[string]string `json:"data"`
	RelatedObjectType string            `json:"related_object_type" validate:"max=100"`
	RelatedObjectID   string            `json:"related_object_id" validate:"max=100"`
	ScheduledAt       *time.Time        `json:"scheduled_at"`
}

// EventRequest reports a provider or engagement event
type EventRequest struct {
	Event   string  `json:"event" validate:"required,oneof=delivered opened clicked bounced"`
	Details JSONMap `json:"details"`
}

// UpdatePreferenceRequest upserts one preference row
type UpdatePreferenceRequest struct {
	Category        Category    `json:"category" validate:"required"`
	ChannelType     ChannelType `json:"channel_type" validate:"required"`
	IsEnabled       *bool       `json:"is_enabled"`
	Frequency       Frequency   `json:"frequency" validate:"omitempty,oneof=immediate hourly daily weekly never"`
	QuietHoursStart *string     `json:"quiet_hours_start" validate:"omitempty,hhmm"`
	QuietHoursEnd   *string     `json:"quiet_hours_end" validate:"omitempty,hhmm"`
	Timezone        *string     `json:"timezone" validate:"omitempty,tz"`
}

// PreferenceToggle is one entry of a bulk update
type PreferenceToggle struct {
	Category    Category    `json:"category" validate:"required"`
	ChannelType ChannelType `json:"channel_type" validate:"required"`
	IsEnabled   bool        `json:"is_enabled"`
}

// BulkPreferenceRequest represents the bulk-update body
type BulkPreferenceRequest struct {
	Updates []PreferenceToggle `json:"updates" validate:"required,min=1,max=200,dive"`
}

// CreateBatchRequest represents request to create a batch
type CreateBatchRequest struct {
	Name          string            `json:"name" validate:"required,max=200"`
	TemplateID    int64             `json:"template_id" validate:"required"`
	ChannelID     int64             `json:"channel_id" validate:"required"`
	BatchData     map[string]string `json:"batch_data"`
	TargetFilters JSONMap           `json:"target_filters"`
	ScheduledAt   *time.Time        `json:"scheduled_at"`
	Start         bool              `json:"start"`
}

// CreateScheduleRequest represents request to create a schedule
type CreateScheduleRequest struct {
	Name          string            `json:"name" validate:"required,max=200"`
	Description   string            `json:"description"`
	TemplateID    int64             `json:"template_id" validate:"required"`
	ChannelID     int64             `json:"channel_id" validate:"required"`
	Frequency     ScheduleFrequency `json:"frequency" validate:"required,oneof=once daily weekly monthly yearly custom"`
	StartDate     time.Time         `json:"start_date" validate:"required"`
	EndDate       *time.Time        `json:"end_date"`
	MaxRuns       *int              `json:"max_runs" validate:"omitempty,min=1"`
	TargetFilters JSONMap           `json:"target_filters"`
	Conditions    JSONMap           `json:"conditions"`
	BatchData     map[string]string `json:"batch_data"`
	IsActive      *bool             `json:"is_active"`
}

// RegisterPushTokenRequest represents request to register a push token
type RegisterPushTokenRequest struct {
	Platform Platform `json:"platform" validate:"required,oneof=ios android web"`
	Token    string   `json:"token" validate:"required"`
	DeviceID string   `json:"device_id" validate:"required"`
}

// Responses

// NotificationsResponse represents paginated notifications response
type NotificationsResponse struct {
	Notifications []*Notification `json:"notifications"`
	TotalCount    int             `json:"total_count"`
	UnreadCount   int             `json:"unread_count"`
	HasMore       bool            `json:"has_more"`
}

// NotificationStats summarises a user's notifications over a window
type NotificationStats struct {
	Days         int            `json:"days"`
	Total        int            `json:"total"`
	Unread       int            `json:"unread"`
	Delivered    int            `json:"delivered"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Pending      int            `json:"pending"`
	ByStatus     map[Status]int `json:"by_status"`
	DeliveryRate float64        `json:"delivery_rate"`
	OpenRate     float64        `json:"open_rate"`
	ClickRate    float64        `json:"click_rate"`
}

// BatchStats is the aggregate view of one batch
type BatchStats struct {
	Batch       *Batch         `json:"batch"`
	SuccessRate float64        `json:"success_rate"`
	Remaining   int            `json:"remaining"`
	ByStatus    map[Status]int `json:"by_status"`
}

// ErrorRate is the share of error/critical log entries in a window
type ErrorRate struct {
	Since  time.Time `json:"since"`
	Total  int64     `json:"total"`
	Errors int64     `json:"errors"`
	Rate   float64   `json:"rate"`
}
