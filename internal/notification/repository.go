// internal/notification/repository.go

package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TemplateStore persists templates
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *Template) error
	UpdateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	SetTemplateActive(ctx context.Context, id int64, active bool) error
	IncrementTemplateUsage(ctx context.Context, id int64, n int, at time.Time) error
}

// ChannelStore persists channels
type ChannelStore interface {
	CreateChannel(ctx context.Context, c *Channel) error
	UpdateChannel(ctx context.Context, c *Channel) error
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	ListChannels(ctx context.Context, filter ChannelFilter) ([]*Channel, error)
	SetChannelActive(ctx context.Context, id int64, active bool) error
	// SetDefaultChannel clears the default flag on every sibling of the same
	// channel type and sets it on id, in one transaction.
	SetDefaultChannel(ctx context.Context, id int64) error
	GetDefaultChannel(ctx context.Context, channelType ChannelType) (*Channel, error)
}

// PreferenceStore persists per-user preferences
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID int64, category Category, channelType ChannelType) (*Preference, error)
	ListPreferences(ctx context.Context, userID int64) ([]*Preference, error)
	UpsertPreference(ctx context.Context, p *Preference) error
	BulkSetPreferences(ctx context.Context, userID int64, toggles []PreferenceToggle) error
}

// NotificationStore persists notifications and guards their status transitions
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id int64) (*Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, int, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]int64, error)
	// ClaimNotification moves id from pending to sending. A lost race
	// returns ErrAlreadyClaimed.
	ClaimNotification(ctx context.Context, id int64) (*Notification, error)
	// UpdateNotificationStatus writes the delivery fields of n if the stored
	// status still equals from. A lost race returns ErrConcurrentUpdate.
	UpdateNotificationStatus(ctx context.Context, n *Notification, from Status) error
	SetNotificationRead(ctx context.Context, id, userID int64, read bool, at time.Time) error
	MarkAllRead(ctx context.Context, userID int64, at time.Time) (int64, error)
	SetNotificationArchived(ctx context.Context, id, userID int64, archived bool, at time.Time) error
	RequeueStaleSending(ctx context.Context, before time.Time) ([]*Notification, error)
	CancelPendingBatchNotifications(ctx context.Context, batchID int64) ([]*Notification, error)
	CountNotifications(ctx context.Context, filter CountFilter) (map[Status]int, int, error)
}

// BatchStore persists batches and their counters
type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error)
	StartBatch(ctx context.Context, id int64, at time.Time) error
	// RecordBatchOutcome folds the first settled outcome of a notification
	// into its batch with an atomic increment. It returns the updated batch,
	// or nil when nothing was folded.
	RecordBatchOutcome(ctx context.Context, notificationID, batchID int64, outcome Status) (*Batch, error)
	FinishBatch(ctx context.Context, id int64, status BatchStatus, at time.Time) (bool, error)
	CancelBatch(ctx context.Context, id int64, at time.Time) error
}

// ScheduleStore persists schedules
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	SetScheduleActive(ctx context.Context, id int64, active bool) error
	// ClaimScheduleRun increments run_count if it still equals expected
	ClaimScheduleRun(ctx context.Context, id int64, expected int, nextRun time.Time, active bool, at time.Time) error
}

// DeliveryLogStore is the append-only audit trail
type DeliveryLogStore interface {
	CreateDeliveryLog(ctx context.Context, l *DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, filter LogFilter) ([]*DeliveryLog, error)
	CountDeliveryLogs(ctx context.Context, since time.Time) (total int64, errs int64, err error)
	DeleteDeliveryLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// PushTokenStore persists device tokens
type PushTokenStore interface {
	SavePushToken(ctx context.Context, token *PushToken) error
	GetUserPushTokens(ctx context.Context, userID int64) ([]*PushToken, error)
	DeletePushToken(ctx context.Context, userID int64, token string) error
	DeactivatePushToken(ctx context.Context, token string) error
}

// Repository is the full persistence contract of the package
type Repository interface {
	TemplateStore
	ChannelStore
	PreferenceStore
	NotificationStore
	BatchStore
	ScheduleStore
	DeliveryLogStore
	PushTokenStore
}

type postgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a Repository backed by PostgreSQL
func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

const (
	templateColumns = `id, name, description, channel_type, category, is_active, subject, title,
        content, html_content, variables, default_values, priority, delay_minutes, retry_count,
        tags, usage_count, last_used_at, created_by, created_at, updated_at`

	channelColumns = `id, name, channel_type, provider, is_active, is_default, configuration,
        webhook_url, rate_limit, timeout_seconds, retry_attempts, created_at, updated_at`

	notificationColumns = `id, reference, user_id, template_id, channel_id, batch_id, channel_type,
        subject, title, content, html_content, priority, category, related_object_type,
        related_object_id, data, status, scheduled_at, sent_at, delivered_at, opened_at, clicked_at,
        external_id, provider_response, error_message, retry_count, max_retries, retry_delay_minutes,
        batch_counted, is_read, read_at, is_archived, archived_at, created_at, updated_at`

	preferenceColumns = `id, user_id, category, channel_type, is_enabled, frequency,
        quiet_hours_start, quiet_hours_end, timezone, created_at, updated_at`

	batchColumns = `id, reference, name, template_id, channel_id, status, total_count, sent_count,
        failed_count, skipped_count, scheduled_at, started_at, completed_at, batch_data,
        target_filters, target_user_ids, schedule_id, created_by, created_at, updated_at`

	scheduleColumns = `id, name, description, template_id, channel_id, frequency, start_date,
        end_date, next_run, last_run_at, is_active, max_runs, run_count, target_filters,
        conditions, batch_data, created_by, created_at, updated_at`

	logColumns = `id, notification_id, channel_id, level, message, details, attempt_number,
        response_code, response_message, created_at`
)

// whereBuilder accumulates numbered predicates
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	w.args = append(w.args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(w.args)-1, len(w.args))
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

// Templates

func (r *postgresRepository) CreateTemplate(ctx context.Context, t *Template) error {
	query := `
        INSERT INTO notification_templates (name, description, channel_type, category, is_active,
            subject, title, content, html_content, variables, default_values, priority,
            delay_minutes, retry_count, tags, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        RETURNING id, usage_count, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		t.Name, t.Description, t.ChannelType, t.Category, t.IsActive,
		t.Subject, t.Title, t.Content, t.HTMLContent, t.Variables, t.DefaultValues, t.Priority,
		t.DelayMinutes, t.RetryCount, t.Tags, t.CreatedBy,
	).Scan(&t.ID, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt)
}

func (r *postgresRepository) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
        UPDATE notification_templates
        SET name = $2, description = $3, category = $4, subject = $5, title = $6, content = $7,
            html_content = $8, variables = $9, default_values = $10, priority = $11,
            delay_minutes = $12, retry_count = $13, tags = $14, updated_at = NOW()
        WHERE id = $1
        RETURNING updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		t.ID, t.Name, t.Description, t.Category, t.Subject, t.Title, t.Content,
		t.HTMLContent, t.Variables, t.DefaultValues, t.Priority,
		t.DelayMinutes, t.RetryCount, t.Tags,
	).Scan(&t.UpdatedAt)
	return notFound(err, ErrTemplateNotFound)
}

func (r *postgresRepository) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	var t Template
	err := r.db.GetContext(ctx, &t, `SELECT `+templateColumns+` FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrTemplateNotFound)
	}
	return &t, nil
}

func (r *postgresRepository) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var w whereBuilder
	if filter.ChannelType != "" {
		w.add("channel_type = ?", filter.ChannelType)
	}
	if filter.Category != "" {
		w.add("category = ?", filter.Category)
	}
	if filter.IsActive != nil {
		w.add("is_active = ?", *filter.IsActive)
	}
	if filter.Search != "" {
		w.add("(name ILIKE ? OR subject ILIKE ? OR title ILIKE ? OR content ILIKE ?)", "%"+filter.Search+"%")
		// the same placeholder is reused by all four predicates
		last := len(w.clauses) - 1
		w.clauses[last] = strings.ReplaceAll(w.clauses[last], "?", fmt.Sprintf("$%d", len(w.args)))
	}

	templates := []*Template{}
	query := `SELECT ` + templateColumns + ` FROM notification_templates` + w.String() + ` ORDER BY category, name`
	if err := r.db.SelectContext(ctx, &templates, query, w.args...); err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *postgresRepository) SetTemplateActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_templates SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return affected(res, err, ErrTemplateNotFound)
}

func (r *postgresRepository) IncrementTemplateUsage(ctx context.Context, id int64, n int, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_templates SET usage_count = usage_count + $2, last_used_at = $3 WHERE id = $1`,
		id, n, at)
	return err
}

func affected(res sql.Result, err error, sentinel error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}

// Channels

func (r *postgresRepository) CreateChannel(ctx context.Context, c *Channel) error {
	query := `
        INSERT INTO notification_channels (name, channel_type, provider, is_active, configuration,
            webhook_url, rate_limit, timeout_seconds, retry_attempts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, is_default, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		c.Name, c.ChannelType, c.Provider, c.IsActive, c.SealedConfiguration,
		c.WebhookURL, c.RateLimit, c.TimeoutSeconds, c.RetryAttempts,
	).Scan(&c.ID, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt)
}

func (r *postgresRepository) UpdateChannel(ctx context.Context, c *Channel) error {
	query := `
        UPDATE notification_channels
        SET name = $2, provider = $3, configuration = $4, webhook_url = $5, rate_limit = $6,
            timeout_seconds = $7, retry_attempts = $8, updated_at = NOW()
        WHERE id = $1
        RETURNING updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		c.ID, c.Name, c.Provider, c.SealedConfiguration, c.WebhookURL, c.RateLimit,
		c.TimeoutSeconds, c.RetryAttempts,
	).Scan(&c.UpdatedAt)
	return notFound(err, ErrChannelNotFound)
}

func (r *postgresRepository) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var c Channel
	err := r.db.GetContext(ctx, &c, `SELECT `+channelColumns+` FROM notification_channels WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrChannelNotFound)
	}
	return &c, nil
}

func (r *postgresRepository) ListChannels(ctx context.Context, filter ChannelFilter) ([]*Channel, error) {
	var w whereBuilder
	if filter.ChannelType != "" {
		w.add("channel_type = ?", filter.ChannelType)
	}
	if filter.IsActive != nil {
		w.add("is_active = ?", *filter.IsActive)
	}
	if filter.IsDefault != nil {
		w.add("is_default = ?", *filter.IsDefault)
	}

	channels := []*Channel{}
	query := `SELECT ` + channelColumns + ` FROM notification_channels` + w.String() + ` ORDER BY channel_type, name`
	if err := r.db.SelectContext(ctx, &channels, query, w.args...); err != nil {
		return nil, err
	}
	return channels, nil
}

func (r *postgresRepository) SetChannelActive(ctx context.Context, id int64, active bool) error {
	// a deactivated channel cannot stay the default of its type
	res, err := r.db.ExecContext(ctx, `
        UPDATE notification_channels
        SET is_active = $2, is_default = is_default AND $2, updated_at = NOW()
        WHERE id = $1`, id, active)
	return affected(res, err, ErrChannelNotFound)
}

func (r *postgresRepository) SetDefaultChannel(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var channelType ChannelType
	if err := tx.GetContext(ctx, &channelType,
		`SELECT channel_type FROM notification_channels WHERE id = $1`, id); err != nil {
		return notFound(err, ErrChannelNotFound)
	}

	// Serialise set-default per channel type; the partial unique index on
	// (channel_type) WHERE is_default rejects anything that slips through.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "channel-default:"+string(channelType)); err != nil {
		return fmt.Errorf("failed to lock channel type: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE notification_channels SET is_default = FALSE, updated_at = NOW()
        WHERE channel_type = $1 AND id <> $2 AND is_default`, channelType, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE notification_channels SET is_default = TRUE, updated_at = NOW()
        WHERE id = $1`, id); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConcurrentUpdate
		}
		return err
	}

	return tx.Commit()
}

func (r *postgresRepository) GetDefaultChannel(ctx context.Context, channelType ChannelType) (*Channel, error) {
	var c Channel
	err := r.db.GetContext(ctx, &c, `SELECT `+channelColumns+` FROM notification_channels
        WHERE channel_type = $1 AND is_default AND is_active`, channelType)
	if err != nil {
		return nil, notFound(err, ErrNoChannel)
	}
	return &c, nil
}

// Preferences

func (r *postgresRepository) GetPreference(ctx context.Context, userID int64, category Category, channelType ChannelType) (*Preference, error) {
	var p Preference
	err := r.db.GetContext(ctx, &p, `SELECT `+preferenceColumns+` FROM notification_preferences
        WHERE user_id = $1 AND category = $2 AND channel_type = $3`, userID, category, channelType)
	if err != nil {
		return nil, notFound(err, ErrPreferenceNotFound)
	}
	return &p, nil
}

func (r *postgresRepository) ListPreferences(ctx context.Context, userID int64) ([]*Preference, error) {
	prefs := []*Preference{}
	err := r.db.SelectContext(ctx, &prefs, `SELECT `+preferenceColumns+` FROM notification_preferences
        WHERE user_id = $1 ORDER BY category, channel_type`, userID)
	return prefs, err
}

func (r *postgresRepository) UpsertPreference(ctx context.Context, p *Preference) error {
	query := `
        INSERT INTO notification_preferences (user_id, category, channel_type, is_enabled, frequency,
            quiet_hours_start, quiet_hours_end, timezone)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (user_id, category, channel_type) DO UPDATE
        SET is_enabled = EXCLUDED.is_enabled,
            frequency = EXCLUDED.frequency,
            quiet_hours_start = EXCLUDED.quiet_hours_start,
            quiet_hours_end = EXCLUDED.quiet_hours_end,
            timezone = EXCLUDED.timezone,
            updated_at = NOW()
        RETURNING id, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		p.UserID, p.Category, p.ChannelType, p.IsEnabled, p.Frequency,
		p.QuietHoursStart, p.QuietHoursEnd, p.Timezone,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *postgresRepository) BulkSetPreferences(ctx context.Context, userID int64, toggles []PreferenceToggle) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
        INSERT INTO notification_preferences (user_id, category, channel_type, is_enabled)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, category, channel_type) DO UPDATE
        SET is_enabled = EXCLUDED.is_enabled, updated_at = NOW()`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range toggles {
		if _, err := stmt.ExecContext(ctx, userID, t.Category, t.ChannelType, t.IsEnabled); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", t.Category, t.ChannelType, err)
		}
	}

	return tx.Commit()
}

// Notifications

func (r *postgresRepository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
        INSERT INTO notifications (reference, user_id, template_id, channel_id, batch_id, channel_type,
            subject, title, content, html_content, priority, category, related_object_type,
            related_object_id, data, status, scheduled_at, max_retries, retry_delay_minutes)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        RETURNING id, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		n.Reference, n.UserID, n.TemplateID, n.ChannelID, n.BatchID, n.ChannelType,
		n.Subject, n.Title, n.Content, n.HTMLContent, n.Priority, n.Category, n.RelatedObjectType,
		n.RelatedObjectID, n.Data, n.Status, n.ScheduledAt, n.MaxRetries, n.RetryDelayMinutes,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
}

func (r *postgresRepository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	var n Notification
	err := r.db.GetContext(ctx, &n, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrNotificationNotFound)
	}
	return &n, nil
}

func notificationWhere(filter NotificationFilter) *whereBuilder {
	w := &whereBuilder{}
	if filter.UserID != nil {
		w.add("user_id = ?", *filter.UserID)
	}
	if filter.BatchID != nil {
		w.add("batch_id = ?", *filter.BatchID)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if filter.Category != "" {
		w.add("category = ?", filter.Category)
	}
	if filter.Priority != 0 {
		w.add("priority = ?", filter.Priority)
	}
	if filter.ChannelType != "" {
		w.add("channel_type = ?", filter.ChannelType)
	}
	if filter.UnreadOnly {
		w.raw("is_read = FALSE")
	}
	if !filter.IncludeArchived {
		w.raw("is_archived = FALSE")
	}
	if filter.Search != "" {
		w.add("(subject ILIKE ? OR title ILIKE ? OR content ILIKE ?)", "%"+filter.Search+"%")
		last := len(w.clauses) - 1
		w.clauses[last] = strings.ReplaceAll(w.clauses[last], "?", fmt.Sprintf("$%d", len(w.args)))
	}
	return w
}

func (r *postgresRepository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, int, error) {
	w := notificationWhere(filter)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM notifications`+w.String(), w.args...); err != nil {
		return nil, 0, err
	}

	where := w.String()
	page := w.page(filter.Limit, filter.Offset)
	notifications := []*Notification{}
	query := `SELECT ` + notificationColumns + ` FROM notifications` + where + ` ORDER BY created_at DESC, id DESC` + page
	if err := r.db.SelectContext(ctx, &notifications, query, w.args...); err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

func (r *postgresRepository) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ids := []int64{}
	err := r.db.SelectContext(ctx, &ids, `
        SELECT id FROM notifications
        WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $1)
        ORDER BY priority DESC, COALESCE(scheduled_at, created_at), id
        LIMIT $2`, now, limit)
	return ids, err
}

func (r *postgresRepository) ClaimNotification(ctx context.Context, id int64) (*Notification, error) {
	var n Notification
	err := r.db.GetContext(ctx, &n, `
        UPDATE notifications SET status = 'sending', updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
        RETURNING `+notificationColumns, id)
	if err == nil {
		return &n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotificationNotFound
	}
	return nil, ErrAlreadyClaimed
}

func (r *postgresRepository) UpdateNotificationStatus(ctx context.Context, n *Notification, from Status) error {
	query := `
        UPDATE notifications
        SET status = $2, scheduled_at = $3, sent_at = $4, delivered_at = $5, opened_at = $6,
            clicked_at = $7, external_id = $8, provider_response = $9, error_message = $10,
            retry_count = $11, updated_at = NOW()
        WHERE id = $1 AND status = $12
        RETURNING updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		n.ID, n.Status, n.ScheduledAt, n.SentAt, n.DeliveredAt, n.OpenedAt,
		n.ClickedAt, n.ExternalID, n.ProviderResponse, n.ErrorMessage,
		n.RetryCount, from,
	).Scan(&n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConcurrentUpdate
	}
	return err
}

func (r *postgresRepository) SetNotificationRead(ctx context.Context, id, userID int64, read bool, at time.Time) error {
	query := `UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $3), updated_at = NOW()
        WHERE id = $1 AND user_id = $2`
	args := []interface{}{id, userID, at}
	if !read {
		query = `UPDATE notifications SET is_read = FALSE, read_at = NULL, updated_at = NOW()
            WHERE id = $1 AND user_id = $2`
		args = args[:2]
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	return affected(res, err, ErrNotificationNotFound)
}

func (r *postgresRepository) MarkAllRead(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notifications SET is_read = TRUE, read_at = $2, updated_at = NOW()
        WHERE user_id = $1 AND is_read = FALSE AND is_archived = FALSE`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *postgresRepository) SetNotificationArchived(ctx context.Context, id, userID int64, archived bool, at time.Time) error {
	query := `UPDATE notifications SET is_archived = TRUE, archived_at = COALESCE(archived_at, $3), updated_at = NOW()
        WHERE id = $1 AND user_id = $2`
	args := []interface{}{id, userID, at}
	if !archived {
		query = `UPDATE notifications SET is_archived = FALSE, archived_at = NULL, updated_at = NOW()
            WHERE id = $1 AND user_id = $2`
		args = args[:2]
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	return affected(res, err, ErrNotificationNotFound)
}

func (r *postgresRepository) RequeueStaleSending(ctx context.Context, before time.Time) ([]*Notification, error) {
	requeued := []*Notification{}
	err := r.db.SelectContext(ctx, &requeued, `
        UPDATE notifications SET status = 'pending', updated_at = NOW()
        WHERE status = 'sending' AND updated_at < $1
        RETURNING `+notificationColumns, before)
	return requeued, err
}

func (r *postgresRepository) CancelPendingBatchNotifications(ctx context.Context, batchID int64) ([]*Notification, error) {
	cancelled := []*Notification{}
	err := r.db.SelectContext(ctx, &cancelled, `
        UPDATE notifications SET status = 'cancelled', updated_at = NOW()
        WHERE batch_id = $1 AND status = 'pending'
        RETURNING `+notificationColumns, batchID)
	return cancelled, err
}

func (r *postgresRepository) CountNotifications(ctx context.Context, filter CountFilter) (map[Status]int, int, error) {
	var w whereBuilder
	if filter.UserID != nil {
		w.add("user_id = ?", *filter.UserID)
	}
	if filter.BatchID != nil {
		w.add("batch_id = ?", *filter.BatchID)
	}
	if filter.Since != nil {
		w.add("created_at >= ?", *filter.Since)
	}

	rows := []struct {
		Status Status `db:"status"`
		Total  int    `db:"total"`
		Unread int    `db:"unread"`
	}{}
	query := `SELECT status, COUNT(*) AS total, COUNT(*) FILTER (WHERE NOT is_read) AS unread
        FROM notifications` + w.String() + ` GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, 0, err
	}

	counts := make(map[Status]int, len(rows))
	unread := 0
	for _, row := range rows {
		counts[row.Status] = row.Total
		unread += row.Unread
	}
	return counts, unread, nil
}

// Batches

func (r *postgresRepository) CreateBatch(ctx context.Context, b *Batch) error {
	query := `
        INSERT INTO notification_batches (reference, name, template_id, channel_id, status,
            total_count, scheduled_at, batch_data, target_filters, target_user_ids, schedule_id, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		b.Reference, b.Name, b.TemplateID, b.ChannelID, b.Status,
		b.TotalCount, b.ScheduledAt, b.BatchData, b.TargetFilters, b.TargetUserIDs, b.ScheduleID, b.CreatedBy,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (r *postgresRepository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	err := r.db.GetContext(ctx, &b, `SELECT `+batchColumns+` FROM notification_batches WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrBatchNotFound)
	}
	return &b, nil
}

func (r *postgresRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	var w whereBuilder
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if filter.TemplateID != 0 {
		w.add("template_id = ?", filter.TemplateID)
	}
	if filter.ScheduleID != 0 {
		w.add("schedule_id = ?", filter.ScheduleID)
	}

	where := w.String()
	page := w.page(filter.Limit, filter.Offset)
	batches := []*Batch{}
	query := `SELECT ` + batchColumns + ` FROM notification_batches` + where + ` ORDER BY created_at DESC, id DESC` + page
	if err := r.db.SelectContext(ctx, &batches, query, w.args...); err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *postgresRepository) batchTransitionError(ctx context.Context, id int64) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM notification_batches WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return ErrBatchNotFound
	}
	return ErrInvalidTransition
}

func (r *postgresRepository) StartBatch(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notification_batches SET status = 'processing', started_at = $2, updated_at = NOW()
        WHERE id = $1 AND status = 'pending'`, id, at)
	if err := affected(res, err, ErrInvalidTransition); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return r.batchTransitionError(ctx, id)
		}
		return err
	}
	return nil
}

var outcomeColumn = map[Status]string{
	StatusSent:    "sent_count",
	StatusFailed:  "failed_count",
	StatusSkipped: "skipped_count",
}

func (r *postgresRepository) RecordBatchOutcome(ctx context.Context, notificationID, batchID int64, outcome Status) (*Batch, error) {
	column, ok := outcomeColumn[outcome]
	if !ok {
		return nil, fmt.Errorf("unsupported batch outcome %q", outcome)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE notifications SET batch_counted = TRUE
        WHERE id = $1 AND batch_id = $2 AND batch_counted = FALSE`, notificationID, batchID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var b Batch
	query := fmt.Sprintf(`
        UPDATE notification_batches SET %[1]s = %[1]s + 1, updated_at = NOW()
        WHERE id = $1 AND status = 'processing'
          AND sent_count + failed_count + skipped_count < total_count
        RETURNING `+batchColumns, column)
	err = tx.GetContext(ctx, &b, query, batchID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, nil
	}
	return &b, nil
}

func (r *postgresRepository) FinishBatch(ctx context.Context, id int64, status BatchStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notification_batches SET status = $2, completed_at = $3, updated_at = NOW()
        WHERE id = $1 AND status = 'processing'`, id, status, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *postgresRepository) CancelBatch(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notification_batches SET status = 'cancelled', completed_at = $2, updated_at = NOW()
        WHERE id = $1 AND status IN ('pending', 'processing')`, id, at)
	if err := affected(res, err, ErrInvalidTransition); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return r.batchTransitionError(ctx, id)
		}
		return err
	}
	return nil
}

// Schedules

func (r *postgresRepository) CreateSchedule(ctx context.Context, s *Schedule) error {
	query := `
        INSERT INTO notification_schedules (name, description, template_id, channel_id, frequency,
            start_date, end_date, next_run, is_active, max_runs, target_filters, conditions,
            batch_data, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING id, run_count, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		s.Name, s.Description, s.TemplateID, s.ChannelID, s.Frequency,
		s.StartDate, s.EndDate, s.NextRun, s.IsActive, s.MaxRuns, s.TargetFilters, s.Conditions,
		s.BatchData, s.CreatedBy,
	).Scan(&s.ID, &s.RunCount, &s.CreatedAt, &s.UpdatedAt)
}

func (r *postgresRepository) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	var s Schedule
	err := r.db.GetContext(ctx, &s, `SELECT `+scheduleColumns+` FROM notification_schedules WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrScheduleNotFound)
	}
	return &s, nil
}

func (r *postgresRepository) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var w whereBuilder
	if filter.Frequency != "" {
		w.add("frequency = ?", filter.Frequency)
	}
	if filter.IsActive != nil {
		w.add("is_active = ?", *filter.IsActive)
	}

	schedules := []*Schedule{}
	query := `SELECT ` + scheduleColumns + ` FROM notification_schedules` + w.String() + ` ORDER BY next_run, id`
	if err := r.db.SelectContext(ctx, &schedules, query, w.args...); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *postgresRepository) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	schedules := []*Schedule{}
	err := r.db.SelectContext(ctx, &schedules, `
        SELECT `+scheduleColumns+` FROM notification_schedules
        WHERE is_active
          AND next_run <= $1
          AND (end_date IS NULL OR end_date >= $1)
          AND (max_runs IS NULL OR run_count < max_runs)
        ORDER BY next_run, id`, now)
	return schedules, err
}

func (r *postgresRepository) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_schedules SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return affected(res, err, ErrScheduleNotFound)
}

func (r *postgresRepository) ClaimScheduleRun(ctx context.Context, id int64, expected int, nextRun time.Time, active bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notification_schedules
        SET run_count = run_count + 1, next_run = $3, is_active = $4, last_run_at = $5, updated_at = NOW()
        WHERE id = $1 AND run_count = $2`, id, expected, nextRun, active, at)
	return affected(res, err, ErrConcurrentUpdate)
}

// Delivery logs

func (r *postgresRepository) CreateDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	query := `
        INSERT INTO notification_delivery_logs (notification_id, channel_id, level, message, details,
            attempt_number, response_code, response_message)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id, created_at`

	return r.db.QueryRowxContext(ctx, query,
		l.NotificationID, l.ChannelID, l.Level, l.Message, l.Details,
		l.AttemptNumber, l.ResponseCode, l.ResponseMessage,
	).Scan(&l.ID, &l.CreatedAt)
}

func (r *postgresRepository) ListDeliveryLogs(ctx context.Context, filter LogFilter) ([]*DeliveryLog, error) {
	var w whereBuilder
	if filter.NotificationID != 0 {
		w.add("notification_id = ?", filter.NotificationID)
	}
	if filter.ChannelID != 0 {
		w.add("channel_id = ?", filter.ChannelID)
	}
	if len(filter.Levels) > 0 {
		levels := make([]string, len(filter.Levels))
		for i, l := range filter.Levels {
			levels[i] = string(l)
		}
		w.add("level = ANY(?)", pq.Array(levels))
	}
	if filter.Since != nil {
		w.add("created_at >= ?", *filter.Since)
	}

	where := w.String()
	page := w.page(filter.Limit, filter.Offset)
	logs := []*DeliveryLog{}
	query := `SELECT ` + logColumns + ` FROM notification_delivery_logs` + where + ` ORDER BY created_at, id` + page
	if err := r.db.SelectContext(ctx, &logs, query, w.args...); err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *postgresRepository) CountDeliveryLogs(ctx context.Context, since time.Time) (int64, int64, error) {
	var row struct {
		Total  int64 `db:"total"`
		Errors int64 `db:"errors"`
	}
	err := r.db.GetContext(ctx, &row, `
        SELECT COUNT(*) AS total,
               COUNT(*) FILTER (WHERE level IN ('error', 'critical')) AS errors
        FROM notification_delivery_logs WHERE created_at >= $1`, since)
	return row.Total, row.Errors, err
}

func (r *postgresRepository) DeleteDeliveryLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notification_delivery_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Push tokens

func (r *postgresRepository) SavePushToken(ctx context.Context, token *PushToken) error {
	query := `
        INSERT INTO push_tokens (user_id, platform, token, device_id, is_active)
        VALUES ($1, $2, $3, $4, TRUE)
        ON CONFLICT (token) DO UPDATE
        SET user_id = EXCLUDED.user_id,
            platform = EXCLUDED.platform,
            device_id = EXCLUDED.device_id,
            is_active = TRUE,
            updated_at = NOW()
        RETURNING id, is_active, created_at, updated_at`

	return r.db.QueryRowxContext(ctx, query,
		token.UserID, token.Platform, token.Token, token.DeviceID,
	).Scan(&token.ID, &token.IsActive, &token.CreatedAt, &token.UpdatedAt)
}

func (r *postgresRepository) GetUserPushTokens(ctx context.Context, userID int64) ([]*PushToken, error) {
	tokens := []*PushToken{}
	err := r.db.SelectContext(ctx, &tokens, `
        SELECT id, user_id, platform, token, COALESCE(device_id, '') AS device_id, is_active, created_at, updated_at
        FROM push_tokens WHERE user_id = $1 AND is_active = TRUE
        ORDER BY updated_at DESC`, userID)
	return tokens, err
}

func (r *postgresRepository) DeletePushToken(ctx context.Context, userID int64, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE user_id = $1 AND token = $2`, userID, token)
	return err
}

func (r *postgresRepository) DeactivatePushToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_tokens SET is_active = FALSE, updated_at = NOW() WHERE token = $1`, token)
	return err
}
