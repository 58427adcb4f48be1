// cmd/api/migrations.go
// Database schema for the notification service

package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var migrations = []string{
	// Users table (owned by the platform; created here so a fresh database works)
	`CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        email VARCHAR(255) UNIQUE,
        phone VARCHAR(20),
        username VARCHAR(100) UNIQUE NOT NULL,
        full_name VARCHAR(200),
        role VARCHAR(50) DEFAULT 'student',
        is_active BOOLEAN DEFAULT TRUE,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,

	// Push tokens
	`CREATE TABLE IF NOT EXISTS push_tokens (
        id BIGSERIAL PRIMARY KEY,
        user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        platform VARCHAR(20) NOT NULL,
        token TEXT UNIQUE NOT NULL,
        device_id VARCHAR(255) DEFAULT '',
        is_active BOOLEAN DEFAULT TRUE,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	`CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id) WHERE is_active`,

	// Templates
	`CREATE TABLE IF NOT EXISTS notification_templates (
        id BIGSERIAL PRIMARY KEY,
        name VARCHAR(200) NOT NULL,
        description TEXT DEFAULT '',
        channel_type VARCHAR(20) NOT NULL,
        category VARCHAR(20) NOT NULL,
        is_active BOOLEAN DEFAULT TRUE,
        subject VARCHAR(255) DEFAULT '',
        title VARCHAR(255) DEFAULT '',
        content TEXT NOT NULL,
        html_content TEXT DEFAULT '',
        variables JSONB DEFAULT '{}',
        default_values JSONB DEFAULT '{}',
        priority INTEGER DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
        delay_minutes INTEGER DEFAULT 5 CHECK (delay_minutes >= 0),
        retry_count INTEGER DEFAULT 3 CHECK (retry_count BETWEEN 0 AND 10),
        tags TEXT[] DEFAULT '{}',
        usage_count BIGINT DEFAULT 0,
        last_used_at TIMESTAMP,
        created_by BIGINT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	`CREATE INDEX IF NOT EXISTS idx_templates_type_category ON notification_templates(channel_type, category)`,

	// Channels
	`CREATE TABLE IF NOT EXISTS notification_channels (
        id BIGSERIAL PRIMARY KEY,
        name VARCHAR(200) NOT NULL,
        channel_type VARCHAR(20) NOT NULL,
        provider VARCHAR(50) NOT NULL,
        is_active BOOLEAN DEFAULT TRUE,
        is_default BOOLEAN DEFAULT FALSE,
        configuration TEXT DEFAULT '',
        webhook_url TEXT DEFAULT '',
        rate_limit INTEGER DEFAULT 0 CHECK (rate_limit >= 0),
        timeout_seconds INTEGER DEFAULT 30,
        retry_attempts INTEGER DEFAULT 3,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	// At most one default channel per type
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_one_default
        ON notification_channels(channel_type) WHERE is_default`,

	// Notifications
	`CREATE TABLE IF NOT EXISTS notifications (
        id BIGSERIAL PRIMARY KEY,
        reference VARCHAR(32) UNIQUE NOT NULL,
        user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        template_id BIGINT REFERENCES notification_templates(id) ON DELETE SET NULL,
        channel_id BIGINT REFERENCES notification_channels(id) ON DELETE SET NULL,
        batch_id BIGINT,
        channel_type VARCHAR(20) NOT NULL,
        subject VARCHAR(255) DEFAULT '',
        title VARCHAR(255) DEFAULT '',
        content TEXT NOT NULL,
        html_content TEXT DEFAULT '',
        priority INTEGER DEFAULT 3,
        category VARCHAR(20) NOT NULL,
        related_object_type VARCHAR(50) DEFAULT '',
        related_object_id VARCHAR(100) DEFAULT '',
        data JSONB DEFAULT '{}',
        status VARCHAR(20) NOT NULL DEFAULT 'pending',
        scheduled_at TIMESTAMP,
        sent_at TIMESTAMP,
        delivered_at TIMESTAMP,
        opened_at TIMESTAMP,
        clicked_at TIMESTAMP,
        external_id VARCHAR(255) DEFAULT '',
        provider_response JSONB DEFAULT '{}',
        error_message TEXT DEFAULT '',
        retry_count INTEGER DEFAULT 0,
        max_retries INTEGER DEFAULT 3,
        retry_delay_minutes INTEGER DEFAULT 5,
        batch_counted BOOLEAN DEFAULT FALSE,
        is_read BOOLEAN DEFAULT FALSE,
        read_at TIMESTAMP,
        is_archived BOOLEAN DEFAULT FALSE,
        archived_at TIMESTAMP,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(priority DESC, created_at)
        WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_batch ON notifications(batch_id) WHERE batch_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_sending ON notifications(updated_at) WHERE status = 'sending'`,

	// Preferences
	`CREATE TABLE IF NOT EXISTS notification_preferences (
        id BIGSERIAL PRIMARY KEY,
        user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        category VARCHAR(20) NOT NULL,
        channel_type VARCHAR(20) NOT NULL,
        is_enabled BOOLEAN DEFAULT TRUE,
        frequency VARCHAR(20) DEFAULT 'immediate',
        quiet_hours_start VARCHAR(5) DEFAULT '',
        quiet_hours_end VARCHAR(5) DEFAULT '',
        timezone VARCHAR(64) DEFAULT 'UTC',
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        UNIQUE(user_id, category, channel_type)
    )`,

	// Batches
	`CREATE TABLE IF NOT EXISTS notification_batches (
        id BIGSERIAL PRIMARY KEY,
        reference VARCHAR(32) UNIQUE NOT NULL,
        name VARCHAR(200) NOT NULL,
        template_id BIGINT NOT NULL REFERENCES notification_templates(id),
        channel_id BIGINT NOT NULL REFERENCES notification_channels(id),
        status VARCHAR(20) NOT NULL DEFAULT 'pending',
        total_count INTEGER DEFAULT 0,
        sent_count INTEGER DEFAULT 0,
        failed_count INTEGER DEFAULT 0,
        skipped_count INTEGER DEFAULT 0,
        scheduled_at TIMESTAMP,
        started_at TIMESTAMP,
        completed_at TIMESTAMP,
        batch_data JSONB DEFAULT '{}',
        target_filters JSONB DEFAULT '{}',
        target_user_ids BIGINT[] DEFAULT '{}',
        schedule_id BIGINT,
        created_by BIGINT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,

	// Schedules
	`CREATE TABLE IF NOT EXISTS notification_schedules (
        id BIGSERIAL PRIMARY KEY,
        name VARCHAR(200) NOT NULL,
        description TEXT DEFAULT '',
        template_id BIGINT NOT NULL REFERENCES notification_templates(id),
        channel_id BIGINT NOT NULL REFERENCES notification_channels(id),
        frequency VARCHAR(20) NOT NULL,
        start_date TIMESTAMP NOT NULL,
        end_date TIMESTAMP,
        next_run TIMESTAMP NOT NULL,
        last_run_at TIMESTAMP,
        is_active BOOLEAN DEFAULT TRUE,
        max_runs INTEGER,
        run_count INTEGER DEFAULT 0,
        target_filters JSONB DEFAULT '{}',
        conditions JSONB DEFAULT '{}',
        batch_data JSONB DEFAULT '{}',
        created_by BIGINT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON notification_schedules(next_run) WHERE is_active`,

	// Delivery log
	`CREATE TABLE IF NOT EXISTS notification_delivery_logs (
        id BIGSERIAL PRIMARY KEY,
        notification_id BIGINT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
        channel_id BIGINT REFERENCES notification_channels(id) ON DELETE SET NULL,
        level VARCHAR(10) NOT NULL,
        message TEXT NOT NULL,
        details JSONB DEFAULT '{}',
        attempt_number INTEGER DEFAULT 1,
        response_code INTEGER,
        response_message TEXT DEFAULT '',
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    )`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_logs_notification ON notification_delivery_logs(notification_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_logs_created ON notification_delivery_logs(created_at)`,
}

func runMigrations(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	logger.Info("migrations applied", zap.Int("statements", len(migrations)))
	return nil
}
