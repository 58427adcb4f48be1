package notification

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(sqlx.NewDb(db, "postgres")), mock
}

var (
	claimQuery  = regexp.QuoteMeta(`UPDATE notifications SET status = 'sending', updated_at = NOW()`)
	existsQuery = regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`)
)

func TestPostgresClaimNotification(t *testing.T) {
	ctx := context.Background()

	t.Run("claimed", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimQuery).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "channel_type", "status"}).
				AddRow(5, 1, "email", "sending"))

		n, err := repo.ClaimNotification(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n.ID)
		assert.Equal(t, StatusSending, n.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already claimed", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimQuery).WithArgs(int64(5)).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(existsQuery).WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := repo.ClaimNotification(ctx, 5)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimQuery).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(existsQuery).WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := repo.ClaimNotification(ctx, 9)
		assert.ErrorIs(t, err, ErrNotificationNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresUpdateNotificationStatusConflict(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE notifications`)).
		WillReturnError(sql.ErrNoRows)

	n := &Notification{ID: 3, Status: StatusSent}
	err := repo.UpdateNotificationStatus(context.Background(), n, StatusSending)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetDefaultChannel(t *testing.T) {
	ctx := context.Background()
	selectType := regexp.QuoteMeta(`SELECT channel_type FROM notification_channels WHERE id = $1`)
	lock := regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)
	clearOthers := regexp.QuoteMeta(`UPDATE notification_channels SET is_default = FALSE`)
	setDefault := regexp.QuoteMeta(`UPDATE notification_channels SET is_default = TRUE`)

	t.Run("swaps default", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectType).WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"channel_type"}).AddRow("sms"))
		mock.ExpectExec(lock).WithArgs("channel-default:sms").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(clearOthers).WithArgs("sms", int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(setDefault).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.SetDefaultChannel(ctx, 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique index conflict", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectType).WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"channel_type"}).AddRow("sms"))
		mock.ExpectExec(lock).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(clearOthers).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(setDefault).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := repo.SetDefaultChannel(ctx, 2)
		assert.ErrorIs(t, err, ErrConcurrentUpdate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown channel", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectType).WithArgs(int64(8)).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := repo.SetDefaultChannel(ctx, 8)
		assert.ErrorIs(t, err, ErrChannelNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresSetChannelActiveMissing(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE notification_channels`)).
		WithArgs(int64(4), false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetChannelActive(context.Background(), 4, false)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteDeliveryLogsBefore(t *testing.T) {
	repo, mock := newMockRepository(t)
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM notification_delivery_logs WHERE created_at < $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := repo.DeleteDeliveryLogsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
