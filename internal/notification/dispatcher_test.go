package notification

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchDelivers(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	n := f.send(t, 1, tpl.ID)

	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, "Hi Ada Lovelace", n.Content)

	sent := f.dispatch(t, n.ID)
	assert.Equal(t, StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	assert.True(t, baseTime.Equal(*sent.SentAt))
	assert.True(t, strings.HasPrefix(sent.ExternalID, "mock-"))
	assert.Zero(t, sent.RetryCount)

	require.Equal(t, 1, f.mock.SentCount())
	msg := f.mock.Sent[0]
	assert.Equal(t, "ada@example.com", msg.Recipient.Email)
	assert.Equal(t, ch.ID, msg.Channel.ID)

	logs := f.logs(t, n.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelInfo, logs[0].Level)
	assert.Equal(t, "sent via email mock", logs[0].Message)
	assert.Equal(t, 1, logs[0].AttemptNumber)
	require.NotNil(t, logs[0].ResponseCode)
	assert.Equal(t, 200, *logs[0].ResponseCode)
	require.NotNil(t, logs[0].ChannelID)
	assert.Equal(t, ch.ID, *logs[0].ChannelID)
}

func TestDispatchConfirmedDelivery(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	f.mock.Confirm = true

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusDelivered, n.Status)
	require.NotNil(t, n.DeliveredAt)
	assert.NotNil(t, n.DeliveryTime())
	assert.True(t, n.IsDelivered())

	assert.Len(t, f.logs(t, n.ID), 2)
}

func TestDispatchRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) {
		r.RetryCount = intPtr(3)
		r.DelayMinutes = intPtr(5)
	})
	f.mock.SetErr(&DeliveryError{StatusCode: 503, Message: "service unavailable"})

	n := f.send(t, 1, tpl.ID)
	assert.Equal(t, 3, n.MaxRetries)

	// attempt 1
	n = f.dispatch(t, n.ID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	require.NotNil(t, n.ScheduledAt)
	assert.True(t, baseTime.Add(5*time.Minute).Equal(*n.ScheduledAt))

	// not due yet: nothing happens
	early := f.dispatch(t, n.ID)
	assert.Equal(t, StatusPending, early.Status)
	assert.Equal(t, 1, early.RetryCount)

	// attempt 2
	f.clock.Advance(5 * time.Minute)
	n = f.dispatch(t, n.ID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 2, n.RetryCount)

	// attempt 3
	f.clock.Advance(5 * time.Minute)
	n = f.dispatch(t, n.ID)
	assert.Equal(t, StatusFailed, n.Status)
	assert.Equal(t, 3, n.RetryCount)
	assert.Contains(t, n.ErrorMessage, "503")

	logs := f.logs(t, n.ID)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i+1, l.AttemptNumber)
		require.NotNil(t, l.ResponseCode)
		assert.Equal(t, 503, *l.ResponseCode)
		assert.Equal(t, "service unavailable", l.ResponseMessage)
	}
	assert.Equal(t, LevelWarning, logs[0].Level)
	assert.Equal(t, LevelWarning, logs[1].Level)
	assert.Equal(t, LevelError, logs[2].Level)

	// a failed notification is never picked up again
	due, err := f.repo.ListDueNotifications(f.ctx, f.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatchWithoutRetriesFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) { r.RetryCount = intPtr(0) })
	f.mock.SetErr(errors.New("connection reset"))

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusFailed, n.Status)
	assert.Zero(t, n.RetryCount)
	assert.Len(t, f.logs(t, n.ID), 1)
}

func TestDispatchProviderBounce(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	f.mock.SetErr(&DeliveryError{StatusCode: 410, Message: "gone", Bounced: true})

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusBounced, n.Status)
	assert.Zero(t, n.RetryCount, "a bounce does not consume retries")

	logs := f.logs(t, n.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelError, logs[0].Level)
}

func TestDispatchMissingRecipientBounces(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)

	orphan := newNotification(tpl, 42, map[string]string{"name": "ghost"})
	require.NoError(t, f.repo.CreateNotification(f.ctx, orphan))

	n := f.dispatch(t, orphan.ID)
	assert.Equal(t, StatusBounced, n.Status)
	assert.Contains(t, n.ErrorMessage, "recipient not found")
	assert.Zero(t, f.mock.SentCount())
}

func TestDispatchSkipsDisabledPreference(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) {
		r.Name = "Spring offers"
		r.Category = CategoryMarketing
	})
	_, err := f.svc.UpdatePreference(f.ctx, 1, &UpdatePreferenceRequest{
		Category:    CategoryMarketing,
		ChannelType: ChannelEmail,
		IsEnabled:   boolPtr(false),
	})
	require.NoError(t, err)

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusSkipped, n.Status)
	assert.Zero(t, f.mock.SentCount())
	assert.Empty(t, f.logs(t, n.ID))

	// other users are unaffected
	other := f.dispatch(t, f.send(t, 2, tpl.ID).ID)
	assert.Equal(t, StatusSent, other.Status)
}

func TestDispatchDefersDuringQuietHours(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	_, err := f.svc.UpdatePreference(f.ctx, 1, &UpdatePreferenceRequest{
		Category:        CategoryUser,
		ChannelType:     ChannelEmail,
		QuietHoursStart: strPtr("09:00"),
		QuietHoursEnd:   strPtr("12:00"),
	})
	require.NoError(t, err)

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusPending, n.Status)
	require.NotNil(t, n.ScheduledAt)
	assert.True(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC).Equal(*n.ScheduledAt))
	assert.Zero(t, n.RetryCount)
	assert.Zero(t, f.mock.SentCount())
	assert.Empty(t, f.logs(t, n.ID))

	f.clock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	n = f.dispatch(t, n.ID)
	assert.Equal(t, StatusSent, n.Status)
}

func TestDispatchDefersWhenRateLimited(t *testing.T) {
	f := newFixture(t)
	f.impl.limiter = NewMemoryRateLimiter(f.clock.Now)
	f.mockChannel(t, ChannelEmail, true, func(r *CreateChannelRequest) { r.RateLimit = intPtr(1) })
	tpl := f.emailTemplate(t)

	first := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusSent, first.Status)

	second := f.dispatch(t, f.send(t, 2, tpl.ID).ID)
	assert.Equal(t, StatusPending, second.Status)
	assert.Zero(t, second.RetryCount, "rate limiting does not consume retries")
	require.NotNil(t, second.ScheduledAt)
	assert.True(t, baseTime.Add(time.Minute).Equal(*second.ScheduledAt))

	f.clock.Advance(time.Minute)
	second = f.dispatch(t, second.ID)
	assert.Equal(t, StatusSent, second.Status)
}

func TestDispatchTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true, func(r *CreateChannelRequest) { r.TimeoutSeconds = intPtr(1) })
	tpl := f.emailTemplate(t)
	f.mock.Delay = 3 * time.Second

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	assert.Contains(t, n.ErrorMessage, "timed out")
}

func TestDispatchWithoutChannelFails(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t)

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	assert.Equal(t, StatusFailed, n.Status)

	logs := f.logs(t, n.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelError, logs[0].Level)
	assert.Equal(t, "routing", logs[0].Details["stage"])
}

func TestDispatchExplicitChannel(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	explicit := f.mockChannel(t, ChannelEmail, false)
	tpl := f.emailTemplate(t)

	n, err := f.svc.SendNotification(f.ctx, &SendNotificationRequest{UserID: 1, TemplateID: tpl.ID, ChannelID: &explicit.ID})
	require.NoError(t, err)

	f.dispatch(t, n.ID)
	require.Equal(t, 1, f.mock.SentCount())
	assert.Equal(t, explicit.ID, f.mock.Sent[0].Channel.ID)
}

func TestDispatchRequiresPending(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	n := f.send(t, 1, tpl.ID)

	claimed, err := f.repo.ClaimNotification(f.ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, claimed.Status)

	_, err = f.repo.ClaimNotification(f.ctx, n.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = f.svc.DispatchNotification(f.ctx, n.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Zero(t, f.mock.SentCount())
}

func TestUpdateStatusIsCompareAndSet(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t)
	n := f.send(t, 1, tpl.ID)

	n.Status = StatusSent
	err := f.repo.UpdateNotificationStatus(f.ctx, n, StatusSending)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, StatusPending, f.reload(t, n.ID).Status)
}

func TestRequeueStale(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	stale := f.send(t, 1, tpl.ID)
	fresh := f.send(t, 2, tpl.ID)

	_, err := f.repo.ClaimNotification(f.ctx, stale.ID)
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)
	_, err = f.repo.ClaimNotification(f.ctx, fresh.ID)
	require.NoError(t, err)

	// drop the signal left by SendNotification
	select {
	case <-f.svc.Wake():
	default:
	}

	count, err := f.svc.RequeueStale(f.ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, StatusPending, f.reload(t, stale.ID).Status)
	assert.Equal(t, StatusSending, f.reload(t, fresh.ID).Status)

	logs := f.logs(t, stale.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelWarning, logs[0].Level)

	select {
	case <-f.svc.Wake():
	default:
		t.Fatal("expected a wake signal after requeue")
	}
}

func TestDispatchDue(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)
	for _, userID := range []int64{1, 2, 3} {
		f.send(t, userID, tpl.ID)
	}
	later, err := f.svc.SendNotification(f.ctx, &SendNotificationRequest{
		UserID:      1,
		TemplateID:  tpl.ID,
		ScheduledAt: timePtr(baseTime.Add(time.Hour)),
	})
	require.NoError(t, err)

	processed, err := f.svc.DispatchDue(f.ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, f.mock.SentCount())
	assert.Equal(t, StatusPending, f.reload(t, later.ID).Status)

	processed, err = f.svc.DispatchDue(f.ctx, 10, 2)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestListDueOrdersByPriority(t *testing.T) {
	f := newFixture(t)
	low := f.emailTemplate(t, func(r *CreateTemplateRequest) { r.Priority = intPtr(1) })
	high := f.emailTemplate(t, func(r *CreateTemplateRequest) { r.Priority = intPtr(5) })

	first := f.send(t, 1, low.ID)
	f.clock.Advance(time.Second)
	second := f.send(t, 1, low.ID)
	urgent := f.send(t, 1, high.ID)

	due, err := f.repo.ListDueNotifications(f.ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{urgent.ID, first.ID, second.ID}, due)

	due, err = f.repo.ListDueNotifications(f.ctx, f.clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{urgent.ID}, due)
}
