package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupLogs(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)

	old := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	f.clock.Advance(31 * 24 * time.Hour)
	recent := f.dispatch(t, f.send(t, 1, tpl.ID).ID)

	deleted, err := f.svc.CleanupLogs(f.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	assert.Empty(t, f.logs(t, old.ID))
	assert.Len(t, f.logs(t, recent.ID), 1)

	// the notification itself is untouched
	assert.Equal(t, StatusSent, f.reload(t, old.ID).Status)

	deleted, err = f.svc.CleanupLogs(f.ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestErrorRate(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) { r.RetryCount = intPtr(0) })

	empty, err := f.svc.ErrorRate(f.ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.Rate)

	f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	f.dispatch(t, f.send(t, 2, tpl.ID).ID)
	f.dispatch(t, f.send(t, 3, tpl.ID).ID)
	f.mock.SetErr(&DeliveryError{StatusCode: 500, Message: "boom"})
	f.dispatch(t, f.send(t, 1, tpl.ID).ID)

	rate, err := f.svc.ErrorRate(f.ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), rate.Total)
	assert.Equal(t, int64(1), rate.Errors)
	assert.InDelta(t, 0.25, rate.Rate, 1e-9)
}

func TestListDeliveryLogsFilters(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) { r.RetryCount = intPtr(2) })
	f.mock.SetErr(&DeliveryError{StatusCode: 502, Message: "bad gateway"})

	n := f.dispatch(t, f.send(t, 1, tpl.ID).ID)
	f.clock.Advance(time.Hour)
	f.dispatch(t, n.ID)

	errorsOnly, err := f.svc.ListDeliveryLogs(f.ctx, LogFilter{Levels: []LogLevel{LevelError, LevelCritical}})
	require.NoError(t, err)
	require.Len(t, errorsOnly, 1)
	assert.Equal(t, 2, errorsOnly[0].AttemptNumber)

	byChannel, err := f.svc.ListDeliveryLogs(f.ctx, LogFilter{ChannelID: ch.ID})
	require.NoError(t, err)
	assert.Len(t, byChannel, 2)

	since := baseTime.Add(30 * time.Minute)
	recent, err := f.svc.ListDeliveryLogs(f.ctx, LogFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	paged, err := f.svc.ListDeliveryLogs(f.ctx, LogFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}
