package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) schedule(t *testing.T, mutate ...func(*CreateScheduleRequest)) *Schedule {
	t.Helper()
	ch := f.mockChannel(t, ChannelEmail, false)
	tpl := f.emailTemplate(t)
	req := &CreateScheduleRequest{
		Name:          "Weekly digest",
		TemplateID:    tpl.ID,
		ChannelID:     ch.ID,
		Frequency:     ScheduleDaily,
		StartDate:     baseTime,
		TargetFilters: userIDs(1, 2),
	}
	for _, m := range mutate {
		m(req)
	}
	sc, err := f.svc.CreateSchedule(f.ctx, req, 99)
	require.NoError(t, err)
	return sc
}

func TestScheduleStopsAfterMaxRuns(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) { r.MaxRuns = intPtr(2) })
	assert.True(t, sc.NextRun.Equal(baseTime))

	ran, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sc.RunCount)
	assert.True(t, sc.IsActive)
	assert.True(t, baseTime.AddDate(0, 0, 1).Equal(sc.NextRun))
	require.NotNil(t, sc.LastRunAt)

	// not due again until tomorrow
	ran, err = f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	f.clock.Advance(24 * time.Hour)
	ran, err = f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sc.RunCount)
	assert.True(t, sc.IsActive, "max_runs does not deactivate")

	f.clock.Advance(24 * time.Hour)
	assert.False(t, sc.CanRun(f.clock.Now()))
	due, err := f.svc.DueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	ran, err = f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
	_, err = f.svc.RunScheduleNow(f.ctx, sc.ID)
	assert.ErrorIs(t, err, ErrScheduleNotRunnable)

	batches, err := f.svc.ListBatches(f.ctx, BatchFilter{ScheduleID: sc.ID})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "Weekly digest #2", batches[0].Name)
	assert.Equal(t, "Weekly digest #1", batches[1].Name)
	for _, b := range batches {
		assert.Equal(t, 2, b.TotalCount)
		assert.Equal(t, BatchProcessing, b.Status)
	}
}

func TestScheduleSkipsMissedOccurrences(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t)

	f.clock.Advance(3*24*time.Hour + time.Hour)
	ran, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran, "missed occurrences are not replayed")

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sc.RunCount)
	assert.True(t, baseTime.AddDate(0, 0, 4).Equal(sc.NextRun))
}

func TestScheduleAdvance(t *testing.T) {
	f := newFixture(t)
	jan31 := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sc   Schedule
		want time.Time
		ok   bool
	}{
		{"once ends", Schedule{Frequency: ScheduleOnce}, jan31, false},
		{"daily", Schedule{Frequency: ScheduleDaily}, jan31.AddDate(0, 0, 1), true},
		{"weekly", Schedule{Frequency: ScheduleWeekly}, jan31.AddDate(0, 0, 7), true},
		{"monthly", Schedule{Frequency: ScheduleMonthly}, jan31.AddDate(0, 1, 0), true},
		{"yearly", Schedule{Frequency: ScheduleYearly}, jan31.AddDate(1, 0, 0), true},
		{"custom interval", Schedule{Frequency: ScheduleCustom, Conditions: JSONMap{"interval_minutes": float64(90)}}, jan31.Add(90 * time.Minute), true},
		// Monday Feb 2 2026 at 08:00
		{"custom cron", Schedule{Frequency: ScheduleCustom, Conditions: JSONMap{"cron": "0 8 * * 1"}}, time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), true},
		{"custom without rule", Schedule{Frequency: ScheduleCustom, Conditions: JSONMap{}}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := tt.sc
			next, ok := f.impl.advance(&sc, jan31)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(next), "next = %s, want %s", next, tt.want)
			}
		})
	}
}

type fixedRecurrence struct{ step time.Duration }

func (r fixedRecurrence) Next(s *Schedule, prev time.Time) (time.Time, bool) {
	return prev.Add(r.step), true
}

func TestWithRecurrence(t *testing.T) {
	f := newFixture(t, WithRecurrence(fixedRecurrence{step: 2 * time.Hour}))
	sc := f.schedule(t, func(r *CreateScheduleRequest) { r.Frequency = ScheduleCustom })

	_, err := f.svc.RunScheduleNow(f.ctx, sc.ID)
	require.NoError(t, err)

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, baseTime.Add(2*time.Hour).Equal(sc.NextRun))
}

func TestOnceScheduleDeactivatesAfterRun(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) { r.Frequency = ScheduleOnce })

	ran, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, sc.IsActive)
	assert.Equal(t, 1, sc.RunCount)
}

func TestScheduleDeactivatesPastEndDate(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) {
		r.EndDate = timePtr(baseTime.Add(36 * time.Hour))
	})

	_, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, sc.IsActive)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, sc.IsActive, "the next occurrence falls after end_date")
	assert.Equal(t, 2, sc.RunCount)
}

func TestCreateScheduleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateScheduleRequest)
		field  string
	}{
		{"missing name", func(r *CreateScheduleRequest) { r.Name = "" }, "name"},
		{"missing start", func(r *CreateScheduleRequest) { r.StartDate = time.Time{} }, "start_date"},
		{"end before start", func(r *CreateScheduleRequest) { r.EndDate = timePtr(baseTime.Add(-time.Hour)) }, "end_date"},
		{"zero max runs", func(r *CreateScheduleRequest) { r.MaxRuns = intPtr(0) }, "max_runs"},
		{"custom without rule", func(r *CreateScheduleRequest) { r.Frequency = ScheduleCustom }, "conditions"},
		{"custom bad cron", func(r *CreateScheduleRequest) {
			r.Frequency = ScheduleCustom
			r.Conditions = JSONMap{"cron": "every tuesday"}
		}, "conditions"},
		{"no targets", func(r *CreateScheduleRequest) { r.TargetFilters = nil }, "target_filters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ch := f.mockChannel(t, ChannelEmail, false)
			tpl := f.emailTemplate(t)
			req := &CreateScheduleRequest{
				Name:          "Digest",
				TemplateID:    tpl.ID,
				ChannelID:     ch.ID,
				Frequency:     ScheduleDaily,
				StartDate:     baseTime,
				TargetFilters: userIDs(1),
			}
			tt.mutate(req)

			_, err := f.svc.CreateSchedule(f.ctx, req, 0)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRunScheduleNow(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) {
		r.StartDate = baseTime.Add(48 * time.Hour)
		r.IsActive = boolPtr(false)
		r.MaxRuns = intPtr(1)
	})

	b, err := f.svc.RunScheduleNow(f.ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, b.ScheduleID)
	assert.Equal(t, sc.ID, *b.ScheduleID)
	assert.Equal(t, BatchProcessing, b.Status)
	require.NotNil(t, b.CreatedBy)
	assert.Equal(t, int64(99), *b.CreatedBy)

	sc, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sc.RunCount)
	assert.False(t, sc.IsActive)

	_, err = f.svc.RunScheduleNow(f.ctx, sc.ID)
	assert.ErrorIs(t, err, ErrScheduleNotRunnable)
}

func TestRunScheduleNowRejectsExpired(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) {
		r.StartDate = baseTime.Add(-48 * time.Hour)
		r.EndDate = timePtr(baseTime.Add(-24 * time.Hour))
	})

	_, err := f.svc.RunScheduleNow(f.ctx, sc.ID)
	assert.ErrorIs(t, err, ErrScheduleNotRunnable)

	_, err = f.svc.RunScheduleNow(f.ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleRunClaimedOnce(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t)

	_, err := f.svc.RunScheduleNow(f.ctx, sc.ID)
	require.NoError(t, err)

	// a second runner holding the old run_count loses
	_, err = f.impl.runSchedule(f.ctx, sc, f.clock.Now())
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	batches, err := f.svc.ListBatches(f.ctx, BatchFilter{ScheduleID: sc.ID})
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestSetScheduleActive(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t)

	sc, err := f.svc.SetScheduleActive(f.ctx, sc.ID, false)
	require.NoError(t, err)
	assert.False(t, sc.IsActive)

	ran, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	inactive := false
	listed, err := f.svc.ListSchedules(f.ctx, ScheduleFilter{IsActive: &inactive})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestFailedScheduleRunIsNotCounted(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t, func(r *CreateScheduleRequest) { r.MaxRuns = intPtr(1) })

	_, err := f.svc.SetTemplateActive(f.ctx, sc.TemplateID, false)
	require.NoError(t, err)

	_, err = f.svc.RunScheduleNow(f.ctx, sc.ID)
	assert.ErrorIs(t, err, ErrInactive)

	ran, err := f.svc.RunDueSchedules(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	got, err := f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RunCount)
	assert.True(t, got.IsActive)
	assert.True(t, got.NextRun.Equal(sc.NextRun), "next_run is untouched")
	assert.Nil(t, got.LastRunAt)

	batches, err := f.svc.ListBatches(f.ctx, BatchFilter{ScheduleID: sc.ID})
	require.NoError(t, err)
	assert.Empty(t, batches)

	// the run goes through once the template is back
	_, err = f.svc.SetTemplateActive(f.ctx, sc.TemplateID, true)
	require.NoError(t, err)
	b, err := f.svc.RunScheduleNow(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly digest #1", b.Name)

	got, err = f.svc.GetSchedule(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
}
