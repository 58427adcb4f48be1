// internal/notification/schedules.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Recurrence computes the next run of a custom schedule. ok=false ends the
// schedule.
type Recurrence interface {
	Next(s *Schedule, prev time.Time) (next time.Time, ok bool)
}

// CronRecurrence understands {"cron": "<5-field expression>"} and
// {"interval_minutes": N} in the schedule conditions
type CronRecurrence struct{}

func (CronRecurrence) Next(s *Schedule, prev time.Time) (time.Time, bool) {
	if expr, ok := s.Conditions["cron"].(string); ok && expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(prev)
		return next, !next.IsZero()
	}
	if minutes := intCondition(s.Conditions["interval_minutes"]); minutes > 0 {
		return prev.Add(time.Duration(minutes) * time.Minute), true
	}
	return time.Time{}, false
}

func intCondition(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// validate rejects conditions the recurrence cannot use
func (CronRecurrence) validate(conditions JSONMap) error {
	if expr, ok := conditions["cron"].(string); ok && expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return invalid("conditions", "invalid cron expression: %v", err)
		}
		return nil
	}
	if intCondition(conditions["interval_minutes"]) > 0 {
		return nil
	}
	return invalid("conditions", "custom schedules need a cron expression or interval_minutes")
}

// advance returns the occurrence after prev. ok=false ends the schedule.
func (s *service) advance(sc *Schedule, prev time.Time) (time.Time, bool) {
	switch sc.Frequency {
	case ScheduleOnce:
		return prev, false
	case ScheduleDaily:
		return prev.AddDate(0, 0, 1), true
	case ScheduleWeekly:
		return prev.AddDate(0, 0, 7), true
	case ScheduleMonthly:
		return prev.AddDate(0, 1, 0), true
	case ScheduleYearly:
		return prev.AddDate(1, 0, 0), true
	case ScheduleCustom:
		return s.recurrence.Next(sc, prev)
	}
	return prev, false
}

func (s *service) CreateSchedule(ctx context.Context, req *CreateScheduleRequest, createdBy int64) (*Schedule, error) {
	sc := &Schedule{
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		TemplateID:    req.TemplateID,
		ChannelID:     req.ChannelID,
		Frequency:     req.Frequency,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate,
		NextRun:       req.StartDate.UTC(),
		IsActive:      true,
		MaxRuns:       req.MaxRuns,
		TargetFilters: req.TargetFilters.clone(),
		Conditions:    req.Conditions.clone(),
		BatchData:     StringMap(req.BatchData).clone(),
	}
	if req.IsActive != nil {
		sc.IsActive = *req.IsActive
	}
	if createdBy != 0 {
		sc.CreatedBy = &createdBy
	}

	if sc.Name == "" {
		return nil, invalid("name", "name is required")
	}
	if sc.StartDate.IsZero() {
		return nil, invalid("start_date", "start_date is required")
	}
	if sc.EndDate != nil && !sc.EndDate.After(sc.StartDate) {
		return nil, invalid("end_date", "end_date must be after start_date")
	}
	if sc.MaxRuns != nil && *sc.MaxRuns < 1 {
		return nil, invalid("max_runs", "max_runs must be at least 1")
	}
	if sc.Frequency == ScheduleCustom {
		if v, ok := s.recurrence.(interface{ validate(JSONMap) error }); ok {
			if err := v.validate(sc.Conditions); err != nil {
				return nil, err
			}
		}
	}
	if _, _, err := targetUserIDs(sc.TargetFilters); err != nil {
		return nil, err
	}
	if _, _, err := s.activePair(ctx, sc.TemplateID, sc.ChannelID); err != nil {
		return nil, err
	}

	if err := s.repo.CreateSchedule(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	s.logger.Info("schedule created",
		zap.Int64("schedule_id", sc.ID),
		zap.String("frequency", string(sc.Frequency)),
		zap.Time("next_run", sc.NextRun),
	)
	return sc, nil
}

func (s *service) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	return s.repo.GetSchedule(ctx, id)
}

func (s *service) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	return s.repo.ListSchedules(ctx, filter)
}

func (s *service) SetScheduleActive(ctx context.Context, id int64, active bool) (*Schedule, error) {
	if err := s.repo.SetScheduleActive(ctx, id, active); err != nil {
		return nil, err
	}
	return s.repo.GetSchedule(ctx, id)
}

func (s *service) DueSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.repo.ListDueSchedules(ctx, s.now())
}

// RunScheduleNow runs a schedule immediately regardless of next_run and
// is_active. max_runs and end_date still apply.
func (s *service) RunScheduleNow(ctx context.Context, id int64) (*Batch, error) {
	sc, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if sc.IsExpired(now) {
		return nil, fmt.Errorf("schedule %d ended at %s: %w", id, sc.EndDate.Format(time.RFC3339), ErrScheduleNotRunnable)
	}
	if sc.runsExhausted() {
		return nil, fmt.Errorf("schedule %d reached max_runs: %w", id, ErrScheduleNotRunnable)
	}
	return s.runSchedule(ctx, sc, now)
}

// RunDueSchedules runs every schedule whose next_run has passed
func (s *service) RunDueSchedules(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueSchedules(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	ran := 0
	for _, sc := range due {
		_, err := s.runSchedule(ctx, sc, s.now())
		switch {
		case err == nil:
			ran++
		case errors.Is(err, ErrConcurrentUpdate):
		default:
			s.logger.Error("schedule run failed", zap.Int64("schedule_id", sc.ID), zap.Error(err))
		}
	}
	return ran, nil
}

// runSchedule builds the run's batch, claims the run with a compare-and-set
// on run_count and then stores and starts the batch. A run whose batch
// cannot be built is not claimed.
func (s *service) runSchedule(ctx context.Context, sc *Schedule, now time.Time) (*Batch, error) {
	run := sc.RunCount + 1
	b, err := s.newBatch(ctx, fmt.Sprintf("%s #%d", sc.Name, run), sc.TemplateID, sc.ChannelID, sc.BatchData, sc.TargetFilters, 0)
	if err != nil {
		s.logger.Error("schedule run could not build its batch",
			zap.Int64("schedule_id", sc.ID),
			zap.Int("run", run),
			zap.Error(err),
		)
		return nil, err
	}

	// missed occurrences are skipped rather than replayed
	next, ok := s.advance(sc, sc.NextRun)
	for ok && !next.After(now) {
		next, ok = s.advance(sc, next)
	}
	// max_runs is enforced by can_run; only the end of the recurrence deactivates
	active := sc.IsActive && ok
	if ok && sc.EndDate != nil && next.After(*sc.EndDate) {
		active = false
	}
	if err := s.repo.ClaimScheduleRun(ctx, sc.ID, sc.RunCount, next, active, now); err != nil {
		return nil, err
	}
	scheduleRunsTotal.Inc()

	b.ScheduleID = &sc.ID
	b.CreatedBy = sc.CreatedBy
	if err := s.repo.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create batch for schedule %d: %w", sc.ID, err)
	}

	s.logger.Info("schedule ran",
		zap.Int64("schedule_id", sc.ID),
		zap.Int("run", run),
		zap.Int64("batch_id", b.ID),
		zap.Bool("still_active", active),
	)
	return s.StartBatch(ctx, b.ID)
}
