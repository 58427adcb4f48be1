// internal/notification/preferences.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is what the dispatcher does with a notification after the
// recipient's preference has been applied
type Action int

const (
	ActionSend Action = iota
	ActionSkip
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionDefer:
		return "defer"
	}
	return "send"
}

// Decision is the outcome of Decide
type Decision struct {
	Action Action
	Until  time.Time // release instant for ActionDefer
	Reason string
}

// defaultPreference is the policy applied when the user stored none
func defaultPreference(userID int64, category Category, channelType ChannelType) *Preference {
	return &Preference{
		UserID:      userID,
		Category:    category,
		ChannelType: channelType,
		IsEnabled:   true,
		Frequency:   FrequencyImmediate,
		Timezone:    "UTC",
	}
}

func (p *Preference) location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseClock parses "HH:MM" into minutes after midnight
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// nextWindow returns the first frequency window boundary strictly after t,
// computed in loc
func nextWindow(freq Frequency, t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	switch freq {
	case FrequencyHourly:
		top := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
		return top.Add(time.Hour)
	case FrequencyDaily:
		return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	case FrequencyWeekly:
		days := (8 - int(local.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return time.Date(local.Year(), local.Month(), local.Day()+days, 0, 0, 0, 0, loc)
	}
	return t
}

// quietUntil reports whether now falls inside the quiet hours of p and, if
// so, when they end
func quietUntil(p *Preference, now time.Time) (time.Time, bool) {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return time.Time{}, false
	}
	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil || start >= end {
		return time.Time{}, false
	}

	loc := p.location()
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if minute < start || minute >= end {
		return time.Time{}, false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(time.Duration(end) * time.Minute), true
}

// Decide applies a preference to a notification at now. It has no side
// effects.
func Decide(p *Preference, n *Notification, now time.Time) Decision {
	if !p.IsEnabled {
		return Decision{Action: ActionSkip, Reason: "disabled by user preference"}
	}
	if p.Frequency == FrequencyNever {
		return Decision{Action: ActionSkip, Reason: "frequency set to never"}
	}

	switch p.Frequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		release := nextWindow(p.Frequency, n.CreatedAt, p.location())
		if now.Before(release) {
			return Decision{Action: ActionDefer, Until: release.UTC(), Reason: string(p.Frequency) + " digest window"}
		}
	}

	if until, quiet := quietUntil(p, now); quiet {
		return Decision{Action: ActionDefer, Until: until.UTC(), Reason: "quiet hours"}
	}
	return Decision{Action: ActionSend}
}

func (s *service) GetPreferences(ctx context.Context, userID int64) ([]*Preference, error) {
	return s.repo.ListPreferences(ctx, userID)
}

// ResolvePreference returns the stored row or the default policy
func (s *service) ResolvePreference(ctx context.Context, userID int64, category Category, channelType ChannelType) (*Preference, error) {
	p, err := s.repo.GetPreference(ctx, userID, category, channelType)
	if errors.Is(err, ErrPreferenceNotFound) {
		return defaultPreference(userID, category, channelType), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preference: %w", err)
	}
	return p, nil
}

func (s *service) UpdatePreference(ctx context.Context, userID int64, req *UpdatePreferenceRequest) (*Preference, error) {
	if !req.Category.Valid() {
		return nil, invalid("category", "unknown category %q", req.Category)
	}
	if !req.ChannelType.Valid() {
		return nil, invalid("channel_type", "unknown channel type %q", req.ChannelType)
	}

	p, err := s.ResolvePreference(ctx, userID, req.Category, req.ChannelType)
	if err != nil {
		return nil, err
	}

	if req.IsEnabled != nil {
		p.IsEnabled = *req.IsEnabled
	}
	if req.Frequency != "" {
		p.Frequency = req.Frequency
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil || *req.Timezone == "" {
			return nil, invalid("timezone", "unknown timezone %q", *req.Timezone)
		}
		p.Timezone = *req.Timezone
	}
	if req.QuietHoursStart != nil || req.QuietHoursEnd != nil {
		start, end := "", ""
		if req.QuietHoursStart != nil {
			start = *req.QuietHoursStart
		}
		if req.QuietHoursEnd != nil {
			end = *req.QuietHoursEnd
		}
		if err := validateQuietHours(start, end); err != nil {
			return nil, err
		}
		p.QuietHoursStart, p.QuietHoursEnd = start, end
	}

	if err := s.repo.UpsertPreference(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save preference: %w", err)
	}
	return p, nil
}

// validateQuietHours accepts both empty (cleared) or a same-day window
func validateQuietHours(start, end string) error {
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return invalid("quiet_hours_start", "quiet hours need both a start and an end")
	}
	from, err := parseClock(start)
	if err != nil {
		return invalid("quiet_hours_start", "expected HH:MM")
	}
	to, err := parseClock(end)
	if err != nil {
		return invalid("quiet_hours_end", "expected HH:MM")
	}
	if from >= to {
		return invalid("quiet_hours_end", "quiet hours must end after they start")
	}
	return nil
}

func (s *service) BulkUpdatePreferences(ctx context.Context, userID int64, req *BulkPreferenceRequest) ([]*Preference, error) {
	for i, u := range req.Updates {
		if !u.Category.Valid() {
			return nil, invalid(fmt.Sprintf("updates[%d].category", i), "unknown category %q", u.Category)
		}
		if !u.ChannelType.Valid() {
			return nil, invalid(fmt.Sprintf("updates[%d].channel_type", i), "unknown channel type %q", u.ChannelType)
		}
	}

	if err := s.repo.BulkSetPreferences(ctx, userID, req.Updates); err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	return s.repo.ListPreferences(ctx, userID)
}
