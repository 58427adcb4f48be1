// internal/notification/memory_repository.go

package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used for STORAGE_DRIVER=memory
// and tests. It honours the same compare-and-set rules as the Postgres store.
type MemoryRepository struct {
	mu    sync.Mutex
	clock func() time.Time

	seq int64

	templates     map[int64]*Template
	channels      map[int64]*Channel
	preferences   map[string]*Preference
	notifications map[int64]*Notification
	batches       map[int64]*Batch
	schedules     map[int64]*Schedule
	logs          []*DeliveryLog
	pushTokens    map[string]*PushToken
}

// NewMemoryRepository creates an empty store. A nil clock uses time.Now.
func NewMemoryRepository(clock func() time.Time) *MemoryRepository {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRepository{
		clock:         clock,
		templates:     make(map[int64]*Template),
		channels:      make(map[int64]*Channel),
		preferences:   make(map[string]*Preference),
		notifications: make(map[int64]*Notification),
		batches:       make(map[int64]*Batch),
		schedules:     make(map[int64]*Schedule),
		pushTokens:    make(map[string]*PushToken),
	}
}

func (r *MemoryRepository) nextID() int64 {
	r.seq++
	return r.seq
}

func copyTemplate(t *Template) *Template {
	out := *t
	out.Variables = t.Variables.clone()
	out.DefaultValues = t.DefaultValues.clone()
	out.Tags = append([]string(nil), t.Tags...)
	return &out
}

func copyChannel(c *Channel) *Channel {
	out := *c
	out.Configuration = nil
	return &out
}

func copyNotification(n *Notification) *Notification {
	out := *n
	out.Data = n.Data.clone()
	if n.ProviderResponse != nil {
		out.ProviderResponse = n.ProviderResponse.clone()
	}
	return &out
}

func copyBatch(b *Batch) *Batch {
	out := *b
	out.BatchData = b.BatchData.clone()
	out.TargetFilters = b.TargetFilters.clone()
	out.TargetUserIDs = append([]int64(nil), b.TargetUserIDs...)
	return &out
}

func copySchedule(s *Schedule) *Schedule {
	out := *s
	out.TargetFilters = s.TargetFilters.clone()
	out.Conditions = s.Conditions.clone()
	out.BatchData = s.BatchData.clone()
	return &out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Templates

func (r *MemoryRepository) CreateTemplate(ctx context.Context, t *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	t.ID = r.nextID()
	t.UsageCount = 0
	t.CreatedAt, t.UpdatedAt = now, now
	r.templates[t.ID] = copyTemplate(t)
	return nil
}

func (r *MemoryRepository) UpdateTemplate(ctx context.Context, t *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.templates[t.ID]
	if !ok {
		return ErrTemplateNotFound
	}
	next := copyTemplate(t)
	next.ChannelType = stored.ChannelType
	next.IsActive = stored.IsActive
	next.UsageCount = stored.UsageCount
	next.LastUsedAt = stored.LastUsedAt
	next.CreatedBy = stored.CreatedBy
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = r.clock()
	r.templates[t.ID] = next
	t.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *MemoryRepository) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return copyTemplate(t), nil
}

func (r *MemoryRepository) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Template{}
	for _, t := range r.templates {
		if filter.ChannelType != "" && t.ChannelType != filter.ChannelType {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.IsActive != nil && t.IsActive != *filter.IsActive {
			continue
		}
		if filter.Search != "" && !containsFold(t.Name, filter.Search) && !containsFold(t.Subject, filter.Search) &&
			!containsFold(t.Title, filter.Search) && !containsFold(t.Content, filter.Search) {
			continue
		}
		out = append(out, copyTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *MemoryRepository) SetTemplateActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[id]
	if !ok {
		return ErrTemplateNotFound
	}
	t.IsActive = active
	t.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) IncrementTemplateUsage(ctx context.Context, id int64, n int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.templates[id]; ok {
		t.UsageCount += int64(n)
		t.LastUsedAt = &at
	}
	return nil
}

// Channels

func (r *MemoryRepository) CreateChannel(ctx context.Context, c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	c.ID = r.nextID()
	c.IsDefault = false
	c.CreatedAt, c.UpdatedAt = now, now
	r.channels[c.ID] = copyChannel(c)
	return nil
}

func (r *MemoryRepository) UpdateChannel(ctx context.Context, c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.channels[c.ID]
	if !ok {
		return ErrChannelNotFound
	}
	stored.Name = c.Name
	stored.Provider = c.Provider
	stored.SealedConfiguration = c.SealedConfiguration
	stored.WebhookURL = c.WebhookURL
	stored.RateLimit = c.RateLimit
	stored.TimeoutSeconds = c.TimeoutSeconds
	stored.RetryAttempts = c.RetryAttempts
	stored.UpdatedAt = r.clock()
	c.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return copyChannel(c), nil
}

func (r *MemoryRepository) ListChannels(ctx context.Context, filter ChannelFilter) ([]*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Channel{}
	for _, c := range r.channels {
		if filter.ChannelType != "" && c.ChannelType != filter.ChannelType {
			continue
		}
		if filter.IsActive != nil && c.IsActive != *filter.IsActive {
			continue
		}
		if filter.IsDefault != nil && c.IsDefault != *filter.IsDefault {
			continue
		}
		out = append(out, copyChannel(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelType != out[j].ChannelType {
			return out[i].ChannelType < out[j].ChannelType
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *MemoryRepository) SetChannelActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	c.IsActive = active
	c.IsDefault = c.IsDefault && active
	c.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) SetDefaultChannel(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	now := r.clock()
	for _, c := range r.channels {
		if c.ChannelType == target.ChannelType && c.ID != id && c.IsDefault {
			c.IsDefault = false
			c.UpdatedAt = now
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) GetDefaultChannel(ctx context.Context, channelType ChannelType) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.channels {
		if c.ChannelType == channelType && c.IsDefault && c.IsActive {
			return copyChannel(c), nil
		}
	}
	return nil, ErrNoChannel
}

// Preferences

func preferenceKey(userID int64, category Category, channelType ChannelType) string {
	return fmt.Sprintf("%d/%s/%s", userID, category, channelType)
}

func (r *MemoryRepository) GetPreference(ctx context.Context, userID int64, category Category, channelType ChannelType) (*Preference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.preferences[preferenceKey(userID, category, channelType)]
	if !ok {
		return nil, ErrPreferenceNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemoryRepository) ListPreferences(ctx context.Context, userID int64) ([]*Preference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Preference{}
	for _, p := range r.preferences {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ChannelType < out[j].ChannelType
	})
	return out, nil
}

func (r *MemoryRepository) upsertPreferenceLocked(p *Preference) {
	now := r.clock()
	key := preferenceKey(p.UserID, p.Category, p.ChannelType)
	if existing, ok := r.preferences[key]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.ID = r.nextID()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	stored := *p
	r.preferences[key] = &stored
}

func (r *MemoryRepository) UpsertPreference(ctx context.Context, p *Preference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertPreferenceLocked(p)
	return nil
}

func (r *MemoryRepository) BulkSetPreferences(ctx context.Context, userID int64, toggles []PreferenceToggle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range toggles {
		p := defaultPreference(userID, t.Category, t.ChannelType)
		if existing, ok := r.preferences[preferenceKey(userID, t.Category, t.ChannelType)]; ok {
			cp := *existing
			p = &cp
		}
		p.IsEnabled = t.IsEnabled
		r.upsertPreferenceLocked(p)
	}
	return nil
}

// Notifications

func (r *MemoryRepository) CreateNotification(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	n.ID = r.nextID()
	n.CreatedAt, n.UpdatedAt = now, now
	r.notifications[n.ID] = copyNotification(n)
	return nil
}

func (r *MemoryRepository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return copyNotification(n), nil
}

func matchNotification(n *Notification, filter NotificationFilter) bool {
	switch {
	case filter.UserID != nil && n.UserID != *filter.UserID:
		return false
	case filter.BatchID != nil && (n.BatchID == nil || *n.BatchID != *filter.BatchID):
		return false
	case filter.Status != "" && n.Status != filter.Status:
		return false
	case filter.Category != "" && n.Category != filter.Category:
		return false
	case filter.Priority != 0 && n.Priority != filter.Priority:
		return false
	case filter.ChannelType != "" && n.ChannelType != filter.ChannelType:
		return false
	case filter.UnreadOnly && n.IsRead:
		return false
	case !filter.IncludeArchived && n.IsArchived:
		return false
	}
	if filter.Search != "" {
		return containsFold(n.Subject, filter.Search) || containsFold(n.Title, filter.Search) ||
			containsFold(n.Content, filter.Search)
	}
	return true
}

func (r *MemoryRepository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []*Notification{}
	for _, n := range r.notifications {
		if matchNotification(n, filter) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if filter.Limit > 0 {
		start := filter.Offset
		if start > total {
			start = total
		}
		end := start + filter.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}

	out := make([]*Notification, len(matched))
	for i, n := range matched {
		out[i] = copyNotification(n)
	}
	return out, total, nil
}

func (r *MemoryRepository) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := []*Notification{}
	for _, n := range r.notifications {
		if n.Status == StatusPending && (n.ScheduledAt == nil || !n.ScheduledAt.After(now)) {
			due = append(due, n)
		}
	}
	releaseAt := func(n *Notification) time.Time {
		if n.ScheduledAt != nil {
			return *n.ScheduledAt
		}
		return n.CreatedAt
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if a, b := releaseAt(due[i]), releaseAt(due[j]); !a.Equal(b) {
			return a.Before(b)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]int64, len(due))
	for i, n := range due {
		ids[i] = n.ID
	}
	return ids, nil
}

func (r *MemoryRepository) ClaimNotification(ctx context.Context, id int64) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	if n.Status != StatusPending {
		return nil, ErrAlreadyClaimed
	}
	n.Status = StatusSending
	n.UpdatedAt = r.clock()
	return copyNotification(n), nil
}

func (r *MemoryRepository) UpdateNotificationStatus(ctx context.Context, n *Notification, from Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.notifications[n.ID]
	if !ok || stored.Status != from {
		return ErrConcurrentUpdate
	}
	stored.Status = n.Status
	stored.ScheduledAt = n.ScheduledAt
	stored.SentAt = n.SentAt
	stored.DeliveredAt = n.DeliveredAt
	stored.OpenedAt = n.OpenedAt
	stored.ClickedAt = n.ClickedAt
	stored.ExternalID = n.ExternalID
	stored.ProviderResponse = n.ProviderResponse.clone()
	stored.ErrorMessage = n.ErrorMessage
	stored.RetryCount = n.RetryCount
	stored.UpdatedAt = r.clock()
	n.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) ownedNotification(id, userID int64) (*Notification, error) {
	n, ok := r.notifications[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotificationNotFound
	}
	return n, nil
}

func (r *MemoryRepository) SetNotificationRead(ctx context.Context, id, userID int64, read bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.ownedNotification(id, userID)
	if err != nil {
		return err
	}
	n.IsRead = read
	switch {
	case !read:
		n.ReadAt = nil
	case n.ReadAt == nil:
		n.ReadAt = &at
	}
	n.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) MarkAllRead(ctx context.Context, userID int64, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, n := range r.notifications {
		if n.UserID == userID && !n.IsRead && !n.IsArchived {
			n.IsRead = true
			n.ReadAt = &at
			n.UpdatedAt = r.clock()
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) SetNotificationArchived(ctx context.Context, id, userID int64, archived bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.ownedNotification(id, userID)
	if err != nil {
		return err
	}
	n.IsArchived = archived
	switch {
	case !archived:
		n.ArchivedAt = nil
	case n.ArchivedAt == nil:
		n.ArchivedAt = &at
	}
	n.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) RequeueStaleSending(ctx context.Context, before time.Time) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Notification{}
	for _, n := range r.notifications {
		if n.Status == StatusSending && n.UpdatedAt.Before(before) {
			n.Status = StatusPending
			n.UpdatedAt = r.clock()
			out = append(out, copyNotification(n))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CancelPendingBatchNotifications(ctx context.Context, batchID int64) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Notification{}
	for _, n := range r.notifications {
		if n.BatchID != nil && *n.BatchID == batchID && n.Status == StatusPending {
			n.Status = StatusCancelled
			n.UpdatedAt = r.clock()
			out = append(out, copyNotification(n))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountNotifications(ctx context.Context, filter CountFilter) (map[Status]int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[Status]int{}
	unread := 0
	for _, n := range r.notifications {
		if filter.UserID != nil && n.UserID != *filter.UserID {
			continue
		}
		if filter.BatchID != nil && (n.BatchID == nil || *n.BatchID != *filter.BatchID) {
			continue
		}
		if filter.Since != nil && n.CreatedAt.Before(*filter.Since) {
			continue
		}
		counts[n.Status]++
		if !n.IsRead {
			unread++
		}
	}
	return counts, unread, nil
}

// Batches

func (r *MemoryRepository) CreateBatch(ctx context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	b.ID = r.nextID()
	b.CreatedAt, b.UpdatedAt = now, now
	r.batches[b.ID] = copyBatch(b)
	return nil
}

func (r *MemoryRepository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (r *MemoryRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Batch{}
	for _, b := range r.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.TemplateID != 0 && b.TemplateID != filter.TemplateID {
			continue
		}
		if filter.ScheduleID != 0 && (b.ScheduleID == nil || *b.ScheduleID != filter.ScheduleID) {
			continue
		}
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return []*Batch{}, nil
		}
		out = out[filter.Offset:]
		if len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (r *MemoryRepository) StartBatch(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != BatchPending {
		return ErrInvalidTransition
	}
	b.Status = BatchProcessing
	b.StartedAt = &at
	b.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) RecordBatchOutcome(ctx context.Context, notificationID, batchID int64, outcome Status) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[notificationID]
	if !ok || n.BatchID == nil || *n.BatchID != batchID || n.BatchCounted {
		return nil, nil
	}
	n.BatchCounted = true

	b, ok := r.batches[batchID]
	if !ok || b.Status != BatchProcessing || b.settled() {
		return nil, nil
	}
	switch outcome {
	case StatusSent:
		b.SentCount++
	case StatusFailed:
		b.FailedCount++
	case StatusSkipped:
		b.SkippedCount++
	default:
		return nil, fmt.Errorf("unsupported batch outcome %q", outcome)
	}
	b.UpdatedAt = r.clock()
	return copyBatch(b), nil
}

func (r *MemoryRepository) FinishBatch(ctx context.Context, id int64, status BatchStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok || b.Status != BatchProcessing {
		return false, nil
	}
	b.Status = status
	b.CompletedAt = &at
	b.UpdatedAt = r.clock()
	return true, nil
}

func (r *MemoryRepository) CancelBatch(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != BatchPending && b.Status != BatchProcessing {
		return ErrInvalidTransition
	}
	b.Status = BatchCancelled
	b.CompletedAt = &at
	b.UpdatedAt = r.clock()
	return nil
}

// Schedules

func (r *MemoryRepository) CreateSchedule(ctx context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	s.ID = r.nextID()
	s.RunCount = 0
	s.CreatedAt, s.UpdatedAt = now, now
	r.schedules[s.ID] = copySchedule(s)
	return nil
}

func (r *MemoryRepository) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return copySchedule(s), nil
}

func (r *MemoryRepository) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Schedule{}
	for _, s := range r.schedules {
		if filter.Frequency != "" && s.Frequency != filter.Frequency {
			continue
		}
		if filter.IsActive != nil && s.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, copySchedule(s))
	}
	sortSchedules(out)
	return out, nil
}

func sortSchedules(s []*Schedule) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].NextRun.Equal(s[j].NextRun) {
			return s[i].NextRun.Before(s[j].NextRun)
		}
		return s[i].ID < s[j].ID
	})
}

func (r *MemoryRepository) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Schedule{}
	for _, s := range r.schedules {
		if s.CanRun(now) {
			out = append(out, copySchedule(s))
		}
	}
	sortSchedules(out)
	return out, nil
}

func (r *MemoryRepository) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	s.IsActive = active
	s.UpdatedAt = r.clock()
	return nil
}

func (r *MemoryRepository) ClaimScheduleRun(ctx context.Context, id int64, expected int, nextRun time.Time, active bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok || s.RunCount != expected {
		return ErrConcurrentUpdate
	}
	s.RunCount++
	s.NextRun = nextRun
	s.IsActive = active
	s.LastRunAt = &at
	s.UpdatedAt = r.clock()
	return nil
}

// Delivery logs

func (r *MemoryRepository) CreateDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.ID = r.nextID()
	l.CreatedAt = r.clock()
	stored := *l
	stored.Details = l.Details.clone()
	r.logs = append(r.logs, &stored)
	return nil
}

func (r *MemoryRepository) ListDeliveryLogs(ctx context.Context, filter LogFilter) ([]*DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := make(map[LogLevel]bool, len(filter.Levels))
	for _, l := range filter.Levels {
		levels[l] = true
	}

	out := []*DeliveryLog{}
	for _, l := range r.logs {
		if filter.NotificationID != 0 && l.NotificationID != filter.NotificationID {
			continue
		}
		if filter.ChannelID != 0 && (l.ChannelID == nil || *l.ChannelID != filter.ChannelID) {
			continue
		}
		if len(levels) > 0 && !levels[l.Level] {
			continue
		}
		if filter.Since != nil && l.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return []*DeliveryLog{}, nil
		}
		out = out[filter.Offset:]
		if len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountDeliveryLogs(ctx context.Context, since time.Time) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total, errs int64
	for _, l := range r.logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		total++
		if l.Level == LevelError || l.Level == LevelCritical {
			errs++
		}
	}
	return total, errs, nil
}

func (r *MemoryRepository) DeleteDeliveryLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.logs[:0]
	var removed int64
	for _, l := range r.logs {
		if l.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.logs = kept
	return removed, nil
}

// Push tokens

func (r *MemoryRepository) SavePushToken(ctx context.Context, token *PushToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if existing, ok := r.pushTokens[token.Token]; ok {
		token.ID = existing.ID
		token.CreatedAt = existing.CreatedAt
	} else {
		token.ID = r.nextID()
		token.CreatedAt = now
	}
	token.IsActive = true
	token.UpdatedAt = now
	stored := *token
	r.pushTokens[token.Token] = &stored
	return nil
}

func (r *MemoryRepository) GetUserPushTokens(ctx context.Context, userID int64) ([]*PushToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*PushToken{}
	for _, t := range r.pushTokens {
		if t.UserID == userID && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) DeletePushToken(ctx context.Context, userID int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.pushTokens[token]; ok && t.UserID == userID {
		delete(r.pushTokens, token)
	}
	return nil
}

func (r *MemoryRepository) DeactivatePushToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.pushTokens[token]; ok {
		t.IsActive = false
		t.UpdatedAt = r.clock()
	}
	return nil
}
