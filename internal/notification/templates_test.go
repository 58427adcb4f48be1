package notification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"simple", "Hi {{name}}", map[string]string{"name": "Ada"}, "Hi Ada"},
		{"spaces inside braces", "Hi {{ name }}", map[string]string{"name": "Ada"}, "Hi Ada"},
		{"repeated", "{{a}}-{{a}}", map[string]string{"a": "x"}, "x-x"},
		{"unknown left verbatim", "Hi {{name}}, {{unknown}}", map[string]string{"name": "Ada"}, "Hi Ada, {{unknown}}"},
		{"no vars", "Hi {{name}}", nil, "Hi {{name}}"},
		{"empty text", "", map[string]string{"name": "Ada"}, ""},
		{"single braces untouched", "{name}", map[string]string{"name": "Ada"}, "{name}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.text, tt.vars))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"name", "course"}, Placeholders("{{name}} applied to {{ course }} as {{name}}"))
	assert.Empty(t, Placeholders("no tokens here"))
}

func TestMergeVarsLaterWins(t *testing.T) {
	merged := mergeVars(
		map[string]string{"name": "default", "course": "CS"},
		map[string]string{"name": "Ada"},
		nil,
		map[string]string{"course": "Maths"},
	)
	assert.Equal(t, map[string]string{"name": "Ada", "course": "Maths"}, merged)
}

func TestCreateTemplateDefaults(t *testing.T) {
	f := newFixture(t)

	tpl, err := f.svc.CreateTemplate(f.ctx, &CreateTemplateRequest{
		Name:        "  Digest  ",
		ChannelType: ChannelEmail,
		Category:    CategoryCourse,
		Subject:     "Your digest",
		Content:     "Hello",
	}, 7)
	require.NoError(t, err)

	assert.NotZero(t, tpl.ID)
	assert.Equal(t, "Digest", tpl.Name)
	assert.True(t, tpl.IsActive)
	assert.Equal(t, 3, tpl.Priority)
	assert.Equal(t, 5, tpl.DelayMinutes)
	assert.Equal(t, 3, tpl.RetryCount)
	require.NotNil(t, tpl.CreatedBy)
	assert.Equal(t, int64(7), *tpl.CreatedBy)
}

func TestCreateTemplateValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateTemplateRequest
		field string
	}{
		{"missing name", CreateTemplateRequest{ChannelType: ChannelSMS, Category: CategoryUser, Content: "x"}, "name"},
		{"unknown channel type", CreateTemplateRequest{Name: "a", ChannelType: "fax", Category: CategoryUser, Content: "x"}, "channel_type"},
		{"unknown category", CreateTemplateRequest{Name: "a", ChannelType: ChannelSMS, Category: "gossip", Content: "x"}, "category"},
		{"missing content", CreateTemplateRequest{Name: "a", ChannelType: ChannelSMS, Category: CategoryUser}, "content"},
		{"email without subject", CreateTemplateRequest{Name: "a", ChannelType: ChannelEmail, Category: CategoryUser, Content: "x"}, "subject"},
		{"push without title", CreateTemplateRequest{Name: "a", ChannelType: ChannelPush, Category: CategoryUser, Content: "x"}, "title"},
		{"in-app without title", CreateTemplateRequest{Name: "a", ChannelType: ChannelInApp, Category: CategoryUser, Content: "x"}, "title"},
		{"priority out of range", CreateTemplateRequest{Name: "a", ChannelType: ChannelSMS, Category: CategoryUser, Content: "x", Priority: intPtr(6)}, "priority"},
		{"negative delay", CreateTemplateRequest{Name: "a", ChannelType: ChannelSMS, Category: CategoryUser, Content: "x", DelayMinutes: intPtr(-1)}, "delay_minutes"},
		{"too many retries", CreateTemplateRequest{Name: "a", ChannelType: ChannelSMS, Category: CategoryUser, Content: "x", RetryCount: intPtr(11)}, "retry_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.req
			_, err := f.svc.CreateTemplate(f.ctx, &req, 0)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpdateTemplate(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t)

	updated, err := f.svc.UpdateTemplate(f.ctx, tpl.ID, &UpdateTemplateRequest{
		Content:  strPtr("Hello {{name}}"),
		Priority: intPtr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}", updated.Content)
	assert.Equal(t, 5, updated.Priority)
	assert.Equal(t, "Welcome", updated.Subject)

	_, err = f.svc.UpdateTemplate(f.ctx, tpl.ID, &UpdateTemplateRequest{Subject: strPtr(" ")})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "subject", verr.Field)

	_, err = f.svc.UpdateTemplate(f.ctx, 999, &UpdateTemplateRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTestTemplateRendersWithoutSending(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) {
		r.Subject = "Welcome {{name}}"
		r.Content = "Hi {{name}}, enrol in {{course}}"
		r.DefaultValues = map[string]string{"name": "friend", "course": "CS"}
	})

	rendered, err := f.svc.TestTemplate(f.ctx, tpl.ID, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", rendered.Subject)
	assert.Equal(t, "Hi Ada, enrol in CS", rendered.Content)
	assert.Equal(t, "Ada", rendered.Variables["name"])

	// nothing was queued
	resp, err := f.svc.ListNotifications(f.ctx, NotificationFilter{})
	require.NoError(t, err)
	assert.Zero(t, resp.TotalCount)
	assert.Zero(t, f.mock.SentCount())
}

func TestRenderScenarioGreeting(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t, func(r *CreateTemplateRequest) {
		r.Content = "Hi {{name}}"
		r.DefaultValues = nil
	})

	rendered, err := f.svc.TestTemplate(f.ctx, tpl.ID, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", rendered.Content)
}

func TestDuplicateTemplate(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t)
	f.send(t, 1, tpl.ID)

	dup, err := f.svc.DuplicateTemplate(f.ctx, tpl.ID, 42)
	require.NoError(t, err)

	assert.NotEqual(t, tpl.ID, dup.ID)
	assert.Equal(t, "Welcome (Copy)", dup.Name)
	assert.Equal(t, tpl.Content, dup.Content)
	assert.Equal(t, tpl.ChannelType, dup.ChannelType)
	assert.Zero(t, dup.UsageCount)
	assert.Nil(t, dup.LastUsedAt)
	require.NotNil(t, dup.CreatedBy)
	assert.Equal(t, int64(42), *dup.CreatedBy)

	original, err := f.svc.GetTemplate(f.ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), original.UsageCount)
}

func TestTemplatesGroupedSkipInactive(t *testing.T) {
	f := newFixture(t)
	f.emailTemplate(t)
	sms := f.emailTemplate(t, func(r *CreateTemplateRequest) {
		r.Name = "Code"
		r.ChannelType = ChannelSMS
		r.Category = CategorySecurity
	})
	_, err := f.svc.SetTemplateActive(f.ctx, sms.ID, false)
	require.NoError(t, err)

	byCategory, err := f.svc.TemplatesByCategory(f.ctx)
	require.NoError(t, err)
	assert.Len(t, byCategory[CategoryUser], 1)
	assert.Empty(t, byCategory[CategorySecurity])

	byType, err := f.svc.TemplatesByChannelType(f.ctx)
	require.NoError(t, err)
	assert.Len(t, byType[ChannelEmail], 1)
	assert.Empty(t, byType[ChannelSMS])
}

func TestInactiveTemplateCannotSend(t *testing.T) {
	f := newFixture(t)
	tpl := f.emailTemplate(t)
	_, err := f.svc.SetTemplateActive(f.ctx, tpl.ID, false)
	require.NoError(t, err)

	_, err = f.svc.SendNotification(f.ctx, &SendNotificationRequest{UserID: 1, TemplateID: tpl.ID})
	assert.ErrorIs(t, err, ErrInactive)
}
