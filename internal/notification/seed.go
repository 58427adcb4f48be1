// internal/notification/seed.go

package notification

import (
	"context"
	"fmt"
)

func intPtr(v int) *int { return &v }

// defaultTemplates are created on first start
var defaultTemplates = []CreateTemplateRequest{
	{
		Name:        "Welcome email",
		Description: "Sent after a student signs up",
		ChannelType: ChannelEmail,
		Category:    CategoryUser,
		Subject:     "Welcome to StudyHub, {{name}}!",
		Content:     "Hi {{name}},\n\nYour account is ready. Complete your profile to start applying to courses.",
		HTMLContent: "<p>Hi {{name}},</p><p>Your account is ready. Complete your profile to start applying to courses.</p>",
		Variables:   map[string]string{"name": "Recipient display name"},
		DefaultValues: map[string]string{
			"name": "Ada",
		},
		Priority: intPtr(3),
	},
	{
		Name:          "Application status update",
		Description:   "Application moved to a new stage",
		ChannelType:   ChannelInApp,
		Category:      CategoryApplication,
		Title:         "Application {{status}}",
		Content:       "Your application to {{course}} is now {{status}}.",
		Variables:     map[string]string{"course": "Course name", "status": "New application status"},
		DefaultValues: map[string]string{"course": "Computer Science BSc", "status": "under review"},
		Priority:      intPtr(4),
	},
	{
		Name:          "Payment receipt",
		Description:   "Confirms a successful payment",
		ChannelType:   ChannelEmail,
		Category:      CategoryPayment,
		Subject:       "Payment received: {{amount}}",
		Content:       "Hi {{name}}, we received your payment of {{amount}} (ref {{payment_ref}}).",
		Variables:     map[string]string{"name": "Recipient display name", "amount": "Formatted amount", "payment_ref": "Payment reference"},
		DefaultValues: map[string]string{"name": "Ada", "amount": "$120.00", "payment_ref": "PAY-0001"},
		Priority:      intPtr(4),
	},
	{
		Name:          "Deadline reminder",
		Description:   "Reminds students of an upcoming deadline",
		ChannelType:   ChannelPush,
		Category:      CategoryReminder,
		Title:         "{{course}} deadline",
		Content:       "Applications for {{course}} close on {{deadline}}.",
		Variables:     map[string]string{"course": "Course name", "deadline": "Deadline date"},
		DefaultValues: map[string]string{"course": "Computer Science BSc", "deadline": "1 March"},
		Priority:      intPtr(3),
	},
	{
		Name:          "Security alert",
		Description:   "New sign-in or credential change",
		ChannelType:   ChannelSMS,
		Category:      CategorySecurity,
		Content:       "StudyHub: {{event}}. If this wasn't you, reset your password now.",
		Variables:     map[string]string{"event": "What happened"},
		DefaultValues: map[string]string{"event": "New sign-in from Chrome on Windows"},
		Priority:      intPtr(5),
		RetryCount:    intPtr(5),
		DelayMinutes:  intPtr(1),
	},
}

// SeedDefaults creates the default templates and, for every channel type
// without any channel yet, the given channel definitions. Existing rows are
// left alone so the call is safe on every start.
func SeedDefaults(ctx context.Context, svc Service, channels []CreateChannelRequest) error {
	existing, err := svc.ListTemplates(ctx, TemplateFilter{})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, t := range existing {
		names[t.Name] = true
	}
	for i := range defaultTemplates {
		req := defaultTemplates[i]
		if names[req.Name] {
			continue
		}
		if _, err := svc.CreateTemplate(ctx, &req, 0); err != nil {
			return fmt.Errorf("failed to create template %q: %w", req.Name, err)
		}
	}

	for i := range channels {
		req := channels[i]
		present, err := svc.ListChannels(ctx, ChannelFilter{ChannelType: req.ChannelType})
		if err != nil {
			return fmt.Errorf("failed to list %s channels: %w", req.ChannelType, err)
		}
		if len(present) > 0 {
			continue
		}
		if _, err := svc.CreateChannel(ctx, &req); err != nil {
			return fmt.Errorf("failed to create %s channel: %w", req.ChannelType, err)
		}
	}
	return nil
}
