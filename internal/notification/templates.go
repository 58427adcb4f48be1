// internal/notification/templates.go

package notification

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const (
	defaultTemplatePriority = 3
	defaultRetryDelay       = 5
	defaultMaxRetries       = 3
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Render replaces every {{name}} with vars[name]. Tokens without a value are
// left as they are.
func Render(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return token
	})
}

// Placeholders lists the distinct variable names used in text
func Placeholders(text string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// renderTemplate renders every text field of t
func renderTemplate(t *Template, vars map[string]string) *RenderedTemplate {
	return &RenderedTemplate{
		Subject:     Render(t.Subject, vars),
		Title:       Render(t.Title, vars),
		Content:     Render(t.Content, vars),
		HTMLContent: Render(t.HTMLContent, vars),
		Variables:   vars,
	}
}

// mergeVars layers maps left to right; later maps win
func mergeVars(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func validateTemplate(t *Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "name is required")
	}
	if !t.ChannelType.Valid() {
		return invalid("channel_type", "unknown channel type %q", t.ChannelType)
	}
	if !t.Category.Valid() {
		return invalid("category", "unknown category %q", t.Category)
	}
	if strings.TrimSpace(t.Content) == "" {
		return invalid("content", "content is required")
	}
	switch t.ChannelType {
	case ChannelEmail:
		if strings.TrimSpace(t.Subject) == "" {
			return invalid("subject", "subject is required for email templates")
		}
	case ChannelPush, ChannelInApp:
		if strings.TrimSpace(t.Title) == "" {
			return invalid("title", "title is required for %s templates", t.ChannelType)
		}
	}
	if t.Priority < 1 || t.Priority > 5 {
		return invalid("priority", "priority must be between 1 and 5")
	}
	if t.DelayMinutes < 0 {
		return invalid("delay_minutes", "delay_minutes must not be negative")
	}
	if t.RetryCount < 0 || t.RetryCount > 10 {
		return invalid("retry_count", "retry_count must be between 0 and 10")
	}
	return nil
}

func (s *service) CreateTemplate(ctx context.Context, req *CreateTemplateRequest, createdBy int64) (*Template, error) {
	t := &Template{
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		ChannelType:   req.ChannelType,
		Category:      req.Category,
		IsActive:      true,
		Subject:       req.Subject,
		Title:         req.Title,
		Content:       req.Content,
		HTMLContent:   req.HTMLContent,
		Variables:     StringMap(req.Variables).clone(),
		DefaultValues: StringMap(req.DefaultValues).clone(),
		Priority:      defaultTemplatePriority,
		DelayMinutes:  defaultRetryDelay,
		RetryCount:    defaultMaxRetries,
		Tags:          req.Tags,
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.DelayMinutes != nil {
		t.DelayMinutes = *req.DelayMinutes
	}
	if req.RetryCount != nil {
		t.RetryCount = *req.RetryCount
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if createdBy != 0 {
		t.CreatedBy = &createdBy
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}

	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Sugar().Infow("template created", "template_id", t.ID, "channel_type", t.ChannelType, "category", t.Category)
	return t, nil
}

func (s *service) UpdateTemplate(ctx context.Context, id int64, req *UpdateTemplateRequest) (*Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		t.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Category != nil {
		t.Category = *req.Category
	}
	if req.Subject != nil {
		t.Subject = *req.Subject
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Content != nil {
		t.Content = *req.Content
	}
	if req.HTMLContent != nil {
		t.HTMLContent = *req.HTMLContent
	}
	if req.Variables != nil {
		t.Variables = StringMap(req.Variables).clone()
	}
	if req.DefaultValues != nil {
		t.DefaultValues = StringMap(req.DefaultValues).clone()
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.DelayMinutes != nil {
		t.DelayMinutes = *req.DelayMinutes
	}
	if req.RetryCount != nil {
		t.RetryCount = *req.RetryCount
	}
	if req.Tags != nil {
		t.Tags = req.Tags
	}

	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *service) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

func (s *service) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	return s.repo.ListTemplates(ctx, filter)
}

func (s *service) SetTemplateActive(ctx context.Context, id int64, active bool) (*Template, error) {
	if err := s.repo.SetTemplateActive(ctx, id, active); err != nil {
		return nil, err
	}
	return s.repo.GetTemplate(ctx, id)
}

// TestTemplate renders the template with its sample values overlaid by data.
// Nothing is stored or sent.
func (s *service) TestTemplate(ctx context.Context, id int64, data map[string]string) (*RenderedTemplate, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return renderTemplate(t, mergeVars(t.DefaultValues, data)), nil
}

func (s *service) DuplicateTemplate(ctx context.Context, id int64, createdBy int64) (*Template, error) {
	src, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	dup := copyTemplate(src)
	dup.ID = 0
	dup.Name = src.Name + " (Copy)"
	dup.UsageCount = 0
	dup.LastUsedAt = nil
	dup.CreatedBy = nil
	if createdBy != 0 {
		dup.CreatedBy = &createdBy
	}

	if err := s.repo.CreateTemplate(ctx, dup); err != nil {
		return nil, fmt.Errorf("failed to duplicate template: %w", err)
	}
	return dup, nil
}

func (s *service) TemplatesByCategory(ctx context.Context) (map[Category][]*Template, error) {
	active := true
	templates, err := s.repo.ListTemplates(ctx, TemplateFilter{IsActive: &active})
	if err != nil {
		return nil, err
	}
	grouped := make(map[Category][]*Template)
	for _, t := range templates {
		grouped[t.Category] = append(grouped[t.Category], t)
	}
	return grouped, nil
}

func (s *service) TemplatesByChannelType(ctx context.Context) (map[ChannelType][]*Template, error) {
	active := true
	templates, err := s.repo.ListTemplates(ctx, TemplateFilter{IsActive: &active})
	if err != nil {
		return nil, err
	}
	grouped := make(map[ChannelType][]*Template)
	for _, t := range templates {
		grouped[t.ChannelType] = append(grouped[t.ChannelType], t)
	}
	return grouped, nil
}
