// internal/notification/channels.go

package notification

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultChannelTimeout = 30
	defaultChannelRetries = 3
)

func (s *service) validateChannel(c *Channel) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "name is required")
	}
	if !c.ChannelType.Valid() {
		return invalid("channel_type", "unknown channel type %q", c.ChannelType)
	}
	if !s.senders.Supports(c.ChannelType, c.Provider) {
		return invalid("provider", "provider %q cannot serve %s channels", c.Provider, c.ChannelType)
	}
	if c.ChannelType.needsWebhookURL() && c.WebhookURL == "" {
		return invalid("webhook_url", "webhook_url is required for %s channels", c.ChannelType)
	}
	if c.ChannelType == ChannelTelegram {
		if c.Configuration["bot_token"] == "" {
			return invalid("configuration", "bot_token is required for telegram channels")
		}
		if c.Configuration["chat_id"] == "" {
			return invalid("configuration", "chat_id is required for telegram channels")
		}
	}
	if c.RateLimit < 0 {
		return invalid("rate_limit", "rate_limit must not be negative")
	}
	if c.TimeoutSeconds < 1 || time.Duration(c.TimeoutSeconds)*time.Second > MaxChannelTimeout {
		return invalid("timeout_seconds", "timeout_seconds must be between 1 and %d", int(MaxChannelTimeout/time.Second))
	}
	if c.RetryAttempts < 0 {
		return invalid("retry_attempts", "retry_attempts must not be negative")
	}
	return nil
}

// seal moves the clear configuration into the stored column
func (s *service) seal(c *Channel) error {
	sealed, err := s.sealConfiguration(c.Configuration)
	if err != nil {
		return fmt.Errorf("failed to seal channel configuration: %w", err)
	}
	c.SealedConfiguration = sealed
	return nil
}

// loadChannel returns a channel with its configuration opened
func (s *service) loadChannel(ctx context.Context, id int64) (*Channel, error) {
	c, err := s.repo.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.openChannel(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *service) CreateChannel(ctx context.Context, req *CreateChannelRequest) (*Channel, error) {
	c := &Channel{
		Name:           strings.TrimSpace(req.Name),
		ChannelType:    req.ChannelType,
		Provider:       strings.ToLower(strings.TrimSpace(req.Provider)),
		IsActive:       true,
		WebhookURL:     req.WebhookURL,
		TimeoutSeconds: defaultChannelTimeout,
		RetryAttempts:  defaultChannelRetries,
		Configuration:  StringMap(req.Configuration).clone(),
	}
	if c.Provider == "" {
		c.Provider = defaultProviders[c.ChannelType]
	}
	if c.WebhookURL == "" {
		c.WebhookURL = c.Configuration["webhook_url"]
	}
	if req.RateLimit != nil {
		c.RateLimit = *req.RateLimit
	}
	if req.TimeoutSeconds != nil {
		c.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.RetryAttempts != nil {
		c.RetryAttempts = *req.RetryAttempts
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}

	if err := s.validateChannel(c); err != nil {
		return nil, err
	}
	if req.IsDefault && !c.IsActive {
		return nil, invalid("is_default", "an inactive channel cannot be the default")
	}
	if err := s.seal(c); err != nil {
		return nil, err
	}
	if err := s.repo.CreateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	s.logger.Sugar().Infow("channel created", "channel_id", c.ID, "channel_type", c.ChannelType, "provider", c.Provider)

	if req.IsDefault {
		return s.SetDefaultChannel(ctx, c.ID)
	}
	return c, nil
}

// UpdateChannel never touches is_default; that goes through SetDefaultChannel
func (s *service) UpdateChannel(ctx context.Context, id int64, req *UpdateChannelRequest) (*Channel, error) {
	c, err := s.loadChannel(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		c.Name = strings.TrimSpace(*req.Name)
	}
	if req.Provider != nil {
		c.Provider = strings.ToLower(strings.TrimSpace(*req.Provider))
	}
	if req.Configuration != nil {
		c.Configuration = StringMap(req.Configuration).clone()
	}
	if req.WebhookURL != nil {
		c.WebhookURL = *req.WebhookURL
	}
	if req.RateLimit != nil {
		c.RateLimit = *req.RateLimit
	}
	if req.TimeoutSeconds != nil {
		c.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.RetryAttempts != nil {
		c.RetryAttempts = *req.RetryAttempts
	}

	if err := s.validateChannel(c); err != nil {
		return nil, err
	}
	if err := s.seal(c); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateChannel(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *service) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	return s.loadChannel(ctx, id)
}

func (s *service) ListChannels(ctx context.Context, filter ChannelFilter) ([]*Channel, error) {
	channels, err := s.repo.ListChannels(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		if err := s.openChannel(c); err != nil {
			s.logger.Sugar().Warnw("channel configuration unreadable", "channel_id", c.ID, "error", err)
		}
	}
	return channels, nil
}

// SetChannelActive toggles a channel. Deactivating the default channel also
// clears its default flag.
func (s *service) SetChannelActive(ctx context.Context, id int64, active bool) (*Channel, error) {
	if err := s.repo.SetChannelActive(ctx, id, active); err != nil {
		return nil, err
	}
	return s.loadChannel(ctx, id)
}

func (s *service) SetDefaultChannel(ctx context.Context, id int64) (*Channel, error) {
	c, err := s.repo.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("channel %d: %w", id, ErrInactive)
	}
	if err := s.repo.SetDefaultChannel(ctx, id); err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("default channel changed", "channel_id", id, "channel_type", c.ChannelType)
	return s.loadChannel(ctx, id)
}

// TestChannel asks the channel's sender for a dry run. Nothing is stored.
func (s *service) TestChannel(ctx context.Context, id int64) (*ChannelTestResult, error) {
	c, err := s.loadChannel(ctx, id)
	if err != nil {
		return nil, err
	}

	sender, err := s.senders.For(c)
	if err != nil {
		return &ChannelTestResult{Success: false, Message: err.Error()}, nil
	}

	testCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	if err := sender.Test(testCtx, c); err != nil {
		if testCtx.Err() != nil {
			return &ChannelTestResult{Success: false, Message: "channel test timed out"}, nil
		}
		return &ChannelTestResult{Success: false, Message: err.Error()}, nil
	}
	return &ChannelTestResult{Success: true, Message: fmt.Sprintf("%s channel %q is reachable", c.ChannelType, c.Name)}, nil
}

func (s *service) DefaultChannels(ctx context.Context) ([]*Channel, error) {
	isDefault := true
	return s.ListChannels(ctx, ChannelFilter{IsDefault: &isDefault})
}

func (s *service) ChannelsByType(ctx context.Context) (map[ChannelType][]*Channel, error) {
	channels, err := s.ListChannels(ctx, ChannelFilter{})
	if err != nil {
		return nil, err
	}
	grouped := make(map[ChannelType][]*Channel)
	for _, c := range channels {
		grouped[c.ChannelType] = append(grouped[c.ChannelType], c)
	}
	return grouped, nil
}
