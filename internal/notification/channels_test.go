package notification

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/studyhub-backend/internal/common/security"
)

func TestCreateChannelDefaults(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, false)

	assert.True(t, ch.IsActive)
	assert.False(t, ch.IsDefault)
	assert.Equal(t, 30, ch.TimeoutSeconds)
	assert.Equal(t, 3, ch.RetryAttempts)
	assert.Zero(t, ch.RateLimit)
}

func TestWebhookChannelRequiresURL(t *testing.T) {
	f := newFixture(t)
	f.senders.Register("http", []ChannelType{ChannelWebhook}, NewWebhookSenderFactory(nil))

	_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:        "Partner hook",
		ChannelType: ChannelWebhook,
		Provider:    "http",
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, "webhook_url", verr.Field)

	channels, err := f.svc.ListChannels(f.ctx, ChannelFilter{})
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestWebhookURLFromConfiguration(t *testing.T) {
	f := newFixture(t)
	f.senders.Register("http", []ChannelType{ChannelWebhook}, NewWebhookSenderFactory(nil))

	ch, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:          "Partner hook",
		ChannelType:   ChannelWebhook,
		Provider:      "http",
		Configuration: map[string]string{"webhook_url": "https://partner.example.com/hook"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://partner.example.com/hook", ch.WebhookURL)
}

func TestTelegramChannelRequiresBotCredentials(t *testing.T) {
	f := newFixture(t)
	f.senders.Register("telegram", []ChannelType{ChannelTelegram}, NewChatSenderFactory(nil))

	_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:          "Ops",
		ChannelType:   ChannelTelegram,
		Provider:      "telegram",
		Configuration: map[string]string{"bot_token": "123:abc"},
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "configuration", verr.Field)
	assert.Contains(t, verr.Message, "chat_id")
}

func TestCreateChannelRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:        "Carrier pigeon",
		ChannelType: ChannelSMS,
		Provider:    "pigeon",
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "provider", verr.Field)
}

func TestChannelConfigurationIsSealedAtRest(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelSMS, false, func(r *CreateChannelRequest) {
		r.Configuration = map[string]string{"auth_token": "s3cret"}
	})

	stored, err := f.repo.GetChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, security.IsSealed(stored.SealedConfiguration))
	assert.NotContains(t, stored.SealedConfiguration, "s3cret")
	assert.Nil(t, stored.Configuration)

	loaded, err := f.svc.GetChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", loaded.Configuration["auth_token"])

	redacted := loaded.Redacted()
	assert.Equal(t, "****", redacted.Configuration["auth_token"])
	assert.Empty(t, redacted.SealedConfiguration)
	assert.Equal(t, "s3cret", loaded.Configuration["auth_token"], "Redacted must not modify the original")
}

func TestChannelConfigurationPlainWithoutSealer(t *testing.T) {
	f := newFixture(t)
	f.impl.sealer = nil

	ch := f.mockChannel(t, ChannelSMS, false, func(r *CreateChannelRequest) {
		r.Configuration = map[string]string{"from": "+1555"}
	})

	stored, err := f.repo.GetChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, security.IsSealed(stored.SealedConfiguration))
	assert.True(t, strings.HasPrefix(stored.SealedConfiguration, "{"))

	loaded, err := f.svc.GetChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "+1555", loaded.Configuration["from"])
}

func TestSetDefaultChannelIsExclusivePerType(t *testing.T) {
	f := newFixture(t)
	first := f.mockChannel(t, ChannelEmail, true)
	second := f.mockChannel(t, ChannelEmail, false)
	sms := f.mockChannel(t, ChannelSMS, true)

	_, err := f.svc.SetDefaultChannel(f.ctx, second.ID)
	require.NoError(t, err)

	reloaded, err := f.svc.GetChannel(f.ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)

	defaults, err := f.svc.DefaultChannels(f.ctx)
	require.NoError(t, err)
	require.Len(t, defaults, 2)
	ids := []int64{defaults[0].ID, defaults[1].ID}
	assert.ElementsMatch(t, []int64{second.ID, sms.ID}, ids)
}

func TestConcurrentSetDefaultLeavesOneDefault(t *testing.T) {
	f := newFixture(t)

	var channels []*Channel
	for i := 0; i < 8; i++ {
		channels = append(channels, f.mockChannel(t, ChannelEmail, false))
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.SetDefaultChannel(f.ctx, id)
			assert.NoError(t, err)
		}(ch.ID)
	}
	wg.Wait()

	isDefault := true
	defaults, err := f.svc.ListChannels(f.ctx, ChannelFilter{ChannelType: ChannelEmail, IsDefault: &isDefault})
	require.NoError(t, err)
	assert.Len(t, defaults, 1)
}

func TestSetDefaultRejectsInactiveChannel(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, false, func(r *CreateChannelRequest) {
		r.IsActive = boolPtr(false)
	})

	_, err := f.svc.SetDefaultChannel(f.ctx, ch.ID)
	assert.ErrorIs(t, err, ErrInactive)

	_, err = f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:        "inactive default",
		ChannelType: ChannelEmail,
		Provider:    "mock",
		IsActive:    boolPtr(false),
		IsDefault:   true,
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "is_default", verr.Field)
}

func TestDeactivatingDefaultClearsFlag(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, true)

	updated, err := f.svc.SetChannelActive(f.ctx, ch.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.False(t, updated.IsDefault)

	reactivated, err := f.svc.SetChannelActive(f.ctx, ch.ID, true)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.False(t, reactivated.IsDefault, "reactivation must not restore the default flag")
}

func TestUpdateChannelKeepsDefault(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, true)

	updated, err := f.svc.UpdateChannel(f.ctx, ch.ID, &UpdateChannelRequest{
		Name:      strPtr("Primary email"),
		RateLimit: intPtr(60),
	})
	require.NoError(t, err)
	assert.Equal(t, "Primary email", updated.Name)
	assert.Equal(t, 60, updated.RateLimit)

	reloaded, err := f.svc.GetChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsDefault)
}

func TestTestChannel(t *testing.T) {
	f := newFixture(t)
	ch := f.mockChannel(t, ChannelEmail, false)

	result, err := f.svc.TestChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	f.mock.TestErr = errors.New("smtp: connection refused")
	result, err = f.svc.TestChannel(f.ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "connection refused")
	assert.Zero(t, f.mock.SentCount())

	_, err = f.svc.TestChannel(f.ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChannelsByType(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, false)
	f.mockChannel(t, ChannelEmail, false)
	f.mockChannel(t, ChannelSlack, false, func(r *CreateChannelRequest) { r.WebhookURL = "https://hooks.example.com/slack" })

	grouped, err := f.svc.ChannelsByType(f.ctx)
	require.NoError(t, err)
	assert.Len(t, grouped[ChannelEmail], 2)
	assert.Len(t, grouped[ChannelSlack], 1)
}

func TestChannelShapeIgnoresProvider(t *testing.T) {
	f := newFixture(t)

	for _, ct := range []ChannelType{ChannelWebhook, ChannelSlack, ChannelDiscord, ChannelTeams} {
		t.Run(string(ct), func(t *testing.T) {
			_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{Name: "no url", ChannelType: ct, Provider: "mock"})
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, "webhook_url", verr.Field)
		})
	}

	_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{Name: "bot", ChannelType: ChannelTelegram, Provider: "mock"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "configuration", verr.Field)
}

func TestChannelTimeoutIsCapped(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateChannel(f.ctx, &CreateChannelRequest{
		Name:           "slow",
		ChannelType:    ChannelEmail,
		Provider:       "mock",
		TimeoutSeconds: intPtr(int(MaxChannelTimeout/time.Second) + 1),
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, "timeout_seconds", verr.Field)

	ch := f.mockChannel(t, ChannelEmail, false)
	_, err = f.svc.UpdateChannel(f.ctx, ch.ID, &UpdateChannelRequest{TimeoutSeconds: intPtr(3600)})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "timeout_seconds", verr.Field)

	assert.Equal(t, MaxChannelTimeout, (&Channel{TimeoutSeconds: 3600}).Timeout())
	assert.Equal(t, 20*time.Second, (&Channel{TimeoutSeconds: 20}).Timeout())
}
