// internal/notification/sender.go

package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one delivery request handed to a Sender
type Message struct {
	Notification *Notification
	Recipient    *Recipient
	Channel      *Channel
}

// SendResult is what the provider told us about an accepted message
type SendResult struct {
	ExternalID string
	StatusCode int
	Response   JSONMap
	// Delivered is set when the provider confirms receipt synchronously
	Delivered bool
}

// Sender delivers messages through one provider
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	// Test checks configuration and reachability without delivering anything
	Test(ctx context.Context, ch *Channel) error
}

// SenderFactory builds a Sender for a configured channel
type SenderFactory func(ch *Channel) (Sender, error)

type senderKey struct {
	channelID int64
	updatedAt time.Time
}

// SenderRegistry maps channel providers to senders
type SenderRegistry struct {
	mu        sync.Mutex
	factories map[string]SenderFactory
	supports  map[string]map[ChannelType]bool
	cache     map[senderKey]Sender
	logger    *zap.Logger
}

// NewSenderRegistry creates an empty registry
func NewSenderRegistry(logger *zap.Logger) *SenderRegistry {
	return &SenderRegistry{
		factories: make(map[string]SenderFactory),
		supports:  make(map[string]map[ChannelType]bool),
		cache:     make(map[senderKey]Sender),
		logger:    logger,
	}
}

// Register binds a provider name to a factory for the given channel types
func (r *SenderRegistry) Register(provider string, types []ChannelType, factory SenderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[provider] = factory
	if r.supports[provider] == nil {
		r.supports[provider] = make(map[ChannelType]bool)
	}
	for _, t := range types {
		r.supports[provider][t] = true
	}
}

// Supports reports whether provider can serve channels of type t
func (r *SenderRegistry) Supports(t ChannelType, provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supports[provider][t]
}

// For returns the sender for ch. Senders are cached until the channel changes.
func (r *SenderRegistry) For(ch *Channel) (Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := senderKey{channelID: ch.ID, updatedAt: ch.UpdatedAt}
	if s, ok := r.cache[key]; ok && ch.ID != 0 {
		return s, nil
	}
	if !r.supports[ch.Provider][ch.ChannelType] {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedChannel, ch.ChannelType, ch.Provider)
	}

	s, err := r.factories[ch.Provider](ch)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s sender: %w", ch.Provider, err)
	}
	if ch.ID != 0 {
		for k := range r.cache {
			if k.channelID == ch.ID {
				delete(r.cache, k)
			}
		}
		r.cache[key] = s
	}
	r.logger.Debug("sender ready", zap.Int64("channel_id", ch.ID), zap.String("provider", ch.Provider))
	return s, nil
}

// defaultProviders is used when a channel is created without a provider
var defaultProviders = map[ChannelType]string{
	ChannelEmail:    "smtp",
	ChannelSMS:      "twilio",
	ChannelWhatsApp: "twilio",
	ChannelPush:     "fcm",
	ChannelInApp:    "hub",
	ChannelWebhook:  "http",
	ChannelSlack:    "slack",
	ChannelDiscord:  "discord",
	ChannelTeams:    "teams",
	ChannelTelegram: "telegram",
}

var allChannelTypes = []ChannelType{
	ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook,
	ChannelSlack, ChannelDiscord, ChannelTeams, ChannelTelegram, ChannelWhatsApp,
}

// MockSender is a Sender for development and tests
type MockSender struct {
	mu sync.Mutex

	Sent []*Message
	// Err, when set, is returned from every Send
	Err error
	// Delay blocks each Send until it elapses or the context ends
	Delay time.Duration
	// Confirm marks sends as synchronously delivered
	Confirm bool
	TestErr error

	logger *zap.Logger
}

// NewMockSender creates a mock that accepts everything
func NewMockSender(logger *zap.Logger) *MockSender {
	return &MockSender{logger: logger}
}

func (m *MockSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	m.mu.Lock()
	delay, sendErr, confirm := m.Delay, m.Err, m.Confirm
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sendErr != nil {
		return nil, sendErr
	}

	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	m.mu.Unlock()

	m.logger.Info("mock send",
		zap.Int64("notification_id", msg.Notification.ID),
		zap.String("channel_type", string(msg.Channel.ChannelType)),
		zap.Int64("user_id", msg.Recipient.UserID),
	)
	return &SendResult{
		ExternalID: "mock-" + uuid.NewString(),
		StatusCode: 200,
		Response:   JSONMap{"provider": "mock"},
		Delivered:  confirm,
	}, nil
}

func (m *MockSender) Test(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TestErr
}

// SetErr replaces the error returned by Send
func (m *MockSender) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// SentCount returns how many messages were accepted
func (m *MockSender) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// RegisterMock serves provider "mock" on every channel type with s
func (r *SenderRegistry) RegisterMock(s *MockSender) {
	r.Register("mock", allChannelTypes, func(*Channel) (Sender, error) { return s, nil })
}
