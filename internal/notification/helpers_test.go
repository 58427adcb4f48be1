package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imadgeboyega/studyhub-backend/internal/common/security"
)

// Monday 2 March 2026, 10:00 UTC
var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	ctx       context.Context
	svc       Service
	impl      *service
	repo      *MemoryRepository
	directory *MemoryDirectory
	senders   *SenderRegistry
	mock      *MockSender
	clock     *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clock := newFakeClock(baseTime)
	repo := NewMemoryRepository(clock.Now)
	directory := NewMemoryDirectory(repo)
	directory.Add(Recipient{UserID: 1, Email: "ada@example.com", Phone: "+15550001", Username: "ada", FullName: "Ada Lovelace"})
	directory.Add(Recipient{UserID: 2, Email: "alan@example.com", Username: "alan"})
	directory.Add(Recipient{UserID: 3, Email: "grace@example.com", Username: "grace", FullName: "Grace Hopper"})

	logger := zap.NewNop()
	senders := NewSenderRegistry(logger)
	mock := NewMockSender(logger)
	senders.RegisterMock(mock)

	sealer, err := security.NewSealer([]byte("test-channel-secret"), "notification-channel-config")
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := NewService(repo, directory, senders, sealer, logger, opts...)

	return &fixture{
		ctx:       context.Background(),
		svc:       svc,
		impl:      svc.(*service),
		repo:      repo,
		directory: directory,
		senders:   senders,
		mock:      mock,
		clock:     clock,
	}
}

// emailTemplate creates an active email template; mutate adjusts the request
func (f *fixture) emailTemplate(t *testing.T, mutate ...func(*CreateTemplateRequest)) *Template {
	t.Helper()
	req := &CreateTemplateRequest{
		Name:          "Welcome",
		ChannelType:   ChannelEmail,
		Category:      CategoryUser,
		Subject:       "Welcome",
		Content:       "Hi {{name}}",
		DefaultValues: map[string]string{"name": "friend"},
		RetryCount:    intPtr(3),
		DelayMinutes:  intPtr(5),
	}
	for _, m := range mutate {
		m(req)
	}
	tpl, err := f.svc.CreateTemplate(f.ctx, req, 99)
	require.NoError(t, err)
	return tpl
}

// mockChannel creates an active mock channel of type ct
func (f *fixture) mockChannel(t *testing.T, ct ChannelType, isDefault bool, mutate ...func(*CreateChannelRequest)) *Channel {
	t.Helper()
	req := &CreateChannelRequest{
		Name:        string(ct) + " mock",
		ChannelType: ct,
		Provider:    "mock",
		IsDefault:   isDefault,
	}
	for _, m := range mutate {
		m(req)
	}
	ch, err := f.svc.CreateChannel(f.ctx, req)
	require.NoError(t, err)
	return ch
}

func (f *fixture) send(t *testing.T, userID, templateID int64) *Notification {
	t.Helper()
	n, err := f.svc.SendNotification(f.ctx, &SendNotificationRequest{UserID: userID, TemplateID: templateID})
	require.NoError(t, err)
	return n
}

func (f *fixture) dispatch(t *testing.T, id int64) *Notification {
	t.Helper()
	n, err := f.svc.DispatchNotification(f.ctx, id)
	require.NoError(t, err)
	return n
}

func (f *fixture) reload(t *testing.T, id int64) *Notification {
	t.Helper()
	n, err := f.repo.GetNotification(f.ctx, id)
	require.NoError(t, err)
	return n
}

func (f *fixture) logs(t *testing.T, notificationID int64) []*DeliveryLog {
	t.Helper()
	logs, err := f.svc.ListDeliveryLogs(f.ctx, LogFilter{NotificationID: notificationID})
	require.NoError(t, err)
	return logs
}

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }
