package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatchJobWakesOnNewWork(t *testing.T) {
	f := newFixture(t)
	f.mockChannel(t, ChannelEmail, true)
	tpl := f.emailTemplate(t)

	// a long interval leaves only the wake signal to trigger a drain
	job := NewDispatchJob(f.svc, time.Hour, 10, 2, zap.NewNop())
	done := make(chan struct{})
	go func() {
		job.Start(context.Background())
		close(done)
	}()

	n := f.send(t, 1, tpl.ID)
	require.Eventually(t, func() bool {
		return f.reload(t, n.ID).Status == StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	job.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch job did not stop")
	}
}

func TestDispatchJobStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	job := NewDispatchJob(f.svc, 0, 0, 0, zap.NewNop())
	assert.Equal(t, 15*time.Second, job.interval)
	assert.Equal(t, 100, job.batchSize)

	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch job ignored context cancellation")
	}
}

func TestSchedulePollerRunsOnStart(t *testing.T) {
	f := newFixture(t)
	sc := f.schedule(t)

	poller := NewSchedulePoller(f.svc, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.svc.GetSchedule(f.ctx, sc.ID)
		return err == nil && got.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLogCleanupJobDefaults(t *testing.T) {
	f := newFixture(t)
	job := NewLogCleanupJob(f.svc, 0, 0, zap.NewNop())
	assert.Equal(t, 24*time.Hour, job.interval)
	assert.Equal(t, DefaultLogRetention, job.retention)

	sweep := NewStaleSendingJob(f.svc, 0, 0, zap.NewNop())
	assert.Equal(t, 10*time.Minute, sweep.timeout)
	assert.Equal(t, 5*time.Minute, sweep.interval)

	sweep = NewStaleSendingJob(f.svc, time.Minute, 2*time.Minute, zap.NewNop())
	assert.Greater(t, sweep.timeout, MaxChannelTimeout, "a claim is never swept while its send may still run")
}
