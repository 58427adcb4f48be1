// internal/notification/scheduler.go

package notification

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DispatchJob releases due notifications. It runs on a ticker and also
// whenever the service signals that new work was queued.
type DispatchJob struct {
	service   Service
	interval  time.Duration
	batchSize int
	workers   int
	logger    *zap.Logger
	stopCh    chan struct{}
}

// NewDispatchJob creates a new dispatch job
func NewDispatchJob(service Service, interval time.Duration, batchSize, workers int, logger *zap.Logger) *DispatchJob {
	if interval == 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 4
	}

	return &DispatchJob{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		workers:   workers,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the job until Stop is called or ctx ends
func (j *DispatchJob) Start(ctx context.Context) {
	j.logger.Info("starting dispatch job",
		zap.Duration("interval", j.interval),
		zap.Int("batch_size", j.batchSize),
		zap.Int("workers", j.workers),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.drain(ctx)

	for {
		select {
		case <-ticker.C:
			j.drain(ctx)
		case <-j.service.Wake():
			j.drain(ctx)
		case <-j.stopCh:
			j.logger.Info("stopping dispatch job")
			return
		case <-ctx.Done():
			j.logger.Info("context cancelled, stopping dispatch job")
			return
		}
	}
}

// Stop stops the job
func (j *DispatchJob) Stop() {
	close(j.stopCh)
}

// drain keeps dispatching while full pages come back
func (j *DispatchJob) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := j.service.DispatchDue(ctx, j.batchSize, j.workers)
		if err != nil {
			j.logger.Error("error dispatching notifications", zap.Error(err))
			return
		}
		if n > 0 {
			j.logger.Debug("dispatched notifications", zap.Int("count", n))
		}
		if n < j.batchSize {
			return
		}
	}
}

// StaleSendingJob releases notifications whose worker died mid-send
type StaleSendingJob struct {
	service  Service
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewStaleSendingJob creates a new stale-claim sweeper
func NewStaleSendingJob(service Service, interval, timeout time.Duration, logger *zap.Logger) *StaleSendingJob {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if timeout <= MaxChannelTimeout {
		logger.Warn("stale sending timeout raised above the channel timeout cap",
			zap.Duration("requested", timeout),
			zap.Duration("cap", MaxChannelTimeout),
		)
		timeout = MaxChannelTimeout + time.Minute
	}
	if interval == 0 {
		interval = timeout / 2
	}

	return &StaleSendingJob{
		service:  service,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep until Stop is called or ctx ends
func (j *StaleSendingJob) Start(ctx context.Context) {
	j.logger.Info("starting stale sending sweep", zap.Duration("interval", j.interval), zap.Duration("timeout", j.timeout))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := j.service.RequeueStale(ctx, j.timeout); err != nil {
				j.logger.Error("error requeueing stale notifications", zap.Error(err))
			} else if n > 0 {
				j.logger.Warn("requeued stale notifications", zap.Int("count", n))
			}
		case <-j.stopCh:
			j.logger.Info("stopping stale sending sweep")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the sweep
func (j *StaleSendingJob) Stop() {
	close(j.stopCh)
}

// SchedulePoller runs due schedules
type SchedulePoller struct {
	service  Service
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewSchedulePoller creates a new schedule poller
func NewSchedulePoller(service Service, interval time.Duration, logger *zap.Logger) *SchedulePoller {
	if interval == 0 {
		interval = 1 * time.Minute // Default to 1 minute
	}

	return &SchedulePoller{
		service:  service,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poller until Stop is called or ctx ends
func (p *SchedulePoller) Start(ctx context.Context) {
	p.logger.Info("starting schedule poller", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run immediately on start
	p.poll(ctx)

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-p.stopCh:
			p.logger.Info("stopping schedule poller")
			return
		case <-ctx.Done():
			p.logger.Info("context cancelled, stopping schedule poller")
			return
		}
	}
}

// Stop stops the poller
func (p *SchedulePoller) Stop() {
	close(p.stopCh)
}

func (p *SchedulePoller) poll(ctx context.Context) {
	ran, err := p.service.RunDueSchedules(ctx)
	if err != nil {
		p.logger.Error("error running due schedules", zap.Error(err))
		return
	}
	if ran > 0 {
		p.logger.Info("schedules ran", zap.Int("count", ran))
	}
}

// LogCleanupJob enforces delivery log retention
type LogCleanupJob struct {
	service   Service
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
}

// NewLogCleanupJob creates a new cleanup job
func NewLogCleanupJob(service Service, interval, retention time.Duration, logger *zap.Logger) *LogCleanupJob {
	if interval == 0 {
		interval = 24 * time.Hour // Default to daily
	}
	if retention == 0 {
		retention = DefaultLogRetention
	}

	return &LogCleanupJob{
		service:   service,
		interval:  interval,
		retention: retention,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the cleanup until Stop is called or ctx ends
func (j *LogCleanupJob) Start(ctx context.Context) {
	j.logger.Info("starting delivery log cleanup", zap.Duration("interval", j.interval), zap.Duration("retention", j.retention))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			j.cleanup(ctx)
		case <-j.stopCh:
			j.logger.Info("stopping delivery log cleanup")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the cleanup job
func (j *LogCleanupJob) Stop() {
	close(j.stopCh)
}

func (j *LogCleanupJob) cleanup(ctx context.Context) {
	startTime := time.Now()
	deleted, err := j.service.CleanupLogs(ctx, j.retention)
	if err != nil {
		j.logger.Error("error cleaning up delivery logs", zap.Error(err))
		return
	}
	j.logger.Info("delivery log cleanup completed", zap.Int64("deleted", deleted), zap.Duration("took", time.Since(startTime)))
}
