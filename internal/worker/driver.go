package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/usecase"
)

const driverListLimit = 200

// Driver advances unfinished imports on a timer so they progress with no
// client polling. Each job has at most one advance in flight.
type Driver struct {
	orchestrator usecase.ImportOrchestrator
	schedules    usecase.ScheduleManager
	interval     time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewDriver(orchestrator usecase.ImportOrchestrator, schedules usecase.ScheduleManager, interval time.Duration, logger *zap.Logger) *Driver {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Driver{
		orchestrator: orchestrator,
		schedules:    schedules,
		interval:     interval,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight advances.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick starts any pending schedule and launches one advance per unfinished job.
func (d *Driver) Tick(ctx context.Context) {
	if d.schedules != nil {
		job, err := d.schedules.StartNext(ctx)
		if err != nil {
			d.logger.Error("failed to start next schedule", zap.Error(err))
		} else if job != nil {
			d.logger.Info("scheduled import started", zap.String("job_id", job.ID))
		}
	}

	jobs, err := d.orchestrator.List(ctx, driverListLimit)
	if err != nil {
		d.logger.Error("failed to list imports", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.Status.IsTerminal() || !d.acquire(job.JobID) {
			continue
		}
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			defer d.release(id)
			d.advance(ctx, id)
		}(job.JobID)
	}
}

// Wait blocks until every advance started by Tick has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) advance(ctx context.Context, jobID string) {
	res, err := d.orchestrator.Advance(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("background advance failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	d.logger.Debug("import advanced",
		zap.String("job_id", jobID),
		zap.String("status", string(res.Progress.Status)),
		zap.Float64("percent", res.Progress.Percent),
	)
}

func (d *Driver) acquire(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[jobID]; busy {
		return false
	}
	d.inflight[jobID] = struct{}{}
	return true
}

func (d *Driver) release(jobID string) {
	d.mu.Lock()
	delete(d.inflight, jobID)
	d.mu.Unlock()
}
