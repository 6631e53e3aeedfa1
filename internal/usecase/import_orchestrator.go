package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// OrchestratorConfig tunes the import lifecycle.
type OrchestratorConfig struct {
	ChunkSize       int
	DefaultMaxPrice int64
	// PlanningLease is how long a planning claim is honoured before another
	// caller may take over. It also bounds a single planning crawl.
	PlanningLease time.Duration
	// ChunkLease is how long a running chunk is honoured before it is redispatched.
	ChunkLease time.Duration
	// RedispatchAfter is the minimum time between dispatch rounds of one job.
	RedispatchAfter time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultOrchestratorConfig returns the production tuning.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ChunkSize:       20,
		DefaultMaxPrice: 10_000_000,
		PlanningLease:   30 * time.Minute,
		ChunkLease:      15 * time.Minute,
		RedispatchAfter: 10 * time.Minute,
	}
}

// AdvanceResult is returned to pollers after every advance call.
type AdvanceResult struct {
	Progress entity.JobProgress `json:"progress"`
	// ContinuePolling is false once the job is terminal and no schedule was started.
	ContinuePolling bool `json:"continue_polling"`
	// NextJobID is set when finishing this job started the next scheduled one.
	NextJobID string `json:"next_job_id,omitempty"`
}

// ImportOrchestrator drives an import job through its lifecycle. Advance is
// safe to call concurrently and repeatedly for the same job.
type ImportOrchestrator interface {
	Submit(ctx context.Context, query entity.QueryDefinition) (*entity.ImportJob, error)
	Advance(ctx context.Context, jobID string) (*AdvanceResult, error)
	Status(ctx context.Context, jobID string) (*entity.JobProgress, error)
	Cancel(ctx context.Context, jobID string) (*entity.JobProgress, error)
	List(ctx context.Context, limit int) ([]entity.JobProgress, error)
}

type importOrchestrator struct {
	cfg        OrchestratorConfig
	jobs       repository.ImportJobRepository
	crawler    RangeSplitCrawler
	dispatcher ChunkDispatcher
	schedules  ScheduleManager
	logger     *zap.Logger
}

// NewImportOrchestrator creates an orchestrator.
func NewImportOrchestrator(
	cfg OrchestratorConfig,
	jobs repository.ImportJobRepository,
	crawler RangeSplitCrawler,
	dispatcher ChunkDispatcher,
	schedules ScheduleManager,
	logger *zap.Logger,
) ImportOrchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.DefaultMaxPrice <= 0 {
		cfg.DefaultMaxPrice = def.DefaultMaxPrice
	}
	if cfg.PlanningLease <= 0 {
		cfg.PlanningLease = def.PlanningLease
	}
	if cfg.ChunkLease <= 0 {
		cfg.ChunkLease = def.ChunkLease
	}
	if cfg.RedispatchAfter < 0 {
		cfg.RedispatchAfter = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &importOrchestrator{
		cfg:        cfg,
		jobs:       jobs,
		crawler:    crawler,
		dispatcher: dispatcher,
		schedules:  schedules,
		logger:     logger,
	}
}

func (o *importOrchestrator) now() time.Time {
	return o.cfg.Clock().UTC()
}

func (o *importOrchestrator) Submit(ctx context.Context, query entity.QueryDefinition) (*entity.ImportJob, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	job := newImportJob(query, nil, o.cfg.ChunkSize, o.now())
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	o.logger.Info("import job submitted", zap.String("job_id", job.ID))
	return job, nil
}

func (o *importOrchestrator) Status(ctx context.Context, jobID string) (*entity.JobProgress, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p := job.Progress()
	return &p, nil
}

func (o *importOrchestrator) List(ctx context.Context, limit int) ([]entity.JobProgress, error) {
	jobs, err := o.jobs.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]entity.JobProgress, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Progress())
	}
	return out, nil
}

func (o *importOrchestrator) Advance(ctx context.Context, jobID string) (*AdvanceResult, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case entity.JobPending:
		return o.plan(ctx, job)
	case entity.JobPlanning:
		if o.planningExpired(job) {
			o.logger.Warn("planning lease expired, re-planning", zap.String("job_id", job.ID))
			return o.plan(ctx, job)
		}
		return &AdvanceResult{Progress: job.Progress(), ContinuePolling: true}, nil
	case entity.JobRunning:
		return o.advanceRunning(ctx, job)
	default:
		return o.advanceTerminal(ctx, job)
	}
}

func (o *importOrchestrator) planningExpired(job *entity.ImportJob) bool {
	if job.TotalChunks != nil || job.PlanningStartedAt == nil {
		return false
	}
	return job.PlanningStartedAt.Before(o.now().Add(-o.cfg.PlanningLease))
}

// plan claims the job, runs the crawl and writes the chunk plan. Only the
// caller that wins the claim crawls; every other caller just reports status.
func (o *importOrchestrator) plan(ctx context.Context, job *entity.ImportJob) (*AdvanceResult, error) {
	now := o.now()
	claimed, err := o.jobs.ClaimPlanning(ctx, job.ID, now, now.Add(-o.cfg.PlanningLease))
	if err != nil {
		return nil, fmt.Errorf("claim planning: %w", err)
	}
	if !claimed {
		return o.report(ctx, job.ID)
	}

	if err := o.schedules.JobStarted(ctx, job); err != nil {
		o.logger.Warn("failed to mark schedule importing", zap.String("job_id", job.ID), zap.Error(err))
	}

	// The crawl outlives a poller that disconnects; the lease bounds it instead.
	crawlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PlanningLease)
	defer cancel()

	o.logger.Info("planning import", zap.String("job_id", job.ID))
	start := time.Now()
	items, stats, err := o.crawler.Crawl(crawlCtx, job.Query, job.Query.InitialRange(o.cfg.DefaultMaxPrice))
	metrics.PlanningDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		o.logger.Error("planning crawl failed", zap.String("job_id", job.ID), zap.Error(err))
		if ferr := o.finish(ctx, job.ID, []entity.JobStatus{entity.JobPlanning}, entity.JobFailed,
			fmt.Sprintf("planning failed: %v", err)); ferr != nil && !errors.Is(ferr, repository.ErrInvalidTransition) {
			return nil, ferr
		}
		return o.report(ctx, job.ID)
	}

	plan := repository.ImportPlan{
		Chunks:     entity.SplitIntoChunks(items, o.cfg.ChunkSize),
		ChunkSize:  o.cfg.ChunkSize,
		TotalItems: len(items),
	}
	if stats != nil {
		plan.Split = stats.Summary(len(items))
	}
	if len(plan.Chunks) == 0 {
		plan.Message = "no matches"
	}

	err = o.jobs.SavePlan(ctx, job.ID, plan, o.now())
	if errors.Is(err, repository.ErrPlanAlreadySet) || errors.Is(err, repository.ErrInvalidTransition) {
		o.logger.Warn("plan not written, job moved on concurrently",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return o.report(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	o.logger.Info("import planned",
		zap.String("job_id", job.ID),
		zap.Int("items", plan.TotalItems),
		zap.Int("chunks", len(plan.Chunks)),
		zap.Int("splits", plan.Split.TotalSplits),
	)

	job, err = o.jobs.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
		return o.advanceTerminal(ctx, job)
	}

	indexes := make([]int, len(plan.Chunks))
	for i := range indexes {
		indexes[i] = i
	}
	o.dispatch(ctx, job.ID, indexes)
	return o.report(ctx, job.ID)
}

func (o *importOrchestrator) advanceRunning(ctx context.Context, job *entity.ImportJob) (*AdvanceResult, error) {
	if job.Done() {
		completed, err := o.jobs.CompleteIfDone(ctx, job.ID, o.now())
		if err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
		job, err = o.jobs.Get(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if completed {
			metrics.JobsTotal.WithLabelValues(string(entity.JobCompleted)).Inc()
			o.logger.Info("import completed",
				zap.String("job_id", job.ID),
				zap.Int("completed_chunks", job.CompletedChunks),
				zap.Int("failed_chunks", job.FailedChunks),
			)
		}
		if job.Status.IsTerminal() {
			return o.advanceTerminal(ctx, job)
		}
		return &AdvanceResult{Progress: job.Progress(), ContinuePolling: true}, nil
	}

	now := o.now()
	if job.LastDispatchAt == nil || !job.LastDispatchAt.After(now.Add(-o.cfg.RedispatchAfter)) {
		indexes, err := o.jobs.UnfinishedChunks(ctx, job.ID, now.Add(-o.cfg.ChunkLease))
		if err != nil {
			return nil, fmt.Errorf("list unfinished chunks: %w", err)
		}
		if len(indexes) > 0 {
			o.logger.Info("redispatching chunks", zap.String("job_id", job.ID), zap.Int("chunks", len(indexes)))
			o.dispatch(ctx, job.ID, indexes)
		}
	}
	return &AdvanceResult{Progress: job.Progress(), ContinuePolling: true}, nil
}

// advanceTerminal propagates the outcome to the linked schedule and starts
// the next pending schedule, if any.
func (o *importOrchestrator) advanceTerminal(ctx context.Context, job *entity.ImportJob) (*AdvanceResult, error) {
	res := &AdvanceResult{Progress: job.Progress()}
	if err := o.schedules.JobFinished(ctx, job); err != nil {
		o.logger.Warn("failed to update schedule", zap.String("job_id", job.ID), zap.Error(err))
		return res, nil
	}
	next, err := o.schedules.StartNext(ctx)
	if err != nil {
		o.logger.Warn("failed to start next schedule", zap.Error(err))
		return res, nil
	}
	if next != nil {
		res.ContinuePolling = true
		res.NextJobID = next.ID
	}
	return res, nil
}

func (o *importOrchestrator) Cancel(ctx context.Context, jobID string) (*entity.JobProgress, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		p := job.Progress()
		return &p, repository.ErrJobTerminal
	}

	err = o.finish(ctx, jobID,
		[]entity.JobStatus{entity.JobPending, entity.JobPlanning, entity.JobRunning},
		entity.JobCancelled, "cancelled by request")
	if errors.Is(err, repository.ErrInvalidTransition) {
		job, gerr := o.jobs.Get(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		p := job.Progress()
		return &p, repository.ErrJobTerminal
	}
	if err != nil {
		return nil, err
	}

	job, err = o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("import cancelled", zap.String("job_id", jobID))
	p := job.Progress()
	return &p, nil
}

// finish moves the job to a terminal status and updates its schedule.
func (o *importOrchestrator) finish(ctx context.Context, jobID string, from []entity.JobStatus, to entity.JobStatus, msg string) error {
	if err := o.jobs.Finish(ctx, jobID, from, to, msg, o.now()); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(string(to)).Inc()
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.schedules.JobFinished(ctx, job); err != nil {
		o.logger.Warn("failed to update schedule", zap.String("job_id", jobID), zap.Error(err))
	}
	return nil
}

func (o *importOrchestrator) dispatch(ctx context.Context, jobID string, indexes []int) {
	tasks := make([]entity.ChunkTask, len(indexes))
	for i, idx := range indexes {
		tasks[i] = entity.ChunkTask{JobID: jobID, ChunkIndex: idx}
	}
	if err := o.dispatcher.Dispatch(ctx, tasks); err != nil {
		// LastDispatchAt is left as is so the next advance retries.
		o.logger.Error("chunk dispatch failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := o.jobs.MarkDispatched(ctx, jobID, o.now()); err != nil {
		o.logger.Warn("failed to record dispatch time", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *importOrchestrator) report(ctx context.Context, jobID string) (*AdvanceResult, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return o.advanceTerminal(ctx, job)
	}
	return &AdvanceResult{Progress: job.Progress(), ContinuePolling: true}, nil
}
