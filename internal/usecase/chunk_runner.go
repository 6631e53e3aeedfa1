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

// ChunkRunner executes one dispatched chunk task.
type ChunkRunner interface {
	// ProcessChunk is idempotent: a chunk that is not claimable is skipped and
	// an outcome is counted at most once.
	ProcessChunk(ctx context.Context, task entity.ChunkTask) error
}

type chunkRunner struct {
	jobs        repository.ImportJobRepository
	worker      ChunkWorker
	lease       time.Duration
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewChunkRunner creates a runner. concurrency 0 uses the worker default.
func NewChunkRunner(
	jobs repository.ImportJobRepository,
	worker ChunkWorker,
	lease time.Duration,
	concurrency int,
	clock func() time.Time,
	logger *zap.Logger,
) ChunkRunner {
	if clock == nil {
		clock = time.Now
	}
	return &chunkRunner{
		jobs:        jobs,
		worker:      worker,
		lease:       lease,
		concurrency: concurrency,
		logger:      logger,
		now:         clock,
	}
}

func (r *chunkRunner) ProcessChunk(ctx context.Context, task entity.ChunkTask) error {
	log := r.logger.With(zap.String("job_id", task.JobID), zap.Int("chunk", task.ChunkIndex))

	job, err := r.jobs.Get(ctx, task.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("chunk task for unknown job dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != entity.JobRunning {
		metrics.ChunksTotal.WithLabelValues("skipped").Inc()
		log.Debug("job not running, chunk skipped", zap.String("status", string(job.Status)))
		return nil
	}

	now := r.now().UTC()
	chunk, claimed, err := r.jobs.ClaimChunk(ctx, task.JobID, task.ChunkIndex, now, now.Add(-r.lease))
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("chunk task for unknown chunk dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim chunk: %w", err)
	}
	if !claimed {
		metrics.ChunksTotal.WithLabelValues("skipped").Inc()
		log.Debug("chunk already claimed or finished")
		return nil
	}

	result, err := r.worker.FetchImportChunk(ctx, chunk.Items, r.concurrency, job.TotalItems)
	if err != nil && ctx.Err() != nil {
		// The claim expires and the chunk is redispatched.
		return err
	}

	outcome := entity.ChunkOutcome{Status: entity.ChunkCompleted}
	switch {
	case err != nil:
		outcome.Status = entity.ChunkFailed
		outcome.Error = err.Error()
		outcome.ItemsFailed = len(chunk.Items)
	default:
		outcome.ItemsSucceeded = len(result.Succeeded)
		outcome.ItemsFailed = len(result.Failed)
		outcome.FastMode = result.FastMode
		if len(result.Succeeded) == 0 && len(chunk.Items) > 0 {
			outcome.Status = entity.ChunkFailed
			outcome.Error = "no items succeeded"
			if len(result.Failed) > 0 {
				outcome.Error = fmt.Sprintf("no items succeeded: %s", result.Failed[0].Reason)
			}
		}
	}

	recorded, err := r.jobs.RecordChunkOutcome(ctx, task.JobID, task.ChunkIndex, outcome)
	if err != nil {
		return fmt.Errorf("record chunk outcome: %w", err)
	}
	if !recorded {
		log.Warn("chunk outcome already recorded, ignoring duplicate")
		return nil
	}

	metrics.ChunksTotal.WithLabelValues(string(outcome.Status)).Inc()
	log.Info("chunk processed",
		zap.String("status", string(outcome.Status)),
		zap.Int("succeeded", outcome.ItemsSucceeded),
		zap.Int("failed", outcome.ItemsFailed),
		zap.Bool("fast_mode", outcome.FastMode),
	)
	return nil
}
