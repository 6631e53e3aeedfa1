package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
	"github.com/user/listing-ingest/pkg/metrics"
)

// QueueConsumer pulls chunk tasks from the shared queue and runs them.
type QueueConsumer struct {
	queue      repository.ChunkQueueRepository
	runner     usecase.ChunkRunner
	workers    int
	popTimeout time.Duration
	errorPause time.Duration
	logger     *zap.Logger
}

// NewQueueConsumer creates a consumer running up to workers chunks at once.
func NewQueueConsumer(
	queue repository.ChunkQueueRepository,
	runner usecase.ChunkRunner,
	workers int,
	popTimeout time.Duration,
	logger *zap.Logger,
) *QueueConsumer {
	if workers <= 0 {
		workers = 1
	}
	if popTimeout < time.Second {
		popTimeout = time.Second
	}
	return &QueueConsumer{
		queue:      queue,
		runner:     runner,
		workers:    workers,
		popTimeout: popTimeout,
		errorPause: time.Second,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (c *QueueConsumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.loop(ctx, id)
		}(i)
	}
	c.logger.Info("queue consumer started", zap.Int("workers", c.workers))
	wg.Wait()
	c.logger.Info("queue consumer stopped")
}

func (c *QueueConsumer) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		task, err := c.queue.Pop(ctx, c.popTimeout)
		if errors.Is(err, repository.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to pop chunk task", zap.Int("worker", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errorPause):
			}
			continue
		}

		if size, err := c.queue.Size(ctx); err == nil {
			metrics.ChunksInQueue.Set(float64(size))
		}
		if err := c.runner.ProcessChunk(ctx, task); err != nil {
			c.logger.Warn("chunk task failed",
				zap.Int("worker", id),
				zap.String("job_id", task.JobID),
				zap.Int("chunk", task.ChunkIndex),
				zap.Error(err),
			)
		}
	}
}
