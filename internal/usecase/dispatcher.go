package usecase

import (
	"context"
	"fmt"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// ChunkDispatcher hands chunk tasks to whatever executes them.
// Dispatching the same task twice must be harmless.
type ChunkDispatcher interface {
	Dispatch(ctx context.Context, tasks []entity.ChunkTask) error
}

type queueDispatcher struct {
	queue repository.ChunkQueueRepository
}

// NewQueueDispatcher dispatches tasks onto a shared queue consumed by worker processes.
func NewQueueDispatcher(queue repository.ChunkQueueRepository) ChunkDispatcher {
	return &queueDispatcher{queue: queue}
}

func (d *queueDispatcher) Dispatch(ctx context.Context, tasks []entity.ChunkTask) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := d.queue.Push(ctx, tasks...); err != nil {
		return fmt.Errorf("push %d chunk tasks: %w", len(tasks), err)
	}
	if size, err := d.queue.Size(ctx); err == nil {
		metrics.ChunksInQueue.Set(float64(size))
	}
	return nil
}
