package repository

import (
	"context"
	"time"

	"github.com/user/listing-ingest/internal/entity"
)

// ChunkQueueRepository defines a FIFO queue of chunk tasks shared by worker processes.
type ChunkQueueRepository interface {
	// Push adds tasks to the end of the queue.
	Push(ctx context.Context, tasks ...entity.ChunkTask) error
	// Pop removes and returns a task from the front of the queue, waiting up to
	// timeout. It returns ErrQueueEmpty when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (entity.ChunkTask, error)
	// Size returns the current number of queued tasks.
	Size(ctx context.Context) (int64, error)
}
