package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

const chunkQueueKey = "ingest:chunks"

// ChunkQueueRepoImpl provides a concrete implementation for the ChunkQueueRepository interface using Redis Lists.
type ChunkQueueRepoImpl struct {
	client *redis.Client
}

// NewChunkQueueRepo creates a new instance of ChunkQueueRepoImpl.
func NewChunkQueueRepo(client *redis.Client) *ChunkQueueRepoImpl {
	return &ChunkQueueRepoImpl{client: client}
}

// Push adds tasks to the left side of the Redis list (acting as a queue).
func (r *ChunkQueueRepoImpl) Push(ctx context.Context, tasks ...entity.ChunkTask) error {
	if len(tasks) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	return r.client.LPush(ctx, chunkQueueKey, values...).Err()
}

// Pop blocks on the right side of the list for up to timeout.
func (r *ChunkQueueRepoImpl) Pop(ctx context.Context, timeout time.Duration) (entity.ChunkTask, error) {
	var task entity.ChunkTask
	res, err := r.client.BRPop(ctx, timeout, chunkQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return task, repository.ErrQueueEmpty
	}
	if err != nil {
		return task, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return task, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return task, fmt.Errorf("decode chunk task: %w", err)
	}
	return task, nil
}

// Size returns the current number of items in the queue.
func (r *ChunkQueueRepoImpl) Size(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, chunkQueueKey).Result()
}
