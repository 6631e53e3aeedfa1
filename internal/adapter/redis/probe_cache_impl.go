package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/pkg/utils"
)

const probeCachePrefix = "probe:"

// ProbeCacheRepoImpl provides a concrete implementation for the ProbeCacheRepository interface using Redis.
type ProbeCacheRepoImpl struct {
	client *redis.Client
}

// NewProbeCacheRepo creates a new instance of ProbeCacheRepoImpl.
func NewProbeCacheRepo(client *redis.Client) *ProbeCacheRepoImpl {
	return &ProbeCacheRepoImpl{client: client}
}

// generateKey creates a consistent Redis key for a query and range by hashing them.
func (r *ProbeCacheRepoImpl) generateKey(query entity.QueryDefinition, pr entity.PriceRange) string {
	return fmt.Sprintf("%s%s", probeCachePrefix, utils.HashURL(query.CacheKey()+"|"+pr.String()))
}

// Get returns the cached count for the query and range.
func (r *ProbeCacheRepoImpl) Get(ctx context.Context, query entity.QueryDefinition, pr entity.PriceRange) (int, bool, error) {
	n, err := r.client.Get(ctx, r.generateKey(query, pr)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Set stores the count with an expiry. SETEX is atomic.
func (r *ProbeCacheRepoImpl) Set(ctx context.Context, query entity.QueryDefinition, pr entity.PriceRange, count int, ttl time.Duration) error {
	return r.client.SetEx(ctx, r.generateKey(query, pr), count, ttl).Err()
}
