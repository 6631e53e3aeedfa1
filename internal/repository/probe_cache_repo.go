package repository

import (
	"context"
	"time"

	"github.com/user/listing-ingest/internal/entity"
)

// ProbeCacheRepository caches reported counts of range probes so repeated
// imports of the same query can skip known probes.
type ProbeCacheRepository interface {
	// Get returns the cached count and whether it was present.
	Get(ctx context.Context, query entity.QueryDefinition, r entity.PriceRange) (int, bool, error)
	// Set stores a count with an expiry.
	Set(ctx context.Context, query entity.QueryDefinition, r entity.PriceRange, count int, ttl time.Duration) error
}
