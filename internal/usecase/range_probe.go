package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// RangeProbe asks the source how many matches a query has within a range.
// The answer is a decision signal for splitting, never a correctness guarantee.
type RangeProbe interface {
	Probe(ctx context.Context, query entity.QueryDefinition, r entity.PriceRange) (int, error)
}

type rangeProbe struct {
	source   repository.SearchSourceRepository
	cache    repository.ProbeCacheRepository
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewRangeProbe creates a probe. cache may be nil.
func NewRangeProbe(
	source repository.SearchSourceRepository,
	cache repository.ProbeCacheRepository,
	cacheTTL time.Duration,
	logger *zap.Logger,
) RangeProbe {
	return &rangeProbe{
		source:   source,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

func (p *rangeProbe) Probe(ctx context.Context, query entity.QueryDefinition, r entity.PriceRange) (int, error) {
	if p.cache != nil {
		count, ok, err := p.cache.Get(ctx, query, r)
		if err != nil {
			p.logger.Warn("probe cache lookup failed", zap.Stringer("range", r), zap.Error(err))
		} else if ok {
			metrics.ProbesTotal.WithLabelValues("cached").Inc()
			return count, nil
		}
	}

	count, err := p.source.Count(ctx, entity.SearchRequest{Query: query, Range: r, Page: 0, PageSize: 1})
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("probe %s: %w", r, err)
	}
	metrics.ProbesTotal.WithLabelValues("ok").Inc()

	if p.cache != nil && p.cacheTTL > 0 {
		if err := p.cache.Set(ctx, query, r, count, p.cacheTTL); err != nil {
			p.logger.Warn("probe cache store failed", zap.Stringer("range", r), zap.Error(err))
		}
	}
	return count, nil
}
