package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// RoundingTier rounds split points below Below to a multiple of Step.
// Below == 0 matches every value.
type RoundingTier struct {
	Below int64
	Step  int64
}

// SplitConfig tunes the range split crawl.
type SplitConfig struct {
	// Ceiling is the maximum number of results the source will page through.
	Ceiling  int
	MaxDepth int
	// MinSplitWidth is the narrowest range that is still split.
	MinSplitWidth int64
	// SplitRatio places the split point at Min + ratio*width before rounding.
	SplitRatio float64
	// EdgeGap keeps the split point at least this far from either bound.
	EdgeGap  int64
	Rounding []RoundingTier
	PageSize int
	// LeafDelay is waited after every scraped leaf.
	LeafDelay time.Duration
	// SplitDelay is waited before processing the right child of a split.
	SplitDelay time.Duration
}

// DefaultSplitConfig returns the tuning used against the live source.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		Ceiling:       1000,
		MaxDepth:      10,
		MinSplitWidth: 5000,
		SplitRatio:    0.4,
		EdgeGap:       1000,
		Rounding: []RoundingTier{
			{Below: 100_000, Step: 5_000},
			{Below: 1_000_000, Step: 10_000},
			{Below: 0, Step: 50_000},
		},
		PageSize:   50,
		LeafDelay:  300 * time.Millisecond,
		SplitDelay: time.Second,
	}
}

// RangeSplitCrawler collects every item matching a query by recursively
// partitioning the price range until each leaf is under the source ceiling.
type RangeSplitCrawler interface {
	Crawl(ctx context.Context, query entity.QueryDefinition, initial entity.PriceRange) ([]entity.ItemRef, *entity.SplitStats, error)
}

type rangeSplitCrawler struct {
	cfg    SplitConfig
	probe  RangeProbe
	walker PageWalker
	logger *zap.Logger
}

// NewRangeSplitCrawler creates a crawler.
func NewRangeSplitCrawler(cfg SplitConfig, probe RangeProbe, walker PageWalker, logger *zap.Logger) RangeSplitCrawler {
	def := DefaultSplitConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.SplitRatio <= 0 || cfg.SplitRatio >= 1 {
		cfg.SplitRatio = def.SplitRatio
	}
	if cfg.EdgeGap < 0 {
		cfg.EdgeGap = 0
	}
	return &rangeSplitCrawler{cfg: cfg, probe: probe, walker: walker, logger: logger}
}

type crawlFrame struct {
	node entity.RangeNode
	// rightSibling is set on the second child of a split.
	rightSibling bool
}

// Crawl processes ranges depth first from an explicit stack, left child before
// right. Probe failures are treated as under the ceiling so the range is still
// scraped. The crawl only fails outright when the root range could neither be
// probed nor paged, or when ctx is cancelled.
func (c *rangeSplitCrawler) Crawl(
	ctx context.Context,
	query entity.QueryDefinition,
	initial entity.PriceRange,
) ([]entity.ItemRef, *entity.SplitStats, error) {
	if !initial.Valid() {
		return nil, nil, fmt.Errorf("%w: %s", entity.ErrInvalidPriceRange, initial)
	}

	collector := NewDedupCollector()
	stats := &entity.SplitStats{}
	stack := []crawlFrame{{node: entity.RangeNode{PriceRange: initial, Depth: 0}}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return collector.Items(), stats, err
		}

		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := frame.node

		if frame.rightSibling {
			if err := sleepCtx(ctx, c.cfg.SplitDelay); err != nil {
				return collector.Items(), stats, err
			}
		}

		reported, probeErr := c.probe.Probe(ctx, query, node.PriceRange)
		if probeErr != nil {
			if ctx.Err() != nil {
				return collector.Items(), stats, ctx.Err()
			}
			c.logger.Warn("range probe failed, scraping range directly",
				zap.Stringer("range", node.PriceRange),
				zap.Int("depth", node.Depth),
				zap.Error(probeErr),
			)
			reported = 0
		}

		leaf := entity.LeafRecord{
			Range:         node.PriceRange,
			Depth:         node.Depth,
			ReportedCount: reported,
			ProbeFailed:   probeErr != nil,
			Reason:        entity.LeafUnderCeiling,
		}

		if reported > c.cfg.Ceiling {
			if node.Depth >= c.cfg.MaxDepth {
				leaf.Forced = true
				leaf.Reason = entity.LeafMaxDepth
			} else if mid, ok := c.splitPoint(node.PriceRange); ok {
				stats.TotalSplits++
				if node.Depth+1 > stats.MaxDepthReached {
					stats.MaxDepthReached = node.Depth + 1
				}
				metrics.SplitsTotal.Inc()
				c.logger.Debug("splitting range",
					zap.Stringer("range", node.PriceRange),
					zap.Int("depth", node.Depth),
					zap.Int("reported", reported),
					zap.Int64("split_at", mid),
				)
				left := entity.RangeNode{PriceRange: entity.PriceRange{Min: node.Min, Max: mid}, Depth: node.Depth + 1}
				right := entity.RangeNode{PriceRange: entity.PriceRange{Min: mid, Max: node.Max}, Depth: node.Depth + 1}
				stack = append(stack,
					crawlFrame{node: right, rightSibling: true},
					crawlFrame{node: left},
				)
				continue
			} else {
				leaf.Forced = true
				leaf.Reason = entity.LeafTooNarrow
			}
		}

		if leaf.Forced {
			c.logger.Warn("range over ceiling cannot be split further, results may be truncated",
				zap.Stringer("range", node.PriceRange),
				zap.Int("depth", node.Depth),
				zap.Int("reported", reported),
				zap.String("reason", leaf.Reason),
			)
		}

		req := entity.SearchRequest{Query: query, Range: node.PriceRange, PageSize: c.cfg.PageSize}
		result, walkErr := c.walker.Walk(ctx, req)
		if result == nil {
			result = &WalkResult{}
		}
		leaf.ItemsFound = len(result.Items)
		for _, item := range result.Items {
			if collector.Add(item) {
				leaf.UniqueAdded++
			}
		}
		stats.Leaves = append(stats.Leaves, leaf)
		metrics.LeafItems.Observe(float64(leaf.ItemsFound))

		if walkErr != nil {
			return collector.Items(), stats, walkErr
		}

		if node.Depth == 0 && probeErr != nil && result.Pages == 0 {
			return nil, stats, fmt.Errorf("%w: root range %s: %v", repository.ErrSourceUnavailable, node.PriceRange, probeErr)
		}

		if len(stack) > 0 {
			if err := sleepCtx(ctx, c.cfg.LeafDelay); err != nil {
				return collector.Items(), stats, err
			}
		}
	}

	c.logger.Info("range split crawl finished",
		zap.Int("unique_items", collector.Len()),
		zap.Int("splits", stats.TotalSplits),
		zap.Int("leaves", len(stats.Leaves)),
		zap.Int("max_depth", stats.MaxDepthReached),
	)
	return collector.Items(), stats, nil
}

// splitPoint returns the boundary shared by both children, or false when the
// range is too narrow to split.
func (c *rangeSplitCrawler) splitPoint(r entity.PriceRange) (int64, bool) {
	width := r.Width()
	if width < c.cfg.MinSplitWidth || width < 2*c.cfg.EdgeGap || width < 2 {
		return 0, false
	}

	lo := r.Min + max(c.cfg.EdgeGap, 1)
	hi := r.Max - max(c.cfg.EdgeGap, 1)
	if lo > hi {
		return 0, false
	}

	raw := float64(r.Min) + c.cfg.SplitRatio*float64(width)
	mid := roundSplit(raw, c.cfg.Rounding)
	if mid < lo {
		mid = lo
	}
	if mid > hi {
		mid = hi
	}
	return mid, true
}

func roundSplit(v float64, tiers []RoundingTier) int64 {
	var step int64
	for _, t := range tiers {
		if t.Below == 0 || v < float64(t.Below) {
			step = t.Step
			break
		}
	}
	if step <= 0 {
		return int64(math.Round(v))
	}
	return int64(math.Round(v/float64(step))) * step
}
