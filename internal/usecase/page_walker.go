package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// PageWalkerConfig bounds a pagination walk.
type PageWalkerConfig struct {
	PageSize int
	// MaxEmptyPages stops the walk after this many consecutive pages without new items.
	MaxEmptyPages int
	// PageCap is a hard limit on pages per walk.
	PageCap int
	// Attempts is the number of tries per page before it counts as failed.
	Attempts   int
	RetryDelay time.Duration
}

// DefaultPageWalkerConfig returns the defaults used for exhaustive leaf walks.
func DefaultPageWalkerConfig() PageWalkerConfig {
	return PageWalkerConfig{
		PageSize:      50,
		MaxEmptyPages: 3,
		PageCap:       500,
		Attempts:      3,
		RetryDelay:    2 * time.Second,
	}
}

// WalkResult is the outcome of one walk.
type WalkResult struct {
	Items       []entity.ItemRef
	Pages       int
	FailedPages int
}

// PageWalker paginates a query whose result count is under the source ceiling.
type PageWalker interface {
	Walk(ctx context.Context, req entity.SearchRequest) (*WalkResult, error)
}

type pageWalker struct {
	cfg    PageWalkerConfig
	source repository.SearchSourceRepository
	logger *zap.Logger
}

// NewPageWalker creates a walker over the search source.
func NewPageWalker(cfg PageWalkerConfig, source repository.SearchSourceRepository, logger *zap.Logger) PageWalker {
	def := DefaultPageWalkerConfig()
	if cfg.MaxEmptyPages <= 0 {
		cfg.MaxEmptyPages = def.MaxEmptyPages
	}
	if cfg.PageCap <= 0 {
		cfg.PageCap = def.PageCap
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &pageWalker{cfg: cfg, source: source, logger: logger}
}

// Walk fetches pages from 0 until MaxEmptyPages consecutive pages add nothing
// new, or PageCap is reached. A page that fails every attempt counts as empty.
// Only context cancellation is returned as an error, together with the items
// found so far.
func (w *pageWalker) Walk(ctx context.Context, req entity.SearchRequest) (*WalkResult, error) {
	seen := NewDedupCollector()
	result := &WalkResult{}
	consecutiveEmpty := 0

	for page := 0; page < w.cfg.PageCap; page++ {
		if err := ctx.Err(); err != nil {
			result.Items = seen.Items()
			return result, err
		}

		pageReq := req
		pageReq.Page = page
		if pageReq.PageSize == 0 {
			pageReq.PageSize = w.cfg.PageSize
		}

		sp, err := w.fetchPage(ctx, pageReq)
		if err != nil {
			if ctx.Err() != nil {
				result.Items = seen.Items()
				return result, ctx.Err()
			}
			result.FailedPages++
			consecutiveEmpty++
			metrics.PageFetchesTotal.WithLabelValues("failure").Inc()
			w.logger.Warn("search page failed after retries",
				zap.Stringer("range", req.Range),
				zap.Int("page", page),
				zap.Error(err),
			)
		} else {
			result.Pages++
			metrics.PageFetchesTotal.WithLabelValues("success").Inc()
			added := 0
			for _, item := range sp.Items {
				if seen.Add(item) {
					added++
				}
			}
			if added == 0 {
				consecutiveEmpty++
			} else {
				consecutiveEmpty = 0
			}
		}

		if consecutiveEmpty >= w.cfg.MaxEmptyPages {
			break
		}
	}

	result.Items = seen.Items()
	return result, nil
}

func (w *pageWalker) fetchPage(ctx context.Context, req entity.SearchRequest) (*entity.SearchPage, error) {
	var page *entity.SearchPage
	op := func() error {
		p, err := w.source.Search(ctx, req)
		if err != nil {
			if errors.Is(err, repository.ErrParse) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), uint64(w.cfg.Attempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		w.logger.Debug("retrying search page",
			zap.Stringer("range", req.Range),
			zap.Int("page", req.Page),
			zap.Duration("delay", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	if page == nil {
		page = &entity.SearchPage{}
	}
	return page, nil
}
