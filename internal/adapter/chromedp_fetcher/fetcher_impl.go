package chromedp_fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/user/listing-ingest/internal/adapter/htmlextract"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// Options configures the browser fetcher.
type Options struct {
	// MaxTabs bounds how many pages render at once.
	MaxTabs         int
	PageLoadTimeout time.Duration
	UserAgent       string
	// ExecPath overrides the browser binary; empty uses the chromedp lookup.
	ExecPath string
}

// DetailFetcherImpl renders detail and history pages in a headless browser
// and extracts them with htmlextract. It implements
// repository.DetailSourceRepository for sources whose pages need scripts.
type DetailFetcherImpl struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          *semaphore.Weighted
	timeout       time.Duration
	logger        *zap.Logger
}

// NewDetailFetcher starts a browser and returns a fetcher using it.
func NewDetailFetcher(opts Options, logger *zap.Logger) (*DetailFetcherImpl, error) {
	if opts.MaxTabs <= 0 {
		opts.MaxTabs = 4
	}
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 60 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = `Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36`
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(ua),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	// the first Run on the browser context launches the browser
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &DetailFetcherImpl{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          semaphore.NewWeighted(int64(opts.MaxTabs)),
		timeout:       opts.PageLoadTimeout,
		logger:        logger,
	}, nil
}

// Close shuts the browser down.
func (f *DetailFetcherImpl) Close() {
	f.browserCancel()
	f.allocCancel()
}

// FetchDetail renders the item page and extracts the listing.
func (f *DetailFetcherImpl) FetchDetail(ctx context.Context, ref entity.ItemRef) (*entity.ListingDetail, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("%w: item %q has no url", repository.ErrParse, ref.ID)
	}
	html, err := f.render(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	detail, err := htmlextract.ExtractDetail(ref.URL, strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	if detail.ItemID == "" {
		detail.ItemID = strings.TrimSpace(ref.ID)
	}
	return detail, nil
}

// FetchHistory renders the history page and extracts its sale rows.
func (f *DetailFetcherImpl) FetchHistory(ctx context.Context, historyURL string) ([]entity.SaleRecord, error) {
	html, err := f.render(ctx, historyURL)
	if err != nil {
		return nil, err
	}
	return htmlextract.ExtractHistory(strings.NewReader(html))
}

func (f *DetailFetcherImpl) render(ctx context.Context, url string) (string, error) {
	if err := f.tabs.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer f.tabs.Release(1)

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.timeout)
	defer cancel()

	// the tab ends when the caller gives up
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	start := time.Now()
	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.logger.Debug("Failed to render page", zap.String("url", url), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: render %s: timed out after %s", repository.ErrTransient, url, f.timeout)
		}
		return "", fmt.Errorf("%w: render %s: %v", repository.ErrTransient, url, err)
	}

	f.logger.Debug("Rendered page", zap.String("url", url), zap.Duration("took", time.Since(start)))
	return html, nil
}
