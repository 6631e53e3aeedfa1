package bootstrap

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/adapter/chromedp_fetcher"
	"github.com/user/listing-ingest/internal/adapter/httpsource"
	redis_adapter "github.com/user/listing-ingest/internal/adapter/redis"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
	"github.com/user/listing-ingest/pkg/config"
)

// Services holds the use cases shared by the API and worker processes.
type Services struct {
	Crawler   usecase.RangeSplitCrawler
	Runner    usecase.ChunkRunner
	Schedules usecase.ScheduleManager
	closers   []func()
}

// Close releases the browser and other resources opened by SetupServices.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// SetupServices builds the crawler, the chunk runner and the schedule manager.
// rdb may be nil.
func SetupServices(cfg *config.Config, store *Storage, rdb *redis.Client, log *zap.Logger) (*Services, error) {
	client, err := httpsource.NewClient(httpsource.Options{
		BaseURL:   cfg.SourceBaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		RPS:       cfg.RequestRPS,
		Burst:     cfg.RequestBurst,
		Proxies:   cfg.ProxyList(),
	}, log.Named("source"))
	if err != nil {
		return nil, fmt.Errorf("create source client: %w", err)
	}

	svc := &Services{}

	var details repository.DetailSourceRepository = client
	if strings.EqualFold(cfg.SourceMode, "browser") {
		fetcher, err := chromedp_fetcher.NewDetailFetcher(chromedp_fetcher.Options{
			MaxTabs:         cfg.MaxConcurrent,
			PageLoadTimeout: cfg.PageLoadTimeout,
			UserAgent:       cfg.UserAgent,
		}, log.Named("browser"))
		if err != nil {
			return nil, fmt.Errorf("start browser: %w", err)
		}
		svc.closers = append(svc.closers, fetcher.Close)
		details = fetcher
	}

	var cache repository.ProbeCacheRepository
	if rdb != nil {
		cache = redis_adapter.NewProbeCacheRepo(rdb)
	}

	split := usecase.DefaultSplitConfig()
	split.Ceiling = cfg.Ceiling
	split.MaxDepth = cfg.MaxDepth
	split.MinSplitWidth = cfg.MinSplitWidth
	split.SplitRatio = cfg.SplitRatio
	split.EdgeGap = cfg.SplitEdgeGap
	split.PageSize = cfg.PageSize
	split.LeafDelay = cfg.LeafDelay
	split.SplitDelay = cfg.SplitDelay

	probe := usecase.NewRangeProbe(client, cache, cfg.ProbeCacheTTL, log.Named("probe"))
	walker := usecase.NewPageWalker(usecase.PageWalkerConfig{
		PageSize:      cfg.PageSize,
		MaxEmptyPages: cfg.MaxEmptyPages,
		PageCap:       cfg.PageCap,
		Attempts:      cfg.PageAttempts,
		RetryDelay:    cfg.PageRetryDelay,
	}, client, log.Named("walker"))
	svc.Crawler = usecase.NewRangeSplitCrawler(split, probe, walker, log.Named("crawler"))

	worker := usecase.NewChunkWorker(usecase.ChunkWorkerConfig{
		SubBatchSize:  cfg.SubBatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
		FastModeAbove: cfg.FastModeAbove,
		ItemAttempts:  cfg.ItemAttempts,
		RetryDelay:    cfg.ItemRetryDelay,
		ItemTimeout:   cfg.ItemTimeout,
	}, details, store.Records, log.Named("chunk_worker"))
	svc.Runner = usecase.NewChunkRunner(store.Jobs, worker, cfg.ChunkLease, 0, nil, log.Named("runner"))
	svc.Schedules = usecase.NewScheduleManager(store.Schedules, store.Jobs, cfg.ChunkSize, nil, log.Named("schedules"))

	return svc, nil
}

// OrchestratorConfig maps the settings of the import lifecycle.
func OrchestratorConfig(cfg *config.Config) usecase.OrchestratorConfig {
	return usecase.OrchestratorConfig{
		ChunkSize:       cfg.ChunkSize,
		DefaultMaxPrice: cfg.DefaultMaxPrice,
		PlanningLease:   cfg.PlanningLease,
		ChunkLease:      cfg.ChunkLease,
		RedispatchAfter: cfg.RedispatchAfter,
	}
}
