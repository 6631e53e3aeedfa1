package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/metrics"
)

// ChunkWorkerConfig tunes detail fetching.
type ChunkWorkerConfig struct {
	SubBatchSize int
	// MaxConcurrent is the default number of sub-batches in flight.
	MaxConcurrent int
	// FastModeAbove skips history enrichment for batches larger than this.
	FastModeAbove int
	ItemAttempts  int
	RetryDelay    time.Duration
	// ItemTimeout bounds a single detail request.
	ItemTimeout time.Duration
}

// DefaultChunkWorkerConfig returns the production tuning.
func DefaultChunkWorkerConfig() ChunkWorkerConfig {
	return ChunkWorkerConfig{
		SubBatchSize:  20,
		MaxConcurrent: 6,
		FastModeAbove: 200,
		ItemAttempts:  3,
		RetryDelay:    3 * time.Second,
		ItemTimeout:   30 * time.Second,
	}
}

// FailedItem is an item the worker could not fetch or persist.
type FailedItem struct {
	Ref    entity.ItemRef `json:"ref"`
	Reason string         `json:"reason"`
}

// BatchResult is the outcome of FetchBatch. Succeeded holds the records as
// read back from storage.
type BatchResult struct {
	Succeeded  []entity.DetailRecord
	Failed     []FailedItem
	FastMode   bool
	SubBatches int
}

// ChunkWorker fetches full details for a batch of item references and persists them.
type ChunkWorker interface {
	// FetchBatch never fails because of individual items. It returns an error
	// only when ctx is done before any work started.
	FetchBatch(ctx context.Context, refs []entity.ItemRef, concurrency int) (*BatchResult, error)
	// FetchImportChunk fetches one chunk of an import of importItems items.
	// Fast mode is decided by the import size, not the chunk size.
	FetchImportChunk(ctx context.Context, refs []entity.ItemRef, concurrency, importItems int) (*BatchResult, error)
}

type chunkWorker struct {
	cfg     ChunkWorkerConfig
	source  repository.DetailSourceRepository
	records repository.DetailRecordRepository
	logger  *zap.Logger
}

// NewChunkWorker creates a worker.
func NewChunkWorker(
	cfg ChunkWorkerConfig,
	source repository.DetailSourceRepository,
	records repository.DetailRecordRepository,
	logger *zap.Logger,
) ChunkWorker {
	def := DefaultChunkWorkerConfig()
	if cfg.SubBatchSize <= 0 {
		cfg.SubBatchSize = def.SubBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ItemAttempts <= 0 {
		cfg.ItemAttempts = def.ItemAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &chunkWorker{cfg: cfg, source: source, records: records, logger: logger}
}

type subBatchResult struct {
	succeeded []entity.DetailRecord
	failed    []FailedItem
}

func (w *chunkWorker) FetchBatch(ctx context.Context, refs []entity.ItemRef, concurrency int) (*BatchResult, error) {
	return w.fetch(ctx, refs, concurrency, len(refs))
}

func (w *chunkWorker) FetchImportChunk(ctx context.Context, refs []entity.ItemRef, concurrency, importItems int) (*BatchResult, error) {
	return w.fetch(ctx, refs, concurrency, max(importItems, len(refs)))
}

func (w *chunkWorker) fetch(ctx context.Context, refs []entity.ItemRef, concurrency, importItems int) (*BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return &BatchResult{}, nil
	}
	if concurrency <= 0 {
		concurrency = w.cfg.MaxConcurrent
	}

	fast := w.cfg.FastModeAbove > 0 && importItems > w.cfg.FastModeAbove
	subBatches := entity.SplitIntoChunks(refs, w.cfg.SubBatchSize)
	results := make([]subBatchResult, len(subBatches))

	if fast {
		w.logger.Info("import over fast mode threshold, skipping history enrichment",
			zap.Int("items", len(refs)),
			zap.Int("import_items", importItems),
			zap.Int("threshold", w.cfg.FastModeAbove),
		)
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, batch := range subBatches {
		g.Go(func() error {
			results[i] = w.processSubBatch(ctx, batch, fast)
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{FastMode: fast, SubBatches: len(subBatches)}
	for _, r := range results {
		out.Succeeded = append(out.Succeeded, r.succeeded...)
		out.Failed = append(out.Failed, r.failed...)
	}

	w.logger.Info("batch fetched",
		zap.Int("items", len(refs)),
		zap.Int("succeeded", len(out.Succeeded)),
		zap.Int("failed", len(out.Failed)),
		zap.Int("sub_batches", out.SubBatches),
		zap.Bool("fast_mode", fast),
	)
	return out, nil
}

// processSubBatch fetches every item of the sub-batch concurrently, saves the
// successes in one write and reads them back.
func (w *chunkWorker) processSubBatch(ctx context.Context, refs []entity.ItemRef, fast bool) subBatchResult {
	fetched := make([]*entity.DetailRecord, len(refs))
	reasons := make([]string, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					reasons[i] = fmt.Sprintf("panic: %v", r)
				}
			}()
			rec, err := w.fetchItem(ctx, ref, fast)
			if err != nil {
				reasons[i] = err.Error()
				return
			}
			fetched[i] = rec
		}()
	}
	wg.Wait()

	var res subBatchResult
	toSave := make([]entity.DetailRecord, 0, len(refs))
	savedRefs := make([]entity.ItemRef, 0, len(refs))
	for i, ref := range refs {
		if fetched[i] == nil {
			res.failed = append(res.failed, FailedItem{Ref: ref, Reason: reasons[i]})
			continue
		}
		toSave = append(toSave, *fetched[i])
		savedRefs = append(savedRefs, ref)
	}
	if len(toSave) == 0 {
		return res
	}

	if err := w.records.SaveBatch(ctx, toSave); err != nil {
		w.logger.Error("failed to save sub-batch", zap.Int("records", len(toSave)), zap.Error(err))
		for _, ref := range savedRefs {
			res.failed = append(res.failed, FailedItem{Ref: ref, Reason: "save failed: " + err.Error()})
		}
		return res
	}

	keys := make([]string, len(toSave))
	for i, rec := range toSave {
		keys[i] = rec.ItemKey
	}
	stored, err := w.records.FindByKeys(ctx, keys)
	if err != nil {
		w.logger.Error("failed to read back sub-batch", zap.Int("records", len(keys)), zap.Error(err))
		for _, ref := range savedRefs {
			res.failed = append(res.failed, FailedItem{Ref: ref, Reason: "read back failed: " + err.Error()})
		}
		return res
	}

	byKey := make(map[string]entity.DetailRecord, len(stored))
	for _, rec := range stored {
		byKey[rec.ItemKey] = rec
	}
	for i, ref := range savedRefs {
		rec, ok := byKey[keys[i]]
		if !ok {
			res.failed = append(res.failed, FailedItem{Ref: ref, Reason: "not persisted"})
			continue
		}
		res.succeeded = append(res.succeeded, rec)
	}
	return res
}

func (w *chunkWorker) fetchItem(ctx context.Context, ref entity.ItemRef, fast bool) (*entity.DetailRecord, error) {
	mode := "full"
	if fast {
		mode = "fast"
	}
	start := time.Now()

	var detail *entity.ListingDetail
	op := func() error {
		reqCtx, cancel := w.itemContext(ctx)
		defer cancel()
		d, err := w.source.FetchDetail(reqCtx, ref)
		if err != nil {
			if errors.Is(err, repository.ErrParse) || errors.Is(err, repository.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if d == nil {
			return backoff.Permanent(fmt.Errorf("%w: empty detail", repository.ErrParse))
		}
		detail = d
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), uint64(w.cfg.ItemAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, b)
	metrics.DetailFetchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ItemFetchesTotal.WithLabelValues("failure", mode).Inc()
		w.logger.Warn("item detail fetch failed", zap.String("item", ref.Key()), zap.Error(err))
		return nil, fmt.Errorf("fetch detail: %w", err)
	}
	metrics.ItemFetchesTotal.WithLabelValues("success", mode).Inc()

	var history []entity.SaleRecord
	if !fast && detail.HistoryURL != "" {
		reqCtx, cancel := w.itemContext(ctx)
		h, err := w.source.FetchHistory(reqCtx, detail.HistoryURL)
		cancel()
		if err != nil {
			w.logger.Debug("history enrichment failed",
				zap.String("item", ref.Key()),
				zap.String("history_url", detail.HistoryURL),
				zap.Error(err),
			)
		} else {
			history = h
		}
	}

	rec := entity.NewDetailRecord(ref, *detail, history, fast, time.Now().UTC())
	return &rec, nil
}

func (w *chunkWorker) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.ItemTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.ItemTimeout)
	}
	return context.WithCancel(ctx)
}
