package usecase_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/listing-ingest/internal/adapter/gormstore"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
)

type harness struct {
	orch       usecase.ImportOrchestrator
	runner     usecase.ChunkRunner
	schedules  usecase.ScheduleManager
	jobs       repository.ImportJobRepository
	dispatcher *recordingDispatcher
	search     *fakeSearchSource
	detail     *fakeDetailSource
	records    *memoryDetailRepo
	clock      *manualClock
}

func newHarness(t *testing.T, items []entity.ItemRef) *harness {
	t.Helper()
	db, err := gormstore.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	h := &harness{
		jobs:       gormstore.NewImportJobRepository(db),
		dispatcher: &recordingDispatcher{},
		search:     newFakeSearchSource(items, 1000),
		detail:     &fakeDetailSource{},
		records:    newMemoryDetailRepo(),
		clock:      newManualClock(),
	}

	crawler := newCrawler(testSplitConfig(), h.search)
	worker := usecase.NewChunkWorker(testWorkerConfig(), h.detail, h.records, testLogger)
	cfg := usecase.DefaultOrchestratorConfig()
	cfg.Clock = h.clock.Now

	h.schedules = usecase.NewScheduleManager(gormstore.NewScheduleRepository(db), h.jobs, cfg.ChunkSize, h.clock.Now, testLogger)
	h.orch = usecase.NewImportOrchestrator(cfg, h.jobs, crawler, h.dispatcher, h.schedules, testLogger)
	h.runner = usecase.NewChunkRunner(h.jobs, worker, cfg.ChunkLease, 0, h.clock.Now, testLogger)
	return h
}

func (h *harness) runDispatched(t *testing.T) int {
	t.Helper()
	tasks := h.dispatcher.drain()
	for _, task := range tasks {
		require.NoError(t, h.runner.ProcessChunk(context.Background(), task))
	}
	return len(tasks)
}

func priceQuery(keywords string, maxPrice int64) entity.QueryDefinition {
	return entity.QueryDefinition{Keywords: keywords, MaxPrice: &maxPrice}
}

func TestImportOrchestrator_FullLifecycle(t *testing.T) {
	h := newHarness(t, uniformItems(45, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("lamp", 50_000))
	require.NoError(t, err)
	assert.Equal(t, entity.JobPending, job.Status)

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobRunning, res.Progress.Status)
	assert.Equal(t, 3, res.Progress.Total)
	assert.Equal(t, 45, res.Progress.TotalItems)
	assert.Equal(t, float64(0), res.Progress.Percent)
	assert.True(t, res.ContinuePolling)

	tasks := h.dispatcher.drain()
	require.Len(t, tasks, 3)
	require.NoError(t, h.runner.ProcessChunk(ctx, tasks[0]))

	res, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 33.3, res.Progress.Percent)
	assert.Equal(t, entity.JobRunning, res.Progress.Status)

	for _, task := range tasks[1:] {
		require.NoError(t, h.runner.ProcessChunk(ctx, task))
	}

	res, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
	assert.Equal(t, float64(100), res.Progress.Percent)
	assert.Equal(t, 3, res.Progress.Completed)
	assert.False(t, res.ContinuePolling)
	assert.Empty(t, res.NextJobID)
	assert.Equal(t, 45, h.records.len())

	status, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, status.Status)
	require.NotNil(t, status.Split)
	assert.Equal(t, 45, status.Split.UniqueItems)
}

func TestImportOrchestrator_EmptySearchCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, entity.QueryDefinition{Keywords: "unobtainium"})
	require.NoError(t, err)

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
	assert.Equal(t, 0, res.Progress.Total)
	assert.Equal(t, float64(100), res.Progress.Percent)
	assert.Equal(t, "no matches", res.Progress.Message)
	assert.False(t, res.ContinuePolling)
	assert.Empty(t, h.dispatcher.drain())
}

func TestImportOrchestrator_CancelMidRun(t *testing.T) {
	h := newHarness(t, uniformItems(100, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("chair", 50_000))
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)

	tasks := h.dispatcher.drain()
	require.Len(t, tasks, 5)
	require.NoError(t, h.runner.ProcessChunk(ctx, tasks[0]))
	require.NoError(t, h.runner.ProcessChunk(ctx, tasks[1]))

	progress, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCancelled, progress.Status)

	callsBefore := h.detail.detailCalls.Load()
	for _, task := range tasks[2:] {
		require.NoError(t, h.runner.ProcessChunk(ctx, task))
	}
	assert.Equal(t, callsBefore, h.detail.detailCalls.Load(), "chunks of a cancelled job do no work")

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCancelled, res.Progress.Status)
	assert.Equal(t, 2, res.Progress.Processed)
	assert.False(t, res.ContinuePolling)

	_, err = h.orch.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrJobTerminal)
}

func TestImportOrchestrator_ClaimedChunkFinishesAfterCancel(t *testing.T) {
	h := newHarness(t, uniformItems(10, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("chair", 50_000))
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, h.dispatcher.drain(), 1)

	now := h.clock.Now()
	chunk, claimed, err := h.jobs.ClaimChunk(ctx, job.ID, 0, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)

	// The chunk that was already running is allowed to land its outcome.
	recorded, err := h.jobs.RecordChunkOutcome(ctx, job.ID, 0, entity.ChunkOutcome{
		Status:         entity.ChunkCompleted,
		ItemsSucceeded: len(chunk.Items),
	})
	require.NoError(t, err)
	assert.True(t, recorded)

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCancelled, res.Progress.Status, "a cancelled job never completes")
	assert.Equal(t, 1, res.Progress.Processed)
	assert.Equal(t, 1, res.Progress.Total)
	assert.False(t, res.ContinuePolling)

	got, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedChunks)
}

func TestImportOrchestrator_ConcurrentAdvancePlansOnce(t *testing.T) {
	h := newHarness(t, uniformItems(45, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("desk", 50_000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Advance(ctx, job.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, h.search.countCalls.Load(), "only one caller crawls")

	h.runDispatched(t)
	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
	assert.Equal(t, 3, res.Progress.Completed)
	assert.Equal(t, 3, res.Progress.Total)
}

func TestImportOrchestrator_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, uniformItems(200, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("table", 50_000))
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)

	tasks := h.dispatcher.drain()
	require.Len(t, tasks, 10)

	last := -1.0
	for _, task := range append(tasks, tasks...) {
		require.NoError(t, h.runner.ProcessChunk(ctx, task))
		res, err := h.orch.Advance(ctx, job.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Progress.Percent, last)
		assert.LessOrEqual(t, res.Progress.Processed, res.Progress.Total)
		last = res.Progress.Percent
	}
	assert.Equal(t, float64(100), last)
}

func TestImportOrchestrator_RedispatchesLostChunks(t *testing.T) {
	h := newHarness(t, uniformItems(45, 50_000))
	ctx := context.Background()
	cfg := usecase.DefaultOrchestratorConfig()

	job, err := h.orch.Submit(ctx, priceQuery("rug", 50_000))
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, h.dispatcher.drain(), 3, "initial dispatch is lost")

	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, h.dispatcher.drain(), "no redispatch before the interval")

	h.clock.Advance(cfg.RedispatchAfter + time.Minute)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, h.runDispatched(t))

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
}

func TestImportOrchestrator_FailedChunksStillComplete(t *testing.T) {
	items := uniformItems(25, 50_000)
	h := newHarness(t, items)
	h.detail.fail = map[string]error{}
	for _, it := range items[:20] {
		h.detail.fail[it.ID] = fmt.Errorf("%w: gone", repository.ErrNotFound)
	}
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("vase", 50_000))
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, h.runDispatched(t))

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
	assert.Equal(t, 1, res.Progress.Completed)
	assert.Equal(t, 1, res.Progress.Failed)

	chunk, err := h.jobs.GetChunk(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ChunkFailed, chunk.Status)
	assert.Contains(t, chunk.Error, "no items succeeded")
}

func TestImportOrchestrator_PlanningFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.search.failCount = fmt.Errorf("%w: 503", repository.ErrTransient)
	h.search.failSearch = fmt.Errorf("%w: 503", repository.ErrTransient)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("bike", 50_000))
	require.NoError(t, err)

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobFailed, res.Progress.Status)
	assert.Contains(t, res.Progress.ErrorMessage, "source unavailable")
	assert.False(t, res.ContinuePolling)
}

func TestImportOrchestrator_PlanningLeaseExpiry(t *testing.T) {
	h := newHarness(t, uniformItems(10, 50_000))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, priceQuery("mirror", 50_000))
	require.NoError(t, err)

	// A planner that claimed the job and died.
	now := h.clock.Now()
	claimed, err := h.jobs.ClaimPlanning(ctx, job.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobPlanning, res.Progress.Status)
	assert.True(t, res.ContinuePolling)
	assert.Zero(t, h.search.countCalls.Load())

	h.clock.Advance(31 * time.Minute)
	res, err = h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobRunning, res.Progress.Status)
	assert.Equal(t, 1, res.Progress.Total)
}

func TestImportOrchestrator_RejectsEmptyQuery(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Submit(context.Background(), entity.QueryDefinition{})
	assert.ErrorIs(t, err, entity.ErrEmptyQuery)

	_, err = h.orch.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestImportOrchestrator_SchedulesRunSequentially(t *testing.T) {
	h := newHarness(t, uniformItems(30, 50_000))
	ctx := context.Background()

	first, err := h.schedules.Create(ctx, "lamps", priceQuery("lamp", 50_000), "")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.schedules.Create(ctx, "rugs", priceQuery("rug", 50_000), "0 6 * * *")
	require.NoError(t, err)

	job1, err := h.schedules.StartNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job1)
	require.NotNil(t, job1.ScheduleID)
	assert.Equal(t, first.ID, *job1.ScheduleID)

	again, err := h.schedules.StartNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "only one schedule imports at a time")

	_, err = h.orch.Advance(ctx, job1.ID)
	require.NoError(t, err)
	h.runDispatched(t)

	res, err := h.orch.Advance(ctx, job1.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, res.Progress.Status)
	assert.True(t, res.ContinuePolling)
	require.NotEmpty(t, res.NextJobID)

	entry, err := h.schedules.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ScheduleCompleted, entry.Status)
	assert.NotNil(t, entry.CompletedAt)

	entry, err = h.schedules.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ScheduleImporting, entry.Status)
	require.NotNil(t, entry.JobID)
	assert.Equal(t, res.NextJobID, *entry.JobID)

	_, err = h.orch.Cancel(ctx, res.NextJobID)
	require.NoError(t, err)

	entry, err = h.schedules.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ScheduleFailed, entry.Status)
	assert.Equal(t, "import cancelled", entry.LastError)

	retried, err := h.schedules.Retry(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.SchedulePending, retried.Status)
	assert.Empty(t, retried.LastError)
	require.NotNil(t, retried.JobID)
	assert.NotEqual(t, res.NextJobID, *retried.JobID)

	job3, err := h.schedules.StartNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job3)
	assert.Equal(t, *retried.JobID, job3.ID, "the retry job is reused")

	_, err = h.schedules.Retry(ctx, first.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	rearmed, err := h.schedules.Rearm(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.SchedulePending, rearmed.Status)
}

func TestScheduleManager_RejectsBadCron(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.schedules.Create(context.Background(), "bad", entity.QueryDefinition{Keywords: "x"}, "every tuesday")
	assert.ErrorIs(t, err, usecase.ErrInvalidCronSpec)
}
