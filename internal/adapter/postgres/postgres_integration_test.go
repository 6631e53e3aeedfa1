//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/user/listing-ingest/internal/adapter/postgres"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// setupTestDB starts a disposable PostgreSQL container and applies the migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ingest_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("Skipping test: could not start postgres container: %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(url))

	pool, err := postgres.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func refs(n int) []entity.ItemRef {
	out := make([]entity.ItemRef, n)
	for i := range out {
		out[i] = entity.ItemRef{ID: fmt.Sprintf("%d", i), URL: fmt.Sprintf("https://listings.example.com/%d", i)}
	}
	return out
}

func TestImportJobRepo_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewImportJobRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := &entity.ImportJob{Query: entity.QueryDefinition{Keywords: "sofa"}, ChunkSize: 2}
	require.NoError(t, repo.Create(ctx, job))
	require.NotEmpty(t, job.ID)

	claimed, err := repo.ClaimPlanning(ctx, job.ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.ClaimPlanning(ctx, job.ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "planning is claimed once while the lease holds")

	plan := repository.ImportPlan{
		Chunks:     entity.SplitIntoChunks(refs(5), 2),
		ChunkSize:  2,
		TotalItems: 5,
		Split:      entity.SplitSummary{Leaves: 1, UniqueItems: 5},
	}
	require.NoError(t, repo.SavePlan(ctx, job.ID, plan, now))
	assert.ErrorIs(t, repo.SavePlan(ctx, job.ID, plan, now), repository.ErrPlanAlreadySet)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobRunning, got.Status)
	assert.Equal(t, 3, got.Total())
	require.NotNil(t, got.Split)
	assert.Equal(t, 5, got.Split.UniqueItems)

	pending, err := repo.UnfinishedChunks(ctx, job.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, pending)

	for i := 0; i < 3; i++ {
		chunk, ok, err := repo.ClaimChunk(ctx, job.ID, i, now, now.Add(-time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, chunk.Attempts)

		_, ok, err = repo.ClaimChunk(ctx, job.ID, i, now, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		status := entity.ChunkCompleted
		if i == 2 {
			status = entity.ChunkFailed
		}
		recorded, err := repo.RecordChunkOutcome(ctx, job.ID, i, entity.ChunkOutcome{Status: status, ItemsSucceeded: len(chunk.Items)})
		require.NoError(t, err)
		assert.True(t, recorded)

		recorded, err = repo.RecordChunkOutcome(ctx, job.ID, i, entity.ChunkOutcome{Status: status})
		require.NoError(t, err)
		assert.False(t, recorded, "an outcome is counted once")
	}

	done, err := repo.CompleteIfDone(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, done)

	got, err = repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedChunks)
	assert.Equal(t, 1, got.FailedChunks)
	assert.Equal(t, 100.0, got.Percent())

	err = repo.Finish(ctx, job.ID, []entity.JobStatus{entity.JobRunning}, entity.JobCancelled, "late", now)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestImportJobRepo_EmptyPlanCompletes(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewImportJobRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &entity.ImportJob{Query: entity.QueryDefinition{Keywords: "nothing"}}
	require.NoError(t, repo.Create(ctx, job))
	_, err := repo.ClaimPlanning(ctx, job.ID, now, now)
	require.NoError(t, err)
	require.NoError(t, repo.SavePlan(ctx, job.ID, repository.ImportPlan{Message: "no matches"}, now))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, got.Status)
	assert.Equal(t, 0, got.Total())
	assert.Equal(t, "no matches", got.Message)
	assert.NotNil(t, got.FinishedAt)
}

func TestScheduleRepo_Transitions(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewScheduleRepo(pool)
	jobs := postgres.NewImportJobRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &entity.ScheduleEntry{Name: "sofas", Query: entity.QueryDefinition{Keywords: "sofa"}}
	require.NoError(t, repo.Create(ctx, entry))

	oldest, err := repo.OldestPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, oldest.ID)

	job := &entity.ImportJob{Query: entry.Query, ScheduleID: &entry.ID}
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, repo.Transition(ctx, entry.ID, entity.SchedulePending, entity.ScheduleImporting, &job.ID, "", now))

	n, err := repo.CountByStatus(ctx, entity.ScheduleImporting)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	linked, err := repo.FindByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, linked.ID)

	err = repo.Transition(ctx, entry.ID, entity.SchedulePending, entity.ScheduleImporting, nil, "", now)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	require.NoError(t, repo.Transition(ctx, entry.ID, entity.ScheduleImporting, entity.ScheduleCompleted, nil, "", now))
	got, err := repo.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ScheduleCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.JobID)
	assert.Equal(t, job.ID, *got.JobID)

	_, err = repo.OldestPending(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDetailRecordRepo_Upsert(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewDetailRecordRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	first := entity.DetailRecord{ItemKey: "id:1", ItemID: "1", URL: "https://x/1", Title: "old", FetchedAt: now}
	second := entity.DetailRecord{
		ItemKey:    "id:1",
		ItemID:     "1",
		URL:        "https://x/1",
		Title:      "new",
		Attributes: map[string]string{"color": "red"},
		History:    []entity.SaleRecord{{Date: "2024-01-01", Price: 10}},
		FetchedAt:  now,
	}
	require.NoError(t, repo.SaveBatch(ctx, []entity.DetailRecord{first, second}))
	require.NoError(t, repo.SaveBatch(ctx, []entity.DetailRecord{{ItemKey: "id:2", URL: "https://x/2", FetchedAt: now}}))

	got, err := repo.FindByKeys(ctx, []string{"id:1", "id:2", "id:3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byKey := map[string]entity.DetailRecord{}
	for _, rec := range got {
		byKey[rec.ItemKey] = rec
	}
	assert.Equal(t, "new", byKey["id:1"].Title)
	assert.Equal(t, "red", byKey["id:1"].Attributes["color"])
	assert.Len(t, byKey["id:1"].History, 1)
	assert.Nil(t, byKey["id:2"].Attributes)
}
