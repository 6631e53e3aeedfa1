package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

const jobColumns = `id, schedule_id, query, status, total_chunks, completed_chunks, failed_chunks,
	chunk_size, total_items, split, message, error_message, created_at, started_at,
	planning_started_at, last_dispatch_at, finished_at`

const chunkColumns = `job_id, chunk_index, items, status, attempts, claimed_at,
	items_succeeded, items_failed, fast_mode, error`

// ImportJobRepoImpl provides a concrete implementation for the ImportJobRepository interface using PostgreSQL.
type ImportJobRepoImpl struct {
	db *pgxpool.Pool
}

// NewImportJobRepo creates a new instance of ImportJobRepoImpl.
func NewImportJobRepo(db *pgxpool.Pool) *ImportJobRepoImpl {
	return &ImportJobRepoImpl{db: db}
}

// Create inserts a new job.
func (r *ImportJobRepoImpl) Create(ctx context.Context, job *entity.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = entity.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	queryJSON, err := json.Marshal(job.Query)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO import_jobs (id, schedule_id, query, status, chunk_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = r.db.Exec(ctx, query, job.ID, job.ScheduleID, queryJSON, string(job.Status), job.ChunkSize, job.CreatedAt)
	return err
}

// Get retrieves a job by ID.
func (r *ImportJobRepoImpl) Get(ctx context.Context, id string) (*entity.ImportJob, error) {
	return scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1;`, id))
}

// List retrieves the most recent jobs.
func (r *ImportJobRepoImpl) List(ctx context.Context, limit int) ([]*entity.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs ORDER BY created_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimPlanning moves the job to planning if it is pending or its planning lease expired.
func (r *ImportJobRepoImpl) ClaimPlanning(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE import_jobs
		SET status = 'planning', planning_started_at = $2, started_at = COALESCE(started_at, $2)
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'planning' AND total_chunks IS NULL AND planning_started_at < $3));
	`
	tag, err := r.db.Exec(ctx, query, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SavePlan writes total_chunks and the chunk rows within a single transaction.
func (r *ImportJobRepoImpl) SavePlan(ctx context.Context, id string, plan repository.ImportPlan, now time.Time) error {
	splitJSON, err := json.Marshal(plan.Split)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status := entity.JobRunning
	var finishedAt *time.Time
	if len(plan.Chunks) == 0 {
		status = entity.JobCompleted
		finishedAt = &now
	}

	tag, err := tx.Exec(ctx, `
		UPDATE import_jobs
		SET total_chunks = $2, chunk_size = $3, total_items = $4, split = $5, message = $6,
		    status = $7, finished_at = COALESCE($8, finished_at)
		WHERE id = $1 AND status = 'planning' AND total_chunks IS NULL;
	`, id, len(plan.Chunks), plan.ChunkSize, plan.TotalItems, splitJSON, plan.Message, string(status), finishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var (
			current     string
			totalChunks *int
		)
		err := tx.QueryRow(ctx, `SELECT status, total_chunks FROM import_jobs WHERE id = $1;`, id).Scan(&current, &totalChunks)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		if totalChunks != nil {
			return repository.ErrPlanAlreadySet
		}
		return fmt.Errorf("%w: job %s is %s", repository.ErrInvalidTransition, id, current)
	}

	if len(plan.Chunks) > 0 {
		batch := &pgx.Batch{}
		for i, items := range plan.Chunks {
			itemsJSON, err := json.Marshal(items)
			if err != nil {
				return err
			}
			batch.Queue(`INSERT INTO import_chunks (job_id, chunk_index, items, status) VALUES ($1, $2, $3, 'pending')`,
				id, i, itemsJSON)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// MarkDispatched records the time of the last dispatch round.
func (r *ImportJobRepoImpl) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE import_jobs SET last_dispatch_at = $2 WHERE id = $1;`, id, now)
	return err
}

// Finish moves the job to a terminal status if it is in one of the from statuses.
func (r *ImportJobRepoImpl) Finish(ctx context.Context, id string, from []entity.JobStatus, to entity.JobStatus, errMsg string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", repository.ErrInvalidTransition, to)
	}
	from = entity.AllowedSources(from, to)
	if len(from) == 0 {
		return fmt.Errorf("%w: no allowed source status for %s", repository.ErrInvalidTransition, to)
	}
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE import_jobs
		SET status = $3, error_message = $4, finished_at = $5
		WHERE id = $1 AND status = ANY($2);
	`, id, fromStatuses, string(to), errMsg, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		job, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s", repository.ErrInvalidTransition, id, job.Status)
	}
	return nil
}

// CompleteIfDone completes a running job whose chunks all have outcomes.
func (r *ImportJobRepoImpl) CompleteIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_jobs
		SET status = 'completed', finished_at = $2
		WHERE id = $1 AND status = 'running'
		  AND total_chunks IS NOT NULL
		  AND completed_chunks + failed_chunks >= total_chunks;
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimChunk marks a pending or stale running chunk as running.
func (r *ImportJobRepoImpl) ClaimChunk(ctx context.Context, jobID string, index int, now, staleBefore time.Time) (*entity.ImportChunk, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE import_chunks
		SET status = 'running', claimed_at = $3, attempts = attempts + 1
		WHERE job_id = $1 AND chunk_index = $2
		  AND (status = 'pending' OR (status = 'running' AND claimed_at < $4))
		RETURNING `+chunkColumns+`;
	`, jobID, index, now, staleBefore)
	chunk, err := scanChunk(row)
	if errors.Is(err, repository.ErrNotFound) {
		chunk, err = r.GetChunk(ctx, jobID, index)
		if err != nil {
			return nil, false, err
		}
		return chunk, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return chunk, true, nil
}

// RecordChunkOutcome stores the outcome and bumps the job counter in one transaction.
func (r *ImportJobRepoImpl) RecordChunkOutcome(ctx context.Context, jobID string, index int, outcome entity.ChunkOutcome) (bool, error) {
	var counterSQL string
	switch outcome.Status {
	case entity.ChunkCompleted:
		counterSQL = `UPDATE import_jobs SET completed_chunks = completed_chunks + 1 WHERE id = $1;`
	case entity.ChunkFailed:
		counterSQL = `UPDATE import_jobs SET failed_chunks = failed_chunks + 1 WHERE id = $1;`
	default:
		return false, fmt.Errorf("%w: chunk outcome %s", repository.ErrInvalidTransition, outcome.Status)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE import_chunks
		SET status = $3, items_succeeded = $4, items_failed = $5, fast_mode = $6, error = $7
		WHERE job_id = $1 AND chunk_index = $2 AND status = 'running';
	`, jobID, index, string(outcome.Status), outcome.ItemsSucceeded, outcome.ItemsFailed, outcome.FastMode, outcome.Error)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, counterSQL, jobID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UnfinishedChunks returns indexes of pending chunks and running chunks with expired claims.
func (r *ImportJobRepoImpl) UnfinishedChunks(ctx context.Context, jobID string, staleBefore time.Time) ([]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT chunk_index FROM import_chunks
		WHERE job_id = $1
		  AND (status = 'pending' OR (status = 'running' AND claimed_at < $2))
		ORDER BY chunk_index ASC;
	`, jobID, staleBefore)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// GetChunk retrieves one chunk of a plan.
func (r *ImportJobRepoImpl) GetChunk(ctx context.Context, jobID string, index int) (*entity.ImportChunk, error) {
	return scanChunk(r.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM import_chunks WHERE job_id = $1 AND chunk_index = $2;`, jobID, index))
}

func scanJob(row pgx.Row) (*entity.ImportJob, error) {
	var (
		job       entity.ImportJob
		status    string
		queryJSON []byte
		splitJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.ScheduleID,
		&queryJSON,
		&status,
		&job.TotalChunks,
		&job.CompletedChunks,
		&job.FailedChunks,
		&job.ChunkSize,
		&job.TotalItems,
		&splitJSON,
		&job.Message,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.PlanningStartedAt,
		&job.LastDispatchAt,
		&job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(status)
	if err := json.Unmarshal(queryJSON, &job.Query); err != nil {
		return nil, err
	}
	if len(splitJSON) > 0 {
		job.Split = &entity.SplitSummary{}
		if err := json.Unmarshal(splitJSON, job.Split); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func scanChunk(row pgx.Row) (*entity.ImportChunk, error) {
	var (
		chunk     entity.ImportChunk
		status    string
		itemsJSON []byte
	)
	err := row.Scan(
		&chunk.JobID,
		&chunk.Index,
		&itemsJSON,
		&status,
		&chunk.Attempts,
		&chunk.ClaimedAt,
		&chunk.ItemsSucceeded,
		&chunk.ItemsFailed,
		&chunk.FastMode,
		&chunk.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chunk.Status = entity.ChunkStatus(status)
	if err := json.Unmarshal(itemsJSON, &chunk.Items); err != nil {
		return nil, err
	}
	return &chunk, nil
}
