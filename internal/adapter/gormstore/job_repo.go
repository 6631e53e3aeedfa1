package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// ImportJobRepository implements repository.ImportJobRepository using GORM.
type ImportJobRepository struct {
	db *gorm.DB
}

// NewImportJobRepository creates a new GORM-backed job repository.
func NewImportJobRepository(db *gorm.DB) repository.ImportJobRepository {
	return &ImportJobRepository{db: db}
}

func (r *ImportJobRepository) Create(ctx context.Context, job *entity.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = entity.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m, err := jobFromEntity(job)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *ImportJobRepository) Get(ctx context.Context, id string) (*entity.ImportJob, error) {
	return getJob(r.db.WithContext(ctx), id)
}

func getJob(db *gorm.DB, id string) (*entity.ImportJob, error) {
	var m importJobModel
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return m.toEntity()
}

func (r *ImportJobRepository) List(ctx context.Context, limit int) ([]*entity.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []importJobModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	jobs := make([]*entity.ImportJob, 0, len(models))
	for i := range models {
		j, err := models[i].toEntity()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *ImportJobRepository) ClaimPlanning(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&importJobModel{}).
		Where("id = ?", id).
		Where("(status = ? OR (status = ? AND total_chunks IS NULL AND planning_started_at < ?))",
			string(entity.JobPending), string(entity.JobPlanning), staleBefore).
		Updates(map[string]interface{}{
			"status":              string(entity.JobPlanning),
			"planning_started_at": now,
			"started_at":          gorm.Expr("COALESCE(started_at, ?)", now),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ImportJobRepository) SavePlan(ctx context.Context, id string, plan repository.ImportPlan, now time.Time) error {
	split, err := json.Marshal(plan.Split)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"total_chunks": len(plan.Chunks),
			"chunk_size":   plan.ChunkSize,
			"total_items":  plan.TotalItems,
			"split":        string(split),
			"message":      plan.Message,
			"status":       string(entity.JobRunning),
		}
		if len(plan.Chunks) == 0 {
			updates["status"] = string(entity.JobCompleted)
			updates["finished_at"] = now
		}

		res := tx.Model(&importJobModel{}).
			Where("id = ? AND status = ? AND total_chunks IS NULL", id, string(entity.JobPlanning)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job, err := getJob(tx, id)
			if err != nil {
				return err
			}
			if job.TotalChunks != nil {
				return repository.ErrPlanAlreadySet
			}
			return fmt.Errorf("%w: job %s is %s", repository.ErrInvalidTransition, id, job.Status)
		}

		if len(plan.Chunks) == 0 {
			return nil
		}
		chunks := make([]importChunkModel, 0, len(plan.Chunks))
		for i, items := range plan.Chunks {
			data, err := json.Marshal(items)
			if err != nil {
				return err
			}
			chunks = append(chunks, importChunkModel{
				JobID:      id,
				ChunkIndex: i,
				Items:      string(data),
				Status:     string(entity.ChunkPending),
			})
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

func (r *ImportJobRepository) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&importJobModel{}).
		Where("id = ?", id).
		Update("last_dispatch_at", now).Error
}

func (r *ImportJobRepository) Finish(ctx context.Context, id string, from []entity.JobStatus, to entity.JobStatus, errMsg string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", repository.ErrInvalidTransition, to)
	}
	from = entity.AllowedSources(from, to)
	if len(from) == 0 {
		return fmt.Errorf("%w: no allowed source status for %s", repository.ErrInvalidTransition, to)
	}
	res := r.db.WithContext(ctx).
		Model(&importJobModel{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(map[string]interface{}{
			"status":        string(to),
			"error_message": errMsg,
			"finished_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		job, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s", repository.ErrInvalidTransition, id, job.Status)
	}
	return nil
}

func (r *ImportJobRepository) CompleteIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&importJobModel{}).
		Where("id = ? AND status = ? AND total_chunks IS NOT NULL AND completed_chunks + failed_chunks >= total_chunks",
			id, string(entity.JobRunning)).
		Updates(map[string]interface{}{
			"status":      string(entity.JobCompleted),
			"finished_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ImportJobRepository) ClaimChunk(ctx context.Context, jobID string, index int, now, staleBefore time.Time) (*entity.ImportChunk, bool, error) {
	var (
		chunk   *entity.ImportChunk
		claimed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&importChunkModel{}).
			Where("job_id = ? AND chunk_index = ?", jobID, index).
			Where("(status = ? OR (status = ? AND claimed_at < ?))",
				string(entity.ChunkPending), string(entity.ChunkRunning), staleBefore).
			Updates(map[string]interface{}{
				"status":     string(entity.ChunkRunning),
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1

		var err error
		chunk, err = getChunk(tx, jobID, index)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return chunk, claimed, nil
}

func (r *ImportJobRepository) RecordChunkOutcome(ctx context.Context, jobID string, index int, outcome entity.ChunkOutcome) (bool, error) {
	counter := "completed_chunks"
	switch outcome.Status {
	case entity.ChunkCompleted:
	case entity.ChunkFailed:
		counter = "failed_chunks"
	default:
		return false, fmt.Errorf("%w: chunk outcome %s", repository.ErrInvalidTransition, outcome.Status)
	}

	var recorded bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&importChunkModel{}).
			Where("job_id = ? AND chunk_index = ? AND status = ?", jobID, index, string(entity.ChunkRunning)).
			Updates(map[string]interface{}{
				"status":          string(outcome.Status),
				"items_succeeded": outcome.ItemsSucceeded,
				"items_failed":    outcome.ItemsFailed,
				"fast_mode":       outcome.FastMode,
				"error":           outcome.Error,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		recorded = true
		return tx.Model(&importJobModel{}).
			Where("id = ?", jobID).
			UpdateColumn(counter, gorm.Expr(counter+" + 1")).Error
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

func (r *ImportJobRepository) UnfinishedChunks(ctx context.Context, jobID string, staleBefore time.Time) ([]int, error) {
	var indexes []int
	err := r.db.WithContext(ctx).
		Model(&importChunkModel{}).
		Where("job_id = ?", jobID).
		Where("(status = ? OR (status = ? AND claimed_at < ?))",
			string(entity.ChunkPending), string(entity.ChunkRunning), staleBefore).
		Order("chunk_index ASC").
		Pluck("chunk_index", &indexes).Error
	return indexes, err
}

func (r *ImportJobRepository) GetChunk(ctx context.Context, jobID string, index int) (*entity.ImportChunk, error) {
	return getChunk(r.db.WithContext(ctx), jobID, index)
}

func getChunk(db *gorm.DB, jobID string, index int) (*entity.ImportChunk, error) {
	var m importChunkModel
	if err := db.Where("job_id = ? AND chunk_index = ?", jobID, index).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return m.toEntity()
}

func statusStrings(statuses []entity.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
