package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// ScheduleRepository implements repository.ScheduleRepository using GORM.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new GORM-backed schedule repository.
func NewScheduleRepository(db *gorm.DB) repository.ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Create(ctx context.Context, entry *entity.ScheduleEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = entity.SchedulePending
	}
	m, err := scheduleFromEntity(entry)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *ScheduleRepository) Get(ctx context.Context, id string) (*entity.ScheduleEntry, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *ScheduleRepository) List(ctx context.Context) ([]*entity.ScheduleEntry, error) {
	var models []scheduleEntryModel
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*entity.ScheduleEntry, 0, len(models))
	for i := range models {
		e, err := models[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *ScheduleRepository) FindByJob(ctx context.Context, jobID string) (*entity.ScheduleEntry, error) {
	return r.first(r.db.WithContext(ctx).Where("job_id = ?", jobID))
}

func (r *ScheduleRepository) CountByStatus(ctx context.Context, status entity.ScheduleStatus) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&scheduleEntryModel{}).
		Where("status = ?", string(status)).
		Count(&n).Error
	return int(n), err
}

func (r *ScheduleRepository) OldestPending(ctx context.Context) (*entity.ScheduleEntry, error) {
	return r.first(r.db.WithContext(ctx).
		Where("status = ?", string(entity.SchedulePending)).
		Order("created_at ASC, id ASC"))
}

func (r *ScheduleRepository) Transition(
	ctx context.Context,
	id string,
	from, to entity.ScheduleStatus,
	jobID *string,
	lastError string,
	now time.Time,
) error {
	updates := map[string]interface{}{
		"status":     string(to),
		"last_error": lastError,
		"updated_at": now,
	}
	if jobID != nil {
		updates["job_id"] = *jobID
	}
	switch to {
	case entity.ScheduleCompleted:
		updates["completed_at"] = now
	case entity.SchedulePending, entity.ScheduleImporting:
		updates["completed_at"] = nil
	}

	res := r.db.WithContext(ctx).
		Model(&scheduleEntryModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		entry, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: schedule %s is %s, not %s", repository.ErrInvalidTransition, id, entry.Status, from)
	}
	return nil
}

func (r *ScheduleRepository) first(q *gorm.DB) (*entity.ScheduleEntry, error) {
	var m scheduleEntryModel
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return m.toEntity()
}
