package gormstore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// DetailRecordRepository implements repository.DetailRecordRepository using GORM.
type DetailRecordRepository struct {
	db *gorm.DB
}

// NewDetailRecordRepository creates a new GORM-backed detail repository.
func NewDetailRecordRepository(db *gorm.DB) repository.DetailRecordRepository {
	return &DetailRecordRepository{db: db}
}

func (r *DetailRecordRepository) SaveBatch(ctx context.Context, records []entity.DetailRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]detailRecordModel, 0, len(records))
	pos := make(map[string]int, len(records))
	for _, rec := range records {
		m, err := detailFromEntity(rec)
		if err != nil {
			return err
		}
		// last write wins within one batch
		if i, ok := pos[m.ItemKey]; ok {
			models[i] = m
			continue
		}
		pos[m.ItemKey] = len(models)
		models = append(models, m)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_key"}},
			UpdateAll: true,
		}).
		Create(&models).Error
}

func (r *DetailRecordRepository) FindByKeys(ctx context.Context, keys []string) ([]entity.DetailRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var models []detailRecordModel
	if err := r.db.WithContext(ctx).Where("item_key IN ?", keys).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]entity.DetailRecord, 0, len(models))
	for i := range models {
		rec, err := models[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
