package repository

import (
	"context"

	"github.com/user/listing-ingest/internal/entity"
)

// DetailRecordRepository defines the interface for storing and retrieving item detail.
type DetailRecordRepository interface {
	// SaveBatch upserts records by item key.
	SaveBatch(ctx context.Context, records []entity.DetailRecord) error
	// FindByKeys returns the stored records for the given item keys. Missing keys are omitted.
	FindByKeys(ctx context.Context, keys []string) ([]entity.DetailRecord, error)
}
